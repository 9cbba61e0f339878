package vmm

// MapPage installs a mapping from virt to phys with the given flags,
// walking/creating the PDPT, PD and PT as needed (spec.md §4.2).
//
// Two cases short-circuit the walk instead of failing against it: a request
// for the identity window (virt < 1 GiB and virt == phys) is already
// satisfied by the boot-time huge-page mapping, so it returns success
// without touching a table; and a request that lands inside an existing
// huge-page leaf elsewhere is rejected unless it is itself an identity map
// that huge leaf already covers, in which case it also returns success
// rather than the usual "blocked by a huge page" failure (spec.md §3). Both
// let callers — notably MMIO mappers — issue virt==phys requests freely
// without first checking whether the address happens to fall inside
// already-mapped territory.
//
// huge selects a 2 MiB (pageSize2M) or 1 GiB (pageSize1G) leaf instead of a
// 4 KiB one; pass 0 for a normal page.
func (v *VMM) MapPage(virt, phys uint64, flags PTEFlag, huge uint64) bool {
	if virt < pageSize1G && virt == phys {
		return true
	}

	pml4i, pdpti, pdi, pti := indices(virt)

	pml4 := tableAt(v.rootPhys)
	pdptPhys, ok := v.ensureTable(&pml4[pml4i])
	if !ok {
		return false
	}

	if huge == pageSize1G {
		pdpt := tableAt(pdptPhys)
		pdpt[pdpti] = makePTE(phys, flags|FlagPresent|FlagHuge)
		v.invalidate(virt)
		return true
	}

	pdpt := tableAt(pdptPhys)
	if e := pdpt[pdpti]; e.hasFlags(FlagPresent) && e.hasFlags(FlagHuge) {
		return identityCoveredByHuge(e, virt, phys, pageSize1G)
	}
	pdPhys, ok := v.ensureTable(&pdpt[pdpti])
	if !ok {
		return false
	}

	if huge == pageSize2M {
		pd := tableAt(pdPhys)
		pd[pdi] = makePTE(phys, flags|FlagPresent|FlagHuge)
		v.invalidate(virt)
		return true
	}

	pd := tableAt(pdPhys)
	if e := pd[pdi]; e.hasFlags(FlagPresent) && e.hasFlags(FlagHuge) {
		return identityCoveredByHuge(e, virt, phys, pageSize2M)
	}
	ptPhys, ok := v.ensureTable(&pd[pdi])
	if !ok {
		return false
	}

	pt := tableAt(ptPhys)
	pt[pti] = makePTE(phys, flags|FlagPresent)
	v.invalidate(virt)
	return true
}

// identityCoveredByHuge reports whether an existing huge-page leaf e already
// satisfies an identity-mapped request for virt: true only when virt==phys
// and e's own base physical address equals virt's huge-aligned base, i.e.
// the huge page was itself installed as an identity mapping.
func identityCoveredByHuge(e pte, virt, phys, hugeSize uint64) bool {
	if virt != phys {
		return false
	}
	return e.physAddr() == virt&^(hugeSize-1)
}

// UnmapPage clears the leaf entry mapping virt, if any, and flushes the
// TLB for that address (spec.md §4.2). It returns false without modifying
// anything if virt falls inside a huge-page mapping — spec.md leaves
// partial-unmap of a huge page as unsupported, so callers must unmap
// huge-page regions as a whole via their own tracking.
func (v *VMM) UnmapPage(virt uint64) bool {
	pml4i, pdpti, pdi, pti := indices(virt)

	pml4 := tableAt(v.rootPhys)
	if !pml4[pml4i].hasFlags(FlagPresent) {
		return false
	}
	pdpt := tableAt(pml4[pml4i].physAddr())

	if pdpt[pdpti].hasFlags(FlagHuge) {
		return false
	}
	if !pdpt[pdpti].hasFlags(FlagPresent) {
		return false
	}
	pd := tableAt(pdpt[pdpti].physAddr())

	if pd[pdi].hasFlags(FlagHuge) {
		return false
	}
	if !pd[pdi].hasFlags(FlagPresent) {
		return false
	}
	pt := tableAt(pd[pdi].physAddr())

	if !pt[pti].hasFlags(FlagPresent) {
		return false
	}
	pt[pti] = 0
	v.invalidate(virt)
	return true
}

// Translate walks the page tables for virt and returns the physical
// address it maps to, combining a huge-page base with the in-page offset
// when the leaf is a 2 MiB or 1 GiB entry (spec.md §4.2). ok is false if no
// mapping exists at any level.
func (v *VMM) Translate(virt uint64) (phys uint64, ok bool) {
	pml4i, pdpti, pdi, pti := indices(virt)

	pml4 := tableAt(v.rootPhys)
	if !pml4[pml4i].hasFlags(FlagPresent) {
		return 0, false
	}
	pdpt := tableAt(pml4[pml4i].physAddr())

	e := pdpt[pdpti]
	if !e.hasFlags(FlagPresent) {
		return 0, false
	}
	if e.hasFlags(FlagHuge) {
		return e.physAddr() + (virt & (pageSize1G - 1)), true
	}
	pd := tableAt(e.physAddr())

	e = pd[pdi]
	if !e.hasFlags(FlagPresent) {
		return 0, false
	}
	if e.hasFlags(FlagHuge) {
		return e.physAddr() + (virt & (pageSize2M - 1)), true
	}
	pt := tableAt(e.physAddr())

	e = pt[pti]
	if !e.hasFlags(FlagPresent) {
		return 0, false
	}
	return e.physAddr() + (virt & (pageSize4K - 1)), true
}
