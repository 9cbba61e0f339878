// Package vmm is the virtual memory manager: a 4-level (PML4/PDPT/PD/PT)
// x86-64 page-table walker and mapper, including huge-page handling
// (spec.md §4.2). Generalized from the teacher's single-level ARM64 `mmu.go`
// table-install idiom to the 4-level amd64 format gopheros's
// `kernel/mem/vmm` package models architecturally.
package vmm

import "unsafe"

// FrameAllocator is the subset of kernel/pmm.Allocator the VMM needs to
// fetch fresh, zeroed pages for intermediate page tables. Declaring it as an
// interface (rather than importing kernel/pmm directly) keeps this package
// testable against a fake and avoids a hard dependency cycle between the
// two subsystems, which spec.md describes as adjacent but separately owned.
type FrameAllocator interface {
	AllocPage() uint64
}

// ZeroPage is implemented by whatever provides physical-memory access for
// zeroing freshly allocated intermediate tables; kernel.Kmain wires this to
// a thin helper that writes through the identity-mapped low-memory window.
type ZeroPage func(phys uint64)

// physToPointer maps a physical address to a Go pointer through which the
// VMM can read/write a page table. On real hardware this is simply
// unsafe.Pointer(uintptr(phys)) because every physical page the PMM ever
// hands out lies in the first 1 GiB, which spec.md §3 guarantees is
// identity-mapped by the boot-time 2 MiB pages. Tests override this var to
// point into ordinary Go-allocated memory standing in for "physical" pages,
// the same override-a-package-var technique gopheros's own vmm tests use
// for its walk() pointer function.
var physToPointer = func(phys uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(phys))
}

const entriesPerTable = 512

type table [entriesPerTable]pte

func tableAt(phys uint64) *table {
	return (*table)(physToPointer(phys))
}

// indices extracts the 4 level indices (PML4, PDPT, PD, PT) and the 4 KiB
// page offset from a virtual address, 9 bits per level as spec.md §3
// describes.
func indices(virt uint64) (pml4, pdpt, pd, pt uint64) {
	pml4 = (virt >> 39) & 0x1FF
	pdpt = (virt >> 30) & 0x1FF
	pd = (virt >> 21) & 0x1FF
	pt = (virt >> 12) & 0x1FF
	return
}

// VMM owns the top-level page table pointer and the frame allocator used to
// materialize intermediate tables. Per spec.md §9, this is the explicit
// per-subsystem bundle threaded by reference from kernel.Kmain.
type VMM struct {
	rootPhys uint64
	frames   FrameAllocator
	zero     ZeroPage
	invlpg   func(virt uint64)
	flushAll func(root uint64)
}

// New constructs a VMM. zero must zero a full 4 KiB page at the given
// physical address; invlpg/flushAll back spec.md §4.2's flush_tlb(_all) —
// both may be nil in a host test, in which case they are simply skipped.
func New(frames FrameAllocator, zero ZeroPage, invlpg func(uint64), flushAll func(uint64)) *VMM {
	return &VMM{frames: frames, zero: zero, invlpg: invlpg, flushAll: flushAll}
}

// Init records the top-level table pointer (spec.md §4.2: "read CR3,
// record the top-level table pointer").
func (v *VMM) Init(rootPhys uint64) {
	v.rootPhys = rootPhys
}

// Root returns the current top-level page-table physical address.
func (v *VMM) Root() uint64 { return v.rootPhys }

func (v *VMM) invalidate(virt uint64) {
	if v.invlpg != nil {
		v.invlpg(virt)
	}
}

// FlushTLB invalidates a single virtual address (spec.md §4.2 flush_tlb).
func (v *VMM) FlushTLB(virt uint64) { v.invalidate(virt) }

// FlushTLBAll reloads the root table pointer, flushing the whole TLB
// (spec.md §4.2 flush_tlb_all).
func (v *VMM) FlushTLBAll() {
	if v.flushAll != nil {
		v.flushAll(v.rootPhys)
	}
}

// ensureTable returns the physical address of the next-level table pointed
// to by entry, allocating and zeroing a fresh one (installed with
// present|writable so leaf flags alone govern effective permissions, per
// spec.md §4.2) if the entry is not yet present. ok is false if entry is a
// huge page blocking further descent.
func (v *VMM) ensureTable(entry *pte) (phys uint64, ok bool) {
	if entry.hasFlags(FlagPresent) && entry.hasFlags(FlagHuge) {
		return 0, false
	}
	if entry.hasFlags(FlagPresent) {
		return entry.physAddr(), true
	}
	newPhys := v.frames.AllocPage()
	if newPhys == 0 {
		return 0, false
	}
	if v.zero != nil {
		v.zero(newPhys)
	}
	*entry = makePTE(newPhys, FlagPresent|FlagWritable)
	return newPhys, true
}
