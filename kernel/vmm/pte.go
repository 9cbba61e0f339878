package vmm

// PTEFlag is one bit of a page-table entry's low 12 flag bits or the NX bit
// at bit 63 (spec.md §3: "low 12 bits are flags {present, writable, user,
// write-through, no-cache, accessed, dirty, huge, global, nx(63)}").
type PTEFlag uint64

const (
	FlagPresent      PTEFlag = 1 << 0
	FlagWritable     PTEFlag = 1 << 1
	FlagUser         PTEFlag = 1 << 2
	FlagWriteThrough PTEFlag = 1 << 3
	FlagNoCache      PTEFlag = 1 << 4
	FlagAccessed     PTEFlag = 1 << 5
	FlagDirty        PTEFlag = 1 << 6
	FlagHuge         PTEFlag = 1 << 7
	FlagGlobal       PTEFlag = 1 << 8
	FlagNX           PTEFlag = 1 << 63
)

const (
	addrMask uint64 = 0x000F_FFFF_FFFF_F000 // bits 12-51

	pageSize4K = 1 << 12
	pageSize2M = 1 << 21
	pageSize1G = 1 << 30
)

// pte is a single 64-bit page-table entry (spec.md §3).
type pte uint64

func (e pte) hasFlags(f PTEFlag) bool { return uint64(e)&uint64(f) == uint64(f) }

func (e pte) physAddr() uint64 { return uint64(e) & addrMask }

func makePTE(phys uint64, flags PTEFlag) pte {
	return pte((phys & addrMask) | uint64(flags))
}
