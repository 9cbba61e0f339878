// Package heap is the kernel heap allocator: a first-fit free list layered
// on kernel/pmm (page supply) and kernel/vmm (mapping), spec.md §4.3.
// Generalized from the teacher's `heapSegment` doubly-linked list
// (`_teacher_ref/main/heap.go`) — same header shape and coalesce-on-free
// walk, retargeted from a single fixed-size arena to a list of segments
// that grows on demand by pulling fresh pages from the PMM.
package heap

import (
	"unsafe"

	"github.com/ghartrid/ironroot/kernel/klog"
	"github.com/ghartrid/ironroot/kernel/vmm"
)

const (
	// Alignment is the minimum byte alignment of every returned allocation
	// (spec.md §4.3).
	Alignment = 16

	// MinAlloc is the smallest request size; smaller requests are rounded up
	// to it (spec.md §4.3: "never below HEAP_MIN_ALLOC=32").
	MinAlloc = 32

	// InitialSize, ExpandSize and MaxSize are the heap's growth constants
	// (spec.md §4.3).
	InitialSize = 1 << 20   // 1 MiB
	ExpandSize  = 256 << 10 // 256 KiB
	MaxSize     = 16 << 20  // 16 MiB

	pageSize = 4096

	magicFree uint64 = 0xF4EEF4EEF4EEF4EE
	magicUsed uint64 = 0xA110CA7EA110CA7E
)

// segment is the header placed at the start of every block, allocated or
// free, mirroring the teacher's heapSegment layout (next/prev/allocated/
// size) but storing linked-list pointers as virtual addresses so the whole
// structure can live in a pluggable address space for host testing.
type segment struct {
	next, prev uint64
	magic      uint64
	size       uint64
}

var segmentHeaderSize = uint64(unsafe.Sizeof(segment{}))

// addrToSegment resolves a virtual address to the segment header living
// there. Overridden in tests to point into ordinary Go memory, the same
// technique kernel/vmm uses for its physToPointer var.
var addrToSegment = func(addr uint64) *segment {
	return (*segment)(unsafe.Pointer(uintptr(addr)))
}

// PageSource supplies contiguous runs of physical pages (kernel/pmm's
// Allocator satisfies this).
type PageSource interface {
	AllocPages(n uint64) uint64
}

// Mapper installs virtual-to-physical mappings (kernel/vmm's VMM satisfies
// this).
type Mapper interface {
	MapPage(virt, phys uint64, flags vmm.PTEFlag, huge uint64) bool
}

// Heap is the kernel allocator instance. Per spec.md §9, state is an
// explicit struct threaded by kernel.Kmain, not a package global.
type Heap struct {
	frames PageSource
	mapper Mapper

	head, tail uint64 // first/last segment addresses in the list; 0 = empty
	total      uint64 // bytes under management across all segments
}

// New constructs an uninitialized heap. Call Init before any Alloc/Free.
func New(frames PageSource, mapper Mapper) *Heap {
	return &Heap{frames: frames, mapper: mapper}
}

// Init grows the heap to InitialSize (spec.md §4.3). It returns false if
// the initial growth itself fails — there is no recovering from that at
// boot.
func (h *Heap) Init() bool {
	return h.grow(InitialSize)
}

// Total reports the current heap capacity, for diagnostics.
func (h *Heap) Total() uint64 { return h.total }

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// grow allocates ceil(n/pageSize) contiguous pages from the PMM, maps them
// writable via the VMM, and appends a free segment describing them —
// coalescing into the current tail if the new pages are address-contiguous
// with it (spec.md §4.3: "expand ... by allocating pages from the PMM and
// mapping them contiguously via the VMM").
func (h *Heap) grow(n uint64) bool {
	if h.total+n > MaxSize {
		n = MaxSize - h.total
		if n == 0 {
			return false
		}
	}
	pages := (n + pageSize - 1) / pageSize
	phys := h.frames.AllocPages(pages)
	if phys == 0 {
		return false
	}
	for i := uint64(0); i < pages; i++ {
		page := phys + i*pageSize
		if h.mapper != nil && !h.mapper.MapPage(page, page, vmm.FlagWritable, 0) {
			return false
		}
	}
	size := pages * pageSize
	h.total += size

	if h.tail != 0 {
		tail := addrToSegment(h.tail)
		if tail.magic == magicFree && h.tail+tail.size == phys {
			tail.size += size
			return true
		}
	}

	seg := addrToSegment(phys)
	seg.next = 0
	seg.prev = h.tail
	seg.magic = magicFree
	seg.size = size

	if h.tail != 0 {
		addrToSegment(h.tail).next = phys
	} else {
		h.head = phys
	}
	h.tail = phys
	return true
}

// requiredSize returns the total block size (header + data, alignment- and
// minimum-rounded) a request for size bytes needs.
func requiredSize(size uint32) uint64 {
	s := uint64(size)
	if s < MinAlloc {
		s = MinAlloc
	}
	s = roundUp(s, Alignment)
	return roundUp(segmentHeaderSize+s, Alignment)
}

// Alloc implements kmalloc: a front-to-back first-fit scan, splitting the
// chosen block when the remainder can still hold a header plus MinAlloc
// (spec.md §4.3). It returns the address of the data area, or 0 on
// exhaustion — growing the heap by ExpandSize (repeatedly, up to MaxSize)
// before giving up.
func (h *Heap) Alloc(size uint32) uint64 {
	need := requiredSize(size)

	for {
		if addr, ok := h.firstFit(need); ok {
			return addr
		}
		if h.total >= MaxSize {
			return 0
		}
		if !h.grow(ExpandSize) {
			return 0
		}
	}
}

func (h *Heap) firstFit(need uint64) (uint64, bool) {
	for addr := h.head; addr != 0; {
		seg := addrToSegment(addr)
		next := seg.next
		if seg.magic == magicFree && seg.size >= need {
			h.split(addr, seg, need)
			seg.magic = magicUsed
			return addr + segmentHeaderSize, true
		}
		addr = next
	}
	return 0, false
}

// split carves a new free segment out of the tail of seg if the leftover
// is large enough to hold its own header plus MinAlloc, exactly as
// spec.md §4.3 requires before the block is marked used.
func (h *Heap) split(addr uint64, seg *segment, need uint64) {
	minRemainder := segmentHeaderSize + MinAlloc
	if seg.size < need+minRemainder {
		return
	}
	newAddr := addr + need
	newSeg := addrToSegment(newAddr)
	newSeg.magic = magicFree
	newSeg.size = seg.size - need
	newSeg.prev = addr
	newSeg.next = seg.next

	if seg.next != 0 {
		addrToSegment(seg.next).prev = newAddr
	} else {
		h.tail = newAddr
	}
	seg.next = newAddr
	seg.size = need
}

// Free implements kfree: free-of-null is a no-op, a double free is
// detected via the magic word and reported without crashing, and the freed
// segment is coalesced with an immediately adjacent free predecessor and
// successor (spec.md §4.3).
func (h *Heap) Free(addr uint64) {
	if addr == 0 {
		return
	}
	segAddr := addr - segmentHeaderSize
	seg := addrToSegment(segAddr)

	if seg.magic == magicFree {
		klog.Warn("heap", "double free detected")
		return
	}
	if seg.magic != magicUsed {
		klog.Warn("heap", "free of corrupt or foreign pointer")
		return
	}
	seg.magic = magicFree

	if seg.next != 0 {
		next := addrToSegment(seg.next)
		if next.magic == magicFree {
			h.mergeWithNext(segAddr, seg)
			_ = next
		}
	}
	if seg.prev != 0 {
		prev := addrToSegment(seg.prev)
		if prev.magic == magicFree {
			h.mergeWithNext(seg.prev, prev)
		}
	}
}

// mergeWithNext absorbs the segment immediately following addr into it,
// assuming the caller has already verified both are free.
func (h *Heap) mergeWithNext(addr uint64, seg *segment) {
	next := addrToSegment(seg.next)
	seg.size += next.size
	seg.next = next.next
	if next.next != 0 {
		addrToSegment(next.next).prev = addr
	} else {
		h.tail = addr
	}
}

// Realloc implements krealloc as alloc-copy-free (spec.md §4.3). copy must
// move min(oldSize, newSize) bytes between the old and new data areas — the
// caller-supplied oldSize is the originally requested size, since the
// allocator does not expose the rounded block size.
func (h *Heap) Realloc(addr uint64, oldSize, newSize uint32, copy func(dst, src uint64, n uint32)) uint64 {
	if addr == 0 {
		return h.Alloc(newSize)
	}
	newAddr := h.Alloc(newSize)
	if newAddr == 0 {
		return 0
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	if copy != nil && n > 0 {
		copy(newAddr, addr, n)
	}
	h.Free(addr)
	return newAddr
}
