// Package pmm implements the physical memory manager: a bitmap-based 4 KiB
// page allocator seeded from the firmware memory map (spec.md §4.1). One bit
// per page covers the first 1 GiB of physical memory (262144 pages, a
// 32 KiB bitmap); bit=1 means used.
//
// Per spec.md §9, subsystem state is an explicit bundle created once at boot
// and threaded by reference to every consumer, rather than a bare package
// global — kernel.Kmain owns the single *Allocator instance.
package pmm

import (
	"math/bits"

	"github.com/ghartrid/ironroot/kernel/klog"
	"github.com/ghartrid/ironroot/kernel/multiboot"
)

const (
	// PageSize is the fixed physical page granularity this kernel manages.
	PageSize = 4096

	// TrackedPages is the number of 4 KiB pages covered by the bitmap: the
	// first 1 GiB of physical address space (spec.md §3).
	TrackedPages = 1 << 30 / PageSize // 262144

	bitmapQwords = TrackedPages / 64
)

// Stats holds the append-only historical counters spec.md §3 requires:
// "total, free, used, reserved, peak_usage, total_allocs, total_frees are
// append-only for the historical fields".
type Stats struct {
	Total        uint64
	Free         uint64
	Used         uint64
	Reserved     uint64
	PeakUsage    uint64
	TotalAllocs  uint64
	TotalFrees   uint64
}

// Allocator is the bitmap physical page allocator. The zero value is not
// usable; call New and then Init.
type Allocator struct {
	bitmap [bitmapQwords]uint64
	stats  Stats
}

// New returns a freshly constructed, uninitialized allocator.
func New() *Allocator {
	return &Allocator{}
}

// Stats returns a snapshot of the allocator's counters (spec.md §8: "used +
// free == total" etc. are checked against this struct in tests).
func (a *Allocator) Stats() Stats { return a.stats }

func (a *Allocator) setBit(page uint64) bool {
	if page >= TrackedPages {
		return false
	}
	word, bit := page/64, page%64
	was := a.bitmap[word]&(1<<bit) != 0
	a.bitmap[word] |= 1 << bit
	return !was
}

func (a *Allocator) clearBit(page uint64) bool {
	if page >= TrackedPages {
		return false
	}
	word, bit := page/64, page%64
	was := a.bitmap[word]&(1<<bit) != 0
	a.bitmap[word] &^= 1 << bit
	return was
}

func (a *Allocator) testBit(page uint64) bool {
	if page >= TrackedPages {
		return true // outside the tracked window counts as used (spec.md §3 invariant)
	}
	word, bit := page/64, page%64
	return a.bitmap[word]&(1<<bit) != 0
}

// Init marks every page outside "available" memory-map regions as used,
// then reserves the first 1 MiB, the kernel image, early page tables and
// boot stack, and the bitmap's own pages, exactly as spec.md §4.1
// describes. It calls klog.Panic — the concrete kpanic — if no memory map
// is present in the multiboot info, per spec.md §4.1/§7.
func (a *Allocator) Init(kernelStart, kernelEnd, earlyTablesStart, earlyTablesEnd, bootStackStart, bootStackEnd, bitmapStart, bitmapEnd uint64) {
	// Start from "everything used"; clear bits for available regions.
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}

	sawMap := false
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		sawMap = true
		if entry.Type != multiboot.MemAvailable {
			return true
		}
		a.clearRange(entry.PhysAddress, entry.PhysAddress+entry.Length)
		return true
	})

	if !sawMap {
		klog.Panic("pmm", "no memory map present at init")
		return
	}

	var reserved uint64
	for _, word := range a.bitmap {
		reserved += uint64(bits.OnesCount64(word))
	}
	a.stats.Reserved = reserved

	a.MarkRangeUsed(0, 1<<20) // first 1 MiB
	a.MarkRangeUsed(kernelStart, kernelEnd)
	a.MarkRangeUsed(earlyTablesStart, earlyTablesEnd)
	a.MarkRangeUsed(bootStackStart, bootStackEnd)
	a.MarkRangeUsed(bitmapStart, bitmapEnd)

	a.recomputeCounters()
	a.stats.PeakUsage = a.stats.Used
}

// clearRange clears bits for pages wholly contained in [start,end) that
// fall within the tracked 1 GiB window, used only during Init to seed
// "available" regions before the reservation passes run.
func (a *Allocator) clearRange(start, end uint64) {
	firstPage := (start + PageSize - 1) / PageSize
	lastPage := end / PageSize
	for p := firstPage; p < lastPage && p < TrackedPages; p++ {
		a.clearBit(p)
	}
}

func (a *Allocator) recomputeCounters() {
	var used uint64
	for _, word := range a.bitmap {
		used += uint64(bits.OnesCount64(word))
	}
	a.stats.Used = used
	a.stats.Total = TrackedPages
	a.stats.Free = TrackedPages - used
}

// AllocPage scans the bitmap qword-wise for any zero bit, skipping qwords
// that are all-ones, sets it, and returns the page's physical address
// (spec.md §4.1). It returns 0 when exhausted — the allocator-null
// convention spec.md §7 describes for allocation failure.
func (a *Allocator) AllocPage() uint64 {
	for word := 0; word < bitmapQwords; word++ {
		if a.bitmap[word] == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^a.bitmap[word])
		page := uint64(word)*64 + uint64(bit)
		if page >= TrackedPages {
			return 0
		}
		a.bitmap[word] |= 1 << uint(bit)
		a.stats.Used++
		a.stats.Free--
		a.stats.TotalAllocs++
		if a.stats.Used > a.stats.PeakUsage {
			a.stats.PeakUsage = a.stats.Used
		}
		return page * PageSize
	}
	return 0
}

// AllocPages finds the first run of n consecutive free pages via a linear
// scan, resetting the run counter on any set bit (spec.md §4.1: "No
// best-fit; no alignment beyond page size"). Returns 0 if no run of that
// length exists.
func (a *Allocator) AllocPages(n uint64) uint64 {
	if n == 0 || n > TrackedPages {
		return 0
	}
	runStart := uint64(0)
	run := uint64(0)
	for page := uint64(0); page < TrackedPages; page++ {
		if a.testBit(page) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = page
		}
		run++
		if run == n {
			for p := runStart; p < runStart+n; p++ {
				a.bitmap[p/64] |= 1 << (p % 64)
			}
			a.stats.Used += n
			a.stats.Free -= n
			a.stats.TotalAllocs++
			if a.stats.Used > a.stats.PeakUsage {
				a.stats.PeakUsage = a.stats.Used
			}
			return runStart * PageSize
		}
	}
	return 0
}

// FreePage clears the bit for the page containing addr. A double free (the
// bit already clear) logs a warning and is a no-op, per spec.md §4.1/§7 —
// it never panics or corrupts counters.
func (a *Allocator) FreePage(addr uint64) {
	page := addr / PageSize
	if page >= TrackedPages {
		klog.Warn("pmm", "free_page out of tracked range")
		return
	}
	if !a.clearBit(page) {
		klog.Warn("pmm", "double free detected")
		return
	}
	a.stats.Used--
	a.stats.Free++
	a.stats.TotalFrees++
}

// MarkRangeUsed idempotently marks every page wholly or partially in
// [start,end) as used, decrementing Free only for bits that were
// previously clear (spec.md §4.1: "idempotent").
func (a *Allocator) MarkRangeUsed(start, end uint64) {
	firstPage := start / PageSize
	lastPage := (end + PageSize - 1) / PageSize
	for p := firstPage; p < lastPage && p < TrackedPages; p++ {
		if a.setBit(p) {
			if a.stats.Free > 0 {
				a.stats.Free--
			}
			a.stats.Used++
			if a.stats.Used > a.stats.PeakUsage {
				a.stats.PeakUsage = a.stats.Used
			}
		}
	}
}
