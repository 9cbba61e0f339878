package pmm

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/ghartrid/ironroot/kernel/klog"
	"github.com/ghartrid/ironroot/kernel/multiboot"
)

// buildMultibootBlob assembles a minimal multiboot2 info structure with a
// single memory-map tag so pmm.Init can be exercised on the host without
// real firmware, mirroring kernel/multiboot's own test fixtures.
func buildMultibootBlob(t *testing.T, regions [][3]uint64) []byte {
	t.Helper()
	const entrySize = 24
	content := make([]byte, 8+entrySize*len(regions))
	binary.LittleEndian.PutUint32(content, entrySize)
	for i, r := range regions {
		off := 8 + i*entrySize
		binary.LittleEndian.PutUint64(content[off:], r[0])
		binary.LittleEndian.PutUint64(content[off+8:], r[1])
		binary.LittleEndian.PutUint32(content[off+16:], uint32(r[2]))
	}

	tag := make([]byte, 8+len(content))
	binary.LittleEndian.PutUint32(tag, 6) // tagMemoryMap
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(tag)))
	copy(tag[8:], content)
	for len(tag)%8 != 0 {
		tag = append(tag, 0)
	}

	endTag := make([]byte, 8) // type 0, size 8

	blob := make([]byte, 8+len(tag)+len(endTag))
	binary.LittleEndian.PutUint32(blob, uint32(len(blob)))
	copy(blob[8:], tag)
	copy(blob[8+len(tag):], endTag)
	return blob
}

func withMemoryMap(t *testing.T, regions [][3]uint64) {
	t.Helper()
	blob := buildMultibootBlob(t, regions)
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&blob[0])))
	t.Cleanup(func() { multiboot.SetInfoPtr(0) })
}

func TestInitPanicsWithoutMemoryMap(t *testing.T) {
	multiboot.SetInfoPtr(0)
	defer multiboot.SetInfoPtr(0)

	origPanic := klog.Panic
	panicked := false
	klog.Panic = func(subsystem, message string) { panicked = true }
	defer func() { klog.Panic = origPanic }()

	a := New()
	a.Init(0x200000, 0x300000, 0, 0, 0, 0, 0, 0)
	if !panicked {
		t.Fatal("expected klog.Panic to be invoked when no memory map is present")
	}
}

func TestInitAndAllocFreeScenario(t *testing.T) {
	// Scenario 1 from spec.md §8: one available region [0x100000,
	// 0x8000000), kernel_end = 0x200000.
	withMemoryMap(t, [][3]uint64{{0x100000, 0x8000000, uint64(multiboot.MemAvailable)}})

	a := New()
	a.Init(0x100000, 0x200000, 0, 0, 0, 0, 0, 0)

	stats := a.Stats()
	if stats.Used+stats.Free != stats.Total {
		t.Fatalf("invariant violated: used(%d)+free(%d) != total(%d)", stats.Used, stats.Free, stats.Total)
	}

	p1 := a.AllocPage()
	p2 := a.AllocPage()
	if p1 == 0 || p2 == 0 {
		t.Fatalf("expected non-null allocations, got p1=%#x p2=%#x", p1, p2)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct pages, got the same address twice")
	}
	if p1 < 0x200000 || p2 < 0x200000 {
		t.Fatalf("expected allocations past kernel_end, got p1=%#x p2=%#x", p1, p2)
	}

	a.FreePage(p1)
	p3 := a.AllocPage()
	if p3 != p1 {
		t.Fatalf("expected freed page %#x to be reallocated, got %#x", p1, p3)
	}
}

func TestDoubleFreeIsNoOpAndWarns(t *testing.T) {
	withMemoryMap(t, [][3]uint64{{0x100000, 0x8000000, uint64(multiboot.MemAvailable)}})
	a := New()
	a.Init(0x100000, 0x200000, 0, 0, 0, 0, 0, 0)

	p := a.AllocPage()
	before := a.Stats()
	a.FreePage(p)
	a.FreePage(p) // second free: no-op
	after := a.Stats()
	if after.Used != before.Used-1 {
		t.Fatalf("double free should not double-decrement Used: before=%d after=%d", before.Used, after.Used)
	}
}

func TestAllocPagesConsecutiveRun(t *testing.T) {
	withMemoryMap(t, [][3]uint64{{0x100000, 0x8000000, uint64(multiboot.MemAvailable)}})
	a := New()
	a.Init(0x100000, 0x200000, 0, 0, 0, 0, 0, 0)

	addr := a.AllocPages(4)
	if addr == 0 {
		t.Fatal("expected a run of 4 pages to be found")
	}
	if addr%PageSize != 0 {
		t.Fatalf("expected page-aligned address, got %#x", addr)
	}
}

func TestMarkRangeUsedIdempotent(t *testing.T) {
	withMemoryMap(t, [][3]uint64{{0x100000, 0x8000000, uint64(multiboot.MemAvailable)}})
	a := New()
	a.Init(0x100000, 0x200000, 0, 0, 0, 0, 0, 0)

	a.MarkRangeUsed(0x300000, 0x301000)
	once := a.Stats()
	a.MarkRangeUsed(0x300000, 0x301000)
	twice := a.Stats()
	if once != twice {
		t.Fatalf("mark_range_used should be idempotent: once=%+v twice=%+v", once, twice)
	}
}

func TestPeakUsageNeverBelowUsed(t *testing.T) {
	withMemoryMap(t, [][3]uint64{{0x100000, 0x8000000, uint64(multiboot.MemAvailable)}})
	a := New()
	a.Init(0x100000, 0x200000, 0, 0, 0, 0, 0, 0)

	for i := 0; i < 10; i++ {
		a.AllocPage()
	}
	s := a.Stats()
	if s.PeakUsage < s.Used {
		t.Fatalf("peak_usage(%d) must be >= used(%d)", s.PeakUsage, s.Used)
	}
}
