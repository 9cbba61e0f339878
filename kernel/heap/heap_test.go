package heap

import (
	"testing"
	"unsafe"

	"github.com/ghartrid/ironroot/kernel/vmm"
)

// fakePages stands in for kernel/pmm: AllocPages hands out addresses into
// a big Go-owned arena so the allocator can run on the host.
type fakePages struct {
	arena []byte
	next  uint64
}

func newFakePages(size int) *fakePages {
	return &fakePages{arena: make([]byte, size), next: 0x1000}
}

func (f *fakePages) AllocPages(n uint64) uint64 {
	addr := f.next
	f.next += n * pageSize
	if int(f.next) > len(f.arena) {
		return 0
	}
	return addr
}

func (f *fakePages) install(t *testing.T) {
	t.Helper()
	orig := addrToSegment
	addrToSegment = func(addr uint64) *segment {
		if int(addr)+int(segmentHeaderSize) > len(f.arena) {
			t.Fatalf("segment header at %#x out of fake arena bounds", addr)
		}
		return (*segment)(unsafe.Pointer(&f.arena[addr]))
	}
	t.Cleanup(func() { addrToSegment = orig })
}

type fakeMapper struct{ calls int }

func (m *fakeMapper) MapPage(virt, phys uint64, flags vmm.PTEFlag, huge uint64) bool {
	m.calls++
	return true
}

func newHeap(t *testing.T) *Heap {
	f := newFakePages(MaxSize + 4*pageSize)
	f.install(t)
	h := New(f, &fakeMapper{})
	if !h.Init() {
		t.Fatal("Init failed")
	}
	return h
}

func TestInitReachesInitialSize(t *testing.T) {
	h := newHeap(t)
	if h.Total() != InitialSize {
		t.Fatalf("expected total %d, got %d", uint64(InitialSize), h.Total())
	}
}

func TestAllocReturnsDistinctAlignedPointers(t *testing.T) {
	h := newHeap(t)
	a := h.Alloc(64)
	b := h.Alloc(64)
	if a == 0 || b == 0 {
		t.Fatal("expected non-null allocations")
	}
	if a == b {
		t.Fatal("expected distinct addresses")
	}
	if a%Alignment != 0 || b%Alignment != 0 {
		t.Fatalf("expected %d-byte aligned addresses, got %#x %#x", uint64(Alignment), a, b)
	}
}

func TestSmallRequestRoundsUpToMinAlloc(t *testing.T) {
	h := newHeap(t)
	a := h.Alloc(1)
	b := h.Alloc(1)
	// The gap between two back-to-back minimal allocations must be at
	// least MinAlloc plus a header.
	if b <= a {
		t.Fatal("expected b to follow a in address order")
	}
	if b-a < MinAlloc+segmentHeaderSize {
		t.Fatalf("expected at least MinAlloc plus header spacing, got %d", b-a)
	}
}

func TestFreeThenReallocReusesBlock(t *testing.T) {
	h := newHeap(t)
	a := h.Alloc(128)
	h.Free(a)
	b := h.Alloc(128)
	if b != a {
		t.Fatalf("expected freed block %#x to be reused, got %#x", a, b)
	}
}

func TestDoubleFreeIsNoOp(t *testing.T) {
	h := newHeap(t)
	a := h.Alloc(64)
	h.Free(a)
	h.Free(a) // must not panic or corrupt state
	b := h.Alloc(64)
	if b != a {
		t.Fatalf("expected the single free to make %#x available again, got %#x", a, b)
	}
}

func TestFreeOfNullIsNoOp(t *testing.T) {
	h := newHeap(t)
	h.Free(0) // must not panic
}

func TestCoalesceAcrossThreeFreedNeighbors(t *testing.T) {
	h := newHeap(t)
	a := h.Alloc(64)
	b := h.Alloc(64)
	c := h.Alloc(64)

	h.Free(a)
	h.Free(c)
	h.Free(b) // merges with both neighbors

	big := h.Alloc(300)
	if big == 0 {
		t.Fatal("expected coalesced space to satisfy a larger allocation")
	}
	if big != a {
		t.Fatalf("expected the coalesced run to start at %#x, got %#x", a, big)
	}
}

func TestAllocGrowsHeapWhenExhausted(t *testing.T) {
	h := newHeap(t)
	// Exhaust the initial 1 MiB with 64-byte allocations; the allocator
	// must transparently grow by ExpandSize rather than failing.
	var last uint64
	count := 0
	for i := 0; i < (InitialSize/96)+10; i++ {
		p := h.Alloc(64)
		if p == 0 {
			break
		}
		last = p
		count++
	}
	if last == 0 || count == 0 {
		t.Fatal("expected allocations to keep succeeding past the initial capacity via growth")
	}
	if h.Total() <= InitialSize {
		t.Fatalf("expected heap to have grown past InitialSize, total=%d", h.Total())
	}
}

func TestAllocFailsAtMaxSize(t *testing.T) {
	h := newHeap(t)
	ok := false
	for i := 0; i < 1_000_000; i++ {
		p := h.Alloc(64)
		if p == 0 {
			ok = true
			break
		}
	}
	if !ok {
		t.Fatal("expected allocation to eventually fail once MaxSize is reached")
	}
	if h.Total() > MaxSize {
		t.Fatalf("heap total %d exceeds MaxSize %d", h.Total(), uint64(MaxSize))
	}
}

func TestReallocCopiesAndFreesOld(t *testing.T) {
	h := newHeap(t)
	a := h.Alloc(32)

	var copied [][2]uint64
	copyFn := func(dst, src uint64, n uint32) {
		copied = append(copied, [2]uint64{dst, src})
	}

	b := h.Realloc(a, 32, 128, copyFn)
	if b == 0 {
		t.Fatal("expected realloc to succeed")
	}
	if len(copied) != 1 || copied[0][1] != a || copied[0][0] != b {
		t.Fatalf("expected a copy from old to new block, got %+v", copied)
	}

	// The old block must be free again.
	c := h.Alloc(32)
	if c != a {
		t.Fatalf("expected old block %#x to be reclaimed, got %#x", a, c)
	}
}

func TestReallocFromNullBehavesLikeAlloc(t *testing.T) {
	h := newHeap(t)
	p := h.Realloc(0, 0, 64, nil)
	if p == 0 {
		t.Fatal("expected realloc(nil, ...) to behave like alloc")
	}
}
