package virtio

import (
	"testing"
	"unsafe"
)

// newHostQueue allocates a queue's backing memory as ordinary Go slices and
// overrides pointerAt so Window accesses land in them — the same
// host-testing technique kernel/vmm and kernel/heap use for their own
// physical-memory stand-ins.
func newHostQueue(t *testing.T, size uint16) *Queue {
	t.Helper()
	total, descOff, availOff, usedOff := Layout(size)
	backing := make([]byte, total)
	base := uintptr(unsafe.Pointer(&backing[0]))

	old := pointerAt
	pointerAt = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }
	t.Cleanup(func() { pointerAt = old })

	descWin := NewWindow(base + uintptr(descOff))
	availWin := NewWindow(base + uintptr(availOff))
	usedWin := NewWindow(base + uintptr(usedOff))
	return NewQueue(0, size, descWin, availWin, usedWin, uint64(descOff), uint64(availOff), uint64(usedOff))
}

func TestQueueFreeListChaining(t *testing.T) {
	q := newHostQueue(t, 4)
	if q.NumFree() != 4 {
		t.Fatalf("NumFree = %d, want 4", q.NumFree())
	}

	head, ok := q.Alloc([]Chain{{Addr: 0x1000, Len: 16}, {Addr: 0x2000, Len: 16, Write: true}})
	if !ok {
		t.Fatal("Alloc failed with descriptors available")
	}
	if q.NumFree() != 2 {
		t.Fatalf("NumFree after 2-descriptor alloc = %d, want 2", q.NumFree())
	}
	if flags := q.desc.Read16(q.descOffset(head) + 12); flags&DescFNext == 0 {
		t.Error("head descriptor missing NEXT flag for a 2-descriptor chain")
	}
	next := q.descNext(head)
	if flags := q.desc.Read16(q.descOffset(next) + 12); flags&DescFWrite == 0 {
		t.Error("second descriptor missing WRITE flag")
	}
}

func TestQueueAllocExhaustion(t *testing.T) {
	q := newHostQueue(t, 2)
	if _, ok := q.Alloc([]Chain{{}, {}, {}}); ok {
		t.Fatal("Alloc should fail when requesting more descriptors than exist")
	}
}

func TestQueuePublishAndPollRoundTrip(t *testing.T) {
	q := newHostQueue(t, 4)
	head, ok := q.Alloc([]Chain{{Addr: 0x4000, Len: 64}})
	if !ok {
		t.Fatal("Alloc failed")
	}
	q.Publish(head)

	if _, _, ok := q.NextUsed(); ok {
		t.Fatal("NextUsed should report nothing before the device advances used.idx")
	}

	// Simulate the device: write a used-ring element and advance used.idx.
	q.used.Write32(usedHdrSize, uint32(head))
	q.used.Write32(usedHdrSize+4, 64)
	q.used.Write16(2, 1)

	id, length, ok := q.NextUsed()
	if !ok {
		t.Fatal("NextUsed should report the completion the device just wrote")
	}
	if id != head || length != 64 {
		t.Errorf("NextUsed = (%d, %d), want (%d, 64)", id, length, head)
	}
	if q.NumFree() != 4 {
		t.Errorf("NumFree after reclaim = %d, want 4", q.NumFree())
	}
}

func TestQueueTimeoutReclaimsDescriptor(t *testing.T) {
	q := newHostQueue(t, 2)
	head, ok := q.Alloc([]Chain{{Addr: 0x5000, Len: 8}})
	if !ok {
		t.Fatal("Alloc failed")
	}
	q.Timeout(head)
	if q.NumFree() != 2 {
		t.Errorf("NumFree after timeout reclaim = %d, want 2", q.NumFree())
	}
}
