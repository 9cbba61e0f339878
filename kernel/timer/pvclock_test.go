package timer

import (
	"testing"
	"unsafe"
)

func installFakePvclockPage(t *testing.T, page *pvclockPage) uint64 {
	t.Helper()
	orig := pvclockAt
	const fakeAddr = 0x9000
	pvclockAt = func(addr uint64) *pvclockPage {
		if addr != fakeAddr {
			t.Fatalf("unexpected pvclock address %#x", addr)
		}
		return page
	}
	t.Cleanup(func() { pvclockAt = orig })
	return fakeAddr
}

func TestReadNsAppliesPositiveShift(t *testing.T) {
	page := &pvclockPage{
		version:        2,
		tscTimestamp:   1000,
		systemTimeNs:   5_000_000,
		tscToSystemMul: 1 << 31, // multiplier of 0.5 after the >>32 scale
		tscShift:       1,       // left shift by 1 (x2)
	}
	addr := installFakePvclockPage(t, page)
	pv := NewPvClock(addr, func() uint64 { return 1100 }) // delta = 100

	ns, ok := pv.ReadNs()
	if !ok {
		t.Fatal("expected a stable read")
	}
	// delta=100, shifted left 1 => 200, * (1<<31) >> 32 == 100
	want := uint64(5_000_000 + 100)
	if ns != want {
		t.Fatalf("expected %d, got %d", want, ns)
	}
}

func TestReadNsAppliesNegativeShift(t *testing.T) {
	page := &pvclockPage{
		version:        4,
		tscTimestamp:   0,
		systemTimeNs:   1000,
		tscToSystemMul: 1 << 31,
		tscShift:       -1, // right shift by 1 (halve) before scaling
	}
	addr := installFakePvclockPage(t, page)
	pv := NewPvClock(addr, func() uint64 { return 400 }) // delta=400 -> >>1 == 200

	ns, ok := pv.ReadNs()
	if !ok {
		t.Fatal("expected a stable read")
	}
	want := uint64(1000 + 100) // 200 * (1<<31) >> 32 == 100
	if ns != want {
		t.Fatalf("expected %d, got %d", want, ns)
	}
}

func TestReadNsRetriesOnOddVersion(t *testing.T) {
	page := &pvclockPage{
		version:      1, // odd: hypervisor mid-update
		tscTimestamp: 0,
		systemTimeNs: 42,
	}
	orig := pvclockAt
	reads := 0
	pvclockAt = func(addr uint64) *pvclockPage {
		reads++
		if reads == 3 {
			page.version = 2 // hypervisor finishes the update on the 3rd poll
		}
		return page
	}
	t.Cleanup(func() { pvclockAt = orig })

	pv := NewPvClock(0x9000, func() uint64 { return 0 })
	pv.maxRetries = 10

	_, ok := pv.ReadNs()
	if !ok {
		t.Fatal("expected ReadNs to eventually observe a stable even version")
	}
	if reads < 3 {
		t.Fatalf("expected at least 3 polls of the pvclock page, got %d", reads)
	}
}

func TestReadNsFailsAfterMaxRetriesOnPersistentTear(t *testing.T) {
	page := &pvclockPage{version: 0, systemTimeNs: 1}
	addr := installFakePvclockPage(t, page)

	calls := 0
	pv := NewPvClock(addr, func() uint64 {
		calls++
		page.version = uint32(calls) * 2 // version keeps changing every read
		return 0
	})
	pv.maxRetries = 5

	if _, ok := pv.ReadNs(); ok {
		t.Fatal("expected ReadNs to give up after maxRetries on a persistently torn read")
	}
}

func TestRegisterMSRWritesPhysAddrOrOne(t *testing.T) {
	var gotMSR uint32
	var gotVal uint64
	RegisterMSR(0x1000, func(msr uint32, val uint64) {
		gotMSR = msr
		gotVal = val
	})
	if gotMSR != msrSystemTime {
		t.Fatalf("expected MSR %#x, got %#x", uint32(msrSystemTime), gotMSR)
	}
	if gotVal != 0x1001 {
		t.Fatalf("expected phys_addr|1 = 0x1001, got %#x", gotVal)
	}
}
