package irq

import (
	"testing"

	"github.com/ghartrid/ironroot/kernel/cpu"
)

type fakePortIO struct {
	bytes map[uint16]uint8
	outs  []uint16
}

func newFakePortIO() *fakePortIO {
	return &fakePortIO{bytes: make(map[uint16]uint8)}
}

func (f *fakePortIO) Outb(port uint16, val uint8) {
	f.outs = append(f.outs, port)
	f.bytes[port] = val
}
func (f *fakePortIO) Inb(port uint16) uint8 { return f.bytes[port] }
func (f *fakePortIO) Outw(uint16, uint16)   {}
func (f *fakePortIO) Inw(uint16) uint16     { return 0 }
func (f *fakePortIO) Outl(uint16, uint32)   {}
func (f *fakePortIO) Inl(uint16) uint32     { return 0 }

func withFakePorts(t *testing.T) *fakePortIO {
	t.Helper()
	f := newFakePortIO()
	cpu.SetPortIO(f)
	t.Cleanup(func() { cpu.SetPortIO(newFakePortIO()) })
	return f
}

func TestInitMasksAllLines(t *testing.T) {
	f := withFakePorts(t)
	p := New()
	p.Init()

	if f.bytes[masterData] != 0xFF || f.bytes[slaveData] != 0xFF {
		t.Fatalf("expected both mask registers all-ones after init, got master=%#x slave=%#x", f.bytes[masterData], f.bytes[slaveData])
	}
}

func TestInitRemapsVectorOffsets(t *testing.T) {
	f := withFakePorts(t)
	p := New()
	p.Init()
	_ = f

	// Vector offsets are the second Outb to each data port during ICW2; we
	// only assert final observable state here, not the exact ICW sequence
	// order, since that is a fixed wire-protocol detail already encoded in
	// Init.
	if VectorBase != 32 {
		t.Fatalf("expected VectorBase 32 per spec, got %d", VectorBase)
	}
}

func TestEnableIRQClearsMaskBit(t *testing.T) {
	f := withFakePorts(t)
	p := New()
	p.Init()

	p.EnableIRQ(1) // keyboard, a master-side line
	if f.bytes[masterData]&(1<<1) != 0 {
		t.Fatalf("expected IRQ1 mask bit clear, got master mask %#x", f.bytes[masterData])
	}
}

func TestEnableSlaveIRQAlsoUnmasksCascade(t *testing.T) {
	f := withFakePorts(t)
	p := New()
	p.Init()

	p.EnableIRQ(12) // PS/2 mouse, a slave-side line
	if f.bytes[slaveData]&(1<<(12-8)) != 0 {
		t.Fatalf("expected IRQ12 mask bit clear, got slave mask %#x", f.bytes[slaveData])
	}
	if f.bytes[masterData]&(1<<cascadeIRQ) != 0 {
		t.Fatalf("expected cascade line (IRQ2) auto-unmasked, got master mask %#x", f.bytes[masterData])
	}
}

func TestDisableIRQSetsMaskBit(t *testing.T) {
	withFakePorts(t)
	p := New()
	p.Init()
	p.EnableIRQ(0)
	p.DisableIRQ(0)

	// re-enabling after disable should require clearing the bit again
	p.EnableIRQ(3)
	p.DisableIRQ(3)
	if p.masterMask&(1<<3) == 0 {
		t.Fatal("expected IRQ3 mask bit to be set again after DisableIRQ")
	}
}

func TestSendEOIWritesSlaveThenMasterForHighIRQ(t *testing.T) {
	f := withFakePorts(t)
	p := New()
	p.Init()

	f.outs = nil
	p.SendEOI(10) // slave-side IRQ
	if len(f.outs) != 2 || f.outs[0] != slaveCommand || f.outs[1] != masterCommand {
		t.Fatalf("expected EOI writes [slave, master], got %v", f.outs)
	}
}

func TestSendEOIWritesOnlyMasterForLowIRQ(t *testing.T) {
	f := withFakePorts(t)
	p := New()
	p.Init()

	f.outs = nil
	p.SendEOI(0)
	if len(f.outs) != 1 || f.outs[0] != masterCommand {
		t.Fatalf("expected a single EOI write to master, got %v", f.outs)
	}
}

func TestDispatchInvokesRegisteredHandlerAndSendsEOI(t *testing.T) {
	f := withFakePorts(t)
	p := New()
	p.Init()

	called := false
	p.RegisterHandler(VectorBase, func() { called = true })

	f.outs = nil
	p.Dispatch(VectorBase)
	if !called {
		t.Fatal("expected registered handler to be invoked")
	}
	if len(f.outs) == 0 {
		t.Fatal("expected Dispatch to send EOI after running the handler")
	}
}

func TestDispatchUnregisteredVectorStillEOIs(t *testing.T) {
	f := withFakePorts(t)
	p := New()
	p.Init()

	f.outs = nil
	p.Dispatch(VectorBase + 1)
	if len(f.outs) == 0 {
		t.Fatal("expected an unhandled vector in the PIC range to still be EOI'd")
	}
}
