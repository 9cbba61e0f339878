package cpu

import "testing"

type fakePortIO struct {
	writes []uint16
	bytes  map[uint16]uint8
}

func newFakePortIO() *fakePortIO {
	return &fakePortIO{bytes: make(map[uint16]uint8)}
}

func (f *fakePortIO) Outb(port uint16, val uint8) {
	f.writes = append(f.writes, port)
	f.bytes[port] = val
}
func (f *fakePortIO) Inb(port uint16) uint8 { return f.bytes[port] }
func (f *fakePortIO) Outw(uint16, uint16)   {}
func (f *fakePortIO) Inw(uint16) uint16     { return 0 }
func (f *fakePortIO) Outl(uint16, uint32)   {}
func (f *fakePortIO) Inl(uint16) uint32     { return 0 }

func TestSetPortIORoutesCalls(t *testing.T) {
	fake := newFakePortIO()
	SetPortIO(fake)
	defer SetPortIO(noopPortIO{})

	Ports().Outb(0x60, 0xAB)
	if got := Ports().Inb(0x60); got != 0xAB {
		t.Fatalf("expected 0xAB, got 0x%02x", got)
	}
}

func TestIOWaitTargetsPort0x80(t *testing.T) {
	fake := newFakePortIO()
	SetPortIO(fake)
	defer SetPortIO(noopPortIO{})

	IOWait()
	if len(fake.writes) != 1 || fake.writes[0] != 0x80 {
		t.Fatalf("expected a single write to port 0x80, got %v", fake.writes)
	}
}

func TestNoopPortIOReturnsAllOnes(t *testing.T) {
	n := noopPortIO{}
	if n.Inb(0x20) != 0xFF {
		t.Fatalf("expected 0xFF from noop Inb")
	}
	if n.Inw(0x20) != 0xFFFF {
		t.Fatalf("expected 0xFFFF from noop Inw")
	}
	if n.Inl(0x20) != 0xFFFFFFFF {
		t.Fatalf("expected 0xFFFFFFFF from noop Inl")
	}
}
