package input

import (
	"testing"

	"github.com/ghartrid/ironroot/kernel/cpu"
)

// fakePS2 is a scripted 8042 controller: every status read reports "ready"
// so command/data writes never block, and queued bytes answer Inb(dataPort)
// reads in order — config byte, then ACKs, mirroring the real bring-up
// sequence's shape.
type fakePS2 struct {
	queue      []uint8
	cmdWrites  []uint8
	dataWrites []uint8
}

func (f *fakePS2) Outb(port uint16, val uint8) {
	switch port {
	case cmdPort:
		f.cmdWrites = append(f.cmdWrites, val)
	case dataPort:
		f.dataWrites = append(f.dataWrites, val)
	}
}

func (f *fakePS2) Inb(port uint16) uint8 {
	switch port {
	case statusPort:
		return statusOutputFull // always "ready", never "busy"
	case dataPort:
		if len(f.queue) == 0 {
			return 0
		}
		b := f.queue[0]
		f.queue = f.queue[1:]
		return b
	}
	return 0xFF
}

func (f *fakePS2) Outw(uint16, uint16)  {}
func (f *fakePS2) Inw(uint16) uint16    { return 0 }
func (f *fakePS2) Outl(uint16, uint32)  {}
func (f *fakePS2) Inl(uint16) uint32    { return 0 }

func TestInitMouseEnablesIRQ12AndClocks(t *testing.T) {
	fake := &fakePS2{queue: []uint8{0x00, mouseACK, mouseACK}}
	orig := cpu.Ports()
	cpu.SetPortIO(fake)
	t.Cleanup(func() { cpu.SetPortIO(orig) })

	c := New()
	c.InitMouse()

	if len(fake.cmdWrites) == 0 || fake.cmdWrites[0] != cmdEnableAux {
		t.Fatalf("expected cmdEnableAux as first command, got %v", fake.cmdWrites)
	}
	foundConfigWrite := false
	for i, cmd := range fake.cmdWrites {
		if cmd == cmdWriteConfig && i < len(fake.dataWrites) {
			cfg := fake.dataWrites[0]
			if cfg&cfgEnableIRQ12 == 0 {
				t.Error("config byte does not have IRQ12 enabled")
			}
			if cfg&cfgAuxClockMask != 0 {
				t.Error("config byte still has the aux clock masked")
			}
			foundConfigWrite = true
		}
	}
	if !foundConfigWrite {
		t.Fatal("InitMouse never wrote the controller config byte")
	}
}

func TestHandleKeyboardIRQTracksPressAndRelease(t *testing.T) {
	fake := &fakePS2{queue: []uint8{0x1E}} // make code for 'A' in scancode set 1
	orig := cpu.Ports()
	cpu.SetPortIO(fake)
	t.Cleanup(func() { cpu.SetPortIO(orig) })

	c := New()
	c.HandleKeyboardIRQ()
	if !c.Keyboard.IsPressed(0x1E) {
		t.Fatal("expected scancode 0x1E to be marked pressed")
	}

	fake.queue = []uint8{0x1E | scancodeReleaseBit}
	c.HandleKeyboardIRQ()
	if c.Keyboard.IsPressed(0x1E) {
		t.Fatal("expected scancode 0x1E to be marked released")
	}
}

func TestKeyboardRingBufferOrdering(t *testing.T) {
	var k Keyboard
	k.ingest(0x10)
	k.ingest(0x11)

	first, ok := k.Next()
	if !ok || first != 0x10 {
		t.Fatalf("Next() = (%#x, %v), want (0x10, true)", first, ok)
	}
	second, ok := k.Next()
	if !ok || second != 0x11 {
		t.Fatalf("Next() = (%#x, %v), want (0x11, true)", second, ok)
	}
	if _, ok := k.Next(); ok {
		t.Fatal("Next() should report nothing once drained")
	}
}

func TestMouseResyncDiscardsMisalignedByte(t *testing.T) {
	var m Mouse
	m.ingest(0x00) // always-one bit clear: must be discarded, not buffered
	if m.byteIdx != 0 {
		t.Fatalf("byteIdx = %d after a discarded byte, want 0", m.byteIdx)
	}
	m.ingest(mouseByte0AlwaysOne | mouseByte0LeftBtn)
	m.ingest(10)
	m.ingest(5)

	s := m.GetState()
	if s.Buttons&ButtonLeft == 0 {
		t.Error("expected left button set")
	}
	if s.X != 10 || s.Y != -5 {
		t.Errorf("position = (%d, %d), want (10, -5)", s.X, s.Y)
	}
	if !s.Moved {
		t.Error("expected Moved to be set after a nonzero delta")
	}
}

func TestMouseSignExtensionAndOverflowDrop(t *testing.T) {
	var m Mouse
	m.ingest(mouseByte0AlwaysOne | mouseByte0XSign | mouseByte0YSign)
	m.ingest(0xF6) // -10 once sign-extended
	m.ingest(0xFB) // -5 raw, negated to +5 on-screen

	s := m.GetState()
	if s.X != -10 || s.Y != 5 {
		t.Errorf("position = (%d, %d), want (-10, 5)", s.X, s.Y)
	}

	m.ingest(mouseByte0AlwaysOne | mouseByte0XOverflow)
	m.ingest(50)
	m.ingest(50)
	s2 := m.GetState()
	if s2.Moved {
		t.Error("an overflow-flagged packet should be dropped, not applied")
	}
}

func TestGetStateClearsLatches(t *testing.T) {
	var m Mouse
	m.ingest(mouseByte0AlwaysOne)
	m.ingest(1)
	m.ingest(1)

	first := m.GetState()
	if !first.Moved {
		t.Fatal("expected Moved set on first GetState after a delta")
	}
	second := m.GetState()
	if second.Moved {
		t.Error("Moved should be cleared after being consumed once")
	}
}
