package virtio

import (
	"testing"
	"unsafe"

	"github.com/ghartrid/ironroot/kernel/cpu"
	"github.com/ghartrid/ironroot/kernel/pci"
)

// fakeConfigSpace mirrors kernel/pci's own test fake (same 0xCF8/0xCFC
// address-latch protocol) so this package's Bind/capability-walk logic can
// be exercised without a real bus.
type fakeConfigSpace struct {
	latched uint32
	dwords  map[uint32]uint32
}

func newFakeConfigSpace() *fakeConfigSpace { return &fakeConfigSpace{dwords: map[uint32]uint32{}} }

func address(bus, slot, fn, offset uint8) uint32 {
	return 1<<31 | uint32(bus)<<16 | uint32(slot)<<11 | uint32(fn)<<8 | uint32(offset&0xFC)
}

func (f *fakeConfigSpace) set(bus, slot, fn, offset uint8, val uint32) {
	f.dwords[address(bus, slot, fn, offset)] = val
}

func (f *fakeConfigSpace) Outb(uint16, uint8)  {}
func (f *fakeConfigSpace) Inb(uint16) uint8    { return 0 }
func (f *fakeConfigSpace) Outw(uint16, uint16) {}
func (f *fakeConfigSpace) Inw(uint16) uint16   { return 0 }

func (f *fakeConfigSpace) Outl(port uint16, val uint32) {
	switch port {
	case 0x0CF8:
		f.latched = val
	case 0x0CFC:
		f.dwords[f.latched] = val
	}
}

func (f *fakeConfigSpace) Inl(port uint16) uint32 {
	switch port {
	case 0x0CF8:
		return f.latched
	case 0x0CFC:
		return f.dwords[f.latched]
	}
	return 0xFFFFFFFF
}

type fakeMapper struct {
	backing []byte
}

func (m *fakeMapper) MapMMIO(phys uint64, length uint32) uintptr {
	if int(phys)+int(length) > len(m.backing) {
		buf := make([]byte, phys+uint64(length))
		copy(buf, m.backing)
		m.backing = buf
	}
	return uintptr(unsafe.Pointer(&m.backing[phys]))
}

type fixedBARs struct{ addr uint64 }

func (f fixedBARs) BARPhysAddr(uint8) uint64 { return f.addr }

func TestBindWalksCapabilitiesAndMapsWindows(t *testing.T) {
	old := pointerAt
	pointerAt = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }
	t.Cleanup(func() { pointerAt = old })

	f := newFakeConfigSpace()
	cpu.SetPortIO(f)
	t.Cleanup(func() { cpu.SetPortIO(newFakeConfigSpace()) })

	dev := pci.Device{Bus: 0, Slot: 4, Func: 0, VendorID: 0x1AF4, DeviceID: 0x1050}

	// capabilities pointer at 0x34 -> first cap at offset 0x40
	f.set(dev.Bus, dev.Slot, dev.Func, 0x34, 0x00000040)
	// common-config capability at 0x40: cap_vendor=0x09, next=0x50, len, cfg_type=1(common)
	f.set(dev.Bus, dev.Slot, dev.Func, 0x40, uint32(CfgTypeCommon)<<24|0<<16|0x50<<8|pci.CapVendorSpecific)
	f.set(dev.Bus, dev.Slot, dev.Func, 0x44, 0) // bar 0
	f.set(dev.Bus, dev.Slot, dev.Func, 0x48, 0) // offset 0
	f.set(dev.Bus, dev.Slot, dev.Func, 0x4C, 0x1000)
	// notify capability at 0x50: cfg_type=2(notify), next=0 (end)
	f.set(dev.Bus, dev.Slot, dev.Func, 0x50, uint32(CfgTypeNotify)<<24|0<<16|0<<8|pci.CapVendorSpecific)
	f.set(dev.Bus, dev.Slot, dev.Func, 0x54, 0)
	f.set(dev.Bus, dev.Slot, dev.Func, 0x58, 0x2000)
	f.set(dev.Bus, dev.Slot, dev.Func, 0x5C, 0x100)
	f.set(dev.Bus, dev.Slot, dev.Func, 0x60, 4) // notify_off_multiplier

	mapper := &fakeMapper{backing: make([]byte, 0x3000)}
	bound := Bind(dev, fixedBARs{addr: 0}, mapper)

	if !bound.Common.Valid() {
		t.Fatal("common-config window was not mapped")
	}
	if !bound.Notify.Valid() {
		t.Fatal("notify window was not mapped")
	}
	if bound.NotifyOffMultiplier() != 4 {
		t.Errorf("NotifyOffMultiplier = %d, want 4", bound.NotifyOffMultiplier())
	}
}

func TestNegotiateFeaturesMasksUnsupportedBits(t *testing.T) {
	backing := make([]byte, 4096)
	old := pointerAt
	pointerAt = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }
	t.Cleanup(func() { pointerAt = old })

	win := NewWindow(uintptr(unsafe.Pointer(&backing[0])))
	dev := &Device{Common: win}

	win.Write32(regDeviceFeatureSelect, 0)
	win.Write32(regDeviceFeature, 0xF0F0)

	// A real device retains whatever was written; the fake models that by
	// also making device_status read back what was written, which
	// NegotiateFeatures relies on to detect FEATURES_OK rejection.
	ok := dev.NegotiateFeatures(0x00FF)
	if !ok {
		t.Fatal("NegotiateFeatures should succeed when the device retains FEATURES_OK")
	}
	got := win.Read32(regDriverFeature)
	if got != 0x00F0 {
		t.Errorf("negotiated features = %#x, want %#x (offered 0xF0F0 & wanted 0x00FF)", got, 0x00F0)
	}
}
