// Package pci implements the legacy 0xCF8/0xCFC configuration-space scan,
// BAR probing, and capability walk spec.md §4.7 describes. Generalized
// from the teacher's `pci_qemu.go`/`pci_ecam_base_qemu.go` ECAM
// (memory-mapped) config-space addressing into the x86-64 legacy
// port-pair addressing real PC-compatible firmware and QEMU's `q35`/`i440fx`
// machines expose, keeping the same vendor/device probe loop and
// BAR-size-probe idiom.
package pci

import "github.com/ghartrid/ironroot/kernel/cpu"

const (
	configAddress = 0x0CF8
	configData    = 0x0CFC

	enableBit = 1 << 31

	offsetVendorDevice = 0x00
	offsetCommand      = 0x04
	offsetClass        = 0x08
	offsetHeaderType   = 0x0C
	offsetBAR0         = 0x10
	offsetCapPointer   = 0x34

	headerTypeMultifunction = 0x80
	headerTypeMask          = 0x7F

	vendorAbsent = 0xFFFF

	// CapVendorSpecific is the PCI capability ID VirtIO modern devices use
	// for every one of their config-space windows (spec.md §4.10).
	CapVendorSpecific = 0x09

	commandBusMaster  = 1 << 2
	commandMemorySpace = 1 << 1

	barIO = 0x1
)

// address builds the 0xCF8 address-latch value for a config-space dword.
func address(bus, slot, fn, offset uint8) uint32 {
	return enableBit |
		uint32(bus)<<16 |
		uint32(slot)<<11 |
		uint32(fn)<<8 |
		uint32(offset&0xFC)
}

// ReadConfig32 reads a 32-bit config-space dword (spec.md §4.7).
func ReadConfig32(bus, slot, fn, offset uint8) uint32 {
	ports := cpu.Ports()
	ports.Outl(configAddress, address(bus, slot, fn, offset))
	return ports.Inl(configData)
}

// WriteConfig32 writes a 32-bit config-space dword.
func WriteConfig32(bus, slot, fn, offset uint8, value uint32) {
	ports := cpu.Ports()
	ports.Outl(configAddress, address(bus, slot, fn, offset))
	ports.Outl(configData, value)
}

// Device identifies one enumerated function and caches the fields the rest
// of the kernel (VirtIO transport, GPU backend probing) needs repeatedly.
type Device struct {
	Bus, Slot, Func uint8
	VendorID        uint16
	DeviceID        uint16
	HeaderType      uint8
}

func readVendorDevice(bus, slot, fn uint8) (vendor, device uint16) {
	v := ReadConfig32(bus, slot, fn, offsetVendorDevice)
	return uint16(v & 0xFFFF), uint16(v >> 16)
}

func readHeaderType(bus, slot, fn uint8) uint8 {
	v := ReadConfig32(bus, slot, fn, offsetHeaderType)
	return uint8((v >> 16) & 0xFF)
}

// Scan walks bus 0, devices 0-31, function 0, and functions 1-7 when the
// header type's multifunction bit is set (spec.md §4.7). Vendor 0xFFFF
// means "absent".
func Scan() []Device {
	var devices []Device
	const bus = 0
	for slot := uint8(0); slot < 32; slot++ {
		vendor, device := readVendorDevice(bus, slot, 0)
		if vendor == vendorAbsent {
			continue
		}
		ht := readHeaderType(bus, slot, 0)
		devices = append(devices, Device{Bus: bus, Slot: slot, Func: 0, VendorID: vendor, DeviceID: device, HeaderType: ht & headerTypeMask})

		if ht&headerTypeMultifunction == 0 {
			continue
		}
		for fn := uint8(1); fn < 8; fn++ {
			v, d := readVendorDevice(bus, slot, fn)
			if v == vendorAbsent {
				continue
			}
			fht := readHeaderType(bus, slot, fn)
			devices = append(devices, Device{Bus: bus, Slot: slot, Func: fn, VendorID: v, DeviceID: d, HeaderType: fht & headerTypeMask})
		}
	}
	return devices
}

// EnableBusMaster idempotently sets the bus-master bit in the command
// register (spec.md §4.7).
func EnableBusMaster(d Device) {
	cmd := ReadConfig32(d.Bus, d.Slot, d.Func, offsetCommand)
	if uint16(cmd)&commandBusMaster != 0 {
		return
	}
	WriteConfig32(d.Bus, d.Slot, d.Func, offsetCommand, cmd|commandBusMaster)
}

// EnableMemorySpace idempotently sets the memory-space bit in the command
// register.
func EnableMemorySpace(d Device) {
	cmd := ReadConfig32(d.Bus, d.Slot, d.Func, offsetCommand)
	if uint16(cmd)&commandMemorySpace != 0 {
		return
	}
	WriteConfig32(d.Bus, d.Slot, d.Func, offsetCommand, cmd|commandMemorySpace)
}

// BAR describes one probed base address register (spec.md §4.7).
type BAR struct {
	IsIO    bool
	Is64Bit bool
	Addr    uint64
	Size    uint32
}

// decodeLowBAR interprets a BAR's original dword and its all-ones probe
// readback into an address/size/kind triple, independent of how those two
// dwords were obtained (real port I/O in production, fixed values in
// tests). This is the pure core of the write-all-ones/read-back/restore
// idiom spec.md §4.7 describes.
func decodeLowBAR(orig, probe uint32) (addr uint64, size uint32, isIO, is64 bool) {
	if orig&barIO != 0 {
		mask := probe &^ 0x3
		return uint64(orig &^ 0x3), ^mask + 1, true, false
	}
	is64 = (orig>>1)&0x3 == 0x2
	mask := probe &^ 0xF
	return uint64(orig &^ 0xF), ^mask + 1, false, is64
}

// decodeHighBAR folds a 64-bit BAR's upper dword and its all-ones probe
// readback into the final 64-bit address and size.
func decodeHighBAR(addrLow uint64, maskLow uint32, origHigh, probeHigh uint32) (addr uint64, size uint32) {
	addr = addrLow | uint64(origHigh)<<32
	fullMask := uint64(probeHigh)<<32 | uint64(maskLow&^0xF)
	return addr, uint32(^fullMask + 1)
}

// ProbeBAR probes BAR index (0-5) by writing all-ones, reading back the
// size mask, and restoring the original value. For a 64-bit memory BAR
// (type field 2), it also probes the upper dword and reports that the
// following BAR slot is consumed (spec.md §4.7: "the next BAR slot is
// skipped"). Returns the probed BAR and the next unconsumed BAR index.
func ProbeBAR(d Device, index int) (bar BAR, nextIndex int) {
	offset := offsetBAR0 + uint8(index*4)
	orig := ReadConfig32(d.Bus, d.Slot, d.Func, offset)

	WriteConfig32(d.Bus, d.Slot, d.Func, offset, 0xFFFFFFFF)
	probeLow := ReadConfig32(d.Bus, d.Slot, d.Func, offset)
	WriteConfig32(d.Bus, d.Slot, d.Func, offset, orig)

	addr, size, isIO, is64 := decodeLowBAR(orig, probeLow)
	if isIO || !is64 {
		return BAR{IsIO: isIO, Addr: addr, Size: size}, index + 1
	}

	highOffset := offset + 4
	origHigh := ReadConfig32(d.Bus, d.Slot, d.Func, highOffset)
	WriteConfig32(d.Bus, d.Slot, d.Func, highOffset, 0xFFFFFFFF)
	probeHigh := ReadConfig32(d.Bus, d.Slot, d.Func, highOffset)
	WriteConfig32(d.Bus, d.Slot, d.Func, highOffset, origHigh)

	fullAddr, fullSize := decodeHighBAR(addr, probeLow&^0xF, origHigh, probeHigh)
	return BAR{Is64Bit: true, Addr: fullAddr, Size: fullSize}, index + 2
}

// Capability is one entry in a device's capability list.
type Capability struct {
	ID     uint8
	Offset uint8
}

// WalkCapabilities follows the capabilities linked list starting at the
// config-space capabilities pointer (spec.md §4.10: "Walk the PCI
// capability list").
func WalkCapabilities(d Device, visit func(Capability) bool) {
	ptr := uint8(ReadConfig32(d.Bus, d.Slot, d.Func, offsetCapPointer) & 0xFF)
	for ptr != 0 {
		entry := ReadConfig32(d.Bus, d.Slot, d.Func, ptr)
		entryCap := Capability{ID: uint8(entry & 0xFF), Offset: ptr}
		if !visit(entryCap) {
			return
		}
		ptr = uint8((entry >> 8) & 0xFF)
	}
}
