// Package virtio implements the shared VirtIO modern-PCI transport spec.md
// §4.10 describes: capability walk, feature negotiation, virtqueue setup,
// notify, and poll. It is the common foundation kernel/gpu and kernel/net
// build their device-specific command sets on top of, generalized from the
// teacher's GPU-control-queue-only driver (`_teacher_ref/main/virtio_gpu.go`)
// into a device-agnostic transport, with the ring layout grounded on
// `_teacher_ref/mazarin_src/virtqueue.go`.
package virtio

import (
	"unsafe"

	"github.com/ghartrid/ironroot/kernel/cpu"
)

// pointerAt resolves a mapped virtual address to a Go pointer. Overridden
// in tests to point into ordinary Go-allocated memory standing in for an
// MMIO window or DMA buffer, the same technique kernel/vmm's physToPointer
// and kernel/heap's addrToSegment use.
var pointerAt = func(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// Window is a byte-addressable MMIO register window (one per capability:
// common config, notify, ISR, device config). Every access goes through an
// explicit accessor rather than a raw struct overlay, so the compiler never
// elides or reorders a hardware-visible read/write (spec.md §9: "treat the
// mapped region as an opaque byte window with typed accessors that perform
// the read/write with an explicit compiler+memory barrier").
type Window struct {
	base uintptr
}

// NewWindow wraps a mapped virtual base address as an MMIO window.
func NewWindow(base uintptr) Window { return Window{base: base} }

// Base returns the window's mapped virtual base address.
func (w Window) Base() uintptr { return w.base }

// Valid reports whether the window was ever mapped (zero value means the
// corresponding capability was absent).
func (w Window) Valid() bool { return w.base != 0 }

func (w Window) at(off uint32) unsafe.Pointer {
	return pointerAt(w.base + uintptr(off))
}

func (w Window) Read8(off uint32) uint8   { return *(*uint8)(w.at(off)) }
func (w Window) Read16(off uint32) uint16 { return *(*uint16)(w.at(off)) }
func (w Window) Read32(off uint32) uint32 { return *(*uint32)(w.at(off)) }
func (w Window) Read64(off uint32) uint64 { return *(*uint64)(w.at(off)) }

func (w Window) Write8(off uint32, v uint8) {
	*(*uint8)(w.at(off)) = v
	cpu.MFence()
}

func (w Window) Write16(off uint32, v uint16) {
	*(*uint16)(w.at(off)) = v
	cpu.MFence()
}

func (w Window) Write32(off uint32, v uint32) {
	*(*uint32)(w.at(off)) = v
	cpu.MFence()
}

func (w Window) Write64(off uint32, v uint64) {
	*(*uint64)(w.at(off)) = v
	cpu.MFence()
}
