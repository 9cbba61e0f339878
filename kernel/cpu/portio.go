// Package cpu isolates every primitive that requires inline assembly or a
// raw hardware instruction — port I/O, MSR/TSC/CPUID access, compiler and
// memory barriers, and the scheduler's context-switch trampoline — behind a
// small set of contracts, exactly the way the teacher repo isolates its
// ARM64 system-register primitives behind its own `asm` package boundary
// (spec.md §9: "isolate in a small module of low-level primitives with
// contracts stated in terms of inputs/outputs and clobbered registers").
//
// Everything above this package talks to hardware only through these
// functions; the only other assembly in the tree is kernel/idt's interrupt
// entry stubs and cmd/kernel's boot-value accessors.
package cpu

// PortIO is the 8/16/32-bit legacy port I/O contract used by the PIC, PIT,
// 8042 controller, VGA ISR1 register, and PCI 0xCF8/0xCFC config-space
// pair. It is an interface — not a bare function set — so that every
// package built on top of it (kernel/irq, kernel/timer, kernel/pci,
// kernel/input, kernel/fb) is unit-testable on the host against a fake.
type PortIO interface {
	Outb(port uint16, val uint8)
	Inb(port uint16) uint8
	Outw(port uint16, val uint16)
	Inw(port uint16) uint16
	Outl(port uint16, val uint32)
	Inl(port uint16) uint32
}

var active PortIO = noopPortIO{}

// SetPortIO installs the port-I/O backend. kernel.Kmain installs the real
// hardware-backed implementation at boot; tests install a fake that records
// or fabricates port traffic.
func SetPortIO(p PortIO) { active = p }

// Ports returns the currently installed PortIO backend.
func Ports() PortIO { return active }

// noopPortIO is the zero-value backend so that a package importing cpu
// before boot-time wiring never dereferences a nil interface; every read
// returns the hardware "nothing here" value (all-ones) and every write is
// silently dropped.
type noopPortIO struct{}

func (noopPortIO) Outb(uint16, uint8)   {}
func (noopPortIO) Inb(uint16) uint8     { return 0xFF }
func (noopPortIO) Outw(uint16, uint16)  {}
func (noopPortIO) Inw(uint16) uint16    { return 0xFFFF }
func (noopPortIO) Outl(uint16, uint32)  {}
func (noopPortIO) Inl(uint16) uint32    { return 0xFFFFFFFF }

// IOWait performs the traditional 0x80 port write used to pace back-to-back
// port I/O on real hardware (spec.md §4.4's "io_wait is the 0x80 port
// trick"). A no-op on the host-test backend, a real delay on hardware.
func IOWait() {
	active.Outb(0x80, 0)
}
