//go:build amd64

package cpu

// HardwarePortIO is the real port-I/O backend for x86-64, implemented with
// the `IN`/`OUT` family of instructions in portio_amd64.s. kernel.Kmain
// installs it with SetPortIO once the kernel is running on bare metal;
// nothing else in this file can be exercised by a host test, which is why
// every higher package depends on the PortIO interface instead of this type
// directly.
type HardwarePortIO struct{}

//go:noescape
func outb(port uint16, val uint8)

//go:noescape
func inb(port uint16) uint8

//go:noescape
func outw(port uint16, val uint16)

//go:noescape
func inw(port uint16) uint16

//go:noescape
func outl(port uint16, val uint32)

//go:noescape
func inl(port uint16) uint32

func (HardwarePortIO) Outb(port uint16, val uint8)  { outb(port, val) }
func (HardwarePortIO) Inb(port uint16) uint8        { return inb(port) }
func (HardwarePortIO) Outw(port uint16, val uint16) { outw(port, val) }
func (HardwarePortIO) Inw(port uint16) uint16       { return inw(port) }
func (HardwarePortIO) Outl(port uint16, val uint32) { outl(port, val) }
func (HardwarePortIO) Inl(port uint16) uint32       { return inl(port) }
