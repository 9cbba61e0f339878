package gpu

import (
	"github.com/ghartrid/ironroot/kernel/cpu"
	"github.com/ghartrid/ironroot/kernel/klog"
)

// VMware SVGA II register indices (legacy index/data port pair, the same
// idiom `_teacher_ref/main/pci_qemu.go` uses for its VBE index/data BAR —
// spec.md §4.11: "uses SVGA-specific I/O ports and a FIFO command queue").
const (
	svgaRegID       = 0
	svgaRegEnable   = 1
	svgaRegWidth    = 2
	svgaRegHeight   = 3
	svgaRegBPP      = 7
	svgaRegFBOffset = 13
	svgaRegConfigDone = 32
)

// FIFO command opcodes this backend issues.
const (
	svgaCmdUpdate = 1
)

const svgaIDMagic = 0x90000002 // SVGA_ID_2

// SVGAFIFO is the mapped FIFO command-ring window (BAR2) this backend
// writes UPDATE commands into.
type SVGAFIFO interface {
	Push(words ...uint32)
}

// VMwareSVGA is the second GPU-HAL backend (spec.md §4.11): it fulfils the
// same Backend contract as VirtioGPU through SVGA-II's port-pair register
// access and FIFO command submission instead of a virtqueue.
type VMwareSVGA struct {
	ports cpu.PortIO
	base  uint16
	fifo  SVGAFIFO

	width, height uint32
}

// NewVMwareSVGA binds the backend to its legacy index/value I/O port pair
// (indexPort, indexPort+1) and its mapped FIFO command window.
func NewVMwareSVGA(ports cpu.PortIO, indexPort uint16, fifo SVGAFIFO) *VMwareSVGA {
	return &VMwareSVGA{ports: ports, base: indexPort, fifo: fifo}
}

func (s *VMwareSVGA) Name() string { return "vmware-svga" }

func (s *VMwareSVGA) readReg(index uint32) uint32 {
	s.ports.Outl(s.base, index)
	return s.ports.Inl(s.base + 1)
}

func (s *VMwareSVGA) writeReg(index, value uint32) {
	s.ports.Outl(s.base, index)
	s.ports.Outl(s.base+1, value)
}

func (s *VMwareSVGA) Init(width, height uint32) error {
	id := s.readReg(svgaRegID)
	if id != svgaIDMagic {
		klog.Warn("gpu", "vmware-svga: unexpected device ID, device absent")
		return ErrCommandFailed
	}
	s.writeReg(svgaRegEnable, 0)
	s.writeReg(svgaRegWidth, width)
	s.writeReg(svgaRegHeight, height)
	s.writeReg(svgaRegBPP, 32)
	s.writeReg(svgaRegEnable, 1)
	s.writeReg(svgaRegConfigDone, 1)
	s.width, s.height = width, height
	return nil
}

// Flip pushes an UPDATE command covering dirty (or the whole screen) into
// the FIFO so the host compositor re-reads the guest framebuffer region —
// backbuffer bytes are assumed already copied into the device's own
// framebuffer BAR by the caller before Flip is invoked, mirroring spec.md
// §4.9's "sync any pending GPU-accelerated operations" step.
func (s *VMwareSVGA) Flip(_ []byte, _ uint32, dirty []Rect) error {
	if s.fifo == nil {
		return nil
	}
	region := Rect{W: s.width, H: s.height}
	if len(dirty) > 0 {
		region = unionRects(dirty)
	}
	s.fifo.Push(svgaCmdUpdate, region.X, region.Y, region.W, region.H)
	return nil
}
