// Package input drives the 8042 keyboard/mouse controller (spec.md §4.13).
// Generalized from the teacher's request/ACK handshake idiom in
// `_teacher_ref/main/mailbox.go` (write a command, poll a status bit,
// read the reply) applied to the 8042 controller-command sequence and the
// PS/2 mouse's SET_DEFAULTS/ENABLE_DATA bring-up, and from its defensive
// bounds-checked tag walk in `_teacher_ref/main/dtb_qemu.go` applied to the
// 3-byte mouse packet resync state machine below.
package input

import (
	"github.com/ghartrid/ironroot/kernel/cpu"
	"github.com/ghartrid/ironroot/kernel/klog"
)

const (
	dataPort   = 0x60
	statusPort = 0x64
	cmdPort    = 0x64

	statusOutputFull = 1 << 0
	statusInputFull  = 1 << 1

	cmdReadConfig  = 0x20
	cmdWriteConfig = 0x60
	cmdEnableAux   = 0xA8
	cmdWriteToAux  = 0xD4

	cfgEnableIRQ12  = 1 << 1
	cfgAuxClockMask = 1 << 5

	mouseSetDefaults = 0xF6
	mouseEnableData  = 0xF4
	mouseACK         = 0xFA

	spinLimit = 100_000
)

// Controller owns the 8042 bring-up sequence and the keyboard/mouse state
// it feeds (spec.md §9: an explicit struct kernel.Kmain owns, not a package
// global).
type Controller struct {
	Keyboard Keyboard
	Mouse    Mouse
}

// New returns a Controller with both devices in their zero state. Call
// InitMouse before enabling IRQ12.
func New() *Controller { return &Controller{} }

func waitInputClear() bool {
	ports := cpu.Ports()
	for i := 0; i < spinLimit; i++ {
		if ports.Inb(statusPort)&statusInputFull == 0 {
			return true
		}
	}
	return false
}

func waitOutputFull() bool {
	ports := cpu.Ports()
	for i := 0; i < spinLimit; i++ {
		if ports.Inb(statusPort)&statusOutputFull != 0 {
			return true
		}
	}
	return false
}

func writeCommand(cmd uint8) {
	if !waitInputClear() {
		klog.Warn("input", "8042 command port timed out")
		return
	}
	cpu.Ports().Outb(cmdPort, cmd)
}

func writeData(b uint8) {
	if !waitInputClear() {
		klog.Warn("input", "8042 data port timed out")
		return
	}
	cpu.Ports().Outb(dataPort, b)
}

func readData() (uint8, bool) {
	if !waitOutputFull() {
		return 0, false
	}
	return cpu.Ports().Inb(dataPort), true
}

// writeToMouse sends a byte to the auxiliary (mouse) device via the
// controller's write-to-aux command and reads back its one-byte ACK
// (spec.md §4.13: "issue SET_DEFAULTS and ENABLE_DATA, each followed by a
// one-byte ACK read").
func writeToMouse(b uint8) bool {
	writeCommand(cmdWriteToAux)
	writeData(b)
	ack, ok := readData()
	if !ok {
		klog.Warn("input", "mouse command ACK timed out")
		return false
	}
	if ack != mouseACK {
		klog.Warn("input", "mouse command not acknowledged")
		return false
	}
	return true
}

// InitMouse enables the auxiliary port, flips the IRQ12-enable and
// aux-clock bits in the controller config byte, and brings the mouse into
// streaming mode (spec.md §4.13).
func (c *Controller) InitMouse() {
	writeCommand(cmdEnableAux)

	writeCommand(cmdReadConfig)
	cfg, ok := readData()
	if !ok {
		klog.Warn("input", "failed to read 8042 config byte")
		return
	}
	cfg |= cfgEnableIRQ12
	cfg &^= cfgAuxClockMask

	writeCommand(cmdWriteConfig)
	writeData(cfg)

	writeToMouse(mouseSetDefaults)
	writeToMouse(mouseEnableData)

	c.Mouse.reset()
}

// HandleKeyboardIRQ is IRQ1's handler: read the one pending scancode and
// fold it into the keyboard's state (spec.md §4.13/§4.4's "handler does its
// work briefly").
func (c *Controller) HandleKeyboardIRQ() {
	b, ok := readData()
	if !ok {
		return
	}
	c.Keyboard.ingest(b)
}

// HandleMouseIRQ is IRQ12's handler: read one packet byte and feed it to
// the mouse's 3-byte resync state machine.
func (c *Controller) HandleMouseIRQ() {
	b, ok := readData()
	if !ok {
		return
	}
	c.Mouse.ingest(b)
}
