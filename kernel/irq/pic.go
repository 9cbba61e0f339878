// Package irq remaps and drives the legacy 8259 PIC pair and dispatches
// interrupt vectors to registered handlers (spec.md §4.4). Generalized
// from the teacher's GICv2 distributor/CPU-interface bring-up
// (`_teacher_ref/main/gic_qemu.go`: disable, mask everything, route,
// enable) into the legacy ICW1-4 programming sequence, and from its
// `interruptHandlers` dispatch array (`_teacher_ref/main/exceptions.go`)
// into this package's vector table.
package irq

import (
	"github.com/ghartrid/ironroot/kernel/cpu"
	"github.com/ghartrid/ironroot/kernel/klog"
)

const (
	masterCommand = 0x20
	masterData    = 0x21
	slaveCommand  = 0xA0
	slaveData     = 0xA1

	icw1Init       = 0x10
	icw1ICW4       = 0x01
	icw4_8086      = 0x01
	eoi            = 0x20
	cascadeIRQ     = 2 // slave is wired to master's IRQ2 line

	// VectorBase is the IDT vector IRQ 0 is remapped to (spec.md §4.4:
	// "remapping IRQ 0-7 to vectors 32-39 and IRQ 8-15 to 40-47").
	VectorBase = 32
)

// Handler is a single interrupt service routine. It must do its work
// briefly and must not itself call SendEOI — the dispatcher does that
// after the handler returns, per spec.md §4.4's handler contract.
type Handler func()

// PIC owns the two 8259 controllers' shadow mask state and the vector
// dispatch table. Per spec.md §9, this is an explicit struct instance
// owned by kernel.Kmain, not a package global.
type PIC struct {
	masterMask uint8
	slaveMask  uint8
	handlers   [256]Handler
}

// New returns an uninitialized PIC. Call Init before enabling any line.
func New() *PIC { return &PIC{} }

// Init performs the ICW1-ICW4 remap sequence on both controllers and masks
// every line (spec.md §4.4: "All lines start masked").
func (p *PIC) Init() {
	ports := cpu.Ports()

	ports.Outb(masterCommand, icw1Init|icw1ICW4)
	cpu.IOWait()
	ports.Outb(slaveCommand, icw1Init|icw1ICW4)
	cpu.IOWait()

	ports.Outb(masterData, VectorBase) // ICW2: master vector offset
	cpu.IOWait()
	ports.Outb(slaveData, VectorBase+8) // ICW2: slave vector offset
	cpu.IOWait()

	ports.Outb(masterData, 1<<cascadeIRQ) // ICW3: slave wired to IRQ2
	cpu.IOWait()
	ports.Outb(slaveData, cascadeIRQ) // ICW3: slave's cascade identity
	cpu.IOWait()

	ports.Outb(masterData, icw4_8086)
	cpu.IOWait()
	ports.Outb(slaveData, icw4_8086)
	cpu.IOWait()

	p.masterMask = 0xFF
	p.slaveMask = 0xFF
	ports.Outb(masterData, p.masterMask)
	ports.Outb(slaveData, p.slaveMask)
}

// EnableIRQ clears the mask bit for irq (0-15), auto-unmasking the cascade
// line when enabling any slave IRQ (spec.md §4.4).
func (p *PIC) EnableIRQ(irqLine int) {
	ports := cpu.Ports()
	if irqLine < 8 {
		p.masterMask &^= 1 << uint(irqLine)
		ports.Outb(masterData, p.masterMask)
		return
	}
	p.slaveMask &^= 1 << uint(irqLine-8)
	ports.Outb(slaveData, p.slaveMask)
	p.masterMask &^= 1 << cascadeIRQ
	ports.Outb(masterData, p.masterMask)
}

// DisableIRQ sets the mask bit for irq (0-15).
func (p *PIC) DisableIRQ(irqLine int) {
	ports := cpu.Ports()
	if irqLine < 8 {
		p.masterMask |= 1 << uint(irqLine)
		ports.Outb(masterData, p.masterMask)
		return
	}
	p.slaveMask |= 1 << uint(irqLine-8)
	ports.Outb(slaveData, p.slaveMask)
}

// SendEOI writes 0x20 to the slave first if irq >= 8, then always to the
// master (spec.md §4.4).
func (p *PIC) SendEOI(irqLine int) {
	ports := cpu.Ports()
	if irqLine >= 8 {
		ports.Outb(slaveCommand, eoi)
	}
	ports.Outb(masterCommand, eoi)
}

// RegisterHandler installs h as the handler for the given IDT vector
// (VectorBase..VectorBase+15 for the two PICs; higher vectors are free for
// CPU exceptions or software use).
func (p *PIC) RegisterHandler(vector int, h Handler) {
	p.handlers[vector] = h
}

// Dispatch runs the handler registered for vector, if any, then sends EOI
// for the corresponding IRQ line when vector falls in the PIC's remapped
// range. An unregistered vector is logged and still EOI'd — an
// unacknowledged IRQ line would otherwise never fire again.
func (p *PIC) Dispatch(vector int) {
	h := p.handlers[vector]
	if h == nil {
		klog.Warn("irq", "unhandled vector")
	} else {
		h()
	}
	if vector >= VectorBase && vector < VectorBase+16 {
		p.SendEOI(vector - VectorBase)
	}
}
