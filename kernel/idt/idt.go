// Package idt installs the x86-64 interrupt descriptor table: the missing
// link between a raw CPU interrupt/exception and kernel/irq's vector-indexed
// Dispatch. Generalized from gopheros's `kernel/gate` package (gate_amd64.go:
// a no-present-by-default 256-entry table, an installIDT asm entrypoint, and
// one generated assembly stub per handled vector that threads the vector
// number into a common dispatch routine) — kept to the vectors this kernel
// actually drives (the 8259 PIC's remapped range and a handful of core CPU
// faults) rather than all 256, since nothing else is ever armed.
package idt

import (
	"reflect"
	"unsafe"

	"github.com/ghartrid/ironroot/kernel/klog"
)

// kernelCodeSelector is the flat ring-0 code segment GRUB's multiboot2
// trampoline leaves active (selector 0x08 in the minimal GDT: null, code,
// data) — every gate in this table targets it.
const kernelCodeSelector uint16 = 0x08

// Gate type/attribute byte: present, ring 0, 64-bit interrupt gate (type
// 0xE). An interrupt gate rather than a trap gate, so the CPU clears IF on
// entry and this kernel's handlers never need to guard against a nested
// IRQ of the same vector.
const gateInterrupt64 uint8 = 0x8E

// descriptor is one 16-byte IDT gate, laid out exactly as the CPU reads it
// (AMD64 Architecture Programmer's Manual, Vol 2, §4.8.4). Kept as a byte-
// addressed struct with explicit field writes, the same "opaque window,
// typed accessor" discipline kernel/virtio's Window uses for MMIO registers.
type descriptor struct {
	offsetLow  uint16
	selector   uint16
	istAttr    uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

func makeDescriptor(handler uintptr, ist uint8) descriptor {
	return descriptor{
		offsetLow:  uint16(handler),
		selector:   kernelCodeSelector,
		istAttr:    ist & 0x7,
		typeAttr:   gateInterrupt64,
		offsetMid:  uint16(handler >> 16),
		offsetHigh: uint32(handler >> 32),
	}
}

const tableSize = 256

var table [tableSize]descriptor

// idtr is the 10-byte pseudo-descriptor LIDT loads: a 16-bit limit followed
// by the table's 64-bit linear base.
type idtr struct {
	limit uint16
	base  uint64
}

var idtrValue idtr

// lidt loads idtrValue into the CPU's IDTR (stubs_amd64.s).
func lidt(ptr uintptr)

// irqVectorBase/irqVectorCount mirror kernel/irq's VectorBase=32 and the
// sixteen lines the remapped 8259 pair covers (spec.md §4.4), duplicated
// here rather than imported so this package has no dependency on
// kernel/irq — kernel.Kmain wires the two together via SetIRQDispatcher.
const (
	irqVectorBase  = 32
	irqVectorCount = 16
)

// faultVectors are the CPU exception vectors this kernel arms a handler
// for: divide error, invalid opcode, double fault, general protection
// fault, and page fault — the faults a freestanding kernel with no
// recovery path can do anything useful with besides a diagnostic panic.
var faultVectors = []uint8{0, 6, 8, 13, 14}

// irqDispatch is called by the common ISR trampoline for vectors
// [irqVectorBase, irqVectorBase+irqVectorCount). Wired to kernel/irq's
// PIC.Dispatch by kernel.Kmain; defaults to a no-op so a spurious IRQ before
// wiring never dereferences a nil func.
var irqDispatch = func(vector int) {}

// faultDispatch is called for the vectors in faultVectors. Defaults to
// klog.Panic, spec.md §7's terminal state for an unrecoverable condition —
// there is no fault in this list a freestanding kernel can resume from.
var faultDispatch = func(vector int, errCode uint64) {
	klog.Panic("idt", "unhandled CPU exception")
}

// SetIRQDispatcher wires the PIC's vector dispatcher in (kernel.Kmain calls
// this with irq.PIC.Dispatch once the PIC itself is initialized).
func SetIRQDispatcher(fn func(vector int)) {
	if fn != nil {
		irqDispatch = fn
	}
}

// SetFaultDispatcher overrides the default panic-on-fault handler, mainly
// for tests that want to observe a fault without halting.
func SetFaultDispatcher(fn func(vector int, errCode uint64)) {
	if fn != nil {
		faultDispatch = fn
	}
}

// dispatchFromASM is the landing point every generated stub's common tail
// calls into (stubs_amd64.s); it never runs on the host, only cross-compiled
// into the kernel image, so it is exercised indirectly via idtDispatch in
// tests instead.
func dispatchFromASM(vector, errCode uint64) {
	idtDispatch(int(vector), errCode)
}

// idtDispatch is the vector-routing decision itself, split out from
// dispatchFromASM so host tests can drive it directly without an assembly
// call frame.
func idtDispatch(vector int, errCode uint64) {
	if vector >= irqVectorBase && vector < irqVectorBase+irqVectorCount {
		irqDispatch(vector) // kernel/irq.PIC.Dispatch indexes by absolute vector
		return
	}
	for _, fv := range faultVectors {
		if int(fv) == vector {
			faultDispatch(vector, errCode)
			return
		}
	}
}

// Generated per-vector entry stubs (stubs_amd64.s). Each pushes its own
// vector number (and, for the three hardware vectors that push one
// automatically, relies on that instead) before jumping to the shared
// isrCommon tail. Declared as bodyless Go funcs purely so reflect can
// recover their linked address, the same technique kernel/sched uses for
// cpu.TaskTrampoline.
func irqStub32()
func irqStub33()
func irqStub34()
func irqStub35()
func irqStub36()
func irqStub37()
func irqStub38()
func irqStub39()
func irqStub40()
func irqStub41()
func irqStub42()
func irqStub43()
func irqStub44()
func irqStub45()
func irqStub46()
func irqStub47()

func faultStub0()
func faultStub6()
func faultStub8()
func faultStub13()
func faultStub14()

var irqStubs = [irqVectorCount]func(){
	irqStub32, irqStub33, irqStub34, irqStub35,
	irqStub36, irqStub37, irqStub38, irqStub39,
	irqStub40, irqStub41, irqStub42, irqStub43,
	irqStub44, irqStub45, irqStub46, irqStub47,
}

var faultStubs = map[uint8]func(){
	0:  faultStub0,
	6:  faultStub6,
	8:  faultStub8,
	13: faultStub13,
	14: faultStub14,
}

func funcAddr(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// Init builds the table (every gate non-present except the ones this
// kernel arms) and loads it via LIDT (spec.md §4.4's missing prerequisite:
// nothing reaches PIC.Dispatch without this). Call once, after kernel/irq's
// PIC has remapped the 8259 pair but before cpu.EnableInterrupts.
func Init() {
	for i := range table {
		table[i] = descriptor{}
	}
	for i, stub := range irqStubs {
		vector := irqVectorBase + i
		table[vector] = makeDescriptor(funcAddr(stub), 0)
	}
	for _, vector := range faultVectors {
		table[vector] = makeDescriptor(funcAddr(faultStubs[vector]), 0)
	}

	idtrValue = idtr{
		limit: uint16(unsafe.Sizeof(table)) - 1,
		base:  uint64(uintptr(unsafe.Pointer(&table[0]))),
	}
	lidt(uintptr(unsafe.Pointer(&idtrValue)))
}
