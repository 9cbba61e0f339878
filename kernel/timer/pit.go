// Package timer programs the PIT channel 0 for a 100 Hz tick and reads the
// KVM paravirtual clock when available (spec.md §4.5/§4.6). Generalized
// from the teacher's `timer_qemu.go` periodic-interrupt arm sequence (ARM
// generic timer compare register) into the legacy PIT divisor/command-byte
// programming, and from `nanotime.go`'s calibrated-counter-with-fallback
// shape into the pvclock-or-ticks duality below.
package timer

import "github.com/ghartrid/ironroot/kernel/cpu"

const (
	pitChannel0    = 0x40
	pitCommand     = 0x43
	pitFrequency   = 1193182
	pitCommandByte = 0x36 // channel 0, lo/hi byte, mode 3 (square wave), binary

	// TickHz is the PIT's programmed interrupt rate (spec.md §4.5).
	TickHz = 100
)

// Timer tracks the tick count incremented by the timer IRQ handler and
// optionally reads time through a PvClock reader when the hypervisor
// supports it (spec.md §4.6: "ns() ... prefers KVM pvclock when
// available"). Per spec.md §9, this is an explicit struct owned by
// kernel.Kmain, not a package global.
type Timer struct {
	ticks   uint64
	pvclock *PvClock
}

// New returns a Timer with no pvclock source; call SetPvClock to enable it
// once kernel/cpu's feature detection confirms hypervisor support.
func New() *Timer { return &Timer{} }

// SetPvClock installs the paravirtual clock reader used by Ns when present.
func (t *Timer) SetPvClock(pv *PvClock) { t.pvclock = pv }

// InitPIT programs PIT channel 0 to TickHz (spec.md §4.5: "divisor =
// 1193182 / 100").
func (t *Timer) InitPIT() {
	divisor := uint16(pitFrequency / TickHz)
	ports := cpu.Ports()
	ports.Outb(pitCommand, pitCommandByte)
	ports.Outb(pitChannel0, uint8(divisor&0xFF))
	ports.Outb(pitChannel0, uint8(divisor>>8))
}

// Tick is called by the timer IRQ handler once per interrupt.
func (t *Timer) Tick() { t.ticks++ }

// Ticks returns the raw tick counter (spec.md §4.5: "ticks()").
func (t *Timer) Ticks() uint64 { return t.ticks }

// Ns returns nanoseconds: the pvclock reading if one is installed and
// healthy, otherwise the tick-counted fallback (spec.md §4.6).
func (t *Timer) Ns() uint64 {
	if t.pvclock != nil {
		if ns, ok := t.pvclock.ReadNs(); ok {
			return ns
		}
	}
	return t.ticks * (1_000_000_000 / TickHz)
}

// Ms returns milliseconds (spec.md §4.5: "ms() = ns()/1e6").
func (t *Timer) Ms() uint64 { return t.Ns() / 1_000_000 }

// SleepMs halts the CPU in a loop until at least ms milliseconds of ticks
// have elapsed (spec.md §4.5). halt is called once per iteration and
// should be cpu.HaltLoop's single-hlt body in production; tests pass a
// stand-in that just advances the fake tick counter.
func (t *Timer) SleepMs(ms uint64, halt func()) {
	target := t.Ms() + ms
	for t.Ms() < target {
		halt()
	}
}
