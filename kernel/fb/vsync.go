package fb

import "github.com/ghartrid/ironroot/kernel/cpu"

// vgaInputStatus1 is the VGA Input Status Register 1 (spec.md §6: "0x3DA
// VGA ISR1 for VSync").
const vgaInputStatus1 = 0x3DA

// vgaVRetraceBit is bit 3 of ISR1: set during vertical retrace.
const vgaVRetraceBit = 1 << 3

// WaitVSyncBareMetal polls ISR1 bit 3 to observe the *start* of a retrace:
// first it waits for the bit to clear (any retrace already in progress
// finishes), then waits for it to set again, so the caller's flip lands at
// the beginning of a fresh blanking interval (spec.md §4.9: "first wait for
// it to be clear, then wait for it to set").
func WaitVSyncBareMetal(ports cpu.PortIO) {
	for ports.Inb(vgaInputStatus1)&vgaVRetraceBit != 0 {
	}
	for ports.Inb(vgaInputStatus1)&vgaVRetraceBit == 0 {
	}
}

// vmPacingTicks is the PIT-tick pacing substitute used under virtualization,
// where ISR1 polling is unreliable or absent (spec.md §4.9: "VM mode
// substitutes a 3-tick (~30 ms) pacing loop using the PIT").
const vmPacingTicks = 3

// WaitVSyncVM paces frame presentation to roughly 3 PIT ticks (~30 ms at
// 100 Hz) by invoking waitTick once per tick, standing in for ISR1 polling
// when running under a hypervisor that doesn't emulate CRT retrace timing.
func WaitVSyncVM(waitTick func()) {
	for i := 0; i < vmPacingTicks; i++ {
		waitTick()
	}
}
