//go:build amd64

package cpu

import "github.com/ghartrid/ironroot/kernel/klog"

// Rdmsr and Wrmsr access model-specific registers. Contract: EDX:EAX holds
// the 64-bit value, ECX the MSR number; no other register is touched.
// Wired from kernel/timer to register the KVM pvclock page (spec.md §4.6 /
// §6: wrmsr(MSR, phys|1)).

//go:noescape
func rdmsr(msr uint32) uint64

//go:noescape
func wrmsr(msr uint32, val uint64)

// Rdmsr reads a model-specific register.
func Rdmsr(msr uint32) uint64 { return rdmsr(msr) }

// Wrmsr writes a model-specific register.
func Wrmsr(msr uint32, val uint64) { wrmsr(msr, val) }

//go:noescape
func rdtsc() uint64

// Rdtsc returns the raw time-stamp counter. Used by kernel/timer's pvclock
// reader (spec.md §4.6) and as a lightweight spin-wait clock for VirtIO
// polling timeouts (spec.md §4.10).
func Rdtsc() uint64 { return rdtsc() }

//go:noescape
func cpuidRaw(eax, ecx uint32) (a, b, c, d uint32)

// CPUID executes the CPUID instruction for the given leaf/subleaf and
// returns EAX:EBX:ECX:EDX. kernel/cpu's DetectFeatures (features.go) calls
// this directly and decodes the invariant-TSC and KVM leaves by hand.
func CPUID(eax, ecx uint32) (a, b, c, d uint32) { return cpuidRaw(eax, ecx) }

//go:noescape
func invlpgAsm(addr uintptr)

// Invlpg invalidates a single TLB entry (spec.md §4.2 flush_tlb).
func Invlpg(addr uintptr) { invlpgAsm(addr) }

//go:noescape
func loadCR3(phys uintptr)

//go:noescape
func readCR3() uintptr

// LoadCR3 reloads the top-level page table pointer, flushing the entire TLB
// (spec.md §4.2 flush_tlb_all).
func LoadCR3(phys uintptr) { loadCR3(phys) }

// ReadCR3 returns the physical address of the currently active top-level
// page table (spec.md §4.2 vmm.init: "read CR3, record the top-level table
// pointer").
func ReadCR3() uintptr { return readCR3() }

//go:noescape
func pause()

// Pause executes the PAUSE instruction, the spin-wait hint used by VirtIO's
// bounded poll loop (spec.md §4.10, §5).
func Pause() { pause() }

//go:noescape
func cli()

//go:noescape
func sti()

// DisableInterrupts and EnableInterrupts bracket every scheduler/ready-queue
// critical section (spec.md §5).
func DisableInterrupts() { cli() }
func EnableInterrupts()  { sti() }

//go:noescape
func hlt()

// HaltLoop halts the CPU until the next interrupt, in a loop — the idle
// task's body (spec.md §4.8) and klog.Panic's terminal state (spec.md §7).
func HaltLoop() {
	for {
		hlt()
	}
}

// InitHardware installs the real port-I/O backend and halt loop. Called once
// by kernel.Kmain at the very start of boot, before any other subsystem
// touches a port or MSR.
func InitHardware() {
	SetPortIO(HardwarePortIO{})
	klog.SetHaltFunc(HaltLoop)
}
