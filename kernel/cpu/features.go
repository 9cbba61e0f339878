package cpu

import "github.com/canonical/cpuid"

// Features is the decoded CPUID feature set consumed by kernel/timer to
// pick between the KVM pvclock reader and the tick-counted nanosecond
// fallback (spec.md §4.6, §7).
type Features struct {
	VendorID        string
	HasInvariantTSC bool
	HasKVMClock     bool // CPUID.40000001H:EAX bit 0 — KVM_FEATURE_CLOCKSOURCE
	HasKVMClock2    bool // CPUID.40000001H:EAX bit 3 — KVM_FEATURE_CLOCKSOURCE2
	KVMLeafMax      uint32
}

// DetectFeatures walks CPUID leaf 0 (vendor string), leaf 0x80000007 bit 8
// (invariant TSC), and the KVM hypervisor leaf 0x40000001 (spec.md §4.6:
// "Detected via CPUID leaf 0x40000001 and the CLOCKSOURCE / CLOCKSOURCE2
// feature bits"). It uses github.com/canonical/cpuid for the vendor string
// only; the invariant-TSC bit, the hypervisor leaf limit and the KVM clock
// bits are read through CPUID and decoded here.
func DetectFeatures() Features {
	var f Features
	f.VendorID = cpuid.CPU.VendorString

	_, _, _, edx := CPUID(0x80000007, 0)
	f.HasInvariantTSC = edx&(1<<8) != 0

	maxHyperLeaf, _, _, _ := CPUID(0x40000000, 0)
	f.KVMLeafMax = maxHyperLeaf
	if maxHyperLeaf >= 0x40000001 {
		eax, _, _, _ := CPUID(0x40000001, 0)
		f.HasKVMClock = eax&(1<<0) != 0
		f.HasKVMClock2 = eax&(1<<3) != 0
	}
	return f
}
