//go:build amd64

package cpu

// MFence executes a full memory fence (MFENCE), implemented in
// barrier_amd64.s. kernel/virtio uses it at every virtqueue publication
// step and MMIO common-config write spec.md §4.10 requires to be fenced
// ("every publication step is fenced with a full barrier; every state read
// that feeds the next publication reads through a barrier").
//
//go:noescape
func mfence()

// MFence is the Go-callable entrypoint for the MFENCE instruction.
func MFence() { mfence() }
