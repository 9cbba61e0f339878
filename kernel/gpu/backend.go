// Package gpu is the GPU-HAL backend registry spec.md §4.11 describes: a
// fixed "function table" of display-present backends registered by
// priority, generalized from the teacher's single hard-wired VirtIO-GPU
// driver (`_teacher_ref/main/virtio_gpu.go`) into spec.md §9's "named
// interface" strategy for polymorphism over a fixed capability set, so
// kernel/fb can swap backends (VirtIO-GPU, VMware SVGA II, or the
// always-available software fallback) without knowing which one is live.
package gpu

import "sort"

// Rect is a dirty rectangle in backbuffer pixel coordinates, passed to
// Flip so a backend can transfer only the regions kernel/fb's tile map
// marked dirty (spec.md §4.9).
type Rect struct {
	X, Y, W, H uint32
}

// Backend is the GPU-HAL contract every present path implements (spec.md
// §4.11, §9 "function-pointer op table ... named interface"). Init is
// called once at compositor bring-up; Flip once per frame.
type Backend interface {
	// Name identifies the backend for boot-log and BootArgs.PreferredGPUBackend
	// matching.
	Name() string

	// Init binds the backend to the compositor's dimensions and backing
	// memory. It returns an error (rather than panicking) so kernel/fb can
	// fall back to the next-priority backend per spec.md §7 ("device
	// absent ... falls back to software flip").
	Init(width, height uint32) error

	// Flip presents dirty (or, if dirty is nil, the whole frame) from the
	// backbuffer bytes supplied.
	Flip(backbuffer []byte, pitch uint32, dirty []Rect) error
}

type registration struct {
	name     string
	priority int
	backend  Backend
}

var registry []registration

// Register adds a backend at the given priority (higher runs first when
// Probe tries candidates in order). kernel.Kmain registers VirtioGPU and
// VMwareSVGA (if their PCI devices are found) ahead of the always-present
// Software backend.
func Register(name string, priority int, backend Backend) {
	registry = append(registry, registration{name: name, priority: priority, backend: backend})
}

// Reset clears the registry; used by tests and by kernel.Kmain's own device
// re-probe path to avoid double-registration across restarts.
func Reset() { registry = nil }

// Probe returns backends in descending-priority order, as candidates for
// kernel/fb to Init in turn until one succeeds (spec.md §4.11: "registers
// one of several backends by priority").
func Probe() []Backend {
	ordered := make([]registration, len(registry))
	copy(ordered, registry)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].priority > ordered[j].priority })
	out := make([]Backend, len(ordered))
	for i, r := range ordered {
		out[i] = r.backend
	}
	return out
}

// ByName returns the first registered backend matching name, honoring
// BootArgs.PreferredGPUBackend (SPEC_FULL.md §6 ADD), or nil if absent.
func ByName(name string) Backend {
	for _, r := range registry {
		if r.name == name {
			return r.backend
		}
	}
	return nil
}
