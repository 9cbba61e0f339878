// Command kernel is the multiboot2 entrypoint image: a single Go symbol
// the boot stage calls once it has transitioned the CPU into long mode,
// built a minimal GDT, identity-mapped enough of low memory to run Go code,
// and switched onto a boot stack. That stage lives outside this module;
// rt0_amd64.s only returns the values it stashes.
package main

import "github.com/ghartrid/ironroot/kernel"

// kernelStart and kernelEnd are provided by the linker script as the
// first and one-past-the-last byte of this image, so kernel.Kmain can
// tell the physical memory allocator which pages its own text, data and
// bss occupy without the Go side hardcoding a size (rt0_amd64.s).
func kernelStart() uintptr
func kernelEnd() uintptr

// main is the Go symbol the boot stage calls: a trampoline into
// kernel.Kmain that exists so the compiler cannot optimize away the kernel
// code it cannot see being called from asm.
//
// The physical address of the multiboot2 info structure reaches it through
// multibootInfoPtr. main is not expected to return; nothing in this module
// handles a return from it.
func main() {
	kernel.Kmain(multibootInfoPtr(), kernelStart(), kernelEnd())
}

// multibootInfoPtr returns the pointer the boot stage stashed in
// rt0_amd64.s's multibootInfoStash, since main takes no arguments the way
// gopher-os's trampoline-to-Kmain convention expects.
func multibootInfoPtr() uintptr
