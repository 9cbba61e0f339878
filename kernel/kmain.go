// Package kernel wires every subsystem together into the boot sequence and
// owns the explicit, by-reference state bundles spec.md §9 describes — no
// subsystem reaches for a package global behind kernel.Kmain's back.
package kernel

import (
	"encoding/binary"
	"unsafe"

	"github.com/ghartrid/ironroot/kernel/cpu"
	"github.com/ghartrid/ironroot/kernel/fb"
	"github.com/ghartrid/ironroot/kernel/gpu"
	"github.com/ghartrid/ironroot/kernel/heap"
	"github.com/ghartrid/ironroot/kernel/idt"
	"github.com/ghartrid/ironroot/kernel/input"
	"github.com/ghartrid/ironroot/kernel/irq"
	"github.com/ghartrid/ironroot/kernel/klog"
	"github.com/ghartrid/ironroot/kernel/multiboot"
	"github.com/ghartrid/ironroot/kernel/net"
	"github.com/ghartrid/ironroot/kernel/pci"
	"github.com/ghartrid/ironroot/kernel/pmm"
	"github.com/ghartrid/ironroot/kernel/sched"
	"github.com/ghartrid/ironroot/kernel/timer"
	"github.com/ghartrid/ironroot/kernel/virtio"
	"github.com/ghartrid/ironroot/kernel/vmm"
)

// Fixed reserved windows laid out immediately after the kernel image by the
// boot stage that runs before cmd/kernel's main: the page tables it built to
// identity-map the first 1 GiB, the stack it switched onto before calling
// Kmain, and the PMM's own bitmap. kernel/pmm has no way to discover these
// itself — a freestanding kernel with a fixed boot layout protects them by
// construction rather than by discovery.
const (
	earlyPageTablesSize = 4 * pmm.PageSize
	bootStackSize       = 16 * pmm.PageSize
	pmmBitmapSize       = pmm.TrackedPages / 8

	netRXPoolSize = 16
	netBufSize    = 2048
)

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// virtioVendorID is every VirtIO-PCI device's fixed PCI vendor ID (spec.md
// §4.10/§4.11/§4.12).
const virtioVendorID = 0x1AF4

const (
	virtioDeviceIDNet = 0x1041
	virtioDeviceIDGPU = 0x1050
)

// VMware SVGA II's fixed PCI identity (spec.md §4.11's second backend,
// predating VirtIO and so identified the ordinary way rather than by the
// 0x1AF4 VirtIO vendor block).
const (
	vmwareSVGAVendorID = 0x15AD
	vmwareSVGADeviceID = 0x0405
)

// pciBARCache resolves a VirtIO device's capability BAR indices to physical
// addresses, closing the gap between kernel/pci.Device (which knows how to
// probe a BAR but not which one a capability names) and
// kernel/virtio.BARLocator (which only wants the answer). Probed lazily and
// cached, since a capability walk may ask for the same BAR more than once.
type pciBARCache struct {
	dev    pci.Device
	addrs  [6]uint64
	probed [6]bool
}

func (c *pciBARCache) BARPhysAddr(bar uint8) uint64 {
	if int(bar) >= len(c.addrs) {
		return 0
	}
	if !c.probed[bar] {
		b, _ := pci.ProbeBAR(c.dev, int(bar))
		c.addrs[bar] = b.Addr
		c.probed[bar] = true
	}
	return c.addrs[bar]
}

// mmioMapper maps a physical region no-cache|write-through via the VMM and
// hands back its (identity, in this kernel) virtual address. It structurally
// satisfies both kernel/virtio.Mapper and kernel/fb.Mapper — the two
// packages each declare the same single-method shape independently rather
// than sharing an import, so one adapter serves both.
type mmioMapper struct{ vmm *vmm.VMM }

func (m mmioMapper) MapMMIO(phys uint64, length uint32) uintptr {
	pages := (uint64(length) + pmm.PageSize - 1) / pmm.PageSize
	for i := uint64(0); i < pages; i++ {
		page := phys + i*pmm.PageSize
		m.vmm.MapPage(page, page, vmm.FlagWritable|vmm.FlagNoCache|vmm.FlagWriteThrough, 0)
	}
	return uintptr(phys)
}

func physBytes(phys uint64, length uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(phys))), int(length))
}

func zeroPhysRange(phys, length uint64) {
	b := physBytes(phys, uint32(length))
	for i := range b {
		b[i] = 0
	}
}

// setupQueue allocates and zeroes the ring pages Layout describes, maps them
// as DMA windows, and registers the queue with the device, mirroring
// spec.md §4.10 step 3's "Allocate/zero queue memory ... write physical
// addresses to the device" exactly — the one piece of virtqueue bring-up
// that has to live at kernel.Kmain's level, since it needs both the PMM (for
// pages) and the bound *virtio.Device (to hand the addresses to).
func setupQueue(dev *virtio.Device, frames *pmm.Allocator, idx int) *virtio.Queue {
	size := dev.QueueSize(uint16(idx))
	if size == 0 {
		return nil
	}
	total, descOff, availOff, usedOff := virtio.Layout(size)
	pages := (uint64(total) + pmm.PageSize - 1) / pmm.PageSize
	phys := frames.AllocPages(pages)
	if phys == 0 {
		klog.Panic("kernel", "out of memory setting up a virtqueue")
		return nil
	}
	zeroPhysRange(phys, uint64(total))

	descPhys := phys + uint64(descOff)
	availPhys := phys + uint64(availOff)
	usedPhys := phys + uint64(usedOff)

	q := virtio.NewQueue(idx, size,
		virtio.NewWindow(uintptr(descPhys)),
		virtio.NewWindow(uintptr(availPhys)),
		virtio.NewWindow(uintptr(usedPhys)),
		descPhys, availPhys, usedPhys)

	notifyOff := dev.SetupQueue(uint16(idx), descPhys, availPhys, usedPhys, size)
	q.SetNotifyOff(notifyOff)
	return q
}

// allocDMA carves a fresh, zeroed, page-aligned DMA buffer straight from the
// PMM (not the heap — DMA targets must be physically contiguous and the heap
// makes no such guarantee, spec.md §4.10's "Allocate per-device buffers").
func allocDMA(frames *pmm.Allocator, size uint32) net.DMA {
	pages := (uint64(size) + pmm.PageSize - 1) / pmm.PageSize
	phys := frames.AllocPages(pages)
	if phys == 0 {
		klog.Panic("kernel", "out of memory allocating a DMA buffer")
	}
	zeroPhysRange(phys, pages*pmm.PageSize)
	return net.DMA{Phys: phys, Bytes: physBytes(phys, size)}
}

// pciInterruptLine reads a device's legacy INTx line assignment straight out
// of config space (offset 0x3C, the interrupt_line field every PCI function
// header carries) rather than assuming a fixed line — QEMU assigns these by
// slot, not by device type.
func pciInterruptLine(d pci.Device) int {
	return int(pci.ReadConfig32(d.Bus, d.Slot, d.Func, 0x3C) & 0xFF)
}

func findVirtioDevice(devices []pci.Device, deviceID uint16) (pci.Device, bool) {
	for _, d := range devices {
		if d.VendorID == virtioVendorID && d.DeviceID == deviceID {
			return d, true
		}
	}
	return pci.Device{}, false
}

// bindNet discovers and fully brings up the VirtIO-net device (spec.md
// §4.10's bring-up sequence applied to two queues, plus §4.12's driver
// state), or returns nil if QEMU was not given a virtio-net-pci device.
func bindNet(devices []pci.Device, frames *pmm.Allocator, mapper *mmioMapper) *net.Device {
	pd, ok := findVirtioDevice(devices, virtioDeviceIDNet)
	if !ok {
		klog.Info("kernel", "no virtio-net device present, networking disabled")
		return nil
	}

	dev := virtio.Bind(pd, &pciBARCache{dev: pd}, mapper)
	dev.Reset()
	dev.AddStatus(virtio.StatusAcknowledge)
	dev.AddStatus(virtio.StatusDriver)
	if !dev.NegotiateFeatures(0) {
		klog.Warn("kernel", "virtio-net rejected feature negotiation")
		return nil
	}

	rx := setupQueue(dev, frames, 0)
	tx := setupQueue(dev, frames, 1)
	if rx == nil || tx == nil {
		klog.Warn("kernel", "virtio-net queue setup failed")
		return nil
	}
	dev.DriverOK()

	// This driver never negotiates VIRTIO_NET_F_MAC, so it supplies its own
	// locally-administered address rather than reading the device's.
	mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

	txBuf := allocDMA(frames, netBufSize)
	netDev := net.NewDevice(dev, rx, tx, mac, txBuf)

	pool := make([]net.DMA, netRXPoolSize)
	for i := range pool {
		pool[i] = allocDMA(frames, netBufSize)
	}
	netDev.PrefillRX(pool)
	return netDev
}

// gpuDMA adapts a net.DMA-shaped allocation to kernel/gpu's own local DMA
// type, which is deliberately a separate type from kernel/net.DMA (no
// import between the two device-specific packages).
func gpuDMA(frames *pmm.Allocator, size uint32) gpu.DMA {
	d := allocDMA(frames, size)
	return gpu.DMA{Phys: d.Phys, Bytes: d.Bytes}
}

const gpuCmdBufSize = 4096

// bindVirtioGPU discovers and brings up the VirtIO-GPU device's control
// queue (spec.md §4.10 bring-up + §4.11's resource-create/attach/set-scanout
// sequence), returning nil if none is present.
func bindVirtioGPU(devices []pci.Device, frames *pmm.Allocator, mapper *mmioMapper) *gpu.VirtioGPU {
	pd, ok := findVirtioDevice(devices, virtioDeviceIDGPU)
	if !ok {
		return nil
	}
	dev := virtio.Bind(pd, &pciBARCache{dev: pd}, mapper)
	dev.Reset()
	dev.AddStatus(virtio.StatusAcknowledge)
	dev.AddStatus(virtio.StatusDriver)
	if !dev.NegotiateFeatures(0) {
		klog.Warn("kernel", "virtio-gpu rejected feature negotiation")
		return nil
	}
	cq := setupQueue(dev, frames, 0)
	if cq == nil {
		return nil
	}
	dev.DriverOK()

	cmd := gpuDMA(frames, gpuCmdBufSize)
	resp := gpuDMA(frames, gpuCmdBufSize)
	return gpu.NewVirtioGPU(dev, cq, cmd, resp)
}

// svgaFIFO is the mapped VMware SVGA II FIFO command ring (BAR2): a flat
// byte window Push writes little-endian words into, wrapping back to the
// start once it runs off the end. A real SVGA-II FIFO tracks next/stop
// pointers in its own header words; this backend only ever issues short
// fixed-length UPDATE commands, so a plain wrapping cursor is sufficient.
type svgaFIFO struct {
	mem []byte
	off uint32
}

func (f *svgaFIFO) Push(words ...uint32) {
	for _, w := range words {
		if f.off+4 > uint32(len(f.mem)) {
			f.off = 0
		}
		binary.LittleEndian.PutUint32(f.mem[f.off:f.off+4], w)
		f.off += 4
	}
}

// bindVMwareSVGA discovers the VMware SVGA II device, if QEMU was started
// with -vga vmware, and binds its legacy index/data port pair plus its
// BAR2 FIFO window (spec.md §4.11), returning nil if absent.
func bindVMwareSVGA(devices []pci.Device, mapper *mmioMapper) *gpu.VMwareSVGA {
	var pd pci.Device
	found := false
	for _, d := range devices {
		if d.VendorID == vmwareSVGAVendorID && d.DeviceID == vmwareSVGADeviceID {
			pd, found = d, true
			break
		}
	}
	if !found {
		return nil
	}
	pci.EnableMemorySpace(pd)
	pci.EnableBusMaster(pd)

	ioBAR, _ := pci.ProbeBAR(pd, 0)
	if !ioBAR.IsIO {
		klog.Warn("kernel", "vmware-svga BAR0 is not an I/O BAR, device absent")
		return nil
	}
	fifoBAR, _ := pci.ProbeBAR(pd, 2)
	fifoVirt := mapper.MapMMIO(fifoBAR.Addr, fifoBAR.Size)
	fifo := &svgaFIFO{mem: physBytes(uint64(fifoVirt), fifoBAR.Size)}

	return gpu.NewVMwareSVGA(cpu.Ports(), uint16(ioBAR.Addr), fifo)
}

// bootState is everything kernel.Kmain threads from multiboot/PMM/VMM
// init through to the subsystems built on top of them, kept together so the
// wiring order below reads as one pass instead of a wall of local variables.
type bootState struct {
	pmm       *pmm.Allocator
	vmm       *vmm.VMM
	heap      *heap.Heap
	pic       *irq.PIC
	timer     *timer.Timer
	sched     *sched.Scheduler
	input     *input.Controller
	net       *net.Device
	compositor *fb.Compositor
	text      *fb.TextLayer
}

// Kmain is the kernel's single entrypoint, reached once from cmd/kernel's
// main after the boot stage has switched to the boot stack and built the
// early identity-mapped page tables (spec.md §9/§4: every subsystem in
// strict dependency order, never returning). multibootInfoPtr, kernelStart
// and kernelEnd are the only inputs the loader hands this kernel, mirroring
// gopher-os's kmain.Kmain entrypoint shape.
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	cpu.InitHardware()
	klog.Info("kernel", "boot: hardware primitives online")

	multiboot.SetInfoPtr(multibootInfoPtr)
	bootArgs := multiboot.ParseBootArgs()

	var st bootState

	// --- Physical memory -------------------------------------------------
	earlyTablesStart := alignUp(uint64(kernelEnd), pmm.PageSize)
	earlyTablesEnd := earlyTablesStart + earlyPageTablesSize
	bootStackStart := earlyTablesEnd
	bootStackEnd := bootStackStart + bootStackSize
	bitmapStart := bootStackEnd
	bitmapEnd := bitmapStart + pmmBitmapSize

	st.pmm = pmm.New()
	st.pmm.Init(uint64(kernelStart), uint64(kernelEnd),
		earlyTablesStart, earlyTablesEnd,
		bootStackStart, bootStackEnd,
		bitmapStart, bitmapEnd)
	klog.Info("kernel", "boot: physical memory manager online")

	// --- Virtual memory ----------------------------------------------------
	st.vmm = vmm.New(st.pmm, func(phys uint64) { zeroPhysRange(phys, pmm.PageSize) },
		func(virt uint64) { cpu.Invlpg(uintptr(virt)) },
		func(root uint64) { cpu.LoadCR3(uintptr(root)) })
	st.vmm.Init(uint64(cpu.ReadCR3()))
	klog.Info("kernel", "boot: virtual memory manager online")

	mapper := &mmioMapper{vmm: st.vmm}

	// --- Kernel heap -------------------------------------------------------
	st.heap = heap.New(st.pmm, st.vmm)
	if !st.heap.Init() {
		klog.Panic("kernel", "kernel heap failed to grow to its initial size")
	}
	klog.Info("kernel", "boot: kernel heap online")

	// --- Interrupts: PIC remap, then the IDT that actually routes a CPU
	// vector into it (spec.md §4.4, plus the IDT install gopheros's
	// kernel/gate package models) -------------------------------------------
	st.pic = irq.New()
	st.pic.Init()
	idt.SetIRQDispatcher(st.pic.Dispatch)
	idt.Init()
	klog.Info("kernel", "boot: IDT loaded, PIC remapped")

	// --- Timers: PIT tick, pvclock if KVM advertises it ---------------------
	st.timer = timer.New()
	st.timer.InitPIT()
	klog.SetTickSource(st.timer.Ticks)
	st.pic.RegisterHandler(irq.VectorBase, func() {
		st.timer.Tick()
		if st.sched != nil {
			st.sched.Tick()
		}
	})
	st.pic.EnableIRQ(0)

	features := cpu.DetectFeatures()
	if features.HasKVMClock || features.HasKVMClock2 {
		pvPage := st.pmm.AllocPage()
		if pvPage != 0 {
			pv := timer.NewPvClock(pvPage, cpu.Rdtsc)
			timer.RegisterMSR(pvPage, cpu.Wrmsr)
			st.timer.SetPvClock(pv)
			klog.Info("kernel", "boot: KVM pvclock registered")
		}
	}

	// --- PCI scan + VirtIO device binds --------------------------------------
	devices := pci.Scan()
	klog.Info("kernel", "boot: PCI scan complete")

	// --- Framebuffer + GPU-HAL backend registry ------------------------------
	st.compositor = fb.New(mapper, st.heap)
	gpu.Reset()
	if vgpu := bindVirtioGPU(devices, st.pmm, mapper); vgpu != nil {
		gpu.Register("virtio-gpu", 100, vgpu)
	}
	if svga := bindVMwareSVGA(devices, mapper); svga != nil {
		gpu.Register("vmware-svga", 50, svga)
	}
	gpu.Register("software", 0, gpu.NewSoftware(st.compositor))

	fbTag := multiboot.FramebufferTag()
	if fbTag != nil {
		backend := gpu.ByName(bootArgs.PreferredGPUBackend)
		if backend == nil {
			backends := gpu.Probe()
			if len(backends) > 0 {
				backend = backends[0]
			}
		}
		for _, b := range append([]gpu.Backend{backend}, gpu.Probe()...) {
			if b != nil && b.Init(fbTag.Width, fbTag.Height) == nil {
				st.compositor.SetBackend(b)
				break
			}
		}
		if err := st.compositor.Init(fbTag.PhysAddr, fbTag.Width, fbTag.Height, fbTag.Pitch); err != nil {
			klog.Warn("kernel", "framebuffer init failed")
		} else {
			st.compositor.EnableDirtyTracking(true)
			klog.Info("kernel", "boot: compositor online")

			if tl, err := fb.NewTextLayer(st.compositor, fb.DefaultPointSize); err != nil {
				klog.Warn("kernel", "text overlay unavailable")
			} else {
				st.text = tl
				st.text.Banner("ironroot booting")
				klog.SetSink(panicScreenSink(st.text))
			}
		}
	} else {
		klog.Warn("kernel", "no framebuffer tag from the loader")
	}

	// --- Networking -----------------------------------------------------------
	st.net = bindNet(devices, st.pmm, mapper)
	if st.net != nil {
		st.net.SetClock(st.timer.Ms)
		netPD, _ := findVirtioDevice(devices, virtioDeviceIDNet)
		line := pciInterruptLine(netPD)
		st.pic.RegisterHandler(irq.VectorBase+line, st.net.Poll)
		st.pic.EnableIRQ(line)
	}

	// --- PS/2 keyboard and mouse ------------------------------------------------
	st.input = input.New()
	st.input.InitMouse()
	st.pic.RegisterHandler(irq.VectorBase+1, st.input.HandleKeyboardIRQ)
	st.pic.RegisterHandler(irq.VectorBase+12, st.input.HandleMouseIRQ)
	st.pic.EnableIRQ(1)
	st.pic.EnableIRQ(12)

	// --- Scheduler -------------------------------------------------------------
	st.sched = sched.New(heapStackAllocator{st.heap})
	st.sched.SetIdleEntry(func(uintptr) { cpu.HaltLoop() }, 0)
	st.sched.Create("compositor", compositorTaskEntry, uintptr(unsafe.Pointer(&st)))
	klog.Info("kernel", "boot: scheduler online, handing off control")

	cpu.EnableInterrupts()

	// Schedule's first call context-switches onto the head of the ready queue
	// (the compositor task created above) via cpu.StartTask and never
	// returns to this call site — every
	// subsequent reschedule happens from inside the timer ISR's Tick() path
	// instead. Reaching the line below would mean StartTask itself returned,
	// which spec.md §7 treats the same as any other invariant violation.
	st.sched.Schedule()
	klog.Panic("kernel", "Kmain fell through the scheduler handoff")
}

// heapStackAllocator adapts kernel/heap.Heap to kernel/sched.StackAllocator
// — the scheduler needs only Alloc(size) uint64 to carve task stacks out of
// and Free(addr) to reclaim them, and the heap already provides that shape.
type heapStackAllocator struct{ h *heap.Heap }

func (a heapStackAllocator) Alloc(size uint32) uint64 { return a.h.Alloc(size) }
func (a heapStackAllocator) Free(addr uint64)         { a.h.Free(addr) }

// panicSnapshotLines is how many of the most recent klog entries the panic
// screen renders below its title (spec.md §7's diagnostic dump).
const panicSnapshotLines = 12

// panicScreenSink wires klog's every-entry callback to the panic screen:
// it ignores anything below LevelPanic and renders the most recent ring
// buffer entries once an actual panic is logged, just before klog.Panic's
// own halt takes over.
func panicScreenSink(text *fb.TextLayer) func(klog.Entry) {
	return func(e klog.Entry) {
		if e.Level != klog.LevelPanic {
			return
		}
		entries := klog.Snapshot(panicSnapshotLines)
		lines := make([]string, len(entries))
		for i, entry := range entries {
			lines[i] = klog.Line(entry)
		}
		text.PanicScreen(e.Subsystem+": "+e.Message, lines)
	}
}

// compositorTaskEntry is the one always-present cooperative task besides
// idle: it flips any dirty framebuffer tiles and then yields, once per pass
// (spec.md §4.8's "a handful of kernel tasks sharing one CPU"). Input and
// the network device are serviced by their IRQ handlers, not by this task.
func compositorTaskEntry(arg uintptr) {
	st := (*bootState)(unsafe.Pointer(arg))
	for {
		if st.compositor != nil && st.compositor.HasDirty() {
			st.compositor.Flip()
		}
		st.sched.Yield()
	}
}
