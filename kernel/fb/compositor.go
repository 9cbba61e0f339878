// Package fb is the framebuffer compositor: a linear 32-bpp backbuffer with
// tile-based dirty tracking, VSync/VM frame pacing, and a flip path handed
// off to whichever kernel/gpu.Backend is live (spec.md §4.9). Grounded on
// the teacher's `framebuffer_qemu.go`/`framebuffer_common.go` (backbuffer
// alloc, MMIO map, pitch handling) and `ramfb_qemu.go` (alternate present
// path, generalizing to this kernel's VirtIO-GPU/VMware-SVGA backend
// split).
package fb

import (
	"errors"
	"unsafe"

	"github.com/ghartrid/ironroot/kernel/gpu"
	"github.com/ghartrid/ironroot/kernel/klog"
)

// BytesPerPixel is fixed at 32-bpp ARGB8888 (spec.md §3: "bpp=32").
const BytesPerPixel = 4

// Mapper maps a physical MMIO region into addressable virtual memory with
// the present|writable|no-cache|write-through flags spec.md §4.9 requires,
// and returns the mapped virtual base address. kernel.Kmain wires this to
// kernel/vmm; tests supply a fake over ordinary Go memory.
type Mapper interface {
	MapMMIO(phys uint64, length uint32) uintptr
}

// HeapAllocator is the subset of kernel/heap.Heap the compositor needs to
// size and reallocate its backbuffer.
type HeapAllocator interface {
	Alloc(size uint32) uint64
	Free(addr uint64)
}

var pointerAt = func(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func bytesAt(addr uint64, n uint32) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(pointerAt(uintptr(addr))), n)
}

// ErrOutOfRange is returned by user-driven requests spec.md §7 says must
// leave state unmodified: a resize to out-of-range dimensions.
var ErrOutOfRange = errors.New("fb: dimensions out of range")

// ErrAllocFailed is returned by Init/Resize when the backbuffer allocation
// itself fails.
var ErrAllocFailed = errors.New("fb: backbuffer allocation failed")

// Compositor is the linear-framebuffer state spec.md §3 describes:
// {phys_addr, mmio_ptr, backbuffer_ptr, width, height, pitch_bytes, bpp=32,
// size, initialized}, plus the tile dirty map and the GPU-HAL backend
// bound at Init/SetBackend time. Per spec.md §9, this is an explicit
// struct threaded by kernel.Kmain, never a package global.
type Compositor struct {
	mapper Mapper
	heap   HeapAllocator

	physAddr   uint64
	mmio       []byte
	backbuffer []byte
	backAddr   uint64

	width, height uint32
	pitchBytes    uint32
	size          uint32
	initialized   bool

	dirty          *DirtyMap
	trackingOn     bool
	backend        gpu.Backend
}

// New constructs an uninitialized compositor bound to mapper (MMIO access)
// and heap (backbuffer storage). Call Init before any drawing operation.
func New(mapper Mapper, heap HeapAllocator) *Compositor {
	return &Compositor{mapper: mapper, heap: heap, dirty: NewDirtyMap()}
}

// SetBackend installs the GPU-HAL backend Flip delegates to (spec.md
// §4.11). kernel.Kmain calls gpu.Probe() and tries each candidate's Init in
// turn, landing here on the first that succeeds, falling back to the
// always-available Software backend per spec.md §7.
func (c *Compositor) SetBackend(b gpu.Backend) { c.backend = b }

// Width, Height, Pitch and Initialized expose the compositor's current
// dimensions for callers (kernel/gpu backends, kernel.Kmain) that need them
// without reaching into private fields.
func (c *Compositor) Width() uint32      { return c.width }
func (c *Compositor) Height() uint32     { return c.height }
func (c *Compositor) Pitch() uint32      { return c.pitchBytes }
func (c *Compositor) Initialized() bool  { return c.initialized }
func (c *Compositor) PhysAddr() uint64   { return c.physAddr }
func (c *Compositor) BackbufferAddr() uint64 { return c.backAddr }

// Backbuffer returns the live backbuffer bytes (ARGB8888, row-major,
// width*4 stride) for callers that need to read or pass it to a backend
// directly (tests, kernel/gpu's AttachBacking).
func (c *Compositor) Backbuffer() []byte { return c.backbuffer }

// Init maps phys as MMIO, allocates a width*height*4 backbuffer from the
// heap, and zeroes both (spec.md §4.9). pitch is the device-reported bytes
// per scanline, which may exceed width*4.
func (c *Compositor) Init(phys uint64, width, height, pitch uint32) error {
	size := width * height * BytesPerPixel
	backAddr := c.heap.Alloc(size)
	if backAddr == 0 {
		return ErrAllocFailed
	}

	var mmio []byte
	if c.mapper != nil {
		mmioLen := pitch * height
		virt := c.mapper.MapMMIO(phys, mmioLen)
		mmio = bytesAt(uint64(virt), mmioLen)
	}

	c.physAddr = phys
	c.mmio = mmio
	c.backAddr = backAddr
	c.backbuffer = bytesAt(backAddr, size)
	c.width, c.height, c.pitchBytes, c.size = width, height, pitch, size
	c.initialized = true

	for i := range c.backbuffer {
		c.backbuffer[i] = 0
	}
	for i := range c.mmio {
		c.mmio[i] = 0
	}
	c.dirty.Resize(width, height)
	return nil
}

// EnableDirtyTracking turns tile dirty-tracking on or off. Enabling it
// marks every tile dirty so the next Flip is a full redraw (spec.md §4.9:
// "Enable sets every bit initially so the first frame is a full redraw").
func (c *Compositor) EnableDirtyTracking(on bool) {
	c.trackingOn = on
	if on {
		c.dirty.MarkAll()
	}
}

// MarkAllDirty marks every tile dirty.
func (c *Compositor) MarkAllDirty() { c.dirty.MarkAll() }

// HasDirty reports whether any tile is currently dirty.
func (c *Compositor) HasDirty() bool { return c.dirty.HasDirty() }

func (c *Compositor) markDirty(x, y, w, h int) {
	if c.trackingOn {
		c.dirty.MarkRect(x, y, w, h)
	}
}

func clampRect(x, y, w, h int, width, height uint32) (int, int, int, int, bool) {
	if w <= 0 || h <= 0 || x >= int(width) || y >= int(height) {
		return 0, 0, 0, 0, false
	}
	if x < 0 {
		w += x
		x = 0
	}
	if y < 0 {
		h += y
		y = 0
	}
	if x+w > int(width) {
		w = int(width) - x
	}
	if y+h > int(height) {
		h = int(height) - y
	}
	if w <= 0 || h <= 0 {
		return 0, 0, 0, 0, false
	}
	return x, y, w, h, true
}

// pixelOffset returns the byte offset of pixel (x,y) in the backbuffer
// (spec.md §3: "Pixel (x,y) lives at backbuffer[y*width + x] in ARGB8888").
func (c *Compositor) pixelOffset(x, y int) int {
	return (y*int(c.width) + x) * BytesPerPixel
}

func putARGB(b []byte, off int, argb uint32) {
	b[off+0] = byte(argb)
	b[off+1] = byte(argb >> 8)
	b[off+2] = byte(argb >> 16)
	b[off+3] = 0xFF
}

// PutPixel writes a single ARGB8888 pixel (alpha forced to 0xFF per spec.md
// §3) and marks its tile dirty.
func (c *Compositor) PutPixel(x, y int, argb uint32) {
	if x < 0 || y < 0 || x >= int(c.width) || y >= int(c.height) {
		return
	}
	putARGB(c.backbuffer, c.pixelOffset(x, y), argb)
	c.markDirty(x, y, 1, 1)
}

// FillRect fills a solid rectangle and marks every tile it intersects
// dirty (spec.md §4.9, §8's quantified dirty-tile invariant).
func (c *Compositor) FillRect(x, y, w, h int, argb uint32) {
	x, y, w, h, ok := clampRect(x, y, w, h, c.width, c.height)
	if !ok {
		return
	}
	for row := y; row < y+h; row++ {
		off := c.pixelOffset(x, row)
		for col := 0; col < w; col++ {
			putARGB(c.backbuffer, off, argb)
			off += BytesPerPixel
		}
	}
	c.markDirty(x, y, w, h)
}

// DrawRect draws a 1-pixel-wide unfilled rectangle outline.
func (c *Compositor) DrawRect(x, y, w, h int, argb uint32) {
	if w <= 0 || h <= 0 {
		return
	}
	c.FillRect(x, y, w, 1, argb)
	c.FillRect(x, y+h-1, w, 1, argb)
	c.FillRect(x, y, 1, h, argb)
	c.FillRect(x+w-1, y, 1, h, argb)
}

// Clear fills the entire visible backbuffer with argb.
func (c *Compositor) Clear(argb uint32) {
	c.FillRect(0, 0, int(c.width), int(c.height), argb)
}

// Blit copies a tightly packed ARGB8888 source buffer of dimensions w*h
// into the backbuffer at (x,y), clipping to the backbuffer bounds.
func (c *Compositor) Blit(x, y, w, h int, src []byte) {
	cx, cy, cw, ch, ok := clampRect(x, y, w, h, c.width, c.height)
	if !ok {
		return
	}
	srcStride := w * BytesPerPixel
	for row := 0; row < ch; row++ {
		srcRow := (row+(cy-y))*srcStride + (cx-x)*BytesPerPixel
		dstOff := c.pixelOffset(cx, cy+row)
		copy(c.backbuffer[dstOff:dstOff+cw*BytesPerPixel], src[srcRow:srcRow+cw*BytesPerPixel])
	}
	c.markDirty(cx, cy, cw, ch)
}

// CopyRegion copies a w*h rectangle within the backbuffer from (srcX,srcY)
// to (dstX,dstY), choosing top-to-bottom or bottom-to-top row order so
// overlapping source/destination rectangles copy correctly (spec.md §4.9:
// "handles overlap by choosing top-to-bottom or bottom-to-top row order").
func (c *Compositor) CopyRegion(srcX, srcY, dstX, dstY, w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	if srcX < 0 || srcY < 0 || srcX+w > int(c.width) || srcY+h > int(c.height) {
		return
	}
	if dstX < 0 || dstY < 0 || dstX+w > int(c.width) || dstY+h > int(c.height) {
		return
	}
	rowBytes := w * BytesPerPixel
	if dstY < srcY || (dstY == srcY && dstX <= srcX) {
		for row := 0; row < h; row++ {
			srcOff := c.pixelOffset(srcX, srcY+row)
			dstOff := c.pixelOffset(dstX, dstY+row)
			copy(c.backbuffer[dstOff:dstOff+rowBytes], c.backbuffer[srcOff:srcOff+rowBytes])
		}
	} else {
		for row := h - 1; row >= 0; row-- {
			srcOff := c.pixelOffset(srcX, srcY+row)
			dstOff := c.pixelOffset(dstX, dstY+row)
			copy(c.backbuffer[dstOff:dstOff+rowBytes], c.backbuffer[srcOff:srcOff+rowBytes])
		}
	}
	c.markDirty(dstX, dstY, w, h)
}

// syncer is implemented by a GPU backend that needs to drain in-flight
// accelerated operations before a flip reads its result buffer (spec.md
// §4.9: "Before either path, sync any pending GPU-accelerated
// operations").
type syncer interface{ Sync() error }

// Flip hands the dirty tiles (or, with tracking disabled, the whole frame)
// off to the bound GPU-HAL backend and clears the dirty map on success
// (spec.md §4.9, §8: "after flip, no tile is dirty"). With tracking on and
// nothing dirty it returns nil without calling the backend.
func (c *Compositor) Flip() error {
	if c.backend == nil {
		return errors.New("fb: no GPU backend bound")
	}
	if s, ok := c.backend.(syncer); ok {
		if err := s.Sync(); err != nil {
			klog.Warn("fb", "backend sync failed before flip")
		}
	}

	var rects []gpu.Rect
	if c.trackingOn {
		if !c.dirty.HasDirty() {
			return nil
		}
		rects = c.dirty.Rects()
	}

	if err := c.backend.Flip(c.backbuffer, c.pitchBytes, rects); err != nil {
		return err
	}
	c.dirty.Clear()
	return nil
}

// WriteRow implements gpu.MMIOSink: it copies a scanline span starting at
// pixel column x on row y into the mapped MMIO window at the device's
// pitch, for use by gpu.Software when no accelerated backend is present.
func (c *Compositor) WriteRow(y, x int, row []byte) {
	if c.mmio == nil || y < 0 || y >= int(c.height) {
		return
	}
	off := y*int(c.pitchBytes) + x*BytesPerPixel
	end := off + len(row)
	if end > len(c.mmio) {
		end = len(c.mmio)
	}
	if off >= end {
		return
	}
	copy(c.mmio[off:end], row[:end-off])
}

// Resize asks the GPU backend to change mode, reallocates the backbuffer,
// and resets the dirty map (spec.md §4.9). The new backbuffer is allocated
// before any state changes, so on allocation failure the previous
// dimensions and the original backbuffer stay in place and the only effect
// visible to the caller is the returned error (spec.md §7: "no state
// mutation" for user-driven failures).
func (c *Compositor) Resize(width, height uint32) error {
	if width == 0 || height == 0 || width > MaxWidth || height > MaxHeight {
		return ErrOutOfRange
	}
	newSize := width * height * BytesPerPixel
	newAddr := c.heap.Alloc(newSize)
	if newAddr == 0 {
		return ErrAllocFailed
	}

	if c.backend != nil {
		if err := c.backend.Init(width, height); err != nil {
			c.heap.Free(newAddr)
			return err
		}
	}

	oldAddr := c.backAddr
	c.heap.Free(oldAddr)

	c.backAddr = newAddr
	c.backbuffer = bytesAt(newAddr, newSize)
	c.width, c.height, c.size = width, height, newSize
	for i := range c.backbuffer {
		c.backbuffer[i] = 0
	}
	c.dirty.Resize(width, height)
	c.dirty.MarkAll()
	return nil
}
