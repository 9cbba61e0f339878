package gpu

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/ghartrid/ironroot/kernel/klog"
)

// MMIOSink copies one scanline span, starting at pixel column x, into the
// mapped MMIO framebuffer, honoring device pitch. kernel/fb supplies the
// real implementation; Software is the backend of last resort when neither
// VirtIO-GPU nor VMware-SVGA is present (spec.md §4.11/§7: "software
// fallback").
type MMIOSink interface {
	WriteRow(y, x int, row []byte)
}

// Software is the always-available GPU-HAL backend: Flip copies backbuffer
// bytes to MMIO verbatim (no device acceleration to ask for anything
// fancier), exactly spec.md §4.9's "full path" bulk/row-by-row copy.
type Software struct {
	sink          MMIOSink
	width, height uint32
}

// NewSoftware constructs the fallback backend bound to sink.
func NewSoftware(sink MMIOSink) *Software {
	return &Software{sink: sink}
}

func (s *Software) Name() string { return "software" }

func (s *Software) Init(width, height uint32) error {
	s.width, s.height = width, height
	return nil
}

func (s *Software) Flip(backbuffer []byte, pitch uint32, dirty []Rect) error {
	if s.sink == nil {
		return nil
	}
	rowBytes := s.width * 4
	if dirty == nil {
		for y := uint32(0); y < s.height; y++ {
			off := y * rowBytes
			s.sink.WriteRow(int(y), 0, backbuffer[off:off+rowBytes])
		}
		return nil
	}
	for _, r := range dirty {
		for y := r.Y; y < r.Y+r.H && y < s.height; y++ {
			off := y*rowBytes + r.X*4
			end := off + r.W*4
			s.sink.WriteRow(int(y), int(r.X), backbuffer[off:end])
		}
	}
	return nil
}

// DrawCircle rasterizes a filled circle of radius r and color c through
// fogleman/gg (the teacher's `gg_circle_qemu.go` vector-drawing wiring,
// generalized from an RPi console glyph into a reusable diagnostic-chrome
// primitive: spinners and the panic screen's warning glyph, since neither
// kernel/fb's rect-only primitives nor a 2D-acceleration command set can
// express a curve). It returns a tight ARGB8888 buffer ready for
// kernel/fb's Blit.
func DrawCircle(radius int, c color.Color) (pixels []byte, size int) {
	if radius <= 0 {
		klog.Warn("gpu", "DrawCircle called with non-positive radius")
		return nil, 0
	}
	size = radius*2 + 2
	dc := gg.NewContext(size, size)
	dc.SetColor(c)
	dc.DrawCircle(float64(radius)+1, float64(radius)+1, float64(radius))
	dc.Fill()

	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return nil, 0
	}
	out := make([]byte, size*size*4)
	for i := 0; i < size*size; i++ {
		r, g, b, a := img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3]
		out[i*4+0] = b
		out[i*4+1] = g
		out[i*4+2] = r
		out[i*4+3] = a
	}
	return out, size
}
