// Text/diagnostic overlay (SPEC_FULL.md §4.9 ADD). The teacher wires
// fogleman/gg directly for vector drawing (`gg_circle_qemu.go`) and ships a
// glyph asset pipeline for its RPi console (`image_data.go`, pulling in
// golang/freetype + x/image transitively). This generalizes that into a
// software text layer used only for the boot banner and the klog.Panic
// screen — never full window-manager chrome, which stays a non-goal
// per spec.md §1. Bitmap font tables and ad-hoc glyph drawing are
// explicitly out of scope for the core (spec.md §1); this layer instead
// rasterizes a real outline font (golang.org/x/image/font/gofont/goregular,
// an embeddable TTF shipped by the x/image module so no external asset
// needs fetching) through freetype, exactly the dependency pairing
// SPEC_FULL.md names.
package fb

import (
	"image"
	"image/color"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"github.com/mattn/go-runewidth"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/ghartrid/ironroot/kernel/gpu"
)

// DefaultPointSize is the overlay's fixed text size; spec.md's dirty-tile
// contract is preserved regardless of size since every glyph tile still
// flows through Blit/FillRect.
const DefaultPointSize = 14

// TextLayer rasterizes monospace-equivalent text onto a scratch RGBA image
// with a freetype.Context and blits the result into a Compositor's
// backbuffer through the normal dirty-tile path (spec.md §4.9 ADD: "the
// panic screen obeys the same dirty-tile invariant as every other draw
// call").
type TextLayer struct {
	comp *Compositor

	ttf  *truetype.Font
	face font.Face

	pointSize  float64
	cellWidth  int
	cellHeight int

	fg, bg color.Color
}

// NewTextLayer parses the embedded goregular TTF, builds a fixed-size face
// for glyph metrics, and derives a monospace-equivalent cell width/height
// from its average advance — go-runewidth then scales that cell width per
// rune for wide (e.g. CJK) characters during layout.
func NewTextLayer(comp *Compositor, pointSize float64) (*TextLayer, error) {
	if pointSize <= 0 {
		pointSize = DefaultPointSize
	}
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, err
	}
	face := truetype.NewFace(f, &truetype.Options{
		Size: pointSize,
		DPI:  72,
	})

	advance, ok := face.GlyphAdvance('M')
	cellW := 8
	if ok {
		cellW = advance.Round()
	}
	metrics := face.Metrics()
	cellH := (metrics.Ascent + metrics.Descent).Round()
	if cellH <= 0 {
		cellH = int(pointSize * 1.3)
	}

	return &TextLayer{
		comp:       comp,
		ttf:        f,
		face:       face,
		pointSize:  pointSize,
		cellWidth:  cellW,
		cellHeight: cellH,
		fg:         color.White,
		bg:         color.Black,
	}, nil
}

// SetColors changes the foreground/background colors used by DrawString.
func (t *TextLayer) SetColors(fg, bg color.Color) { t.fg, t.bg = fg, bg }

// CellSize returns the layer's monospace-equivalent glyph cell dimensions.
func (t *TextLayer) CellSize() (w, h int) { return t.cellWidth, t.cellHeight }

// lineWidth sums go-runewidth cell widths for s, used to size the scratch
// raster target before drawing.
func (t *TextLayer) lineWidth(s string) int {
	cells := 0
	for _, r := range s {
		cells += runewidth.RuneWidth(r)
	}
	return cells * t.cellWidth
}

// DrawString rasterizes s at backbuffer position (x,y) — the top-left
// corner of the text's bounding cell grid — filling the background color
// first, then the glyphs, then blitting the result through Compositor.Blit
// so the write obeys the normal dirty-tile marking (spec.md §4.9 ADD).
func (t *TextLayer) DrawString(x, y int, s string) error {
	w := t.lineWidth(s)
	h := t.cellHeight
	if w <= 0 || h <= 0 {
		return nil
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fillUniform(img, t.bg)

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(t.ttf)
	c.SetFontSize(t.pointSize)
	c.SetClip(img.Bounds())
	c.SetDst(img)
	c.SetSrc(image.NewUniform(t.fg))
	c.SetHinting(font.HintingFull)

	baseline := t.face.Metrics().Ascent.Round()
	pt := freetype.Pt(0, baseline)
	if _, err := c.DrawString(s, pt); err != nil {
		return err
	}

	t.comp.Blit(x, y, w, h, argbFromRGBA(img))
	return nil
}

func fillUniform(img *image.RGBA, col color.Color) {
	r, g, b, a := col.RGBA()
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = byte(r >> 8)
		img.Pix[i+1] = byte(g >> 8)
		img.Pix[i+2] = byte(b >> 8)
		img.Pix[i+3] = byte(a >> 8)
	}
}

// argbFromRGBA repacks an *image.RGBA's R,G,B,A byte order into the
// B,G,R,A little-endian ARGB8888 layout Compositor.Blit expects (spec.md
// §3).
func argbFromRGBA(img *image.RGBA) []byte {
	n := len(img.Pix) / 4
	out := make([]byte, len(img.Pix))
	for i := 0; i < n; i++ {
		r, g, b, a := img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2], img.Pix[i*4+3]
		out[i*4+0] = b
		out[i*4+1] = g
		out[i*4+2] = r
		out[i*4+3] = a
	}
	return out
}

// Banner draws the single-line boot banner at the top-left of the screen
// (spec.md §4.0 ADD's boot entrypoint banner), white-on-black.
func (t *TextLayer) Banner(line string) error {
	t.SetColors(color.White, color.Black)
	return t.DrawString(4, 4, line)
}

// warningGlyphRadius sizes the circular warning glyph drawn to the left of
// the panic title — big enough to read at DefaultPointSize, small enough to
// leave the title's own baseline undisturbed.
const warningGlyphRadius = 8

// PanicScreen draws klog.Panic's terminal diagnostic dump: a circular
// warning glyph rasterized through kernel/gpu.DrawCircle, a red title line
// beside it, then the most recent log lines white-on-black below (spec.md
// §7's kpanic realization, §4.9 ADD's overlay).
func (t *TextLayer) PanicScreen(title string, lines []string) error {
	if glyph, size := gpu.DrawCircle(warningGlyphRadius, color.RGBA{R: 0xFF, A: 0xFF}); glyph != nil {
		t.comp.Blit(4, 4, size, size, glyph)
	}

	t.SetColors(color.RGBA{R: 0xFF, A: 0xFF}, color.Black)
	titleX := 4 + warningGlyphRadius*2 + 2 + 4
	if err := t.DrawString(titleX, 4, title); err != nil {
		return err
	}
	t.SetColors(color.White, color.Black)
	y := 4 + t.cellHeight + 4
	for _, l := range lines {
		if err := t.DrawString(4, y, l); err != nil {
			return err
		}
		y += t.cellHeight
	}
	return nil
}
