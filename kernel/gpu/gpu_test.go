package gpu

import (
	"encoding/binary"
	"image/color"
	"testing"
)

type stubBackend struct{ name string }

func (s stubBackend) Name() string                                         { return s.name }
func (s stubBackend) Init(uint32, uint32) error                            { return nil }
func (s stubBackend) Flip(_ []byte, _ uint32, _ []Rect) error              { return nil }

func TestProbeOrdersByPriority(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	Register("software", 0, stubBackend{"software"})
	Register("virtio-gpu", 100, stubBackend{"virtio-gpu"})
	Register("vmware-svga", 50, stubBackend{"vmware-svga"})

	order := Probe()
	if len(order) != 3 {
		t.Fatalf("Probe returned %d backends, want 3", len(order))
	}
	want := []string{"virtio-gpu", "vmware-svga", "software"}
	for i, b := range order {
		if b.Name() != want[i] {
			t.Errorf("Probe()[%d] = %s, want %s", i, b.Name(), want[i])
		}
	}
}

func TestByNameFindsPreferredBackend(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	Register("software", 0, stubBackend{"software"})
	Register("virtio-gpu", 100, stubBackend{"virtio-gpu"})

	if b := ByName("software"); b == nil || b.Name() != "software" {
		t.Fatal("ByName(\"software\") did not return the registered software backend")
	}
	if b := ByName("nonexistent"); b != nil {
		t.Fatal("ByName should return nil for an unregistered name")
	}
}

func TestEncodeResourceCreate2D(t *testing.T) {
	buf := make([]byte, 64)
	encodeResourceCreate2D(buf, 7, 1024, 768)

	if got := binary.LittleEndian.Uint32(buf[0:4]); got != cmdResourceCreate2D {
		t.Errorf("cmd type = %#x, want %#x", got, cmdResourceCreate2D)
	}
	if got := binary.LittleEndian.Uint32(buf[24:28]); got != 7 {
		t.Errorf("resource_id = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint32(buf[32:36]); got != 1024 {
		t.Errorf("width = %d, want 1024", got)
	}
	if got := binary.LittleEndian.Uint32(buf[36:40]); got != 768 {
		t.Errorf("height = %d, want 768", got)
	}
}

func TestEncodeTransferToHost2DUsesUnionRect(t *testing.T) {
	buf := make([]byte, 64)
	r := unionRects([]Rect{{X: 10, Y: 10, W: 5, H: 5}, {X: 100, Y: 100, W: 5, H: 5}})
	if r.X != 10 || r.Y != 10 || r.W != 95 || r.H != 95 {
		t.Fatalf("unionRects = %+v, want {10 10 95 95}", r)
	}
	encodeTransferToHost2D(buf, 1, r)
	if got := binary.LittleEndian.Uint32(buf[24:28]); got != 10 {
		t.Errorf("rect.x = %d, want 10", got)
	}
}

func TestDrawCircleProducesOpaqueCenter(t *testing.T) {
	pixels, size := DrawCircle(8, color.RGBA{R: 255, A: 255})
	if size != 18 {
		t.Fatalf("size = %d, want 18", size)
	}
	center := (size/2*size + size/2) * 4
	if pixels[center+3] == 0 {
		t.Error("expected opaque alpha at the circle's center pixel")
	}
	if pixels[center+2] == 0 { // R channel landed at offset +2 (BGRA layout)
		t.Error("expected red channel set at the circle's center pixel")
	}
}

func TestDrawCircleRejectsNonPositiveRadius(t *testing.T) {
	pixels, size := DrawCircle(0, color.White)
	if pixels != nil || size != 0 {
		t.Error("DrawCircle(0, ...) should return a nil/zero result")
	}
}

type fakeSVGAPorts struct {
	regs    map[uint32]uint32
	latched uint32
}

func newFakeSVGAPorts() *fakeSVGAPorts {
	return &fakeSVGAPorts{regs: map[uint32]uint32{svgaRegID: svgaIDMagic}}
}

func (f *fakeSVGAPorts) Outb(uint16, uint8)  {}
func (f *fakeSVGAPorts) Inb(uint16) uint8    { return 0 }
func (f *fakeSVGAPorts) Outw(uint16, uint16) {}
func (f *fakeSVGAPorts) Inw(uint16) uint16   { return 0 }

func (f *fakeSVGAPorts) Outl(port uint16, val uint32) {
	if port == 0x500 {
		f.latched = val
		return
	}
	f.regs[f.latched] = val
}

func (f *fakeSVGAPorts) Inl(port uint16) uint32 {
	if port == 0x500 {
		return f.latched
	}
	return f.regs[f.latched]
}

type fakeFIFO struct{ pushed []uint32 }

func (f *fakeFIFO) Push(words ...uint32) { f.pushed = append(f.pushed, words...) }

func TestVMwareSVGAInitProgramsMode(t *testing.T) {
	ports := newFakeSVGAPorts()
	fifo := &fakeFIFO{}
	backend := NewVMwareSVGA(ports, 0x500, fifo)

	if err := backend.Init(800, 600); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if ports.regs[svgaRegWidth] != 800 || ports.regs[svgaRegHeight] != 600 {
		t.Errorf("mode registers = %dx%d, want 800x600", ports.regs[svgaRegWidth], ports.regs[svgaRegHeight])
	}
	if ports.regs[svgaRegEnable] != 1 {
		t.Error("SVGA was not left enabled")
	}

	if err := backend.Flip(nil, 0, []Rect{{X: 1, Y: 2, W: 3, H: 4}}); err != nil {
		t.Fatalf("Flip returned error: %v", err)
	}
	if len(fifo.pushed) != 5 || fifo.pushed[0] != svgaCmdUpdate {
		t.Errorf("FIFO push = %+v, want an UPDATE command", fifo.pushed)
	}
}

func TestVMwareSVGAInitRejectsWrongDeviceID(t *testing.T) {
	ports := newFakeSVGAPorts()
	ports.regs[svgaRegID] = 0
	backend := NewVMwareSVGA(ports, 0x500, nil)
	if err := backend.Init(640, 480); err == nil {
		t.Fatal("Init should fail when the device ID register does not match")
	}
}
