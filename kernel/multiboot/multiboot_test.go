package multiboot

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// blobBuilder assembles a minimal multiboot2 info blob in a byte slice so
// the tag walker can be exercised on the host without real firmware. addTag
// pads each tag to the required 8-byte boundary.
type blobBuilder struct {
	buf []byte
}

func (b *blobBuilder) addTag(t tagType, content []byte) {
	start := len(b.buf)
	b.buf = append(b.buf, make([]byte, 8)...)
	binary.LittleEndian.PutUint32(b.buf[start:], uint32(t))
	binary.LittleEndian.PutUint32(b.buf[start+4:], uint32(8+len(content)))
	b.buf = append(b.buf, content...)
	for len(b.buf)%8 != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *blobBuilder) finish() []byte {
	b.addTag(tagEnd, nil)
	out := make([]byte, 8+len(b.buf))
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	copy(out[8:], b.buf)
	return out
}

func setInfoFromBytes(t *testing.T, buf []byte) {
	t.Helper()
	SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))
	t.Cleanup(func() { SetInfoPtr(0) })
}

func TestVisitMemRegions(t *testing.T) {
	var b blobBuilder
	mmap := make([]byte, 8)
	binary.LittleEndian.PutUint32(mmap, 24) // entrySize
	binary.LittleEndian.PutUint32(mmap[4:], 0)

	entry1 := make([]byte, 24)
	binary.LittleEndian.PutUint64(entry1[0:], 0x100000)
	binary.LittleEndian.PutUint64(entry1[8:], 0x7F00000)
	binary.LittleEndian.PutUint32(entry1[16:], uint32(MemAvailable))

	entry2 := make([]byte, 24)
	binary.LittleEndian.PutUint64(entry2[0:], 0)
	binary.LittleEndian.PutUint64(entry2[8:], 0x100000)
	binary.LittleEndian.PutUint32(entry2[16:], 2) // reserved

	content := append(mmap, entry1...)
	content = append(content, entry2...)
	b.addTag(tagMemoryMap, content)
	blob := b.finish()
	setInfoFromBytes(t, blob)

	var seen []MemoryMapEntry
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		seen = append(seen, *e)
		return true
	})

	if len(seen) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(seen))
	}
	if seen[0].PhysAddress != 0x100000 || seen[0].Type != MemAvailable {
		t.Fatalf("unexpected first entry: %+v", seen[0])
	}
	if seen[1].Type == MemAvailable {
		t.Fatalf("second entry should not be available: %+v", seen[1])
	}
}

func TestVisitMemRegionsStopsEarly(t *testing.T) {
	var b blobBuilder
	mmap := make([]byte, 8)
	binary.LittleEndian.PutUint32(mmap, 24)
	entry := make([]byte, 24)
	binary.LittleEndian.PutUint32(entry[16:], uint32(MemAvailable))
	content := append(mmap, entry...)
	content = append(content, entry...)
	b.addTag(tagMemoryMap, content)
	blob := b.finish()
	setInfoFromBytes(t, blob)

	count := 0
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("expected visitor to stop after 1 call, got %d", count)
	}
}

func TestFramebufferTagAbsent(t *testing.T) {
	var b blobBuilder
	blob := b.finish()
	setInfoFromBytes(t, blob)

	if fb := FramebufferTag(); fb != nil {
		t.Fatalf("expected nil framebuffer tag, got %+v", fb)
	}
}

func TestFramebufferTagPresent(t *testing.T) {
	var b blobBuilder
	content := make([]byte, 16)
	binary.LittleEndian.PutUint64(content[0:], 0xFD000000)
	binary.LittleEndian.PutUint32(content[8:], 1280*4)
	binary.LittleEndian.PutUint32(content[12:], 1280)
	content = append(content, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(content[16:], 1024)
	content = append(content, 32, 0, 0, 0)
	b.addTag(tagFramebuffer, content)
	blob := b.finish()
	setInfoFromBytes(t, blob)

	fb := FramebufferTag()
	if fb == nil {
		t.Fatal("expected framebuffer tag")
	}
	if fb.PhysAddr != 0xFD000000 || fb.Width != 1280 || fb.Height != 1024 || fb.Bpp != 32 {
		t.Fatalf("unexpected framebuffer info: %+v", fb)
	}
}

func TestParseBootArgs(t *testing.T) {
	var b blobBuilder
	b.addTag(tagBootCmdLine, []byte("loglevel=warn gpu=virtio-gpu\x00"))
	blob := b.finish()
	setInfoFromBytes(t, blob)

	args := ParseBootArgs()
	if args.LogLevel != "warn" || args.PreferredGPUBackend != "virtio-gpu" {
		t.Fatalf("unexpected boot args: %+v", args)
	}
}

func TestParseBootArgsAbsent(t *testing.T) {
	var b blobBuilder
	blob := b.finish()
	setInfoFromBytes(t, blob)

	args := ParseBootArgs()
	if args.LogLevel != "" || args.PreferredGPUBackend != "" {
		t.Fatalf("expected zero-value args, got %+v", args)
	}
}
