// Package multiboot walks the multiboot2 information structure the loader
// hands the kernel at boot (spec.md §6: "The multiboot2 info pointer is the
// only input from the loader"). Tags are 8-byte aligned and terminated by a
// type-0 end tag; this package exposes only the tags the rest of the kernel
// needs: the memory map (§3/§4.1 PMM seed), the framebuffer info (§4.9
// compositor init), and the boot command line (SPEC_FULL.md §6 ADD).
package multiboot

import "unsafe"

type tagType uint32

const (
	tagEnd            tagType = 0
	tagBootCmdLine    tagType = 1
	tagBootLoaderName tagType = 2
	tagModules        tagType = 3
	tagBasicMemInfo   tagType = 4
	tagBiosBootDevice tagType = 5
	tagMemoryMap      tagType = 6
	tagVBEInfo        tagType = 7
	tagFramebuffer    tagType = 8
)

type tagHeader struct {
	tagType tagType
	size    uint32
}

type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType mirrors spec.md §6's memory-map entry type field; only 1
// ("available") is meaningful to the PMM, everything else is reserved.
type MemoryEntryType uint32

const (
	// MemAvailable is the only type value the PMM treats as usable RAM
	// (spec.md §4.1: "type == 1 is available, everything else reserved").
	MemAvailable MemoryEntryType = 1
)

// MemoryMapEntry is spec.md §6's {addr:u64, len:u64, type:u32, reserved:u32}.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
	reserved    uint32
}

// MemRegionVisitor is invoked once per memory-map entry; returning false
// stops the walk early.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// FramebufferInfo is spec.md §6's {phys_addr, width, height, pitch, bpp}.
// The core requires 32-bpp (spec.md §6); callers must check Bpp themselves,
// this package performs no validation.
type FramebufferInfo struct {
	PhysAddr uint64
	Pitch    uint32
	Width    uint32
	Height   uint32
	Bpp      uint8
	fbType   uint8
	reserved uint16
}

var infoBase uintptr

// SetInfoPtr records the physical address of the multiboot2 info structure
// passed to the kernel entrypoint. Must be called before any other function
// in this package.
func SetInfoPtr(ptr uintptr) {
	infoBase = ptr
}

// VisitMemRegions invokes visitor once per memory-map entry found in the
// multiboot info (spec.md §4.1's "walk the firmware-supplied region list").
// It is a no-op if no memory-map tag is present — the caller (kernel/pmm)
// is responsible for treating that as the fatal "no memory map" condition
// spec.md §4.1/§7 describes.
func VisitMemRegions(visitor MemRegionVisitor) {
	ptr, size := findTag(tagMemoryMap)
	if size == 0 {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(ptr))
	if hdr.entrySize == 0 {
		return
	}
	end := ptr + uintptr(size)
	cur := ptr + 8

	for cur+uintptr(hdr.entrySize) <= end {
		entry := (*MemoryMapEntry)(unsafe.Pointer(cur))
		if !visitor(entry) {
			return
		}
		cur += uintptr(hdr.entrySize)
	}
}

// FramebufferTag returns the bootloader-initialized framebuffer description,
// or nil if the loader supplied no framebuffer tag.
func FramebufferTag() *FramebufferInfo {
	ptr, size := findTag(tagFramebuffer)
	if size == 0 {
		return nil
	}
	return (*FramebufferInfo)(unsafe.Pointer(ptr))
}

// BootArgs is SPEC_FULL.md §6's supplemental boot-cmdline parse: a fixed set
// of "key=value" tokens separated by spaces, the only configuration surface
// a kernel with no filesystem has.
type BootArgs struct {
	LogLevel          string
	PreferredGPUBackend string
}

// ParseBootArgs reads the boot command-line tag (type 1), if present, and
// extracts the two knobs this kernel understands. Unknown tokens are
// ignored rather than rejected — a freestanding kernel has no stderr to
// report a usage error to.
func ParseBootArgs() BootArgs {
	var args BootArgs
	ptr, size := findTag(tagBootCmdLine)
	if size == 0 {
		return args
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)
	cmdline := bytesToStringTrimNUL(raw)
	for _, tok := range splitSpaces(cmdline) {
		key, value, ok := splitOnce(tok, '=')
		if !ok {
			continue
		}
		switch key {
		case "loglevel":
			args.LogLevel = value
		case "gpu":
			args.PreferredGPUBackend = value
		}
	}
	return args
}

func bytesToStringTrimNUL(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

func splitSpaces(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// findTag scans the multiboot info data for the first tag of the given
// type. It returns a pointer to the tag's content (past the 8-byte header)
// and the content length, or (0,0) if absent — generalized from the
// teacher's bounds-checked ATAG walk in page.go to the multiboot2 tag
// format (§9's defensive-parsing idiom applied to a different wire format).
func findTag(want tagType) (uintptr, uint32) {
	if infoBase == 0 {
		return 0, 0
	}
	totalSize := *(*uint32)(unsafe.Pointer(infoBase))
	end := infoBase + uintptr(totalSize)
	cur := infoBase + 8

	for cur+8 <= end {
		hdr := (*tagHeader)(unsafe.Pointer(cur))
		if hdr.tagType == tagEnd {
			break
		}
		if hdr.size < 8 {
			break
		}
		if hdr.tagType == want {
			return cur + 8, hdr.size - 8
		}
		cur += uintptr((hdr.size + 7) &^ 7)
	}
	return 0, 0
}
