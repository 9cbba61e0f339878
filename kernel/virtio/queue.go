package virtio

import "github.com/ghartrid/ironroot/kernel/klog"

// Descriptor flags (spec.md §3 "Virtqueue").
const (
	DescFNext     uint16 = 1 << 0
	DescFWrite    uint16 = 1 << 1
	DescFIndirect uint16 = 1 << 2
)

const descInvalid = 0xFFFF

// Layout byte sizes (VirtIO 1.2 §2.7), used to place the avail/used rings
// within the caller-supplied backing pages.
const (
	descSize      = 16 // addr(8) + len(4) + flags(2) + next(2)
	availHdrSize  = 4  // flags(2) + idx(2)
	availElemSize = 2
	availFootSize = 2 // used_event
	usedHdrSize   = 4 // flags(2) + idx(2)
	usedElemSize  = 8 // id(4) + len(4)
	usedFootSize  = 2 // avail_event
)

// Queue is one virtqueue: the co-located descriptor table, available ring,
// and used ring, plus the driver's free-descriptor list (spec.md §3
// "Virtqueue"). The three arrays live in caller-supplied DMA memory (two
// physically contiguous 4 KiB pages, per spec.md §4.10 step 3); Queue only
// ever touches them through the Window accessors so every access obeys the
// same barrier discipline as the rest of the transport.
type Queue struct {
	Index int

	desc  Window
	avail Window
	used  Window
	size  uint16

	descPhys, availPhys, usedPhys uint64

	freeHead     uint16
	numFree      uint16
	lastUsedSeen uint16
	notifyOff    uint16
}

// SetNotifyOff records the notify offset SetupQueue returned for this
// queue (spec.md §3: "Per queue: a notify offset recorded once at setup").
func (q *Queue) SetNotifyOff(off uint16) { q.notifyOff = off }

// NotifyOff returns the notify offset previously recorded via
// SetNotifyOff.
func (q *Queue) NotifyOff() uint16 { return q.notifyOff }

// NewQueue lays out a queue of the given size over the three windows and
// physical addresses the caller already allocated and zeroed, and chains
// every descriptor onto the free list (spec.md §3: "the driver maintains a
// free-descriptor linked list via next fields").
func NewQueue(index int, size uint16, descWin, availWin, usedWin Window, descPhys, availPhys, usedPhys uint64) *Queue {
	q := &Queue{
		Index:     index,
		desc:      descWin,
		avail:     availWin,
		used:      usedWin,
		size:      size,
		descPhys:  descPhys,
		availPhys: availPhys,
		usedPhys:  usedPhys,
		numFree:   size,
	}
	for i := uint16(0); i < size; i++ {
		next := i + 1
		if i == size-1 {
			next = descInvalid
		}
		q.setDescNext(i, next)
	}
	return q
}

func (q *Queue) descOffset(i uint16) uint32 { return uint32(i) * descSize }

func (q *Queue) setDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	off := q.descOffset(i)
	q.desc.Write64(off, addr)
	q.desc.Write32(off+8, length)
	q.desc.Write16(off+12, flags)
	q.desc.Write16(off+14, next)
}

func (q *Queue) setDescNext(i, next uint16) {
	q.desc.Write16(q.descOffset(i)+14, next)
}

func (q *Queue) descNext(i uint16) uint16 {
	return q.desc.Read16(q.descOffset(i) + 14)
}

// PhysAddrs returns the three ring physical addresses SetupQueue needs.
func (q *Queue) PhysAddrs() (desc, avail, used uint64) {
	return q.descPhys, q.availPhys, q.usedPhys
}

// Size is the queue's descriptor-table capacity.
func (q *Queue) Size() uint16 { return q.size }

// NumFree is the current length of the free-descriptor list (spec.md §8:
// "the free-list length equals N - |in-flight|").
func (q *Queue) NumFree() uint16 { return q.numFree }

// Chain describes one buffer to publish as part of a descriptor chain.
type Chain struct {
	Addr  uint64
	Len   uint32
	Write bool // device writes to this buffer (DescFWrite)
}

// Alloc allocates len(bufs) descriptors from the free list, chains them
// with DescFNext, fills each with the caller's address/length/direction,
// and returns the head descriptor index and true, or (0, false) if the
// free list cannot satisfy the request.
func (q *Queue) Alloc(bufs []Chain) (head uint16, ok bool) {
	n := uint16(len(bufs))
	if n == 0 || n > q.numFree {
		return 0, false
	}

	// Walk the free list to collect n descriptor indices before writing
	// anything — the free-list next pointers are about to be overwritten
	// with the chain's own NEXT links.
	indices := make([]uint16, n)
	cur := q.freeHead
	for i := range indices {
		indices[i] = cur
		cur = q.descNext(cur)
	}
	q.freeHead = cur

	for i, b := range bufs {
		flags := uint16(0)
		next := uint16(descInvalid)
		if b.Write {
			flags |= DescFWrite
		}
		if i < len(bufs)-1 {
			flags |= DescFNext
			next = indices[i+1]
		}
		q.setDesc(indices[i], b.Addr, b.Len, flags, next)
	}
	q.numFree -= n
	return indices[0], true
}

// reclaimChain walks a completed descriptor chain back onto the free list.
func (q *Queue) reclaimChain(head uint16) {
	cur := head
	n := uint16(0)
	for {
		n++
		flags := q.desc.Read16(q.descOffset(cur) + 12)
		next := q.descNext(cur)
		if flags&DescFNext == 0 {
			q.setDescNext(cur, q.freeHead)
			q.freeHead = head
			break
		}
		cur = next
	}
	q.numFree += n
}

// Publish writes head into the next avail-ring slot and increments
// avail.idx, fenced so the descriptor contents are visible to the device
// before avail.idx advances (spec.md §4.10: "Publish by writing the head
// descriptor index into avail.ring[avail.idx % N], mfence, increment
// avail.idx").
func (q *Queue) Publish(head uint16) {
	idx := q.avail.Read16(2)
	slot := uint32(availHdrSize) + uint32(idx%q.size)*availElemSize
	q.avail.Write16(slot, head) // Write16 already fences after writing
	q.avail.Write16(2, idx+1)
}

// NextUsed pops the next completed descriptor chain from the used ring, if
// any device has reported one since the last call, reclaims its
// descriptors, and returns (descID, writtenLen, true). Returns
// (0, 0, false) if used.idx has not advanced (spec.md §8: "after any
// sequence of submissions and polls, used.idx >= driver_last_used").
func (q *Queue) NextUsed() (id uint16, length uint32, ok bool) {
	usedIdx := q.used.Read16(2)
	if usedIdx == q.lastUsedSeen {
		return 0, 0, false
	}
	slot := uint32(usedHdrSize) + uint32(q.lastUsedSeen%q.size)*usedElemSize
	descID := q.used.Read32(slot)
	length = q.used.Read32(slot + 4)
	q.lastUsedSeen++
	q.reclaimChain(uint16(descID))
	return uint16(descID), length, true
}

// Layout computes the descriptor table, available ring, and used ring byte
// offsets within a single allocation sized to hold a queue of size
// entries, page-aligning the used ring (spec.md §4.10 step 3: "lay out
// descriptor table, avail ring, and a page-aligned used ring within
// them").
func Layout(size uint16) (total, descOff, availOff, usedOff uint32) {
	descBytes := uint32(size) * descSize
	availOff = descBytes
	availBytes := uint32(availHdrSize) + uint32(size)*availElemSize + availFootSize
	usedOff = alignUp(availOff+availBytes, 4096)
	usedBytes := uint32(usedHdrSize) + uint32(size)*usedElemSize + usedFootSize
	total = alignUp(usedOff+usedBytes, 4096)
	return total, 0, availOff, usedOff
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Timeout reclaims a descriptor chain whose completion was never observed
// within a bounded spin (spec.md §4.10/§5: "timeout reclaims the
// descriptor without marking success").
func (q *Queue) Timeout(head uint16) {
	klog.Warn("virtio", "queue poll timed out, reclaiming descriptor")
	q.reclaimChain(head)
}
