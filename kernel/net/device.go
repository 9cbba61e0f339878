package net

import (
	"github.com/ghartrid/ironroot/kernel/klog"
	"github.com/ghartrid/ironroot/kernel/virtio"
)

const (
	rxQueueIndex = 0
	txQueueIndex = 1

	// netHeaderLen is the legacy 10-byte virtio-net per-packet header
	// (spec.md §6: "prefixed with a 10-byte all-zero VirtIO net header on
	// the wire bus, not on the Ethernet segment"). This driver negotiates
	// no offload/mergeable-buffer features, so every field in it is zero.
	netHeaderLen = 10

	spinLimit = 1_000_000
)

// LocalIP and GatewayIP are the static configuration spec.md §4.12
// mandates: "Static configuration: IP 10.0.2.15/24, gateway 10.0.2.2".
var (
	LocalIP   = [4]byte{10, 0, 2, 15}
	GatewayIP = [4]byte{10, 0, 2, 2}
)

// DMA is a physically contiguous, kernel-addressable buffer kernel.Kmain
// allocates from the heap+PMM for RX/TX packet buffers (spec.md §4.10's
// "Allocate per-device buffers").
type DMA struct {
	Phys  uint64
	Bytes []byte
}

// Device is the VirtIO-net transport binding plus the tiny IP stack state
// spec.md §4.12 describes: a receiveq/transmitq pair, the single gateway
// ARP-cache entry, and one in-flight outbound ping. Per spec.md §9, this is
// an explicit struct threaded by kernel.Kmain, not a package global.
type Device struct {
	transport *virtio.Device
	rx, tx    *virtio.Queue

	localMAC [6]byte
	localIP  [4]byte

	gatewayIP   [4]byte
	gatewayMAC  [6]byte
	haveGateway bool

	rxInFlight map[uint16]DMA
	txBuf      DMA

	pending *pingState
	nowMs   func() uint64
}

// SetClock installs the millisecond clock used to time outbound pings
// (spec.md §4.12: "ping_check() that returns the measured RTT in ms").
// kernel.Kmain wires this to kernel/timer.Timer.Ms; left nil in tests that
// don't care about RTT, in which case every reading is 0.
func (d *Device) SetClock(f func() uint64) { d.nowMs = f }

func (d *Device) now() uint64 {
	if d.nowMs == nil {
		return 0
	}
	return d.nowMs()
}

// NewDevice binds a device to its already set-up receiveq (index 0) and
// transmitq (index 1) and the driver's MAC address (spec.md §4.12: "two
// queues (RX idx 0, TX idx 1)").
func NewDevice(transport *virtio.Device, rx, tx *virtio.Queue, localMAC [6]byte, txBuf DMA) *Device {
	return &Device{
		transport:  transport,
		rx:         rx,
		tx:         tx,
		localMAC:   localMAC,
		localIP:    LocalIP,
		gatewayIP:  GatewayIP,
		rxInFlight: make(map[uint16]DMA),
		txBuf:      txBuf,
	}
}

// postRX allocates a descriptor for buf, marks it device-writable, and
// publishes it to the receiveq without kicking (callers batch a kick after
// posting the initial pool, per spec.md §4.10 step 4: "Submit initial RX
// descriptors, kick the receiveq").
func (d *Device) postRX(buf DMA) bool {
	head, ok := d.rx.Alloc([]virtio.Chain{{Addr: buf.Phys, Len: uint32(len(buf.Bytes)), Write: true}})
	if !ok {
		return false
	}
	d.rxInFlight[head] = buf
	d.rx.Publish(head)
	return true
}

// PrefillRX posts every buffer in the pool to the receiveq and kicks it
// once (spec.md §4.10 step 4).
func (d *Device) PrefillRX(pool []DMA) {
	posted := false
	for _, buf := range pool {
		if d.postRX(buf) {
			posted = true
		}
	}
	if posted {
		d.transport.Kick(rxQueueIndex, d.rx.NotifyOff())
	}
}

// Poll drains the receiveq's used ring, dispatching each completed frame by
// ethertype and re-queuing its buffer before kicking again (spec.md §4.12:
// "Re-queue the descriptor with WRITE flag before kicking").
func (d *Device) Poll() {
	reposted := false
	for {
		id, length, ok := d.rx.NextUsed()
		if !ok {
			break
		}
		buf, tracked := d.rxInFlight[id]
		delete(d.rxInFlight, id)
		if !tracked {
			continue
		}
		if int(length) > netHeaderLen {
			d.handleFrame(buf.Bytes[netHeaderLen:length])
		}
		if d.postRX(buf) {
			reposted = true
		}
	}
	if reposted {
		d.transport.Kick(rxQueueIndex, d.rx.NotifyOff())
	}
}

// transmit sends one Ethernet frame via the transmitq, prefixed with the
// zeroed 10-byte VirtIO net header, and spins for completion (spec.md
// §4.10/§5: "a bounded spin loop ... timeout reclaims the descriptor
// without marking success").
func (d *Device) transmit(frame []byte) bool {
	total := netHeaderLen + len(frame)
	if total > len(d.txBuf.Bytes) {
		klog.Warn("net", "outbound frame exceeds tx buffer")
		return false
	}
	for i := 0; i < netHeaderLen; i++ {
		d.txBuf.Bytes[i] = 0
	}
	copy(d.txBuf.Bytes[netHeaderLen:total], frame)

	head, ok := d.tx.Alloc([]virtio.Chain{{Addr: d.txBuf.Phys, Len: uint32(total)}})
	if !ok {
		klog.Warn("net", "transmitq exhausted")
		return false
	}
	d.tx.Publish(head)
	d.transport.Kick(txQueueIndex, d.tx.NotifyOff())

	for i := 0; i < spinLimit; i++ {
		if _, _, ok := d.tx.NextUsed(); ok {
			return true
		}
	}
	d.tx.Timeout(head)
	return false
}

// handleFrame dispatches one received Ethernet frame by ethertype (spec.md
// §4.12: "parse an Ethernet frame ... dispatch by ethertype").
func (d *Device) handleFrame(frame []byte) {
	_, src, etype, payload, ok := parseEthernet(frame)
	if !ok {
		return
	}
	switch etype {
	case EtherTypeARP:
		d.handleARP(src, payload)
	case EtherTypeIPv4:
		d.handleIPv4(src, payload)
	}
}
