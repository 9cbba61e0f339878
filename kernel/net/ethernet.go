// Package net is the VirtIO-net transport binding plus the tiny static-IP
// IP stack spec.md §4.12 describes: one ARP-cache entry for the gateway,
// an ICMP echo responder, and a non-blocking outbound ping. Grounded on the
// kernel/virtio transport (spec.md §4.10) plus the teacher's descriptor
// re-queue/poll idiom in its GPU control-queue driver, generalized to a
// receiveq/transmitq pair. Wire formats are implemented directly against
// RFC 826 (ARP)/RFC 791 (IPv4)/RFC 792 (ICMP)/RFC 1071 (checksum) — no
// ecosystem Go networking library targets bare-metal Ethernet frame
// construction beneath a kernel's own NIC driver.
package net

import "encoding/binary"

// EtherType identifies an Ethernet frame's payload protocol.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// EthernetHeaderLen is the 14-byte {dst:6, src:6, ethertype:be16} header
// (spec.md §6).
const EthernetHeaderLen = 14

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// buildEthernet prepends a 14-byte Ethernet header to payload (spec.md §6).
func buildEthernet(dst, src [6]byte, etype EtherType, payload []byte) []byte {
	frame := make([]byte, EthernetHeaderLen+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], uint16(etype))
	copy(frame[EthernetHeaderLen:], payload)
	return frame
}

// parseEthernet splits frame into its header fields and payload.
func parseEthernet(frame []byte) (dst, src [6]byte, etype EtherType, payload []byte, ok bool) {
	if len(frame) < EthernetHeaderLen {
		return dst, src, 0, nil, false
	}
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])
	etype = EtherType(binary.BigEndian.Uint16(frame[12:14]))
	payload = frame[EthernetHeaderLen:]
	return dst, src, etype, payload, true
}
