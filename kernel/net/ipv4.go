package net

import "encoding/binary"

// IPv4HeaderLen is the fixed 20-byte header this kernel emits: IHL=5, no
// options (spec.md §6: "IHL=5").
const IPv4HeaderLen = 20

const (
	ipv4Version = 4
	ipv4IHL     = 5
	ipv4TTL     = 64 // spec.md §6: "TTL=64"

	// ProtoICMP is the IPv4 protocol field value for ICMP (spec.md §6:
	// "protocol=1 for ICMP").
	ProtoICMP = 1
)

// IPv4Header is the decoded fixed-length header (spec.md §6).
type IPv4Header struct {
	TotalLength uint16
	Protocol    uint8
	TTL         uint8
	Checksum    uint16
	Src         [4]byte
	Dst         [4]byte
}

// encodeIPv4 builds a 20-byte header directly followed by payload, with a
// freshly computed header checksum (RFC 1071, spec.md §6).
func encodeIPv4(src, dst [4]byte, protocol uint8, payload []byte) []byte {
	total := IPv4HeaderLen + len(payload)
	b := make([]byte, total)
	b[0] = ipv4Version<<4 | ipv4IHL
	b[1] = 0 // DSCP/ECN
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[4:6], 0) // identification
	binary.BigEndian.PutUint16(b[6:8], 0) // flags/fragment offset
	b[8] = ipv4TTL
	b[9] = protocol
	binary.BigEndian.PutUint16(b[10:12], 0) // checksum placeholder
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	copy(b[IPv4HeaderLen:], payload)

	csum := Checksum(b[0:IPv4HeaderLen])
	binary.BigEndian.PutUint16(b[10:12], csum)
	return b
}

// decodeIPv4 parses a 20-byte (no-options) IPv4 header, returning the
// header fields and the payload slice. ok is false if the buffer is too
// short or the version/IHL fields are not what this kernel emits.
func decodeIPv4(b []byte) (hdr IPv4Header, payload []byte, ok bool) {
	if len(b) < IPv4HeaderLen {
		return hdr, nil, false
	}
	version := b[0] >> 4
	ihl := int(b[0]&0x0F) * 4
	if version != ipv4Version || ihl < IPv4HeaderLen || len(b) < ihl {
		return hdr, nil, false
	}
	hdr.TotalLength = binary.BigEndian.Uint16(b[2:4])
	hdr.TTL = b[8]
	hdr.Protocol = b[9]
	hdr.Checksum = binary.BigEndian.Uint16(b[10:12])
	copy(hdr.Src[:], b[12:16])
	copy(hdr.Dst[:], b[16:20])
	return hdr, b[ihl:], true
}

// broadcastFor24 returns the /24 broadcast address for ip (spec.md §4.12's
// static 10.0.2.15/24 configuration never needs a variable-length mask).
func broadcastFor24(ip [4]byte) [4]byte {
	return [4]byte{ip[0], ip[1], ip[2], 0xFF}
}
