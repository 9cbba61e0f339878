package net

import "encoding/binary"

// ICMPHeaderLen is the fixed 8-byte {type, code, csum, id, seq} header
// (spec.md §6).
const ICMPHeaderLen = 8

const (
	icmpTypeEchoRequest = 8
	icmpTypeEchoReply   = 0
)

// ICMPEcho is a decoded echo request/reply (spec.md §4.12: "reply ...
// preserving id/seq/payload").
type ICMPEcho struct {
	Type    uint8
	ID      uint16
	Seq     uint16
	Payload []byte
}

// encodeICMPEcho builds an echo message with a freshly computed ones-
// complement checksum (spec.md §6: "recomputing IP and ICMP checksums").
func encodeICMPEcho(msgType uint8, id, seq uint16, payload []byte) []byte {
	b := make([]byte, ICMPHeaderLen+len(payload))
	b[0] = msgType
	b[1] = 0 // code
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], seq)
	copy(b[ICMPHeaderLen:], payload)

	csum := Checksum(b)
	binary.BigEndian.PutUint16(b[2:4], csum)
	return b
}

func decodeICMPEcho(b []byte) (ICMPEcho, bool) {
	var e ICMPEcho
	if len(b) < ICMPHeaderLen {
		return e, false
	}
	e.Type = b[0]
	e.ID = binary.BigEndian.Uint16(b[4:6])
	e.Seq = binary.BigEndian.Uint16(b[6:8])
	e.Payload = b[ICMPHeaderLen:]
	return e, true
}
