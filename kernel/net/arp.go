package net

import "encoding/binary"

// ARPOp is the ARP operation code (spec.md §6: "fields in network byte
// order").
type ARPOp uint16

const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

const (
	arpHWTypeEthernet  = 1
	arpProtoTypeIPv4   = 0x0800
	arpHWLenEthernet   = 6
	arpProtoLenIPv4    = 4
	arpPacketLen       = 28 // spec.md §6: "ARP reply/request: 28 bytes"
)

// ARPPacket is the decoded 28-byte ARP body (spec.md §3/§6).
type ARPPacket struct {
	Op         ARPOp
	SenderMAC  [6]byte
	SenderIP   [4]byte
	TargetMAC  [6]byte
	TargetIP   [4]byte
}

func encodeARP(p ARPPacket) []byte {
	b := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(b[0:2], arpHWTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], arpProtoTypeIPv4)
	b[4] = arpHWLenEthernet
	b[5] = arpProtoLenIPv4
	binary.BigEndian.PutUint16(b[6:8], uint16(p.Op))
	copy(b[8:14], p.SenderMAC[:])
	copy(b[14:18], p.SenderIP[:])
	copy(b[18:24], p.TargetMAC[:])
	copy(b[24:28], p.TargetIP[:])
	return b
}

func decodeARP(b []byte) (ARPPacket, bool) {
	var p ARPPacket
	if len(b) < arpPacketLen {
		return p, false
	}
	if binary.BigEndian.Uint16(b[0:2]) != arpHWTypeEthernet || binary.BigEndian.Uint16(b[2:4]) != arpProtoTypeIPv4 {
		return p, false
	}
	p.Op = ARPOp(binary.BigEndian.Uint16(b[6:8]))
	copy(p.SenderMAC[:], b[8:14])
	copy(p.SenderIP[:], b[14:18])
	copy(p.TargetMAC[:], b[18:24])
	copy(p.TargetIP[:], b[24:28])
	return p, true
}
