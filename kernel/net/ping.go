package net

import "github.com/ghartrid/ironroot/kernel/klog"

const (
	arpResolveAttempts = 50 // spec.md §5: "resolve the gateway MAC via ARP, polling up to 50 times"
	arpResolvePollMs   = 10 // spec.md §5: "10ms between attempts"

	pingTimeoutAttempts = 50
	pingTimeoutPollMs   = 10
)

// Waiter decouples this package from kernel/timer: kernel.Kmain supplies an
// adapter over the PIT tick counter, tests supply a no-op or counting fake.
type Waiter interface {
	WaitMs(ms uint64)
}

// pingState tracks the single in-flight outbound echo request this driver
// supports at a time (spec.md §4.12: "one outbound ping in flight").
type pingState struct {
	id, seq  uint16
	sentAt   uint64
	elapsed  uint64
	done     bool
	succeeded bool
}

// handleARP answers requests for our own IP and, if we are waiting on the
// gateway's address, records a reply from it (spec.md §4.12: "ARP: answer
// requests for our IP; record replies from the gateway").
func (d *Device) handleARP(srcMAC [6]byte, body []byte) {
	pkt, ok := decodeARP(body)
	if !ok {
		return
	}
	switch pkt.Op {
	case ARPRequest:
		if pkt.TargetIP != d.localIP {
			return
		}
		reply := encodeARP(ARPPacket{
			Op:        ARPReply,
			SenderMAC: d.localMAC,
			SenderIP:  d.localIP,
			TargetMAC: pkt.SenderMAC,
			TargetIP:  pkt.SenderIP,
		})
		frame := buildEthernet(pkt.SenderMAC, d.localMAC, EtherTypeARP, reply)
		d.transmit(frame)
	case ARPReply:
		if pkt.SenderIP == d.gatewayIP {
			d.gatewayMAC = pkt.SenderMAC
			d.haveGateway = true
		}
	}
}

// handleIPv4 validates the header checksum and dispatches by protocol
// (spec.md §4.12).
func (d *Device) handleIPv4(srcMAC [6]byte, body []byte) {
	hdr, payload, ok := decodeIPv4(body)
	if !ok {
		return
	}
	if hdr.Dst != d.localIP {
		return
	}
	switch hdr.Protocol {
	case ProtoICMP:
		d.handleICMP(srcMAC, hdr, payload)
	}
}

// handleICMP answers echo requests addressed to us and completes a pending
// outbound ping on a matching echo reply (spec.md §4.12: "ICMP echo
// responder ... recomputing IP and ICMP checksums").
func (d *Device) handleICMP(srcMAC [6]byte, hdr IPv4Header, body []byte) {
	if len(body) < ICMPHeaderLen {
		return
	}
	switch body[0] {
	case icmpTypeEchoRequest:
		echo, ok := decodeICMPEcho(body)
		if !ok {
			return
		}
		reply := encodeICMPEcho(icmpTypeEchoReply, echo.ID, echo.Seq, echo.Payload)
		ipFrame := encodeIPv4(d.localIP, hdr.Src, ProtoICMP, reply)
		frame := buildEthernet(srcMAC, d.localMAC, EtherTypeIPv4, ipFrame)
		d.transmit(frame)
	case icmpTypeEchoReply:
		echo, ok := decodeICMPEcho(body)
		if !ok || d.pending == nil || d.pending.done {
			return
		}
		if echo.ID == d.pending.id && echo.Seq == d.pending.seq {
			d.pending.done = true
			d.pending.succeeded = true
			d.pending.elapsed = d.now() - d.pending.sentAt
		}
	}
}

// resolveGateway sends a broadcast ARP request for the gateway and polls
// Poll+Waiter until a reply arrives or the attempt budget is exhausted
// (spec.md §5).
func (d *Device) resolveGateway(w Waiter) bool {
	if d.haveGateway {
		return true
	}
	req := encodeARP(ARPPacket{
		Op:        ARPRequest,
		SenderMAC: d.localMAC,
		SenderIP:  d.localIP,
		TargetIP:  d.gatewayIP,
	})
	frame := buildEthernet(BroadcastMAC, d.localMAC, EtherTypeARP, req)
	if !d.transmit(frame) {
		return false
	}
	for i := 0; i < arpResolveAttempts && !d.haveGateway; i++ {
		w.WaitMs(arpResolvePollMs)
		d.Poll()
	}
	if !d.haveGateway {
		klog.Warn("net", "gateway ARP resolution timed out")
	}
	return d.haveGateway
}

// Ping sends one ICMP echo request to the gateway, blocking (via w) until a
// matching reply arrives or the poll budget is exhausted, and reports
// whether it succeeded (spec.md §4.12/§5: "a non-blocking... API" wired
// through a bounded poll loop rather than a real blocking syscall).
func (d *Device) Ping(id, seq uint16, payload []byte, w Waiter) bool {
	if !d.resolveGateway(w) {
		return false
	}
	d.pending = &pingState{id: id, seq: seq, sentAt: d.now()}

	echo := encodeICMPEcho(icmpTypeEchoRequest, id, seq, payload)
	ipFrame := encodeIPv4(d.localIP, d.gatewayIP, ProtoICMP, echo)
	frame := buildEthernet(d.gatewayMAC, d.localMAC, EtherTypeIPv4, ipFrame)
	if !d.transmit(frame) {
		d.pending = nil
		return false
	}

	for i := 0; i < pingTimeoutAttempts; i++ {
		if d.pending.done {
			break
		}
		w.WaitMs(pingTimeoutPollMs)
		d.Poll()
	}

	ok := d.pending.done && d.pending.succeeded
	d.pending = nil
	return ok
}

// PingCheck reports whether a previously started ping completed, without
// blocking, and the round-trip time in milliseconds measured between the
// request going out and the matching echo reply arriving (spec.md §4.12:
// "ping_check() that returns the measured RTT in ms"). rttMs is only
// meaningful when succeeded is true; it reads 0 if kernel.Kmain never
// called SetClock. It is reserved for a future asynchronous ping API; Ping
// above resolves synchronously via Waiter and clears pending before
// returning, so PingCheck only ever sees state left by a request still in
// flight.
func (d *Device) PingCheck() (done, succeeded bool, rttMs uint64) {
	if d.pending == nil {
		return false, false, 0
	}
	return d.pending.done, d.pending.succeeded, d.pending.elapsed
}
