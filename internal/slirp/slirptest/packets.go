package slirptest

import (
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// EchoRequest builds an IPv4 ICMP echo request datagram without a link
// layer header.
func EchoRequest(src, dst netip.Addr, id, seq int) []byte {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("slipbridge")},
	}
	body, err := msg.Marshal(nil)
	if err != nil {
		panic(err)
	}
	return ipv4Datagram(src, dst, header.ICMPv4ProtocolNumber, body)
}

// UDPDatagram builds an IPv4 UDP datagram without a link layer header.
func UDPDatagram(src, dst netip.Addr, sport, dport uint16, payload []byte) []byte {
	seg := make([]byte, header.UDPMinimumSize+len(payload))
	udp := header.UDP(seg)
	udp.Encode(&header.UDPFields{
		SrcPort: sport,
		DstPort: dport,
		Length:  uint16(len(seg)),
	})
	copy(seg[header.UDPMinimumSize:], payload)

	srcAddr := tcpip.AddrFrom4(src.As4())
	dstAddr := tcpip.AddrFrom4(dst.As4())
	sum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcAddr, dstAddr, uint16(len(seg)))
	sum = checksum.Checksum(payload, sum)
	udp.SetChecksum(^udp.CalculateChecksum(sum))

	return ipv4Datagram(src, dst, header.UDPProtocolNumber, seg)
}

func ipv4Datagram(src, dst netip.Addr, proto tcpip.TransportProtocolNumber, payload []byte) []byte {
	pkt := make([]byte, header.IPv4MinimumSize+len(payload))
	ip := header.IPv4(pkt)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(pkt)),
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     tcpip.AddrFrom4(src.As4()),
		DstAddr:     tcpip.AddrFrom4(dst.As4()),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(pkt[header.IPv4MinimumSize:], payload)
	return pkt
}
