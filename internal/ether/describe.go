package ether

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const dnsPort = 53

// Describe returns a lazily evaluated slog value summarising frame. The
// frame is only decoded when the record is actually emitted.
func Describe(frame []byte) slog.LogValuer {
	return frameSummary(frame)
}

type frameSummary []byte

func (f frameSummary) LogValue() slog.Value {
	attrs := []slog.Attr{slog.Int("len", len(f))}
	if len(f) < HeaderLen {
		return slog.GroupValue(append(attrs, slog.String("error", "short frame"))...)
	}

	eth := header.Ethernet(f)
	switch eth.Type() {
	case header.IPv4ProtocolNumber:
		attrs = append(attrs, slog.String("type", "ipv4"))
		attrs = append(attrs, describeIPv4(f[HeaderLen:])...)
	case header.ARPProtocolNumber:
		attrs = append(attrs, slog.String("type", "arp"))
		arp := header.ARP(f[HeaderLen:])
		if arp.IsValid() {
			attrs = append(attrs,
				slog.Int("op", int(arp.Op())),
				slog.String("sender", netip.AddrFrom4([4]byte(arp.ProtocolAddressSender())).String()),
				slog.String("target", netip.AddrFrom4([4]byte(arp.ProtocolAddressTarget())).String()),
			)
		}
	default:
		attrs = append(attrs, slog.String("type", fmt.Sprintf("0x%04x", EtherType(f))))
	}
	return slog.GroupValue(attrs...)
}

func describeIPv4(b []byte) []slog.Attr {
	ip := header.IPv4(b)
	if len(b) < header.IPv4MinimumSize || !ip.IsValid(len(b)) {
		return []slog.Attr{slog.String("error", "invalid ipv4")}
	}

	attrs := []slog.Attr{
		slog.String("src", ip.SourceAddress().String()),
		slog.String("dst", ip.DestinationAddress().String()),
	}
	payload := ip.Payload()

	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		attrs = append(attrs, slog.String("proto", "tcp"))
		if len(payload) >= header.TCPMinimumSize {
			tcp := header.TCP(payload)
			attrs = append(attrs,
				slog.Int("sport", int(tcp.SourcePort())),
				slog.Int("dport", int(tcp.DestinationPort())),
				slog.String("flags", tcp.Flags().String()),
			)
		}
	case header.UDPProtocolNumber:
		attrs = append(attrs, slog.String("proto", "udp"))
		if len(payload) >= header.UDPMinimumSize {
			udp := header.UDP(payload)
			attrs = append(attrs,
				slog.Int("sport", int(udp.SourcePort())),
				slog.Int("dport", int(udp.DestinationPort())),
			)
			if udp.SourcePort() == dnsPort || udp.DestinationPort() == dnsPort {
				attrs = append(attrs, describeDNS(udp.Payload())...)
			}
		}
	case header.ICMPv4ProtocolNumber:
		attrs = append(attrs, slog.String("proto", "icmp"))
		if len(payload) >= header.ICMPv4MinimumSize {
			attrs = append(attrs, slog.Int("icmpType", int(header.ICMPv4(payload).Type())))
		}
	default:
		attrs = append(attrs, slog.Int("proto", int(ip.TransportProtocol())))
	}
	return attrs
}

func describeDNS(b []byte) []slog.Attr {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return []slog.Attr{slog.String("dns", "malformed")}
	}

	attrs := []slog.Attr{slog.Bool("dnsResponse", msg.Response)}
	if len(msg.Question) > 0 {
		q := msg.Question[0]
		attrs = append(attrs, slog.String("dnsQuestion", q.Name+" "+dns.TypeToString[q.Qtype]))
	}
	if msg.Response {
		attrs = append(attrs,
			slog.String("dnsRcode", dns.RcodeToString[msg.Rcode]),
			slog.Int("dnsAnswers", len(msg.Answer)),
		)
	}
	return attrs
}
