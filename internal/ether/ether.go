// Package ether holds the fixed link-layer framing shared by both sides of
// the guest link.
//
// The guest link carries bare IPv4 datagrams, but the virtual network stack
// expects Ethernet frames. Every frame exchanged with the stack therefore
// carries the same synthetic 14 byte header; it is prepended to inbound
// datagrams and stripped from outbound frames.
package ether

import (
	"fmt"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// HeaderLen is the size of the synthetic Ethernet header.
const HeaderLen = header.EthernetMinimumSize

// Header is the synthetic Ethernet header carried by every guest frame:
// gateway MAC as destination, guest MAC as source, EtherType IPv4.
//
// It is an array so it is only ever shared by copy.
var Header = [HeaderLen]byte{
	// dst
	0x52, 0x55, 0x0a, 0x00, 0x02, 0x01,
	// src
	0x52, 0x55, 0x0a, 0x00, 0x02, 0x0e,
	// IPv4
	0x08, 0x00,
}

// GatewayMAC is the destination address of the synthetic header.
func GatewayMAC() net.HardwareAddr {
	return net.HardwareAddr(append([]byte(nil), Header[0:6]...))
}

// GuestMAC is the source address of the synthetic header.
func GuestMAC() net.HardwareAddr {
	return net.HardwareAddr(append([]byte(nil), Header[6:12]...))
}

// EtherType returns the EtherType field of frame, or 0 if frame is shorter
// than an Ethernet header.
func EtherType(frame []byte) uint16 {
	if len(frame) < HeaderLen {
		return 0
	}
	return uint16(header.Ethernet(frame).Type())
}

// IsIPv4 reports whether frame is an Ethernet frame tagged IPv4 with a
// non-empty payload.
func IsIPv4(frame []byte) bool {
	if len(frame) <= HeaderLen {
		return false
	}
	return header.Ethernet(frame).Type() == header.IPv4ProtocolNumber
}

// Payload returns frame without the synthetic header.
func Payload(frame []byte) []byte {
	if len(frame) < HeaderLen {
		return nil
	}
	return frame[HeaderLen:]
}

// ARPReply builds an Ethernet frame carrying an ARP reply from sender to
// target. The Ethernet addresses mirror the synthetic header layout: the
// target MAC is the destination and the sender MAC the source.
func ARPReply(senderMAC net.HardwareAddr, senderIP netip.Addr, targetMAC net.HardwareAddr, targetIP netip.Addr) ([]byte, error) {
	if len(senderMAC) != 6 || len(targetMAC) != 6 {
		return nil, fmt.Errorf("arp reply: hardware addresses must be 6 bytes")
	}
	if !senderIP.Is4() || !targetIP.Is4() {
		return nil, fmt.Errorf("arp reply: protocol addresses must be IPv4")
	}

	frame := make([]byte, HeaderLen+header.ARPSize)
	header.Ethernet(frame).Encode(&header.EthernetFields{
		DstAddr: tcpip.LinkAddress(targetMAC),
		SrcAddr: tcpip.LinkAddress(senderMAC),
		Type:    header.ARPProtocolNumber,
	})

	arp := header.ARP(frame[HeaderLen:])
	arp.SetIPv4OverEthernet()
	arp.SetOp(header.ARPReply)
	sip, tip := senderIP.As4(), targetIP.As4()
	copy(arp.HardwareAddressSender(), senderMAC)
	copy(arp.ProtocolAddressSender(), sip[:])
	copy(arp.HardwareAddressTarget(), targetMAC)
	copy(arp.ProtocolAddressTarget(), tip[:])
	return frame, nil
}

// GratuitousARP builds the bootstrap ARP reply that announces the guest
// (source MAC of Header, guestIP) to the gateway (destination MAC of Header,
// gatewayIP).
func GratuitousARP(guestIP, gatewayIP netip.Addr) ([]byte, error) {
	return ARPReply(GuestMAC(), guestIP, GatewayMAC(), gatewayIP)
}

// WithHeader returns datagram prefixed by the synthetic header.
func WithHeader(datagram []byte) []byte {
	frame := make([]byte, 0, HeaderLen+len(datagram))
	frame = append(frame, Header[:]...)
	return append(frame, datagram...)
}
