package ether

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tinyrange/slipbridge/internal/slirp/slirptest"
)

var (
	testGuestIP   = netip.MustParseAddr("192.168.10.15")
	testGatewayIP = netip.MustParseAddr("192.168.10.1")
)

func TestHeaderLayout(t *testing.T) {
	assert.Equal(t, 14, HeaderLen)
	assert.Equal(t, "52:55:0a:00:02:01", GatewayMAC().String())
	assert.Equal(t, "52:55:0a:00:02:0e", GuestMAC().String())
	assert.Equal(t, uint16(0x0800), EtherType(Header[:]))
}

func TestHeaderIsShared(t *testing.T) {
	h := Header
	h[0] = 0xff
	assert.Equal(t, byte(0x52), Header[0])

	mac := GuestMAC()
	mac[0] = 0xff
	assert.Equal(t, byte(0x52), Header[6])
}

func TestIsIPv4(t *testing.T) {
	frame := WithHeader([]byte{0x45})
	assert.True(t, IsIPv4(frame))

	assert.False(t, IsIPv4(Header[:]), "header without payload")
	assert.False(t, IsIPv4(nil))

	arp := append([]byte(nil), frame...)
	arp[12], arp[13] = 0x08, 0x06
	assert.False(t, IsIPv4(arp))

	v6 := append([]byte(nil), frame...)
	v6[12], v6[13] = 0x86, 0xdd
	assert.False(t, IsIPv4(v6))
	assert.Equal(t, uint16(0x86dd), EtherType(v6))
}

func TestPayload(t *testing.T) {
	frame := WithHeader([]byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, Payload(frame))
	assert.Nil(t, Payload([]byte{1, 2}))
}

func TestGratuitousARP(t *testing.T) {
	frame, err := GratuitousARP(testGuestIP, testGatewayIP)
	require.NoError(t, err)
	require.Len(t, frame, 14+28)

	want := []byte{
		// ethernet
		0x52, 0x55, 0x0a, 0x00, 0x02, 0x01,
		0x52, 0x55, 0x0a, 0x00, 0x02, 0x0e,
		0x08, 0x06,
		// arp: ethernet/ipv4, hlen 6, plen 4, reply
		0x00, 0x01, 0x08, 0x00, 0x06, 0x04, 0x00, 0x02,
		// sender
		0x52, 0x55, 0x0a, 0x00, 0x02, 0x0e, 192, 168, 10, 15,
		// target
		0x52, 0x55, 0x0a, 0x00, 0x02, 0x01, 192, 168, 10, 1,
	}
	assert.Equal(t, want, frame)

	arp := header.ARP(frame[HeaderLen:])
	assert.True(t, arp.IsValid())
	assert.Equal(t, header.ARPReply, arp.Op())
}

func TestARPReplyRejectsBadAddresses(t *testing.T) {
	_, err := ARPReply([]byte{1, 2, 3}, testGuestIP, GatewayMAC(), testGatewayIP)
	assert.Error(t, err)

	_, err = ARPReply(GuestMAC(), netip.MustParseAddr("fe80::1"), GatewayMAC(), testGatewayIP)
	assert.Error(t, err)
}

func logLine(t *testing.T, frame []byte) string {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.Debug("frame", "frame", Describe(frame))
	return buf.String()
}

func TestDescribeICMP(t *testing.T) {
	datagram := slirptest.EchoRequest(testGuestIP, testGatewayIP, 1, 1)
	line := logLine(t, WithHeader(datagram))

	assert.Contains(t, line, "frame.type=ipv4")
	assert.Contains(t, line, "frame.src=192.168.10.15")
	assert.Contains(t, line, "frame.dst=192.168.10.1")
	assert.Contains(t, line, "frame.proto=icmp")
	assert.Contains(t, line, "frame.icmpType=8")
}

func TestDescribeDNSQuery(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	payload, err := q.Pack()
	require.NoError(t, err)

	datagram := slirptest.UDPDatagram(testGuestIP, netip.MustParseAddr("192.168.10.2"), 40000, 53, payload)
	line := logLine(t, WithHeader(datagram))

	assert.Contains(t, line, "frame.proto=udp")
	assert.Contains(t, line, "frame.dport=53")
	assert.Contains(t, line, `frame.dnsQuestion="example.com. A"`)
	assert.Contains(t, line, "frame.dnsResponse=false")
}

func TestDescribeARPAndShortFrames(t *testing.T) {
	frame, err := GratuitousARP(testGuestIP, testGatewayIP)
	require.NoError(t, err)

	line := logLine(t, frame)
	assert.Contains(t, line, "frame.type=arp")
	assert.Contains(t, line, "frame.sender=192.168.10.15")

	line = logLine(t, []byte{1, 2, 3})
	assert.True(t, strings.Contains(line, "short frame"))
}

func TestDescribeOtherEtherType(t *testing.T) {
	frame := WithHeader([]byte{0xde, 0xad})
	frame[12], frame[13] = 0x86, 0xdd
	assert.Contains(t, logLine(t, frame), "frame.type=0x86dd")
}
