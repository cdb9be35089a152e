//go:build (linux || darwin) && (amd64 || arm64)

package slirp

import (
	"net/netip"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestSlirpConfigLayout(t *testing.T) {
	var c slirpConfig
	for _, tc := range []struct {
		field  string
		offset uintptr
		want   uintptr
	}{
		{"restricted", unsafe.Offsetof(c.restricted), 4},
		{"in_enabled", unsafe.Offsetof(c.inEnabled), 8},
		{"vnetwork", unsafe.Offsetof(c.vnetwork), 12},
		{"vhost", unsafe.Offsetof(c.vhost), 20},
		{"in6_enabled", unsafe.Offsetof(c.in6Enabled), 24},
		{"vprefix_addr6", unsafe.Offsetof(c.vprefixAddr6), 28},
		{"vprefix_len", unsafe.Offsetof(c.vprefixLen), 44},
		{"vhost6", unsafe.Offsetof(c.vhost6), 48},
		{"vhostname", unsafe.Offsetof(c.vhostname), 64},
		{"vdhcp_start", unsafe.Offsetof(c.vdhcpStart), 96},
		{"vnameserver", unsafe.Offsetof(c.vnameserver), 100},
		{"vnameserver6", unsafe.Offsetof(c.vnameserver6), 104},
		{"vdnssearch", unsafe.Offsetof(c.vdnssearch), 120},
		{"if_mtu", unsafe.Offsetof(c.ifMTU), 136},
		{"disable_host_loopback", unsafe.Offsetof(c.disableHostLoopback), 152},
		{"enable_emu", unsafe.Offsetof(c.enableEmu), 153},
		{"outbound_addr", unsafe.Offsetof(c.outboundAddr), 160},
		{"disable_dns", unsafe.Offsetof(c.disableDNS), 176},
		{"disable_dhcp", unsafe.Offsetof(c.disableDHCP), 177},
	} {
		assert.Equal(t, tc.want, tc.offset, tc.field)
	}
	assert.EqualValues(t, 11*8, unsafe.Sizeof(slirpCb{}))
}

func TestInAddrIsNetworkOrderInMemory(t *testing.T) {
	v := inAddr(netip.MustParseAddr("192.168.10.1"))
	b := (*[4]byte)(unsafe.Pointer(&v))
	assert.Equal(t, [4]byte{192, 168, 10, 1}, *b)
}

func TestCIntNarrowsRegister(t *testing.T) {
	assert.Equal(t, -1, cInt(uintptr(0xdeadbeef_ffffffff)))
	assert.Equal(t, 7, cInt(uintptr(0x1_00000007)))
}
