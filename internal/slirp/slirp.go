// Package slirp describes the contract between the bridge and a user-mode
// network stack, and binds libslirp as its production implementation.
//
// The stack never blocks and never owns a thread: it reports which host
// descriptors it wants polled, how long it may sleep, and which timers it
// wants armed, and it is driven by calls from a single event loop.
package slirp

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrUnsupported is returned by Open when libslirp cannot be used on this
// platform.
var ErrUnsupported = errors.New("slirp: libslirp is not supported on this platform")

// PollEvents is the libslirp poll event mask.
type PollEvents int32

const (
	PollIn PollEvents = 1 << iota
	PollOut
	PollPri
	PollErr
	PollHup
)

func (e PollEvents) String() string {
	if e == 0 {
		return "0"
	}
	var parts []string
	for _, f := range []struct {
		bit  PollEvents
		name string
	}{
		{PollIn, "in"},
		{PollOut, "out"},
		{PollPri, "pri"},
		{PollErr, "err"},
		{PollHup, "hup"},
	} {
		if e&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// TimerID identifies the purpose of a stack timer. It is opaque to the host
// and handed back to the stack when the timer fires.
type TimerID int32

// TimerHandle is the host's name for a timer created at the request of the
// stack.
type TimerHandle uintptr

// Callbacks is implemented by the host of a Stack. Every method is called on
// the goroutine that is driving the stack.
type Callbacks interface {
	// SendPacket emits an Ethernet frame toward the guest. frame is only
	// valid for the duration of the call.
	SendPacket(frame []byte)
	// GuestError reports a problem caused by guest traffic.
	GuestError(msg string)
	// ClockNanos returns monotonic nanoseconds.
	ClockNanos() int64
	// NewTimer creates an unarmed timer that, when it expires, must call
	// Stack.FireTimer with id and opaque.
	NewTimer(id TimerID, opaque uintptr) TimerHandle
	// ModTimer arms h to expire after the given duration.
	ModTimer(h TimerHandle, after time.Duration)
	// FreeTimer releases h. It never fires afterwards.
	FreeTimer(h TimerHandle)
	RegisterPollFD(fd int)
	UnregisterPollFD(fd int)
	// Notify asks the host to query the poll set again soon.
	Notify()
}

// Stack is a user-mode network stack instance.
type Stack interface {
	// Input injects an Ethernet frame received from the guest.
	Input(frame []byte)
	// AddHostForward listens on a host port and forwards connections to the
	// guest.
	AddHostForward(fwd HostForward) error
	// FillPollSet reports every descriptor the stack wants polled by calling
	// add, whose return value is the index the stack later passes to the
	// revents query. It returns the longest time the host may wait before
	// polling again, or ok=false if the stack has no deadline.
	FillPollSet(add func(fd int, events PollEvents) int) (timeout time.Duration, ok bool)
	// DeliverEvents lets the stack process readiness observed since the last
	// fill. revents is called with the indices returned by add.
	DeliverEvents(revents func(idx int) PollEvents)
	// FireTimer runs the stack logic of an expired timer.
	FireTimer(id TimerID, opaque uintptr)
	Close() error
}

// Opener creates a stack that reports to cb.
type Opener func(cfg Config, cb Callbacks) (Stack, error)

// HostForward forwards HostAddr:HostPort on the host to GuestAddr:GuestPort.
type HostForward struct {
	UDP       bool
	HostAddr  netip.Addr
	HostPort  uint16
	GuestAddr netip.Addr
	GuestPort uint16
}

func (f HostForward) String() string {
	proto := "tcp"
	if f.UDP {
		proto = "udp"
	}
	return fmt.Sprintf("%s %s -> %s",
		proto,
		netip.AddrPortFrom(f.HostAddr, f.HostPort),
		netip.AddrPortFrom(f.GuestAddr, f.GuestPort))
}

// Config describes the virtual network.
type Config struct {
	Network   netip.Prefix
	Gateway   netip.Addr
	DHCPStart netip.Addr
	DNS       netip.Addr

	// DisableHostLoopback stops the guest from reaching host services
	// through the gateway address.
	DisableHostLoopback bool
	DisableDNS          bool
	DisableDHCP         bool
	// Restricted isolates the guest from everything but host forwards.
	Restricted bool

	// MTU of the virtual interface, 0 for the stack default.
	MTU int

	// Library overrides the libslirp shared object to load.
	Library string
}

// DefaultConfig returns the 192.168.10.0/24 layout the guest images expect.
func DefaultConfig() Config {
	return Config{
		Network:   netip.MustParsePrefix("192.168.10.0/24"),
		Gateway:   netip.MustParseAddr("192.168.10.1"),
		DHCPStart: netip.MustParseAddr("192.168.10.15"),
		DNS:       netip.MustParseAddr("192.168.10.2"),
	}
}

// Netmask returns the IPv4 mask of the network prefix.
func (c Config) Netmask() netip.Addr {
	bits := c.Network.Bits()
	var mask [4]byte
	for i := range mask {
		switch {
		case bits >= 8:
			mask[i] = 0xff
			bits -= 8
		case bits > 0:
			mask[i] = byte(0xff << (8 - bits))
			bits = 0
		}
	}
	return netip.AddrFrom4(mask)
}

// Validate checks that the addresses are IPv4 and inside the network.
func (c Config) Validate() error {
	if !c.Network.IsValid() || !c.Network.Addr().Is4() {
		return fmt.Errorf("slirp: network %s is not an IPv4 prefix", c.Network)
	}
	for _, a := range []struct {
		name string
		addr netip.Addr
	}{
		{"gateway", c.Gateway},
		{"dhcp start", c.DHCPStart},
		{"dns", c.DNS},
	} {
		if !a.addr.Is4() {
			return fmt.Errorf("slirp: %s %s is not an IPv4 address", a.name, a.addr)
		}
		if !c.Network.Contains(a.addr) {
			return fmt.Errorf("slirp: %s %s is outside %s", a.name, a.addr, c.Network)
		}
	}
	if c.MTU < 0 {
		return fmt.Errorf("slirp: invalid mtu %d", c.MTU)
	}
	return nil
}
