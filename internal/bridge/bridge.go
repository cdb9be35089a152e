// Package bridge connects a single guest link to a user-mode network stack
// on a reactor loop.
//
// The bridge implements slirp.Callbacks. It keeps the loop's fd polls and
// timers in line with what the stack asks for, injects frames from the guest
// and forwards frames from the stack to the attached client. All methods
// must be called on the loop goroutine unless documented otherwise.
package bridge

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/tinyrange/slipbridge/internal/ether"
	"github.com/tinyrange/slipbridge/internal/pcap"
	"github.com/tinyrange/slipbridge/internal/reactor"
	"github.com/tinyrange/slipbridge/internal/slirp"
)

// Client is the guest side of the bridge.
type Client interface {
	// SendFrame delivers an Ethernet frame to the guest. frame is only valid
	// for the duration of the call.
	SendFrame(frame []byte)
	// Close asks the client to shut down. It may complete asynchronously.
	Close()
}

// Forward is a static host port forward into the guest.
type Forward struct {
	HostPort  uint16
	GuestPort uint16
	UDP       bool
}

func (f Forward) String() string {
	if f.UDP {
		return fmt.Sprintf("%d:%d/udp", f.HostPort, f.GuestPort)
	}
	return fmt.Sprintf("%d:%d", f.HostPort, f.GuestPort)
}

// Config configures a Bridge.
type Config struct {
	Slirp    slirp.Config
	Forwards []Forward
	// HostAddr is the host address forwards listen on. Defaults to
	// 127.0.0.1.
	HostAddr netip.Addr
	// GuestAddr is the guest address forwards connect to and the address the
	// ARP seed announces. Defaults to Slirp.DHCPStart.
	GuestAddr netip.Addr
}

// Option configures optional collaborators.
type Option func(*Bridge)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithStackOpener replaces the libslirp binding.
func WithStackOpener(open slirp.Opener) Option {
	return func(b *Bridge) { b.open = open }
}

// WithCapture records every frame crossing the bridge.
func WithCapture(w *pcap.Writer) Option {
	return func(b *Bridge) { b.capture = w }
}

// Stats counts bridge activity.
type Stats struct {
	FramesFromGuest uint64 `json:"framesFromGuest"`
	FramesToGuest   uint64 `json:"framesToGuest"`
	Dropped         uint64 `json:"dropped"`
	Passes          uint64 `json:"passes"`
	Arms            uint64 `json:"arms"`
	Rearms          uint64 `json:"rearms"`
	Removals        uint64 `json:"removals"`
	PollEvents      uint64 `json:"pollEvents"`
	TimersFired     uint64 `json:"timersFired"`
	ForwardsFailed  uint64 `json:"forwardsFailed"`
	Attaches        uint64 `json:"attaches"`
}

// Bridge is the network bridge.
type Bridge struct {
	loop    *reactor.Loop
	log     *slog.Logger
	cfg     Config
	open    slirp.Opener
	capture *pcap.Writer

	stack slirp.Stack

	prepare   *reactor.Prepare
	pollTimer *reactor.Timer

	// dirty requests a reconciliation pass on the next prepare tick.
	dirty       bool
	reconciling bool
	polls       map[int]*pollEntry
	closing     map[*pollEntry]struct{}

	timers    map[slirp.TimerHandle]*logicalTimer
	nextTimer slirp.TimerHandle

	client Client
	stats  Stats

	status *statusServer
	done   chan struct{}
	closed bool
}

var _ slirp.Callbacks = (*Bridge)(nil)

// New creates the stack, seeds its ARP cache, installs the host forwards and
// starts reconciling on loop.
func New(loop *reactor.Loop, cfg Config, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		loop:    loop,
		log:     slog.Default(),
		cfg:     cfg,
		open:    slirp.Open,
		polls:   make(map[int]*pollEntry),
		closing: make(map[*pollEntry]struct{}),
		timers:  make(map[slirp.TimerHandle]*logicalTimer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if !b.cfg.HostAddr.IsValid() {
		b.cfg.HostAddr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	if !b.cfg.GuestAddr.IsValid() {
		b.cfg.GuestAddr = b.cfg.Slirp.DHCPStart
	}

	sc := b.cfg.Slirp
	stack, err := b.open(sc, b)
	if err != nil {
		return nil, fmt.Errorf("bridge: open stack: %w", err)
	}
	b.stack = stack

	b.log.Info("virtual network",
		"network", sc.Network,
		"gateway", sc.Gateway,
		"dns", sc.DNS,
		"guest", b.cfg.GuestAddr,
		"hostAccess", !sc.DisableHostLoopback)

	if err := b.seedARP(); err != nil {
		stack.Close()
		return nil, err
	}

	for _, f := range b.cfg.Forwards {
		fwd := slirp.HostForward{
			UDP:       f.UDP,
			HostAddr:  b.cfg.HostAddr,
			HostPort:  f.HostPort,
			GuestAddr: b.cfg.GuestAddr,
			GuestPort: f.GuestPort,
		}
		b.log.Info("Forwarded port", "forward", fwd.String())
		if err := stack.AddHostForward(fwd); err != nil {
			b.stats.ForwardsFailed++
			b.log.Error("Failed to forward host port",
				"hostPort", f.HostPort, "guestPort", f.GuestPort, "err", err)
		}
	}

	b.prepare = loop.NewPrepare()
	b.prepare.Start(b.reconcile)
	b.pollTimer = loop.NewTimer()
	b.dirty = true

	return b, nil
}

// seedARP injects one ARP reply announcing the guest to the gateway so the
// stack can address the guest before it has sent anything.
func (b *Bridge) seedARP() error {
	frame, err := ether.GratuitousARP(b.cfg.GuestAddr, b.cfg.Slirp.Gateway)
	if err != nil {
		return fmt.Errorf("bridge: build arp seed: %w", err)
	}
	b.log.Debug("Sending ARP packet to stack", "frame", ether.Describe(frame))
	b.writeCapture(frame)
	b.stack.Input(frame)
	return nil
}

// AttachClient makes c the only client. A previously attached client is
// closed first.
func (b *Bridge) AttachClient(c Client) {
	if b.client == c {
		return
	}
	if old := b.client; old != nil {
		b.log.Info("replacing attached client")
		b.client = nil
		old.Close()
	}
	b.client = c
	b.stats.Attaches++
}

// DetachClient clears the attached client if it is still c.
func (b *Bridge) DetachClient(c Client) {
	if b.client == c {
		b.client = nil
	}
}

// Attached reports whether a client is attached.
func (b *Bridge) Attached() bool { return b.client != nil }

// ReceiveFromGuest injects a frame from the guest into the stack.
func (b *Bridge) ReceiveFromGuest(frame []byte) {
	if b.closed {
		return
	}
	b.stats.FramesFromGuest++
	b.log.Debug("frame from guest", "frame", ether.Describe(frame))
	b.writeCapture(frame)
	b.stack.Input(frame)
	b.dirty = true
}

// SendPacket forwards a frame emitted by the stack to the attached client.
func (b *Bridge) SendPacket(frame []byte) {
	b.writeCapture(frame)
	if b.client == nil {
		b.stats.Dropped++
		b.log.Debug("no client attached, dropping frame", "len", len(frame))
		return
	}
	b.stats.FramesToGuest++
	b.log.Debug("frame to guest", "frame", ether.Describe(frame))
	b.client.SendFrame(frame)
}

func (b *Bridge) GuestError(msg string) {
	b.log.Error("guest error", "msg", msg)
}

func (b *Bridge) ClockNanos() int64 { return b.loop.HRTime() }

// Notify requests a reconciliation pass.
func (b *Bridge) Notify() {
	b.log.Debug("poll notify")
	b.dirty = true
}

// Stats returns a copy of the counters.
func (b *Bridge) Stats() Stats { return b.stats }

func (b *Bridge) writeCapture(frame []byte) {
	if b.capture == nil {
		return
	}
	if err := b.capture.WritePacket(time.Now(), frame); err != nil {
		b.log.Warn("pcap: write frame failed", "err", err)
	}
}

// Close releases every handle and the stack. The attached client is closed.
func (b *Bridge) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)

	b.stopStatus()
	b.prepare.Stop()
	b.pollTimer.Close()

	if c := b.client; c != nil {
		b.client = nil
		c.Close()
	}
	// The stack frees its own timers while cleaning up.
	err := b.stack.Close()
	for fd := range b.polls {
		b.removePoll(fd)
	}
	for h, t := range b.timers {
		t.timer.Close()
		delete(b.timers, h)
	}
	return err
}
