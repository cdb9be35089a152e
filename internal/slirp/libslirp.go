//go:build (linux || darwin) && (amd64 || arm64)

package slirp

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

// slirpConfig mirrors SlirpConfig version 4 on LP64 targets.
type slirpConfig struct {
	version             uint32
	restricted          int32
	inEnabled           bool
	_                   [3]byte
	vnetwork            uint32
	vnetmask            uint32
	vhost               uint32
	in6Enabled          bool
	_                   [3]byte
	vprefixAddr6        [16]byte
	vprefixLen          uint8
	_                   [3]byte
	vhost6              [16]byte
	vhostname           uintptr
	tftpServerName      uintptr
	tftpPath            uintptr
	bootfile            uintptr
	vdhcpStart          uint32
	vnameserver         uint32
	vnameserver6        [16]byte
	vdnssearch          uintptr
	vdomainname         uintptr
	ifMTU               uintptr
	ifMRU               uintptr
	disableHostLoopback bool
	enableEmu           bool
	_                   [6]byte
	outboundAddr        uintptr
	outboundAddr6       uintptr
	disableDNS          bool
	disableDHCP         bool
	_                   [6]byte
}

// slirpCb mirrors SlirpCb. Unused entries stay zero.
type slirpCb struct {
	sendPacket       uintptr
	guestError       uintptr
	clockGetNs       uintptr
	timerNew         uintptr
	timerFree        uintptr
	timerMod         uintptr
	registerPollFd   uintptr
	unregisterPollFd uintptr
	notify           uintptr
	initCompleted    uintptr
	timerNewOpaque   uintptr
}

var (
	loadOnce sync.Once
	loadErr  error

	slirp_new            func(cfg *slirpConfig, cb *slirpCb, opaque uintptr) uintptr
	slirp_cleanup        func(slirp uintptr)
	slirp_input          func(slirp uintptr, pkt *byte, len int32)
	slirp_add_hostfwd    func(slirp uintptr, isUDP int32, hostAddr uint32, hostPort int32, guestAddr uint32, guestPort int32) int32
	slirp_pollfds_fill   func(slirp uintptr, timeout *uint32, addPoll uintptr, opaque uintptr)
	slirp_pollfds_poll   func(slirp uintptr, selectError int32, getRevents uintptr, opaque uintptr)
	slirp_handle_timer   func(slirp uintptr, id int32, cbOpaque uintptr)
	slirp_version_string func() string

	callbacks      slirpCb
	addPollCb      uintptr
	getReventsCb   uintptr
	instancesMu    sync.Mutex
	instances      = map[uintptr]*libStack{}
	nextInstanceID uintptr
)

func libraryCandidates(override string) []string {
	if override != "" {
		return []string{override}
	}
	if runtime.GOOS == "darwin" {
		return []string{
			"libslirp.0.dylib",
			"/opt/homebrew/lib/libslirp.0.dylib",
			"/usr/local/lib/libslirp.0.dylib",
		}
	}
	return []string{"libslirp.so.0", "libslirp.so"}
}

func load(override string) error {
	loadOnce.Do(func() {
		var lib uintptr
		var err error
		for _, name := range libraryCandidates(override) {
			lib, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil {
				break
			}
		}
		if err != nil {
			loadErr = fmt.Errorf("slirp: dlopen libslirp: %w", err)
			return
		}

		purego.RegisterLibFunc(&slirp_new, lib, "slirp_new")
		purego.RegisterLibFunc(&slirp_cleanup, lib, "slirp_cleanup")
		purego.RegisterLibFunc(&slirp_input, lib, "slirp_input")
		purego.RegisterLibFunc(&slirp_add_hostfwd, lib, "slirp_add_hostfwd")
		purego.RegisterLibFunc(&slirp_pollfds_fill, lib, "slirp_pollfds_fill")
		purego.RegisterLibFunc(&slirp_pollfds_poll, lib, "slirp_pollfds_poll")
		purego.RegisterLibFunc(&slirp_handle_timer, lib, "slirp_handle_timer")
		purego.RegisterLibFunc(&slirp_version_string, lib, "slirp_version_string")

		// Callback trampolines are a finite resource in purego, so they are
		// created once and shared by every instance.
		callbacks = slirpCb{
			sendPacket:       purego.NewCallback(cbSendPacket),
			guestError:       purego.NewCallback(cbGuestError),
			clockGetNs:       purego.NewCallback(cbClockGetNs),
			timerFree:        purego.NewCallback(cbTimerFree),
			timerMod:         purego.NewCallback(cbTimerMod),
			registerPollFd:   purego.NewCallback(cbRegisterPollFd),
			unregisterPollFd: purego.NewCallback(cbUnregisterPollFd),
			notify:           purego.NewCallback(cbNotify),
			timerNewOpaque:   purego.NewCallback(cbTimerNewOpaque),
		}
		addPollCb = purego.NewCallback(cbAddPoll)
		getReventsCb = purego.NewCallback(cbGetRevents)
	})
	return loadErr
}

// Version returns the libslirp version string, loading the library if
// needed.
func Version(library string) (string, error) {
	if err := load(library); err != nil {
		return "", err
	}
	return slirp_version_string(), nil
}

type libStack struct {
	id     uintptr
	handle uintptr
	cb     Callbacks

	// Set only for the duration of FillPollSet and DeliverEvents.
	add     func(fd int, events PollEvents) int
	revents func(idx int) PollEvents
}

// Open creates a libslirp instance.
func Open(cfg Config, cb Callbacks) (Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := load(cfg.Library); err != nil {
		return nil, err
	}

	c := slirpConfig{
		version:             4,
		inEnabled:           true,
		vnetwork:            inAddr(cfg.Network.Masked().Addr()),
		vnetmask:            inAddr(cfg.Netmask()),
		vhost:               inAddr(cfg.Gateway),
		vdhcpStart:          inAddr(cfg.DHCPStart),
		vnameserver:         inAddr(cfg.DNS),
		ifMTU:               uintptr(cfg.MTU),
		ifMRU:               uintptr(cfg.MTU),
		disableHostLoopback: cfg.DisableHostLoopback,
		disableDNS:          cfg.DisableDNS,
		disableDHCP:         cfg.DisableDHCP,
	}
	if cfg.Restricted {
		c.restricted = 1
	}

	s := &libStack{cb: cb}
	instancesMu.Lock()
	nextInstanceID++
	s.id = nextInstanceID
	instances[s.id] = s
	instancesMu.Unlock()

	s.handle = slirp_new(&c, &callbacks, s.id)
	if s.handle == 0 {
		s.unregister()
		return nil, fmt.Errorf("slirp: slirp_new failed")
	}
	return s, nil
}

func (s *libStack) unregister() {
	instancesMu.Lock()
	delete(instances, s.id)
	instancesMu.Unlock()
}

func (s *libStack) Input(frame []byte) {
	if len(frame) == 0 || s.handle == 0 {
		return
	}
	slirp_input(s.handle, &frame[0], int32(len(frame)))
}

func (s *libStack) AddHostForward(fwd HostForward) error {
	if !fwd.HostAddr.Is4() || !fwd.GuestAddr.Is4() {
		return fmt.Errorf("slirp: forward %s: addresses must be IPv4", fwd)
	}
	var udp int32
	if fwd.UDP {
		udp = 1
	}
	if slirp_add_hostfwd(s.handle, udp,
		inAddr(fwd.HostAddr), int32(fwd.HostPort),
		inAddr(fwd.GuestAddr), int32(fwd.GuestPort)) != 0 {
		return fmt.Errorf("slirp: add forward %s failed", fwd)
	}
	return nil
}

func (s *libStack) FillPollSet(add func(fd int, events PollEvents) int) (time.Duration, bool) {
	timeout := uint32(math.MaxUint32)
	s.add = add
	slirp_pollfds_fill(s.handle, &timeout, addPollCb, s.id)
	s.add = nil
	if timeout == math.MaxUint32 {
		return 0, false
	}
	return time.Duration(timeout) * time.Millisecond, true
}

func (s *libStack) DeliverEvents(revents func(idx int) PollEvents) {
	s.revents = revents
	slirp_pollfds_poll(s.handle, 0, getReventsCb, s.id)
	s.revents = nil
}

func (s *libStack) FireTimer(id TimerID, opaque uintptr) {
	slirp_handle_timer(s.handle, int32(id), opaque)
}

func (s *libStack) Close() error {
	if s.handle == 0 {
		return nil
	}
	slirp_cleanup(s.handle)
	s.handle = 0
	s.unregister()
	return nil
}

// inAddr packs an IPv4 address the way struct in_addr holds it in memory.
func inAddr(a netip.Addr) uint32 {
	b := a.As4()
	return binary.NativeEndian.Uint32(b[:])
}

func lookup(opaque uintptr) *libStack {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	return instances[opaque]
}

// cInt narrows a C int passed in a full register.
func cInt(v uintptr) int { return int(int32(uint32(v))) }

func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

func cbSendPacket(buf, length, opaque uintptr) uintptr {
	s := lookup(opaque)
	if s == nil {
		return length
	}
	s.cb.SendPacket(unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(length)))
	return length
}

func cbGuestError(msg, opaque uintptr) {
	if s := lookup(opaque); s != nil {
		s.cb.GuestError(goString(msg))
	}
}

func cbClockGetNs(opaque uintptr) int64 {
	if s := lookup(opaque); s != nil {
		return s.cb.ClockNanos()
	}
	return 0
}

func cbTimerNewOpaque(id, cbOpaque, opaque uintptr) uintptr {
	s := lookup(opaque)
	if s == nil {
		return 0
	}
	return uintptr(s.cb.NewTimer(TimerID(cInt(id)), cbOpaque))
}

func cbTimerFree(timer, opaque uintptr) {
	if s := lookup(opaque); s != nil {
		s.cb.FreeTimer(TimerHandle(timer))
	}
}

// cbTimerMod receives an absolute expiry in milliseconds on the clock_get_ns
// timescale.
func cbTimerMod(timer uintptr, expireMillis int64, opaque uintptr) {
	s := lookup(opaque)
	if s == nil {
		return
	}
	after := time.Duration(expireMillis)*time.Millisecond - time.Duration(s.cb.ClockNanos())
	if after < 0 {
		after = 0
	}
	s.cb.ModTimer(TimerHandle(timer), after)
}

func cbRegisterPollFd(fd, opaque uintptr) {
	if s := lookup(opaque); s != nil {
		s.cb.RegisterPollFD(cInt(fd))
	}
}

func cbUnregisterPollFd(fd, opaque uintptr) {
	if s := lookup(opaque); s != nil {
		s.cb.UnregisterPollFD(cInt(fd))
	}
}

func cbNotify(opaque uintptr) {
	if s := lookup(opaque); s != nil {
		s.cb.Notify()
	}
}

func cbAddPoll(fd, events, opaque uintptr) uintptr {
	s := lookup(opaque)
	if s == nil || s.add == nil {
		return ^uintptr(0)
	}
	return uintptr(s.add(cInt(fd), PollEvents(cInt(events))))
}

func cbGetRevents(idx, opaque uintptr) uintptr {
	s := lookup(opaque)
	if s == nil || s.revents == nil {
		return 0
	}
	return uintptr(s.revents(cInt(idx)))
}
