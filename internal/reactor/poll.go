package reactor

import (
	"fmt"
	"strings"
)

// Events is a set of fd readiness conditions.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Prioritized
	Disconnect
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Events
		name string
	}{
		{Readable, "readable"},
		{Writable, "writable"},
		{Prioritized, "prioritized"},
		{Disconnect, "disconnect"},
	} {
		if e&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Poll watches a file descriptor it does not own for readiness.
//
// A started poll reports readiness (level triggered) on every iteration
// until it is stopped. After Close no further callbacks are dispatched and
// the close callback runs in the close phase of the loop, after the fd
// callbacks of the iteration.
type Poll struct {
	loop    *Loop
	fd      int
	events  Events
	cb      func(err error, events Events)
	active  bool
	closing bool
}

// NewPoll creates an inactive poll handle for fd.
func (l *Loop) NewPoll(fd int) (*Poll, error) {
	if fd < 0 {
		return nil, fmt.Errorf("reactor: invalid fd %d", fd)
	}
	return &Poll{loop: l, fd: fd}, nil
}

// FD returns the watched descriptor.
func (p *Poll) FD() int { return p.fd }

// Events returns the events the poll was last started with.
func (p *Poll) Events() Events { return p.events }

// Active reports whether the poll is started.
func (p *Poll) Active() bool { return p.active }

// Start begins watching for events, replacing any previous mask and
// callback. Starting with an empty mask stops the poll.
func (p *Poll) Start(events Events, cb func(err error, events Events)) error {
	if p.closing {
		return ErrClosed
	}
	p.events = events
	p.cb = cb
	if events&(Readable|Writable|Prioritized|Disconnect) == 0 {
		return p.Stop()
	}

	l := p.loop
	if err := l.poller.set(p.fd, events); err != nil {
		return fmt.Errorf("reactor: poll fd %d: %w", p.fd, err)
	}
	l.polls[p.fd] = p
	p.active = true
	return nil
}

// Stop stops watching the fd. It takes effect immediately: no callback for
// this poll runs after Stop returns.
func (p *Poll) Stop() error {
	if !p.active {
		return nil
	}
	p.active = false
	l := p.loop
	if l.polls[p.fd] != p {
		return nil
	}
	delete(l.polls, p.fd)
	if err := l.poller.del(p.fd); err != nil {
		return fmt.Errorf("reactor: stop poll fd %d: %w", p.fd, err)
	}
	return nil
}

// Close stops the poll and calls cb once the loop has finished dispatching
// the current iteration. Closing twice is a no-op.
func (p *Poll) Close(cb func()) {
	if p.closing {
		return
	}
	if err := p.Stop(); err != nil {
		p.loop.log.Debug("reactor: close poll", "fd", p.fd, "err", err)
	}
	p.closing = true
	p.cb = nil
	p.loop.deferClose(cb)
}
