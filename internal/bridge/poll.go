package bridge

import (
	"github.com/tinyrange/slipbridge/internal/reactor"
	"github.com/tinyrange/slipbridge/internal/slirp"
)

// pollEntry tracks one descriptor the stack asked to have polled.
type pollEntry struct {
	fd   int
	poll *reactor.Poll
	// armed is the mask the poll was last started with, zero while stopped.
	armed reactor.Events
	// observed accumulates readiness until the stack collects it.
	observed slirp.PollEvents
}

func toReactor(ev slirp.PollEvents) reactor.Events {
	var out reactor.Events
	if ev&slirp.PollIn != 0 {
		out |= reactor.Readable
	}
	if ev&slirp.PollOut != 0 {
		out |= reactor.Writable
	}
	if ev&slirp.PollPri != 0 {
		out |= reactor.Prioritized
	}
	return out
}

func fromReactor(ev reactor.Events) slirp.PollEvents {
	var out slirp.PollEvents
	if ev&reactor.Readable != 0 {
		out |= slirp.PollIn
	}
	if ev&reactor.Writable != 0 {
		out |= slirp.PollOut
	}
	if ev&reactor.Prioritized != 0 {
		out |= slirp.PollPri
	}
	if ev&reactor.Disconnect != 0 {
		out |= slirp.PollHup
	}
	return out
}

// reconcile runs before every wait for I/O and, when something may have
// changed, syncs the loop's polls and deadline with the stack.
func (b *Bridge) reconcile() {
	if !b.dirty || b.closed {
		return
	}
	b.dirty = false
	b.reconciling = true
	b.stats.Passes++

	// Readiness seen since the last pass goes to the stack before it is
	// asked what it wants next.
	b.stack.DeliverEvents(b.revents)

	stale := make(map[int]struct{}, len(b.polls))
	for fd := range b.polls {
		stale[fd] = struct{}{}
	}
	timeout, ok := b.stack.FillPollSet(func(fd int, events slirp.PollEvents) int {
		delete(stale, fd)
		b.armPoll(fd, events)
		return fd
	})
	for fd := range stale {
		b.removePoll(fd)
	}

	if ok {
		b.pollTimer.Start(timeout, b.onPollTimeout)
	} else {
		b.pollTimer.Stop()
	}

	b.reconciling = false
	if b.dirty {
		// The stack asked for another pass while this one ran. The prepare
		// hook has already run for this iteration, so do not let the loop
		// sleep.
		b.loop.Wakeup()
	}
}

// revents hands the stack the readiness observed on fd and clears it.
func (b *Bridge) revents(fd int) slirp.PollEvents {
	e, ok := b.polls[fd]
	if !ok {
		b.log.Debug("poll get revents not found", "fd", fd)
		return 0
	}
	ev := e.observed
	e.observed = 0
	if ev != 0 {
		b.log.Debug("poll revents", "fd", fd, "events", ev)
	}
	return ev
}

func (b *Bridge) armPoll(fd int, events slirp.PollEvents) {
	e, ok := b.polls[fd]
	if !ok {
		p, err := b.loop.NewPoll(fd)
		if err != nil {
			b.log.Error("new poll failed", "fd", fd, "err", err)
			return
		}
		b.log.Debug("new poll fd", "fd", fd)
		e = &pollEntry{fd: fd, poll: p}
		b.polls[fd] = e
	}

	want := toReactor(events)
	if e.armed == want {
		return
	}
	if !ok {
		b.stats.Arms++
	} else {
		b.stats.Rearms++
	}
	e.armed = want
	b.log.Debug("start poll", "fd", fd, "events", want)
	if err := e.poll.Start(want, func(err error, ev reactor.Events) {
		b.onPoll(e, err, ev)
	}); err != nil {
		e.armed = 0
		b.log.Error("start poll failed", "fd", fd, "err", err)
	}
}

// onPoll records readiness and stops the poll until the next pass re-arms
// it, so a descriptor the stack has not serviced yet cannot spin the loop.
func (b *Bridge) onPoll(e *pollEntry, err error, ev reactor.Events) {
	b.dirty = true
	b.stats.PollEvents++
	if err != nil {
		b.log.Error("poll failed", "fd", e.fd, "err", err)
		e.observed |= slirp.PollErr
	} else {
		b.log.Debug("poll triggered", "fd", e.fd, "events", ev)
		e.observed |= fromReactor(ev)
	}
	e.armed = 0
	if err := e.poll.Stop(); err != nil {
		b.log.Debug("stop poll", "fd", e.fd, "err", err)
	}
}

// removePoll stops polling fd. The entry stays in the closing set until the
// loop confirms the poll handle is closed.
func (b *Bridge) removePoll(fd int) {
	e, ok := b.polls[fd]
	if !ok {
		b.log.Warn("removed fd not tracked", "fd", fd)
		return
	}
	b.log.Debug("removing poll", "fd", fd)
	delete(b.polls, fd)
	b.closing[e] = struct{}{}
	b.stats.Removals++
	e.poll.Close(func() {
		b.log.Debug("freeing poll entry", "fd", e.fd)
		delete(b.closing, e)
	})
}

func (b *Bridge) onPollTimeout() {
	b.log.Debug("poll timeout")
	b.dirty = true
}

// RegisterPollFD is a no-op; descriptors are discovered through the fill
// pass.
func (b *Bridge) RegisterPollFD(fd int) {}

// UnregisterPollFD forgets the armed mask of fd. The stack is about to close
// it, and a later descriptor reusing the number must be registered afresh.
func (b *Bridge) UnregisterPollFD(fd int) {
	e, ok := b.polls[fd]
	if !ok {
		return
	}
	e.armed = 0
	if err := e.poll.Stop(); err != nil {
		b.log.Debug("stop poll", "fd", fd, "err", err)
	}
}
