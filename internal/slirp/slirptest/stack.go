// Package slirptest provides a scripted slirp.Stack and packet builders for
// tests.
package slirptest

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/tinyrange/slipbridge/internal/slirp"
)

// FiredTimer records one FireTimer call.
type FiredTimer struct {
	ID     slirp.TimerID
	Opaque uintptr
}

// Stack is a fake slirp.Stack. Tests script the poll set it asks for with
// Want and inspect what the host did through the recorded fields. Like the
// real stack it is not safe for concurrent use.
type Stack struct {
	Config    slirp.Config
	Callbacks slirp.Callbacks

	// Want is the poll set reported by the next FillPollSet.
	Want map[int]slirp.PollEvents
	// Timeout is reported by FillPollSet when HasTimeout is set.
	Timeout    time.Duration
	HasTimeout bool
	// FailForward makes AddHostForward fail for matching host ports.
	FailForward map[uint16]bool
	// OnInput runs after a frame is recorded.
	OnInput func(frame []byte)
	// OnDeliver runs after each DeliverEvents with what was delivered.
	OnDeliver func(got map[int]slirp.PollEvents)

	Inputs   [][]byte
	Forwards []slirp.HostForward
	// Delivered holds, per DeliverEvents call, the non-zero revents keyed
	// by fd.
	Delivered []map[int]slirp.PollEvents
	Fired     []FiredTimer
	Fills     int
	Closed    bool

	filled map[int]int
}

// NewStack returns an empty fake.
func NewStack() *Stack {
	return &Stack{Want: map[int]slirp.PollEvents{}}
}

// Opener returns an opener that hands out s.
func (s *Stack) Opener() slirp.Opener {
	return func(cfg slirp.Config, cb slirp.Callbacks) (slirp.Stack, error) {
		s.Config = cfg
		s.Callbacks = cb
		return s, nil
	}
}

// FailingOpener returns an opener that always fails with err.
func FailingOpener(err error) slirp.Opener {
	return func(slirp.Config, slirp.Callbacks) (slirp.Stack, error) {
		return nil, err
	}
}

func (s *Stack) Input(frame []byte) {
	s.Inputs = append(s.Inputs, slices.Clone(frame))
	if s.OnInput != nil {
		s.OnInput(frame)
	}
}

func (s *Stack) AddHostForward(fwd slirp.HostForward) error {
	if s.FailForward[fwd.HostPort] {
		return errors.New("slirptest: forward refused")
	}
	s.Forwards = append(s.Forwards, fwd)
	return nil
}

// FillPollSet reports Want in ascending fd order.
func (s *Stack) FillPollSet(add func(fd int, events slirp.PollEvents) int) (time.Duration, bool) {
	s.Fills++
	s.filled = map[int]int{}
	for _, fd := range slices.Sorted(maps.Keys(s.Want)) {
		s.filled[fd] = add(fd, s.Want[fd])
	}
	return s.Timeout, s.HasTimeout
}

// DeliverEvents queries every descriptor of the previous fill.
func (s *Stack) DeliverEvents(revents func(idx int) slirp.PollEvents) {
	got := map[int]slirp.PollEvents{}
	for _, fd := range slices.Sorted(maps.Keys(s.filled)) {
		if ev := revents(s.filled[fd]); ev != 0 {
			got[fd] = ev
		}
	}
	s.Delivered = append(s.Delivered, got)
	if s.OnDeliver != nil {
		s.OnDeliver(got)
	}
}

func (s *Stack) FireTimer(id slirp.TimerID, opaque uintptr) {
	s.Fired = append(s.Fired, FiredTimer{ID: id, Opaque: opaque})
}

func (s *Stack) Close() error {
	s.Closed = true
	return nil
}

// Emit makes the stack send frame toward the guest.
func (s *Stack) Emit(frame []byte) {
	s.Callbacks.SendPacket(frame)
}

// Received returns every revents mask delivered for fd, in order.
func (s *Stack) Received(fd int) []slirp.PollEvents {
	var out []slirp.PollEvents
	for _, d := range s.Delivered {
		if ev, ok := d[fd]; ok {
			out = append(out, ev)
		}
	}
	return out
}
