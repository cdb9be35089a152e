package reactor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// ErrClosed is returned when operating on a handle that has been closed.
var ErrClosed = errors.New("reactor: handle closed")

// Loop is a single-threaded event loop. The zero value is not usable; create
// one with New.
type Loop struct {
	log   *slog.Logger
	start time.Time
	now   time.Duration

	poller poller

	mu     sync.Mutex
	posted *queue.Queue

	woken   atomic.Bool
	stopped atomic.Bool
	running atomic.Bool

	prepares []*Prepare
	timers   timerHeap
	timerSeq uint64
	polls    map[int]*Poll
	closing  []func()
}

// New creates a loop. The loop owns OS resources until Close is called.
func New(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: create poller: %w", err)
	}
	return &Loop{
		log:    logger,
		start:  time.Now(),
		poller: p,
		posted: queue.New(),
		polls:  make(map[int]*Poll),
	}, nil
}

// Close releases the poller. It must not be called while Run is active.
func (l *Loop) Close() error {
	if l.running.Load() {
		return errors.New("reactor: close while running")
	}
	return l.poller.close()
}

// Now returns the loop time, cached at the start of the current iteration.
func (l *Loop) Now() time.Duration { return l.now }

// HRTime returns monotonic nanoseconds since the loop was created.
func (l *Loop) HRTime() int64 { return int64(time.Since(l.start)) }

// Post schedules fn to run on the loop goroutine. It is safe to call from any
// goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted.Add(fn)
	l.mu.Unlock()
	l.wake()
}

// Wakeup makes the next wait for I/O return immediately. It is safe to call
// from any goroutine.
func (l *Loop) Wakeup() {
	l.woken.Store(true)
	l.wake()
}

// Stop makes Run return after the current iteration. It is safe to call from
// any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.wake()
}

func (l *Loop) wake() {
	if err := l.poller.wake(); err != nil {
		l.log.Warn("reactor: wake poller", "err", err)
	}
}

// Run drives the loop until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("reactor: loop already running")
	}
	defer l.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	release := context.AfterFunc(ctx, l.Stop)
	defer release()

	for !l.stopped.Load() {
		if err := l.runOnce(); err != nil {
			return err
		}
	}
	l.stopped.Store(false)
	return ctx.Err()
}

func (l *Loop) runOnce() error {
	l.updateTime()
	l.runTimers()
	l.runPosted()
	l.runPrepares()

	if err := l.poller.wait(l.pollTimeout(), l.dispatch); err != nil {
		return fmt.Errorf("reactor: wait: %w", err)
	}

	l.updateTime()
	l.runClosing()
	return nil
}

func (l *Loop) updateTime() {
	l.now = time.Since(l.start)
}

func (l *Loop) pendingPosted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.posted.Length()
}

// pollTimeout returns how long the next wait may block; negative blocks
// until an fd is ready or the loop is woken.
func (l *Loop) pollTimeout() time.Duration {
	if l.woken.Swap(false) || l.stopped.Load() {
		return 0
	}
	if len(l.closing) > 0 || l.pendingPosted() > 0 {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	d := l.timers[0].due - time.Since(l.start)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) runPosted() {
	n := l.pendingPosted()
	for i := 0; i < n; i++ {
		l.mu.Lock()
		fn := l.posted.Remove().(func())
		l.mu.Unlock()
		fn()
	}
}

func (l *Loop) runPrepares() {
	if len(l.prepares) == 0 {
		return
	}
	for _, p := range append([]*Prepare(nil), l.prepares...) {
		if p.active {
			p.cb()
		}
	}
}

func (l *Loop) runTimers() {
	var ready []*Timer
	for len(l.timers) > 0 && l.timers[0].due <= l.now {
		t := heap.Pop(&l.timers).(*Timer)
		t.fired = true
		ready = append(ready, t)
	}
	for _, t := range ready {
		// Stop, Start or Close from an earlier callback cancels the firing.
		if !t.fired {
			continue
		}
		t.fired = false
		t.cb()
	}
}

func (l *Loop) runClosing() {
	if len(l.closing) == 0 {
		return
	}
	cbs := l.closing
	l.closing = nil
	for _, cb := range cbs {
		if cb != nil {
			cb()
		}
	}
}

func (l *Loop) dispatch(fd int, ev Events, err error) {
	p, ok := l.polls[fd]
	if !ok || !p.active || p.closing {
		return
	}
	if err == nil {
		ev &= p.events | Disconnect
	}
	p.cb(err, ev)
}

// deferClose queues cb to run in the close phase of the current iteration,
// after every fd callback of the iteration has been dispatched.
func (l *Loop) deferClose(cb func()) {
	l.closing = append(l.closing, cb)
}
