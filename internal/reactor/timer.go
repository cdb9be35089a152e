package reactor

import (
	"container/heap"
	"time"
)

// Timer is a one-shot timer driven by the loop clock.
type Timer struct {
	loop  *Loop
	cb    func()
	due   time.Duration
	seq   uint64
	index int
	fired bool
	done  bool
}

// NewTimer creates an inactive timer.
func (l *Loop) NewTimer() *Timer {
	return &Timer{loop: l, index: -1}
}

// Start arms the timer to call cb once after the given delay, measured from
// the loop time of the current iteration. Starting an active timer re-arms it.
func (t *Timer) Start(after time.Duration, cb func()) {
	if t.done {
		return
	}
	t.Stop()
	if after < 0 {
		after = 0
	}
	l := t.loop
	l.timerSeq++
	t.cb = cb
	t.due = l.now + after
	t.seq = l.timerSeq
	heap.Push(&l.timers, t)
}

// Stop disarms the timer. Stopping an inactive timer is a no-op.
func (t *Timer) Stop() {
	t.fired = false
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool { return t.index >= 0 }

// Due returns the loop time the timer is armed for.
func (t *Timer) Due() time.Duration { return t.due }

// Close stops the timer permanently.
func (t *Timer) Close() {
	t.Stop()
	t.done = true
	t.cb = nil
}

// timerHeap orders timers by deadline, then by start order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
