package reactor

import "time"

// poller is the OS readiness backend.
type poller interface {
	// set registers fd for events, replacing any previous registration.
	set(fd int, events Events) error
	// del removes fd. Removing an fd that the kernel already forgot (because
	// it was closed) is not an error.
	del(fd int) error
	// wait blocks for up to timeout (forever if negative) and calls fn for
	// every ready fd. A wakeup ends the wait without calling fn.
	wait(timeout time.Duration, fn func(fd int, ev Events, err error)) error
	// wake interrupts a concurrent or the next wait. Safe from any goroutine.
	wake() error
	close() error
}

// timeoutMillis rounds up so a timer never wakes the loop early.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
