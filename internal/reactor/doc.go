// Package reactor is a small single-threaded event loop in the style of
// libuv.
//
// One goroutine, locked to its OS thread, runs Loop.Run. Every callback
// (timer expiry, fd readiness, stream reads, write completions, accepts,
// prepare hooks and close notifications) runs on that goroutine and runs to
// completion before the next one is dispatched, so state touched only from
// callbacks needs no locking. Blocking work (stream I/O, dialing, accepting)
// happens on helper goroutines that hand their results back through Post.
//
// An iteration runs, in order: expired timers, posted work, prepare hooks,
// the wait for fd readiness (with a timeout derived from the above), fd
// callbacks, and finally close callbacks of handles closed earlier.
package reactor
