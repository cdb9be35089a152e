package bridge

import (
	"time"

	"github.com/tinyrange/slipbridge/internal/reactor"
	"github.com/tinyrange/slipbridge/internal/slirp"
)

// logicalTimer is a stack timer backed by a loop timer.
type logicalTimer struct {
	id     slirp.TimerID
	opaque uintptr
	timer  *reactor.Timer
}

// NewTimer creates an unarmed timer for the stack.
func (b *Bridge) NewTimer(id slirp.TimerID, opaque uintptr) slirp.TimerHandle {
	b.nextTimer++
	h := b.nextTimer
	b.timers[h] = &logicalTimer{id: id, opaque: opaque, timer: b.loop.NewTimer()}
	b.log.Debug("timer new", "handle", h, "id", id)
	return h
}

// ModTimer arms h. Re-arming replaces the previous expiry.
func (b *Bridge) ModTimer(h slirp.TimerHandle, after time.Duration) {
	t, ok := b.timers[h]
	if !ok {
		b.log.Warn("timer mod for unknown handle", "handle", h)
		return
	}
	t.timer.Start(after, func() {
		b.stats.TimersFired++
		b.stack.FireTimer(t.id, t.opaque)
	})
}

// FreeTimer disarms and forgets h.
func (b *Bridge) FreeTimer(h slirp.TimerHandle) {
	t, ok := b.timers[h]
	if !ok {
		b.log.Warn("timer free for unknown handle", "handle", h)
		return
	}
	t.timer.Close()
	delete(b.timers, h)
}
