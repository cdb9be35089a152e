//go:build unix

package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/slipbridge/internal/slirp"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReconcileIsIdempotent(t *testing.T) {
	l := newLoop(t)
	b, stack := newBridge(t, l, Config{})
	r, w := newPipe(t)
	stack.Want[r] = slirp.PollIn
	stack.Want[w] = slirp.PollOut

	b.reconcile()
	first := b.Stats()
	assert.Equal(t, uint64(2), first.Arms)
	assert.Equal(t, uint64(0), first.Rearms)

	b.dirty = true
	b.reconcile()
	second := b.Stats()
	assert.Equal(t, first.Arms, second.Arms)
	assert.Equal(t, first.Rearms, second.Rearms)
	assert.Equal(t, uint64(2), second.Passes)
	assert.Equal(t, 2, stack.Fills)
}

func TestReconcileRearmsChangedMask(t *testing.T) {
	l := newLoop(t)
	b, stack := newBridge(t, l, Config{})
	r, _ := newPipe(t)
	stack.Want[r] = slirp.PollIn

	b.reconcile()
	stack.Want[r] = slirp.PollIn | slirp.PollOut
	b.dirty = true
	b.reconcile()

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Arms)
	assert.Equal(t, uint64(1), st.Rearms)
	assert.Equal(t, "readable|writable", b.polls[r].armed.String())
}

func TestPollIsOneShotUntilNextPass(t *testing.T) {
	l := newLoop(t)
	b, stack := newBridge(t, l, Config{})
	r, w := newPipe(t)
	stack.Want[r] = slirp.PollIn | slirp.PollHup

	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)

	// The stack consumes the readiness when told about it.
	stack.OnDeliver = func(got map[int]slirp.PollEvents) {
		if got[r]&slirp.PollIn != 0 {
			var buf [1]byte
			unix.Read(r, buf[:])
		}
	}
	runFor(t, l, 30*time.Millisecond)

	assert.Equal(t, []slirp.PollEvents{slirp.PollIn}, stack.Received(r))
	st := b.Stats()
	assert.Equal(t, uint64(1), st.PollEvents)
	assert.Equal(t, uint64(1), st.Arms)
	assert.Equal(t, uint64(1), st.Rearms)
	assert.True(t, b.polls[r].poll.Active())
}

func TestUnconsumedReadinessDoesNotSpinWithoutPass(t *testing.T) {
	l := newLoop(t)
	b, stack := newBridge(t, l, Config{})
	r, w := newPipe(t)
	stack.Want[r] = slirp.PollIn
	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)

	b.reconcile()
	// Stop reconciling so the fired poll is never re-armed.
	b.prepare.Stop()
	runFor(t, l, 20*time.Millisecond)

	assert.Equal(t, uint64(1), b.Stats().PollEvents)
	assert.False(t, b.polls[r].poll.Active())
	assert.Equal(t, slirp.PollIn, b.polls[r].observed)
}

func TestRemovedEntryFreedOnlyAfterClose(t *testing.T) {
	l := newLoop(t)
	b, stack := newBridge(t, l, Config{})
	r, _ := newPipe(t)
	stack.Want[r] = slirp.PollIn

	b.reconcile()
	require.Contains(t, b.polls, r)
	entry := b.polls[r]

	delete(stack.Want, r)
	b.dirty = true
	b.reconcile()

	assert.NotContains(t, b.polls, r)
	assert.Contains(t, b.closing, entry)
	assert.False(t, entry.poll.Active())
	assert.Equal(t, uint64(1), b.Stats().Removals)
	// A revents query for a removed descriptor is neutral.
	assert.Equal(t, slirp.PollEvents(0), b.revents(r))

	runFor(t, l, 5*time.Millisecond)
	assert.NotContains(t, b.closing, entry)
}

func TestDescriptorReturningAfterRemovalGetsNewEntry(t *testing.T) {
	l := newLoop(t)
	b, stack := newBridge(t, l, Config{})
	r, _ := newPipe(t)

	stack.Want[r] = slirp.PollIn
	b.reconcile()
	old := b.polls[r]

	delete(stack.Want, r)
	b.dirty = true
	b.reconcile()

	stack.Want[r] = slirp.PollIn
	b.dirty = true
	b.reconcile()

	require.Contains(t, b.polls, r)
	assert.NotSame(t, old, b.polls[r])
	assert.True(t, b.polls[r].poll.Active())
	assert.Equal(t, uint64(2), b.Stats().Arms)

	runFor(t, l, 5*time.Millisecond)
	assert.Empty(t, b.closing)
	assert.True(t, b.polls[r].poll.Active())
}

func TestUnregisterForcesRearm(t *testing.T) {
	l := newLoop(t)
	b, stack := newBridge(t, l, Config{})
	r, _ := newPipe(t)
	stack.Want[r] = slirp.PollIn

	b.reconcile()
	b.UnregisterPollFD(r)
	b.RegisterPollFD(r)
	assert.False(t, b.polls[r].poll.Active())

	b.dirty = true
	b.reconcile()
	assert.True(t, b.polls[r].poll.Active())
	assert.Equal(t, uint64(1), b.Stats().Rearms)
}
