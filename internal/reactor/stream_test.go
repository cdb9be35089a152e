package reactor

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamWritesCompleteInOrder(t *testing.T) {
	l := newLoop(t)
	local, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 6)
		_, err := io.ReadFull(peer, buf)
		if err != nil {
			buf = nil
		}
		received <- buf
	}()

	s := l.NewStream(local)
	var order []string
	l.Post(func() {
		require.NoError(t, s.Write([]byte("abc"), func(err error) {
			assert.NoError(t, err)
			order = append(order, "abc")
		}))
		require.NoError(t, s.Write([]byte("def"), func(err error) {
			assert.NoError(t, err)
			order = append(order, "def")
			assert.Equal(t, 0, s.Pending())
			s.Close(l.Stop)
		}))
		assert.Equal(t, 2, s.Pending())
	})
	run(t, l)

	assert.Equal(t, []string{"abc", "def"}, order)
	assert.Equal(t, []byte("abcdef"), <-received)
}

func TestStreamReadDeliversDataThenEOF(t *testing.T) {
	l := newLoop(t)
	local, peer := net.Pipe()

	go func() {
		peer.Write([]byte("hello "))
		peer.Write([]byte("world"))
		peer.Close()
	}()

	s := l.NewStream(local)
	var got []byte
	var readErr error
	l.Post(func() {
		require.NoError(t, s.ReadStart(func(data []byte, err error) {
			if err != nil {
				readErr = err
				s.Close(l.Stop)
				return
			}
			got = append(got, data...)
		}))
	})
	run(t, l)

	assert.Equal(t, "hello world", string(got))
	assert.ErrorIs(t, readErr, io.EOF)
}

func TestStreamReadStopHoldsData(t *testing.T) {
	l := newLoop(t)
	local, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	s := l.NewStream(local)
	var got []string
	cb := func(data []byte, err error) {
		require.NoError(t, err)
		got = append(got, string(data))
		if len(got) == 1 {
			s.ReadStop()
			go peer.Write([]byte("second"))
			l.NewTimer().Start(20*time.Millisecond, func() {
				assert.Len(t, got, 1)
				require.NoError(t, s.ReadStart(func(data []byte, err error) {
					require.NoError(t, err)
					got = append(got, string(data))
					s.Close(l.Stop)
				}))
			})
		}
	}
	l.Post(func() { require.NoError(t, s.ReadStart(cb)) })
	go peer.Write([]byte("first"))
	run(t, l)

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestStreamCloseFailsQueuedWrites(t *testing.T) {
	l := newLoop(t)
	// Nobody reads from peer, so the first write blocks until Close.
	local, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	s := l.NewStream(local)
	var events []string
	var errs []error
	l.Post(func() {
		for _, name := range []string{"w1", "w2"} {
			require.NoError(t, s.Write([]byte(name), func(err error) {
				events = append(events, name)
				errs = append(errs, err)
			}))
		}
		s.Close(func() {
			events = append(events, "close")
			assert.Equal(t, 0, s.Pending())
			l.Stop()
		})
		assert.True(t, s.Closing())
		assert.ErrorIs(t, s.Write([]byte("late"), nil), ErrClosed)
		assert.ErrorIs(t, s.ReadStart(func([]byte, error) {}), ErrClosed)
	})
	run(t, l)

	assert.Equal(t, []string{"w1", "w2", "close"}, events)
	require.Len(t, errs, 2)
	assert.Error(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrClosed)
}

func TestListenerAcceptsDialedConnection(t *testing.T) {
	l := newLoop(t)
	ln, err := l.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var got []byte
	var streams []*Stream
	ln.Accept(func(rwc io.ReadWriteCloser, err error) {
		require.NoError(t, err)
		s := l.NewStream(rwc)
		streams = append(streams, s)
		require.NoError(t, s.ReadStart(func(data []byte, err error) {
			if err != nil {
				return
			}
			got = append(got, data...)
			if string(got) == "ping" {
				for _, s := range streams {
					s.Close(nil)
				}
				ln.Close()
				l.NewTimer().Start(0, l.Stop)
			}
		}))
	})

	l.Dial(context.Background(), "tcp", ln.Addr().String(), func(rwc io.ReadWriteCloser, err error) {
		require.NoError(t, err)
		s := l.NewStream(rwc)
		streams = append(streams, s)
		require.NoError(t, s.Write([]byte("ping"), nil))
	})
	run(t, l)

	assert.Equal(t, "ping", string(got))
}

func TestDialFailureReportedOnLoop(t *testing.T) {
	l := newLoop(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	var dialErr error
	l.Dial(context.Background(), "tcp", addr, func(rwc io.ReadWriteCloser, err error) {
		dialErr = err
		l.Stop()
	})
	run(t, l)

	assert.Error(t, dialErr)
}

func TestOpenAfterCancelClosesResult(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	local, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	var got error
	l.Open(ctx, func(context.Context) (io.ReadWriteCloser, error) {
		cancel()
		return local, nil
	}, func(rwc io.ReadWriteCloser, err error) {
		assert.Nil(t, rwc)
		got = err
		l.Stop()
	})
	run(t, l)

	assert.ErrorIs(t, got, context.Canceled)
}
