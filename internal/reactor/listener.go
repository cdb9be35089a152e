package reactor

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Listener accepts connections on a helper goroutine and hands them to the
// loop.
type Listener struct {
	loop   *Loop
	ln     net.Listener
	closed atomic.Bool
	once   sync.Once
}

// Listen announces on the network address and wraps the listener.
func (l *Loop) Listen(network, address string) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return l.WrapListener(ln), nil
}

// WrapListener adopts an already bound listener.
func (l *Loop) WrapListener(ln net.Listener) *Listener {
	return &Listener{loop: l, ln: ln}
}

// Addr returns the bound address.
func (ln *Listener) Addr() net.Addr { return ln.ln.Addr() }

// Accept starts accepting. cb runs on the loop for every accepted
// connection, or once with the error that stopped accepting. Connections
// that arrive after Close are closed without calling cb.
func (ln *Listener) Accept(cb func(rwc io.ReadWriteCloser, err error)) {
	ln.once.Do(func() {
		go ln.acceptLoop(cb)
	})
}

func (ln *Listener) acceptLoop(cb func(io.ReadWriteCloser, error)) {
	for {
		conn, err := ln.ln.Accept()
		if err != nil {
			if ln.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			ln.loop.Post(func() {
				if !ln.closed.Load() {
					cb(nil, err)
				}
			})
			return
		}
		ln.loop.Post(func() {
			if ln.closed.Load() {
				conn.Close()
				return
			}
			cb(conn, nil)
		})
	}
}

// Close stops accepting. It is safe to call more than once.
func (ln *Listener) Close() error {
	if !ln.closed.CompareAndSwap(false, true) {
		return nil
	}
	return ln.ln.Close()
}

// Open runs open on a helper goroutine and delivers the result to cb on the
// loop. If ctx is done by the time the result arrives the connection is
// closed and cb receives the context error.
func (l *Loop) Open(ctx context.Context, open func(ctx context.Context) (io.ReadWriteCloser, error), cb func(rwc io.ReadWriteCloser, err error)) {
	go func() {
		rwc, err := open(ctx)
		l.Post(func() {
			if err == nil && ctx.Err() != nil {
				rwc.Close()
				rwc, err = nil, ctx.Err()
			}
			cb(rwc, err)
		})
	}()
}

// Dial connects asynchronously.
func (l *Loop) Dial(ctx context.Context, network, address string, cb func(rwc io.ReadWriteCloser, err error)) {
	l.Open(ctx, func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}, cb)
}
