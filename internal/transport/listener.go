package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"

	"github.com/tinyrange/slipbridge/internal/reactor"
)

// Listener accepts guest links. Every accepted link attaches to the bridge,
// replacing the previous one.
type Listener struct {
	loop  *reactor.Loop
	br    Bridge
	log   *slog.Logger
	ep    Endpoint
	ln    *reactor.Listener
	conns map[*Conn]struct{}
}

// Listen binds ep. Stale unix socket files are removed first. Serial
// endpoints have nothing to accept; the device is opened as with Connect.
func Listen(loop *reactor.Loop, br Bridge, ep Endpoint, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		loop:  loop,
		br:    br,
		log:   logger,
		ep:    ep,
		conns: make(map[*Conn]struct{}),
	}

	l.log.Info("Listening SLIP", "endpoint", ep.String())

	switch ep.Kind {
	case Serial:
		Connect(context.Background(), loop, br, ep, logger, func(c *Conn, err error) {
			if err == nil {
				l.track(c)
			}
		})
		return l, nil
	case Unix:
		if err := removeStaleSocket(ep.Address); err != nil {
			l.log.Error("failed to listen", "endpoint", ep.String(), "err", err)
			return nil, err
		}
	case TCP:
	default:
		err := fmt.Errorf("transport: unknown endpoint kind %q", ep.Kind)
		l.log.Error("failed to listen", "endpoint", ep.String(), "err", err)
		return nil, err
	}

	ln, err := loop.Listen(ep.Kind, ep.Address)
	if err != nil {
		l.log.Error("failed to listen", "endpoint", ep.String(), "err", err)
		return nil, fmt.Errorf("transport: listen %s: %w", ep, err)
	}
	l.ln = ln
	ln.Accept(l.onAccept)
	return l, nil
}

// removeStaleSocket deletes a leftover socket file. Anything else at path is
// left alone so a typo cannot delete a regular file.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transport: stat %s: %w", path, err)
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("transport: %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("transport: remove stale socket %s: %w", path, err)
	}
	return nil
}

// Addr returns the bound address, or nil for serial endpoints.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Conns returns the number of open links.
func (l *Listener) Conns() int { return len(l.conns) }

func (l *Listener) onAccept(rwc io.ReadWriteCloser, err error) {
	if err != nil {
		l.log.Error("failed to accept", "endpoint", l.ep.String(), "err", err)
		return
	}
	c := NewConn(l.loop, l.br, rwc, l.log)
	l.log.Info("Got SLIP connection", "endpoint", l.ep.String())
	l.track(c)
	if err := c.StartReading(); err != nil {
		l.log.Error("failed to start reading", "err", err)
		c.Close()
	}
}

func (l *Listener) track(c *Conn) {
	l.conns[c] = struct{}{}
	c.OnClose(func() {
		l.log.Info("SLIP connection closed", "endpoint", l.ep.String())
		delete(l.conns, c)
	})
}

// Close stops accepting. Open links stay attached.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	if l.ep.Kind == Unix {
		os.Remove(l.ep.Address)
	}
	return err
}
