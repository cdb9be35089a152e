package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/slipbridge/internal/reactor"
)

// Connect dials ep in the background. On success the link attaches to the
// bridge and starts reading; on failure the error is logged. cb, if not nil,
// runs on the loop with the outcome.
func Connect(ctx context.Context, loop *reactor.Loop, br Bridge, ep Endpoint, logger *slog.Logger, cb func(*Conn, error)) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Connecting to SLIP endpoint", "endpoint", ep.String())

	done := func(rwc io.ReadWriteCloser, err error) {
		if err != nil {
			logger.Error("failed to connect", "endpoint", ep.String(), "err", err)
			if cb != nil {
				cb(nil, err)
			}
			return
		}
		logger.Info("Connected", "endpoint", ep.String())
		c := NewConn(loop, br, rwc, logger)
		if err := c.StartReading(); err != nil {
			logger.Error("failed to start reading", "err", err)
			c.Close()
			if cb != nil {
				cb(nil, err)
			}
			return
		}
		if cb != nil {
			cb(c, nil)
		}
	}

	switch ep.Kind {
	case Unix, TCP:
		loop.Dial(ctx, ep.Kind, ep.Address, done)
	case Serial:
		loop.Open(ctx, func(context.Context) (io.ReadWriteCloser, error) {
			return OpenSerial(ep.Address)
		}, done)
	default:
		err := fmt.Errorf("transport: unknown endpoint kind %q", ep.Kind)
		loop.Post(func() { done(nil, err) })
	}
}
