// Command slipbridge gives a guest with only a serial byte stream full
// TCP/IP connectivity through libslirp.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyrange/slipbridge/internal/bridge"
	"github.com/tinyrange/slipbridge/internal/pcap"
	"github.com/tinyrange/slipbridge/internal/reactor"
	"github.com/tinyrange/slipbridge/internal/slirp"
	"github.com/tinyrange/slipbridge/internal/transport"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "slipbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Both were checked by Validate.
	bc, err := cfg.BridgeConfig()
	if err != nil {
		return err
	}
	ep, err := cfg.TransportEndpoint()
	if err != nil {
		return err
	}

	version, err := slirp.Version(cfg.Library)
	if err != nil {
		return fmt.Errorf("load libslirp: %w", err)
	}
	logger.Info("Start slipbridge", "libslirp", version, "mode", cfg.Mode, "endpoint", ep.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop, err := reactor.New(logger)
	if err != nil {
		return err
	}
	defer loop.Close()

	opts := []bridge.Option{bridge.WithLogger(logger)}
	if cfg.Capture != "" {
		w, err := pcap.Create(cfg.Capture, pcap.DefaultSnapLen)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer w.Close()
		opts = append(opts, bridge.WithCapture(w))
		logger.Info("Capturing frames", "path", cfg.Capture)
	}

	br, err := bridge.New(loop, bc, opts...)
	if err != nil {
		return err
	}
	defer br.Close()

	if cfg.StatusAddr != "" {
		addr, err := br.ServeStatus(cfg.StatusAddr)
		if err != nil {
			logger.Error("failed to serve status", "addr", cfg.StatusAddr, "err", err)
		} else {
			logger.Info("Serving status", "url", "http://"+addr.String()+"/status")
		}
	}

	if cfg.Listen() {
		// A failed listen is logged by transport and leaves the bridge
		// running without a guest.
		if ln, err := transport.Listen(loop, br, ep, logger); err == nil {
			defer ln.Close()
		}
	} else {
		transport.Connect(ctx, loop, br, ep, logger, nil)
	}

	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutting down", "stats", br.Stats())
		return nil
	}
	return err
}
