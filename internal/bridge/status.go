package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"
)

// ErrClosed is returned by Status once the bridge is closed.
var ErrClosed = errors.New("bridge: closed")

// PollStatus describes one tracked descriptor.
type PollStatus struct {
	FD    int    `json:"fd"`
	Armed string `json:"armed"`
}

// Status is a snapshot of the bridge.
type Status struct {
	Network      string       `json:"network"`
	Gateway      string       `json:"gateway"`
	DNS          string       `json:"dns"`
	Guest        string       `json:"guest"`
	HostAccess   bool         `json:"hostAccess"`
	Forwards     []string     `json:"forwards"`
	Attached     bool         `json:"attached"`
	Polls        []PollStatus `json:"polls"`
	ClosingPolls int          `json:"closingPolls"`
	Timers       int          `json:"timers"`
	PollDeadline string       `json:"pollDeadline,omitempty"`
	StatusAddr   string       `json:"statusAddr,omitempty"`
	Stats        Stats        `json:"stats"`
}

func (b *Bridge) snapshot() Status {
	sc := b.cfg.Slirp
	st := Status{
		Network:      sc.Network.String(),
		Gateway:      sc.Gateway.String(),
		DNS:          sc.DNS.String(),
		Guest:        b.cfg.GuestAddr.String(),
		HostAccess:   !sc.DisableHostLoopback,
		Forwards:     []string{},
		Attached:     b.client != nil,
		Polls:        []PollStatus{},
		ClosingPolls: len(b.closing),
		Timers:       len(b.timers),
		Stats:        b.stats,
	}
	for _, f := range b.cfg.Forwards {
		st.Forwards = append(st.Forwards, f.String())
	}
	for _, fd := range slices.Sorted(maps.Keys(b.polls)) {
		st.Polls = append(st.Polls, PollStatus{FD: fd, Armed: b.polls[fd].armed.String()})
	}
	if b.pollTimer.Active() {
		st.PollDeadline = (b.pollTimer.Due() - b.loop.Now()).String()
	}
	if b.status != nil {
		st.StatusAddr = b.status.addr
	}
	return st
}

// Status takes a snapshot on the loop goroutine. It is safe to call from
// any goroutine except the loop's own.
func (b *Bridge) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)
	b.loop.Post(func() {
		if b.closed {
			return
		}
		ch <- b.snapshot()
	})
	select {
	case st := <-ch:
		return st, nil
	case <-b.done:
		return Status{}, ErrClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

type statusServer struct {
	srv  *http.Server
	ln   net.Listener
	addr string
	wg   sync.WaitGroup
}

// ServeStatus starts a debug HTTP server exposing Status as JSON at /status.
// It returns the bound address.
func (b *Bridge) ServeStatus(addr string) (net.Addr, error) {
	if b.status != nil {
		return nil, fmt.Errorf("bridge: status already served at %s", b.status.addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: listen status http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", b.handleStatus)

	s := &statusServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:   ln,
		addr: ln.Addr().String(),
	}
	b.status = s

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			b.log.Warn("status http serve", "err", err)
		}
	}()

	b.log.Info("status http listening", "addr", s.addr)
	return ln.Addr(), nil
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := b.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		b.log.Warn("status encode", "err", err)
	}
}

// stopStatus closes the status server without waiting for handlers, which
// may themselves be waiting on the loop.
func (b *Bridge) stopStatus() {
	s := b.status
	if s == nil {
		return
	}
	b.status = nil
	if err := s.srv.Close(); err != nil {
		b.log.Warn("status http close", "err", err)
	}
	s.wg.Wait()
}
