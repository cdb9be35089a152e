package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/slipbridge/internal/bridge"
	"github.com/tinyrange/slipbridge/internal/ether"
	"github.com/tinyrange/slipbridge/internal/reactor"
	"github.com/tinyrange/slipbridge/internal/slip"
)

// Bridge is the part of the network bridge a connection talks to.
type Bridge interface {
	AttachClient(c bridge.Client)
	DetachClient(c bridge.Client)
	ReceiveFromGuest(frame []byte)
}

// Conn is one guest link. Bytes read from the stream are SLIP decoded, given
// back their Ethernet header and handed to the bridge. Frames from the bridge
// lose their header and are SLIP encoded onto the stream.
type Conn struct {
	loop    *reactor.Loop
	br      Bridge
	stream  *reactor.Stream
	log     *slog.Logger
	decoder *slip.Decoder
	onClose func()
	closing bool

	sent     uint64
	rejected uint64
}

var _ bridge.Client = (*Conn)(nil)

// NewConn wraps rwc. Nothing is read until StartReading.
func NewConn(loop *reactor.Loop, br Bridge, rwc io.ReadWriteCloser, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		loop:   loop,
		br:     br,
		stream: loop.NewStream(rwc),
		log:    logger,
	}
	seed := ether.Header
	c.decoder = slip.NewDecoder(seed[:], br.ReceiveFromGuest)
	return c
}

// OnClose sets a hook that runs once the connection is fully closed.
func (c *Conn) OnClose(fn func()) { c.onClose = fn }

// StartReading attaches the connection to the bridge and starts decoding.
func (c *Conn) StartReading() error {
	if c.closing {
		return reactor.ErrClosed
	}
	c.br.AttachClient(c)
	return c.stream.ReadStart(c.onRead)
}

func (c *Conn) onRead(data []byte, err error) {
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.log.Debug("client disconnected")
		} else {
			c.log.Error("failed to read data", "err", err)
		}
		c.Close()
		return
	}
	c.decoder.Write(data)
}

// SendFrame writes an Ethernet frame from the stack to the guest. Frames
// that are not IPv4 are dropped.
func (c *Conn) SendFrame(frame []byte) {
	if c.closing {
		return
	}
	if err := c.send(frame); err != nil {
		c.log.Error("dropping frame to guest", "err", err)
	}
}

func (c *Conn) send(frame []byte) error {
	if !ether.IsIPv4(frame) {
		c.rejected++
		return fmt.Errorf("%w: ethertype %#04x, len %d", ErrNotIPv4, ether.EtherType(frame), len(frame))
	}
	// buf is owned by the write until its completion runs.
	buf := slip.Encode(ether.Payload(frame))
	err := c.stream.Write(buf, func(err error) {
		if err != nil && !errors.Is(err, reactor.ErrClosed) {
			c.log.Error("failed to write data", "err", err)
		}
	})
	if err != nil {
		return err
	}
	c.sent++
	return nil
}

// Pending returns the number of writes not completed yet.
func (c *Conn) Pending() int { return c.stream.Pending() }

// Sent returns the number of frames queued for the guest.
func (c *Conn) Sent() uint64 { return c.sent }

// Rejected returns the number of frames dropped by the EtherType gate.
func (c *Conn) Rejected() uint64 { return c.rejected }

// Decoder exposes decoder counters.
func (c *Conn) Decoder() *slip.Decoder { return c.decoder }

// Close stops reading and closes the stream. When the stream is closed the
// connection detaches from the bridge and runs the OnClose hook. Closing
// twice is a no-op.
func (c *Conn) Close() {
	if c.closing {
		return
	}
	c.closing = true
	c.stream.ReadStop()
	c.stream.Close(func() {
		c.br.DetachClient(c)
		if c.onClose != nil {
			c.onClose()
		}
	})
}
