package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/slipbridge/internal/bridge"
	"github.com/tinyrange/slipbridge/internal/ether"
	"github.com/tinyrange/slipbridge/internal/reactor"
	"github.com/tinyrange/slipbridge/internal/slip"
	"github.com/tinyrange/slipbridge/internal/slirp/slirptest"
)

var (
	guestIP   = netip.MustParseAddr("192.168.10.15")
	gatewayIP = netip.MustParseAddr("192.168.10.1")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l, err := reactor.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func run(t *testing.T, l *reactor.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
}

// waitFor checks cond every millisecond on the loop and calls then once it
// holds.
func waitFor(l *reactor.Loop, cond func() bool, then func()) {
	timer := l.NewTimer()
	var check func()
	check = func() {
		if cond() {
			then()
			return
		}
		timer.Start(time.Millisecond, check)
	}
	timer.Start(0, check)
}

// fakeBridge attaches like the real bridge and records everything.
type fakeBridge struct {
	attached bridge.Client
	events   []string
	frames   [][]byte
	onFrame  func()
	onAttach func(n int)
	attaches int
}

func (b *fakeBridge) AttachClient(c bridge.Client) {
	if b.attached != nil && b.attached != c {
		old := b.attached
		b.attached = nil
		old.Close()
	}
	b.attached = c
	b.attaches++
	b.events = append(b.events, "attach")
	if b.onAttach != nil {
		b.onAttach(b.attaches)
	}
}

func (b *fakeBridge) DetachClient(c bridge.Client) {
	b.events = append(b.events, "detach")
	if b.attached == c {
		b.attached = nil
	}
}

func (b *fakeBridge) ReceiveFromGuest(frame []byte) {
	b.frames = append(b.frames, frame)
	if b.onFrame != nil {
		b.onFrame()
	}
}

func TestParseEndpoint(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Endpoint
	}{
		{"unix:/run/slip.sock", Endpoint{Unix, "/run/slip.sock"}},
		{"/run/slip.sock", Endpoint{Unix, "/run/slip.sock"}},
		{"tcp:127.0.0.1:5555", Endpoint{TCP, "127.0.0.1:5555"}},
		{"tcp:[::1]:5555", Endpoint{TCP, "[::1]:5555"}},
		{"serial:/dev/ttyS0", Endpoint{Serial, "/dev/ttyS0"}},
		{`C:\pipes\serial`, Endpoint{Unix, `C:\pipes\serial`}},
	} {
		got, err := ParseEndpoint(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	def, err := ParseEndpoint("")
	require.NoError(t, err)
	assert.Equal(t, Unix, def.Kind)
	assert.Equal(t, DefaultSocketName, filepath.Base(def.Address))

	for _, bad := range []string{"tcp:nope", "unix:", "serial:"} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestConnDecodesGuestFrames(t *testing.T) {
	l := newLoop(t)
	local, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	br := &fakeBridge{}
	c := NewConn(l, br, local, testLogger())
	first := slirptest.EchoRequest(guestIP, gatewayIP, 1, 1)
	second := slirptest.EchoRequest(guestIP, gatewayIP, 1, 2)

	br.onFrame = func() {
		if len(br.frames) == 2 {
			l.Stop()
		}
	}
	l.Post(func() { require.NoError(t, c.StartReading()) })
	go func() {
		wire := append(slip.Encode(first), slip.Encode(second)...)
		// Split mid-frame to exercise the decoder across reads.
		peer.Write(wire[:7])
		peer.Write(wire[7:])
	}()
	run(t, l)

	require.Len(t, br.frames, 2)
	assert.Equal(t, ether.WithHeader(first), br.frames[0])
	assert.Equal(t, ether.WithHeader(second), br.frames[1])
	assert.Same(t, c, br.attached)
	assert.Equal(t, uint64(2), c.Decoder().Frames())
}

func TestConnSendsIPv4WithoutHeader(t *testing.T) {
	l := newLoop(t)
	local, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	br := &fakeBridge{}
	c := NewConn(l, br, local, testLogger())
	datagram := slirptest.EchoRequest(gatewayIP, guestIP, 9, 1)
	want := slip.Encode(datagram)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(want))
		io.ReadFull(peer, buf)
		received <- buf
	}()

	var got []byte
	l.Post(func() {
		require.NoError(t, c.StartReading())
		arp, err := ether.GratuitousARP(guestIP, gatewayIP)
		require.NoError(t, err)

		c.SendFrame(arp)
		assert.Equal(t, uint64(1), c.Rejected())
		assert.Equal(t, 0, c.Pending())

		c.SendFrame(ether.WithHeader(datagram))
		assert.Equal(t, 1, c.Pending())
	})
	go func() {
		buf := <-received
		l.Post(func() {
			got = buf
			l.Stop()
		})
	}()
	run(t, l)

	assert.Equal(t, want, got)
	assert.Equal(t, uint64(1), c.Sent())
}

func TestConnRejectsHeaderOnlyFrame(t *testing.T) {
	l := newLoop(t)
	local, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })

	c := NewConn(l, &fakeBridge{}, local, testLogger())
	hdr := ether.Header
	err := c.send(hdr[:])
	assert.ErrorIs(t, err, ErrNotIPv4)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, uint64(1), c.Rejected())

	c.OnClose(l.Stop)
	l.Post(c.Close)
	run(t, l)
}

func TestConnCloseDetachesAndRunsHook(t *testing.T) {
	l := newLoop(t)
	local, peer := net.Pipe()

	br := &fakeBridge{}
	c := NewConn(l, br, local, testLogger())
	hooked := false
	c.OnClose(func() {
		hooked = true
		l.Stop()
	})
	l.Post(func() {
		require.NoError(t, c.StartReading())
		// Peer hangs up; the read error closes the connection.
		peer.Close()
	})
	run(t, l)

	assert.True(t, hooked)
	assert.Equal(t, []string{"attach", "detach"}, br.events)
	assert.Nil(t, br.attached)

	// Frames after close are ignored.
	c.SendFrame(ether.WithHeader(slirptest.EchoRequest(gatewayIP, guestIP, 1, 1)))
	assert.Equal(t, uint64(0), c.Sent())
	c.Close()
}

func TestListenerReplacesPreviousConnection(t *testing.T) {
	l := newLoop(t)
	path := filepath.Join(t.TempDir(), "s.sock")
	ep := Endpoint{Kind: Unix, Address: path}

	br := &fakeBridge{}
	ln, err := Listen(l, br, ep, testLogger())
	require.NoError(t, err)

	first, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })

	firstEOF := make(chan error, 1)
	go func() {
		_, err := first.Read(make([]byte, 1))
		firstEOF <- err
	}()

	secondConn := make(chan net.Conn, 1)
	br.onAttach = func(n int) {
		if n == 1 {
			go func() {
				second, err := net.Dial("unix", path)
				if err != nil {
					second = nil
				}
				secondConn <- second
			}()
			return
		}
		waitFor(l, func() bool { return ln.Conns() == 1 }, l.Stop)
	}
	run(t, l)
	if second := <-secondConn; second != nil {
		second.Close()
	}

	assert.Equal(t, 2, br.attaches)
	assert.ErrorIs(t, <-firstEOF, io.EOF)
	assert.Contains(t, br.events, "detach")

	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestListenRemovesStaleSocket(t *testing.T) {
	l := newLoop(t)
	path := filepath.Join(t.TempDir(), "s.sock")

	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	stale.SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	ln, err := Listen(l, &fakeBridge{}, Endpoint{Kind: Unix, Address: path}, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, ln.Addr())
	require.NoError(t, ln.Close())
}

func TestListenRefusesToRemoveRegularFile(t *testing.T) {
	l := newLoop(t)
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o600))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	_, err := Listen(l, &fakeBridge{}, Endpoint{Kind: Unix, Address: path}, logger)
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	var failure string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "level=ERROR") {
			failure = line
		}
	}
	require.NotEmpty(t, failure, "listen failure not logged:\n%s", logs.String())
	assert.Contains(t, failure, "not a socket")
	assert.Contains(t, failure, path)
}

func TestListenUnknownKindIsLogged(t *testing.T) {
	l := newLoop(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	_, err := Listen(l, &fakeBridge{}, Endpoint{Kind: "pipe", Address: "x"}, logger)
	require.Error(t, err)
	assert.Contains(t, logs.String(), "level=ERROR")
}

func TestListenTCPAndConnect(t *testing.T) {
	l := newLoop(t)
	server := &fakeBridge{}
	ln, err := Listen(l, server, Endpoint{Kind: TCP, Address: "127.0.0.1:0"}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	client := &fakeBridge{}
	datagram := slirptest.EchoRequest(gatewayIP, guestIP, 3, 4)

	// The server side writes a frame, the client side decodes it.
	server.onAttach = func(int) {
		server.attached.SendFrame(ether.WithHeader(datagram))
	}
	client.onFrame = l.Stop

	Connect(context.Background(), l, client, Endpoint{Kind: TCP, Address: ln.Addr().String()}, testLogger(),
		func(c *Conn, err error) {
			require.NoError(t, err)
			require.NotNil(t, c)
		})
	run(t, l)

	require.Len(t, client.frames, 1)
	assert.Equal(t, ether.WithHeader(datagram), client.frames[0])
}

func TestConnectFailureIsReported(t *testing.T) {
	l := newLoop(t)
	var got error
	Connect(context.Background(), l, &fakeBridge{},
		Endpoint{Kind: Unix, Address: filepath.Join(t.TempDir(), "missing.sock")}, testLogger(),
		func(c *Conn, err error) {
			assert.Nil(t, c)
			got = err
			l.Stop()
		})
	run(t, l)

	assert.Error(t, got)
}
