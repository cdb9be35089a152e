package reactor

import (
	"errors"
	"io"
	"sync"

	"github.com/eapache/queue"
)

const readBufferSize = 64 * 1024

type writeReq struct {
	buf []byte
	cb  func(error)
}

// Stream adapts a blocking io.ReadWriteCloser to the loop. Reads and writes
// happen on helper goroutines; every callback runs on the loop goroutine.
//
// Writes complete in submission order. Writes still queued when the stream
// is closed complete with ErrClosed. The close callback runs after every
// other callback of the stream.
type Stream struct {
	loop *Loop
	rwc  io.ReadWriteCloser

	// Loop goroutine state.
	readCb      func(data []byte, err error)
	reading     bool
	readStarted bool
	backlog     [][]byte
	readErr     error
	closing     bool
	pending     int

	mu     sync.Mutex
	writes *queue.Queue
	closed bool
	notify chan struct{}

	wg sync.WaitGroup
}

// NewStream wraps rwc. The stream owns rwc from now on.
func (l *Loop) NewStream(rwc io.ReadWriteCloser) *Stream {
	s := &Stream{
		loop:   l,
		rwc:    rwc,
		writes: queue.New(),
		notify: make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.writer()
	return s
}

// ReadStart delivers incoming data to cb until ReadStop or Close. cb receives
// a non-nil error exactly once, when the underlying reader fails or reaches
// EOF, after which no more data is delivered.
func (s *Stream) ReadStart(cb func(data []byte, err error)) error {
	if s.closing {
		return ErrClosed
	}
	s.readCb = cb
	s.reading = true
	if !s.readStarted {
		s.readStarted = true
		s.wg.Add(1)
		go s.reader()
	}
	s.flushBacklog()
	return nil
}

// ReadStop pauses delivery. Data that arrives while stopped is held and
// delivered, in order, by the next ReadStart.
func (s *Stream) ReadStop() {
	s.reading = false
}

// Write queues buf. The stream does not copy buf; the caller must not modify
// it until cb runs.
func (s *Stream) Write(buf []byte, cb func(err error)) error {
	if s.closing {
		return ErrClosed
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.writes.Add(&writeReq{buf: buf, cb: cb})
	s.mu.Unlock()
	s.pending++

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of writes whose callback has not run yet.
func (s *Stream) Pending() int { return s.pending }

// Closing reports whether Close has been called.
func (s *Stream) Closing() bool { return s.closing }

// Close closes the underlying stream and calls cb on the loop once every
// outstanding callback has run. Closing twice is a no-op.
func (s *Stream) Close(cb func()) {
	if s.closing {
		return
	}
	s.closing = true
	s.reading = false
	s.backlog = nil

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}

	if err := s.rwc.Close(); err != nil {
		s.loop.log.Debug("reactor: close stream", "err", err)
	}

	go func() {
		s.wg.Wait()
		s.loop.Post(func() {
			if cb != nil {
				cb()
			}
		})
	}()
}

func (s *Stream) reader() {
	defer s.wg.Done()
	for {
		buf := make([]byte, readBufferSize)
		n, err := s.rwc.Read(buf)
		if n > 0 {
			data := buf[:n]
			s.loop.Post(func() { s.deliver(data) })
		}
		if err != nil {
			s.loop.Post(func() { s.fail(err) })
			return
		}
	}
}

func (s *Stream) deliver(data []byte) {
	if s.closing {
		return
	}
	if !s.reading || len(s.backlog) > 0 {
		s.backlog = append(s.backlog, data)
		return
	}
	s.readCb(data, nil)
}

func (s *Stream) fail(err error) {
	if s.closing {
		return
	}
	s.readErr = err
	s.flushBacklog()
}

func (s *Stream) flushBacklog() {
	for s.reading && len(s.backlog) > 0 && !s.closing {
		data := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.readCb(data, nil)
	}
	if s.reading && len(s.backlog) == 0 && s.readErr != nil && !s.closing {
		err := s.readErr
		s.readErr = nil
		s.reading = false
		if errors.Is(err, io.ErrClosedPipe) {
			err = io.EOF
		}
		s.readCb(nil, err)
	}
}

func (s *Stream) writer() {
	defer s.wg.Done()
	for range s.notify {
		for {
			s.mu.Lock()
			if s.writes.Length() == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			req := s.writes.Remove().(*writeReq)
			closed := s.closed
			s.mu.Unlock()

			var err error
			if closed {
				err = ErrClosed
			} else {
				err = writeFull(s.rwc, req.buf)
			}
			s.loop.Post(func() { s.complete(req, err) })
		}
	}
}

func (s *Stream) complete(req *writeReq, err error) {
	s.pending--
	if req.cb != nil {
		req.cb(err)
	}
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
