// Package pcap writes classic libpcap capture streams.
package pcap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT for Ethernet frames.
const LinkTypeEthernet uint32 = 1

// DefaultSnapLen is used when NewWriter is given a zero snap length.
const DefaultSnapLen = 65535

const (
	magicMicroseconds = 0xa1b2c3d4
	versionMajor      = 2
	versionMinor      = 4
	fileHeaderLen     = 24
	recordHeaderLen   = 16
)

// ErrClosed is returned by WritePacket after Close.
var ErrClosed = errors.New("pcap: writer closed")

// Writer emits a capture stream. The file header is written together with
// the first packet, so an unused capture leaves an empty file. Packets
// longer than the snap length are truncated; the record keeps their
// original length. A Writer is safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	out      io.Writer
	buf      *bufio.Writer
	closer   io.Closer
	snapLen  uint32
	linkType uint32
	started  bool
	closed   bool
	packets  uint64
}

// NewWriter writes Ethernet captures to out.
func NewWriter(out io.Writer, snapLen uint32) *Writer {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	return &Writer{out: out, snapLen: snapLen, linkType: LinkTypeEthernet}
}

// Create truncates path and returns a buffered writer that owns the file.
func Create(path string, snapLen uint32) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: create %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	w := NewWriter(buf, snapLen)
	w.buf = buf
	w.closer = f
	return w, nil
}

// SnapLen returns the configured snap length.
func (w *Writer) SnapLen() uint32 { return w.snapLen }

// Packets returns the number of records written.
func (w *Writer) Packets() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

// WritePacket appends one record stamped with ts.
func (w *Writer) WritePacket(ts time.Time, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("pcap: packet length %d overflows uint32", len(data))
	}
	if !w.started {
		if err := w.writeFileHeader(); err != nil {
			return err
		}
		w.started = true
	}

	capLen := len(data)
	if uint32(capLen) > w.snapLen {
		capLen = int(w.snapLen)
	}

	var sec, usec uint32
	if !ts.IsZero() {
		s := ts.Unix()
		if s < 0 || s > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp %s out of range", ts)
		}
		sec = uint32(s)
		usec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], sec)
	binary.LittleEndian.PutUint32(rec[4:8], usec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(capLen))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(data)))

	if _, err := w.out.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := w.out.Write(data[:capLen]); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	w.packets++
	return nil
}

func (w *Writer) writeFileHeader() error {
	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// thiszone and sigfigs stay zero.
	binary.LittleEndian.PutUint32(hdr[16:20], w.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], w.linkType)
	if _, err := w.out.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}
	return nil
}

// Flush pushes buffered records to the file when the writer was made by
// Create.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	return w.buf.Flush()
}

// Close flushes and, for writers made by Create, closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if w.buf != nil {
		errs = append(errs, w.buf.Flush())
	}
	if w.closer != nil {
		errs = append(errs, w.closer.Close())
	}
	return errors.Join(errs...)
}
