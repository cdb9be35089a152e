// Package slip implements the RFC 1055 byte-stuffing framing used on the
// guest link.
//
// A frame on the wire is End, the escaped payload, End. The decoder is a
// streaming state machine that tolerates arbitrary chunking of its input.
package slip

// Special bytes of the framing protocol.
const (
	End    byte = 0xC0 // frame delimiter
	Esc    byte = 0xDB // starts a two byte escape sequence
	EscEnd byte = 0xDC // Esc EscEnd is a literal End
	EscEsc byte = 0xDD // Esc EscEsc is a literal Esc
)

// Encode returns frame wrapped in End markers with every in-payload End and
// Esc byte escaped.
func Encode(frame []byte) []byte {
	return AppendEncode(make([]byte, 0, EncodedLen(frame)), frame)
}

// EncodedLen returns the exact number of bytes Encode produces for frame.
func EncodedLen(frame []byte) int {
	n := len(frame) + 2
	for _, b := range frame {
		if b == End || b == Esc {
			n++
		}
	}
	return n
}

// AppendEncode appends the encoding of frame to dst.
func AppendEncode(dst, frame []byte) []byte {
	dst = append(dst, End)
	for _, b := range frame {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, End)
}

// Decoder reassembles frames from a byte stream.
//
// Every frame starts out as a copy of the seed so a completed frame already
// carries the seed as its prefix. A delimiter that would flush nothing beyond
// the seed is treated as an empty frame and discarded.
type Decoder struct {
	seed   []byte
	acc    []byte
	escape bool
	emit   func(frame []byte)

	frames    uint64
	discarded uint64
}

// NewDecoder returns a decoder that calls emit for every completed frame.
// emit owns the slice it receives.
func NewDecoder(seed []byte, emit func(frame []byte)) *Decoder {
	d := &Decoder{
		seed: append([]byte(nil), seed...),
		emit: emit,
	}
	d.Reset()
	return d
}

// Reset drops any partially received frame and clears a pending escape.
func (d *Decoder) Reset() {
	d.acc = append(make([]byte, 0, 2048), d.seed...)
	d.escape = false
}

// Write feeds p into the decoder. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	for _, b := range p {
		d.WriteByte(b)
	}
	return len(p), nil
}

// WriteByte feeds a single byte into the decoder.
func (d *Decoder) WriteByte(b byte) error {
	if d.escape {
		switch b {
		case EscEnd:
			b = End
		case EscEsc:
			b = Esc
		}
		d.escape = false
		d.acc = append(d.acc, b)
		return nil
	}

	switch b {
	case Esc:
		d.escape = true
	case End:
		d.flush()
	default:
		d.acc = append(d.acc, b)
	}
	return nil
}

func (d *Decoder) flush() {
	if len(d.acc) <= len(d.seed) {
		d.discarded++
		return
	}
	frame := d.acc
	d.frames++
	d.Reset()
	if d.emit != nil {
		d.emit(frame)
	}
}

// Buffered returns the number of payload bytes of the frame in progress.
func (d *Decoder) Buffered() int { return len(d.acc) - len(d.seed) }

// Frames returns the number of frames emitted so far.
func (d *Decoder) Frames() uint64 { return d.frames }

// Discarded returns the number of empty frames dropped so far.
func (d *Decoder) Discarded() uint64 { return d.discarded }
