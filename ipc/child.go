package ipc

import (
	"errors"
	"fmt"
	"io"
)

// ChildHeaderSize is type(1) + length(3).
const ChildHeaderSize = 4

// ChildType tags a child frame. Child frames travel between the executor and
// a module process over the child's stdin/stdout, so they carry no command id.
type ChildType uint8

// Child frame types. Output types reuse the session type ids so that a
// module can pass client frames through unchanged.
const (
	ChildText      ChildType = 2
	ChildErr       ChildType = 3
	ChildPrivText  ChildType = 4
	ChildIdle      ChildType = 5
	ChildBigText   ChildType = 18
	ChildCatalog   ChildType = 0xC0
	ChildLoop      ChildType = 0xC1
	ChildMoreInput ChildType = 0xC2
	ChildTerm      ChildType = 0xC3
)

// ChildFrame is one frame on the executor/module-process leg.
type ChildFrame struct {
	Type    ChildType
	Payload []byte
}

// EncodeChildFrame encodes a child frame: type(1) | length(3, LE) | payload.
func EncodeChildFrame(t ChildType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("child payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	buf := make([]byte, ChildHeaderSize+len(payload))
	buf[0] = byte(t)
	putUint24(buf[1:4], uint32(len(payload)))
	copy(buf[ChildHeaderSize:], payload)
	return buf, nil
}

// WriteChildFrame encodes f and writes it to w.
func WriteChildFrame(w io.Writer, f ChildFrame) error {
	buf, err := EncodeChildFrame(f.Type, f.Payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ChildParser incrementally decodes child frames.
type ChildParser struct {
	header  [ChildHeaderSize]byte
	have    int
	inBody  bool
	current ChildFrame
	need    int
}

// Feed consumes b and returns every frame completed by it.
func (p *ChildParser) Feed(b []byte) []ChildFrame {
	var frames []ChildFrame
	for len(b) > 0 {
		if !p.inBody {
			n := copy(p.header[p.have:], b)
			p.have += n
			b = b[n:]
			if p.have < ChildHeaderSize {
				break
			}
			p.current = ChildFrame{Type: ChildType(p.header[0])}
			p.need = int(uint24(p.header[1:4]))
			p.current.Payload = make([]byte, 0, min(p.need, payloadPrealloc))
			p.inBody = true
		}

		take := min(p.need-len(p.current.Payload), len(b))
		p.current.Payload = append(p.current.Payload, b[:take]...)
		b = b[take:]

		if len(p.current.Payload) == p.need {
			frames = append(frames, p.current)
			p.have, p.inBody, p.need = 0, false, 0
			p.current = ChildFrame{}
		}
	}
	return frames
}

// Pending reports whether the parser holds part of an unfinished frame.
func (p *ChildParser) Pending() bool {
	return p.have > 0 || p.inBody
}

// ChildReader pulls child frames off a module process stream.
type ChildReader struct {
	r      io.Reader
	parser ChildParser
	queue  []ChildFrame
	buf    []byte
}

// NewChildReader creates a reader over r.
func NewChildReader(r io.Reader) *ChildReader {
	return &ChildReader{r: r, buf: make([]byte, 4096)}
}

// Next returns the next complete child frame, io.EOF at a clean end of
// stream, or a partial FrameError if the stream ended inside a frame.
func (cr *ChildReader) Next() (ChildFrame, error) {
	for len(cr.queue) == 0 {
		n, err := cr.r.Read(cr.buf)
		if n > 0 {
			cr.queue = append(cr.queue, cr.parser.Feed(cr.buf[:n])...)
		}
		if err != nil {
			if len(cr.queue) > 0 {
				break
			}
			if errors.Is(err, io.EOF) && cr.parser.Pending() {
				return ChildFrame{}, &FrameError{
					Kind: FrameErrorPartial,
					Msg:  "module stream ended inside a frame",
					Err:  io.ErrUnexpectedEOF,
				}
			}
			return ChildFrame{}, err
		}
	}
	f := cr.queue[0]
	cr.queue = cr.queue[1:]
	return f, nil
}
