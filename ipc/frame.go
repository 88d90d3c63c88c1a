// Package ipc implements the host's wire framing: session frames for the
// client and front-end/back-end legs, child frames for module processes, and
// the fixed-size connection handshake records.
package ipc

import (
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/mrci/types"
)

// Frame size constants.
const (
	// MaxPayloadSize is the largest payload a 3-byte length field can carry.
	MaxPayloadSize = 1<<24 - 1
	// SessionHeaderSize is type(1) + cmdId(2) + length(3).
	SessionHeaderSize = 6
	// readBufferSize is the chunk size used when pulling bytes off a stream.
	readBufferSize = 64 * 1024
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a stream that ended inside a frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a payload exceeding MaxPayloadSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a structured payload that failed to decode.
	FrameErrorDecode
	// FrameErrorHeader indicates a malformed handshake record.
	FrameErrorHeader
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorDecode:
		return "decode"
	case FrameErrorHeader:
		return "header"
	default:
		return "unknown"
	}
}

// FrameError represents a framing error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the leg carrying the frame must be torn down.
// Partial and oversized frames are fatal, decode errors are not.
func (e *FrameError) IsFatal() bool {
	return e.Kind != FrameErrorDecode
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// SessionFrame is one frame on the client or front-end/back-end leg.
type SessionFrame struct {
	Type    types.TypeID
	CmdID   uint16
	Payload []byte
}

// Async reports the async control id carried in CmdID.
func (f SessionFrame) Async() types.AsyncID {
	return types.AsyncID(f.CmdID)
}

// EncodeSessionFrame encodes a session frame:
// type(1) | cmdId(2, LE) | length(3, LE) | payload.
func EncodeSessionFrame(typeID types.TypeID, cmdID uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	buf := make([]byte, SessionHeaderSize+len(payload))
	buf[0] = byte(typeID)
	buf[1] = byte(cmdID)
	buf[2] = byte(cmdID >> 8)
	putUint24(buf[3:6], uint32(len(payload)))
	copy(buf[SessionHeaderSize:], payload)
	return buf, nil
}

// WriteSessionFrame encodes f and writes it to w in a single call.
func WriteSessionFrame(w io.Writer, f SessionFrame) error {
	buf, err := EncodeSessionFrame(f.Type, f.CmdID, f.Payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// payloadPrealloc caps the payload buffer allocated from a header's length
// field. Larger payloads grow as their bytes arrive.
const payloadPrealloc = 64 << 10

// SessionParser incrementally decodes session frames.
// Bytes may arrive split at any boundary; the parser keeps whatever it has
// not yet turned into a frame. The zero value is ready to use.
type SessionParser struct {
	header  [SessionHeaderSize]byte
	have    int
	inBody  bool
	current SessionFrame
	need    int
}

// Feed consumes b and returns every frame completed by it.
func (p *SessionParser) Feed(b []byte) []SessionFrame {
	var frames []SessionFrame
	for len(b) > 0 {
		if !p.inBody {
			n := copy(p.header[p.have:], b)
			p.have += n
			b = b[n:]
			if p.have < SessionHeaderSize {
				break
			}
			p.current = SessionFrame{
				Type:  types.TypeID(p.header[0]),
				CmdID: uint16(p.header[1]) | uint16(p.header[2])<<8,
			}
			p.need = int(uint24(p.header[3:6]))
			p.current.Payload = make([]byte, 0, min(p.need, payloadPrealloc))
			p.inBody = true
		}

		take := min(p.need-len(p.current.Payload), len(b))
		p.current.Payload = append(p.current.Payload, b[:take]...)
		b = b[take:]

		if len(p.current.Payload) == p.need {
			frames = append(frames, p.current)
			p.reset()
		}
	}
	return frames
}

// Pending reports whether the parser holds part of an unfinished frame.
func (p *SessionParser) Pending() bool {
	return p.have > 0 || p.inBody
}

// Buffered returns the number of bytes held for the unfinished frame.
func (p *SessionParser) Buffered() int {
	if p.inBody {
		return SessionHeaderSize + len(p.current.Payload)
	}
	return p.have
}

func (p *SessionParser) reset() {
	p.have = 0
	p.inBody = false
	p.need = 0
	p.current = SessionFrame{}
}

// SessionReader pulls session frames off a stream.
type SessionReader struct {
	r      io.Reader
	parser SessionParser
	queue  []SessionFrame
	buf    []byte
}

// NewSessionReader creates a reader over r.
func NewSessionReader(r io.Reader) *SessionReader {
	return &SessionReader{r: r, buf: make([]byte, readBufferSize)}
}

// Next returns the next complete frame.
//
// Errors:
//   - io.EOF: stream ended on a frame boundary
//   - *FrameError with Kind=FrameErrorPartial: stream ended inside a frame
//   - any read error from the underlying stream
func (sr *SessionReader) Next() (SessionFrame, error) {
	for len(sr.queue) == 0 {
		n, err := sr.r.Read(sr.buf)
		if n > 0 {
			sr.queue = append(sr.queue, sr.parser.Feed(sr.buf[:n])...)
		}
		if err != nil {
			if len(sr.queue) > 0 {
				break
			}
			if errors.Is(err, io.EOF) && sr.parser.Pending() {
				return SessionFrame{}, &FrameError{
					Kind: FrameErrorPartial,
					Msg:  fmt.Sprintf("stream ended with %d bytes of an unfinished frame", sr.parser.Buffered()),
					Err:  io.ErrUnexpectedEOF,
				}
			}
			return SessionFrame{}, err
		}
	}
	f := sr.queue[0]
	sr.queue = sr.queue[1:]
	return f, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
