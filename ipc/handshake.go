package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pithecene-io/mrci/types"
)

// Handshake record layout.
const (
	// HeaderTag opens every client handshake header.
	HeaderTag = "MRCI"
	// CommonNameSize is the width of the requested TLS common name.
	CommonNameSize = 148
	// ClientHeaderSize is tag(4) + version(6) + appName(134) + commonName(148).
	ClientHeaderSize = len(HeaderTag) + 6 + types.AppNameSize + CommonNameSize
	// ServerReplySize is status(1) + version(6) + sessionId(28).
	ServerReplySize = 1 + 6 + types.SessionIDSize
)

// ReplyStatus is the first byte of the server's handshake reply.
type ReplyStatus uint8

// Handshake reply codes.
const (
	// StatusOKNoTLS tells a loopback client to wait for ASYNC_RDY in clear text.
	StatusOKNoTLS ReplyStatus = 1
	// StatusStartTLS tells the client a HOST_CERT frame follows and TLS starts.
	StatusStartTLS ReplyStatus = 2
	// StatusVersionRejected means the client's major version is not supported.
	StatusVersionRejected ReplyStatus = 3
	// StatusCertUnavailable means no certificate matches the requested name.
	StatusCertUnavailable ReplyStatus = 4
)

func (s ReplyStatus) String() string {
	switch s {
	case StatusOKNoTLS:
		return "ok_no_tls"
	case StatusStartTLS:
		return "start_tls"
	case StatusVersionRejected:
		return "version_rejected"
	case StatusCertUnavailable:
		return "cert_unavailable"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ClientHeader is the fixed-size record a client sends right after connecting.
type ClientHeader struct {
	Version    types.ClientVersion
	AppName    string
	CommonName string
}

// Encode returns the 292-byte wire form of h.
func (h ClientHeader) Encode() []byte {
	buf := make([]byte, 0, ClientHeaderSize)
	buf = append(buf, HeaderTag...)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version.Major)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version.Minor)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version.Patch)
	buf = append(buf, types.PadString(h.AppName, types.AppNameSize)...)
	buf = append(buf, types.PadString(h.CommonName, CommonNameSize)...)
	return buf
}

// DecodeClientHeader parses a client header. A wrong tag is a
// FrameErrorHeader; the caller closes the connection without a reply.
func DecodeClientHeader(b []byte) (ClientHeader, error) {
	if len(b) < ClientHeaderSize {
		return ClientHeader{}, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  fmt.Sprintf("client header: need %d bytes, got %d", ClientHeaderSize, len(b)),
		}
	}
	if !bytes.Equal(b[:len(HeaderTag)], []byte(HeaderTag)) {
		return ClientHeader{}, &FrameError{
			Kind: FrameErrorHeader,
			Msg:  fmt.Sprintf("client header: bad tag %q", b[:len(HeaderTag)]),
		}
	}
	off := len(HeaderTag)
	h := ClientHeader{
		Version: types.ClientVersion{
			Major: binary.LittleEndian.Uint16(b[off:]),
			Minor: binary.LittleEndian.Uint16(b[off+2:]),
			Patch: binary.LittleEndian.Uint16(b[off+4:]),
		},
	}
	off += 6
	h.AppName = types.TrimString(b[off : off+types.AppNameSize])
	off += types.AppNameSize
	h.CommonName = types.TrimString(b[off : off+CommonNameSize])
	return h, nil
}

// ReadClientHeader reads exactly one client header from r.
func ReadClientHeader(r io.Reader) (ClientHeader, error) {
	buf := make([]byte, ClientHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ClientHeader{}, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read client header",
			Err:  err,
		}
	}
	return DecodeClientHeader(buf)
}

// ServerReply is the host's answer to a client header.
type ServerReply struct {
	Status    ReplyStatus
	Version   types.ClientVersion
	SessionID types.SessionID
}

// NewServerReply builds a reply carrying the host version.
func NewServerReply(status ReplyStatus, id types.SessionID) ServerReply {
	return ServerReply{
		Status: status,
		Version: types.ClientVersion{
			Major: types.VersionMajor,
			Minor: types.VersionMinor,
			Patch: types.VersionPatch,
		},
		SessionID: id,
	}
}

// Encode returns the 35-byte wire form of r.
func (r ServerReply) Encode() []byte {
	buf := make([]byte, 0, ServerReplySize)
	buf = append(buf, byte(r.Status))
	buf = binary.LittleEndian.AppendUint16(buf, r.Version.Major)
	buf = binary.LittleEndian.AppendUint16(buf, r.Version.Minor)
	buf = binary.LittleEndian.AppendUint16(buf, r.Version.Patch)
	buf = append(buf, r.SessionID[:]...)
	return buf
}

// DecodeServerReply parses a server reply.
func DecodeServerReply(b []byte) (ServerReply, error) {
	if len(b) < ServerReplySize {
		return ServerReply{}, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  fmt.Sprintf("server reply: need %d bytes, got %d", ServerReplySize, len(b)),
		}
	}
	r := ServerReply{
		Status: ReplyStatus(b[0]),
		Version: types.ClientVersion{
			Major: binary.LittleEndian.Uint16(b[1:]),
			Minor: binary.LittleEndian.Uint16(b[3:]),
			Patch: binary.LittleEndian.Uint16(b[5:]),
		},
	}
	copy(r.SessionID[:], b[7:ServerReplySize])
	return r, nil
}
