package ipc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/mrci/types"
)

// NewCmd announces a loaded command to the client (NEW_CMD frame).
type NewCmd struct {
	ID      uint16 `msgpack:"id"`
	Name    string `msgpack:"name"`
	Module  string `msgpack:"module"`
	Summary string `msgpack:"summary,omitempty"`
	GenFile bool   `msgpack:"gen_file"`
}

// PeerInfo describes a session to itself (MY_INFO) or to channel peers
// (PEER_INFO).
type PeerInfo struct {
	SessionID   []byte `msgpack:"session_id"`
	UserID      []byte `msgpack:"user_id,omitempty"`
	UserName    string `msgpack:"user_name,omitempty"`
	DisplayName string `msgpack:"display_name,omitempty"`
	GroupName   string `msgpack:"group_name,omitempty"`
	AppName     string `msgpack:"app_name"`
	ClientIP    string `msgpack:"client_ip,omitempty"`
	HostRank    uint32 `msgpack:"host_rank"`
	LoggedIn    bool   `msgpack:"logged_in"`
}

// Catalog is the command catalog a module process reports for -list.
type Catalog struct {
	Name     string            `msgpack:"name"`
	Rev      int               `msgpack:"rev"`
	Commands []string          `msgpack:"commands"`
	Public   []string          `msgpack:"public,omitempty"`
	Exempt   []string          `msgpack:"exempt,omitempty"`
	Summary  map[string]string `msgpack:"summary,omitempty"`
}

// Encode marshals a structured payload.
func Encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode payload", Err: err}
	}
	return b, nil
}

// MustEncode marshals a structured payload built from plain fields.
// It panics only on programming errors (unsupported types).
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode unmarshals a structured payload into v.
func Decode(payload []byte, v any) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode payload", Err: err}
	}
	return nil
}

// PeerStat reports a session opening or closing a sub-channel (PEER_STAT).
type PeerStat struct {
	SessionID []byte `msgpack:"session_id"`
	ChannelID uint64 `msgpack:"channel_id"`
	SubID     uint8  `msgpack:"sub_id"`
	Open      bool   `msgpack:"open"`
}

// Prefix sizes of the relayed control payloads.
const (
	CastPrefixSize   = types.SubChannelHeaderSize + 1
	DirectPrefixSize = 2*types.SessionIDSize + 1
)

// Cast is a sub-channel broadcast: header(54) | type(1) | data.
// The header holds the sender's writable sub-channels; receivers relay the
// payload when any entry matches one of their open sub-channels.
type Cast struct {
	Header []byte
	Type   types.TypeID
	Data   []byte
}

// HeaderOf packs up to six sub-channels into a cast header. Unused slots
// stay zero.
func HeaderOf(subs []types.SubChannel) []byte {
	header := make([]byte, types.SubChannelHeaderSize)
	for i, sc := range subs {
		if i == types.MaxOpenSubChannels {
			break
		}
		copy(header[i*types.SubChannelSize:], sc.Bytes())
	}
	return header
}

// CastTo builds a cast addressed to a single sub-channel.
func CastTo(sc types.SubChannel, t types.TypeID, data []byte) Cast {
	return Cast{Header: HeaderOf([]types.SubChannel{sc}), Type: t, Data: data}
}

// Encode returns the wire form.
func (c Cast) Encode() []byte {
	b := make([]byte, CastPrefixSize, CastPrefixSize+len(c.Data))
	copy(b, c.Header)
	b[types.SubChannelHeaderSize] = byte(c.Type)
	return append(b, c.Data...)
}

// DecodeCast splits a cast payload.
func DecodeCast(b []byte) (Cast, error) {
	if len(b) < CastPrefixSize {
		return Cast{}, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("cast payload: need %d bytes, got %d", CastPrefixSize, len(b)),
		}
	}
	return Cast{
		Header: b[:types.SubChannelHeaderSize],
		Type:   types.TypeID(b[types.SubChannelHeaderSize]),
		Data:   b[CastPrefixSize:],
	}, nil
}

// Direct is a peer-to-peer payload: dst(28) | src(28) | type(1) | data.
type Direct struct {
	Dst  types.SessionID
	Src  types.SessionID
	Type types.TypeID
	Data []byte
}

// Encode returns the wire form.
func (d Direct) Encode() []byte {
	b := make([]byte, 0, DirectPrefixSize+len(d.Data))
	b = append(b, d.Dst[:]...)
	b = append(b, d.Src[:]...)
	b = append(b, byte(d.Type))
	return append(b, d.Data...)
}

// DecodeDirect splits a peer-to-peer payload.
func DecodeDirect(b []byte) (Direct, error) {
	if len(b) < DirectPrefixSize {
		return Direct{}, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("p2p payload: need %d bytes, got %d", DirectPrefixSize, len(b)),
		}
	}
	var d Direct
	copy(d.Dst[:], b[:types.SessionIDSize])
	copy(d.Src[:], b[types.SessionIDSize:2*types.SessionIDSize])
	d.Type = types.TypeID(b[2*types.SessionIDSize])
	d.Data = b[DirectPrefixSize:]
	return d, nil
}

// StampSource overwrites the src field of an encoded Direct payload.
func StampSource(b []byte, src types.SessionID) bool {
	if len(b) < DirectPrefixSize {
		return false
	}
	copy(b[types.SessionIDSize:2*types.SessionIDSize], src[:])
	return true
}
