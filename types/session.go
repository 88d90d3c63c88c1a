package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Fixed field widths shared by the wire records and the session state region.
const (
	SessionIDSize   = 28
	UserIDSize      = 32
	UserNameSize    = 48
	DisplayNameSize = 64
	GroupNameSize   = 24
	AppNameSize     = 134
	ClientIPSize    = 78
	ChannelIDSize   = 8
	SubChannelSize  = 9
)

// Per-session limits.
const (
	MaxOpenSubChannels = 6
	MaxP2PLinks        = 100
	MaxChannelsPerUser = 200
	MaxLifecycleCmds   = 256
	DebugBufferSize    = 1024
)

// MaxCmdsPerMod is the size of the command id block given to each provider.
// Ids below the first block are the async control range.
const MaxCmdsPerMod = 256

// SubChannelHeaderSize is the size of a cast header: every writable sub-channel slot.
const SubChannelHeaderSize = MaxOpenSubChannels * SubChannelSize

// SessionID is the SHA3-224 digest identifying one session.
type SessionID [SessionIDSize]byte

// String returns the hex form of the id.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is unset.
func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

// ParseSessionID copies a raw session id out of b.
func ParseSessionID(b []byte) (SessionID, error) {
	var id SessionID
	if len(b) < SessionIDSize {
		return id, fmt.Errorf("session id: need %d bytes, got %d", SessionIDSize, len(b))
	}
	copy(id[:], b[:SessionIDSize])
	return id, nil
}

// UserID is the 32-byte user identifier. The zero value means anonymous.
type UserID [UserIDSize]byte

// String returns the hex form of the id.
func (id UserID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id == UserID{}
}

// ParseUserID copies a raw user id out of b.
func ParseUserID(b []byte) (UserID, error) {
	var id UserID
	if len(b) < UserIDSize {
		return id, fmt.Errorf("user id: need %d bytes, got %d", UserIDSize, len(b))
	}
	copy(id[:], b[:UserIDSize])
	return id, nil
}

// SubChannel addresses a broadcast target inside a channel.
type SubChannel struct {
	ChannelID uint64
	SubID     uint8
}

// IsZero reports whether the entry is an empty slot.
func (s SubChannel) IsZero() bool {
	return s.ChannelID == 0
}

// Bytes returns the 9-byte wire form: channel id (u64 LE) then sub id.
func (s SubChannel) Bytes() []byte {
	b := make([]byte, SubChannelSize)
	binary.LittleEndian.PutUint64(b, s.ChannelID)
	b[8] = s.SubID
	return b
}

func (s SubChannel) String() string {
	return fmt.Sprintf("%d:%d", s.ChannelID, s.SubID)
}

// ParseSubChannel reads a 9-byte sub-channel entry.
func ParseSubChannel(b []byte) (SubChannel, error) {
	if len(b) < SubChannelSize {
		return SubChannel{}, fmt.Errorf("sub-channel: need %d bytes, got %d", SubChannelSize, len(b))
	}
	return SubChannel{
		ChannelID: binary.LittleEndian.Uint64(b),
		SubID:     b[8],
	}, nil
}

// PadString encodes s as UTF-8 into a zero padded block of size n,
// truncating at n bytes.
func PadString(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

// TrimString decodes a zero padded UTF-8 block.
func TrimString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
