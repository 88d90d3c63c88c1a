package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/pithecene-io/mrci/types"
)

// Control payload layouts for the host-side notifications that are not
// casts or peer messages. All integers are little endian.
//
//	user events:    userId(32) | data
//	channel events: chId(8) | data
//
// The data tail depends on the async id: a name, a rank (u32), a sub id
// (u8), a sub id and level, or a user id and level.

// UserEvent targets one user account.
type UserEvent struct {
	User types.UserID
	Data []byte
}

// Encode returns the wire form.
func (u UserEvent) Encode() []byte {
	b := make([]byte, 0, types.UserIDSize+len(u.Data))
	b = append(b, u.User[:]...)
	return append(b, u.Data...)
}

// DecodeUserEvent splits a user event payload.
func DecodeUserEvent(b []byte) (UserEvent, error) {
	if len(b) < types.UserIDSize {
		return UserEvent{}, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("user event: need %d bytes, got %d", types.UserIDSize, len(b)),
		}
	}
	var u UserEvent
	copy(u.User[:], b[:types.UserIDSize])
	u.Data = b[types.UserIDSize:]
	return u, nil
}

// RankChanged builds a USER_RANK_CHANGED payload.
func RankChanged(user types.UserID, rank uint32) UserEvent {
	return UserEvent{User: user, Data: binary.LittleEndian.AppendUint32(nil, rank)}
}

// Rank reads the rank tail of a USER_RANK_CHANGED event.
func (u UserEvent) Rank() (uint32, bool) {
	if len(u.Data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(u.Data), true
}

// ChannelEvent targets one channel.
type ChannelEvent struct {
	ChannelID uint64
	Data      []byte
}

// Encode returns the wire form.
func (c ChannelEvent) Encode() []byte {
	b := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(c.Data)), c.ChannelID)
	return append(b, c.Data...)
}

// DecodeChannelEvent splits a channel event payload.
func DecodeChannelEvent(b []byte) (ChannelEvent, error) {
	if len(b) < 8 {
		return ChannelEvent{}, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("channel event: need 8 bytes, got %d", len(b)),
		}
	}
	return ChannelEvent{ChannelID: binary.LittleEndian.Uint64(b), Data: b[8:]}, nil
}

// MemberEvent builds a NEW_CH_MEMBER, RM_CH_MEMBER, INVITE_ACCEPTED or
// MEM_LEVEL_CHANGED payload. level is omitted when zero.
func MemberEvent(ch uint64, user types.UserID, level types.MemberLevel) ChannelEvent {
	data := append([]byte(nil), user[:]...)
	if level != 0 {
		data = append(data, byte(level))
	}
	return ChannelEvent{ChannelID: ch, Data: data}
}

// Member reads the user id and optional level of a member event.
func (c ChannelEvent) Member() (types.UserID, types.MemberLevel, bool) {
	var id types.UserID
	if len(c.Data) < types.UserIDSize {
		return id, 0, false
	}
	copy(id[:], c.Data)
	var level types.MemberLevel
	if len(c.Data) > types.UserIDSize {
		level = types.MemberLevel(c.Data[types.UserIDSize])
	}
	return id, level, true
}

// SubEvent builds a payload addressed to one sub-channel with an optional
// tail (a level, a flag or a name).
func SubEvent(sc types.SubChannel, tail []byte) ChannelEvent {
	return ChannelEvent{ChannelID: sc.ChannelID, Data: append([]byte{sc.SubID}, tail...)}
}

// Sub reads the sub-channel of a sub-channel event and returns the tail.
func (c ChannelEvent) Sub() (types.SubChannel, []byte, bool) {
	if len(c.Data) < 1 {
		return types.SubChannel{}, nil, false
	}
	return types.SubChannel{ChannelID: c.ChannelID, SubID: c.Data[0]}, c.Data[1:], true
}
