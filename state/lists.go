package state

import (
	"bytes"
	"encoding/binary"

	"github.com/pithecene-io/mrci/types"
)

func channelBytes(id uint64) []byte {
	b := make([]byte, types.ChannelIDSize)
	binary.LittleEndian.PutUint64(b, id)
	return b
}

// Channels returns the ids of every channel the user is a member of.
func (s *Store) Channels() []uint64 {
	raw := s.slotList(s.l.chList)
	out := make([]uint64, len(raw))
	for i, b := range raw {
		out[i] = binary.LittleEndian.Uint64(b)
	}
	return out
}

// HasChannel reports channel membership.
func (s *Store) HasChannel(id uint64) bool {
	return id != 0 && s.indexOf(s.l.chList, channelBytes(id)) >= 0
}

// AddChannel records channel membership.
func (s *Store) AddChannel(id uint64) error {
	if id == 0 {
		return nil
	}
	if !s.slotAdd(s.l.chList, channelBytes(id)) {
		return ErrChannelsFull
	}
	return nil
}

// RemoveChannel drops channel membership.
func (s *Store) RemoveChannel(id uint64) bool {
	return s.slotRemove(s.l.chList, channelBytes(id))
}

// SetChannels replaces the membership list, keeping at most
// MaxChannelsPerUser entries.
func (s *Store) SetChannels(ids []uint64) {
	s.zero(s.l.chList.field)
	for _, id := range ids {
		if s.AddChannel(id) != nil {
			return
		}
	}
}

func subChannels(raw [][]byte) []types.SubChannel {
	out := make([]types.SubChannel, 0, len(raw))
	for _, b := range raw {
		sc, _ := types.ParseSubChannel(b)
		out = append(out, sc)
	}
	return out
}

// OpenSubChannels returns every open sub-channel.
func (s *Store) OpenSubChannels() []types.SubChannel {
	return subChannels(s.slotList(s.l.openSubChs))
}

// WritableSubChannels returns the open sub-channels this session may cast to.
func (s *Store) WritableSubChannels() []types.SubChannel {
	return subChannels(s.slotList(s.l.openWrSubChs))
}

// IsOpen reports whether sc is open.
func (s *Store) IsOpen(sc types.SubChannel) bool {
	return !sc.IsZero() && s.indexOf(s.l.openSubChs, sc.Bytes()) >= 0
}

// IsWritable reports whether sc is open for writing.
func (s *Store) IsWritable(sc types.SubChannel) bool {
	return !sc.IsZero() && s.indexOf(s.l.openWrSubChs, sc.Bytes()) >= 0
}

// OpenSubChannel adds sc to the open set and, when writable, to the writable
// set. The writable set never holds an entry missing from the open set.
func (s *Store) OpenSubChannel(sc types.SubChannel, writable bool) error {
	if !s.slotAdd(s.l.openSubChs, sc.Bytes()) {
		return ErrSubChannelsFull
	}
	s.slotRemove(s.l.closedSubChs, sc.Bytes())
	if writable {
		s.slotAdd(s.l.openWrSubChs, sc.Bytes())
	} else {
		s.slotRemove(s.l.openWrSubChs, sc.Bytes())
	}
	return nil
}

// SetWritable changes whether an open sub-channel may be cast to.
func (s *Store) SetWritable(sc types.SubChannel, writable bool) {
	if !s.IsOpen(sc) {
		return
	}
	if writable {
		s.slotAdd(s.l.openWrSubChs, sc.Bytes())
	} else {
		s.slotRemove(s.l.openWrSubChs, sc.Bytes())
	}
}

// CloseSubChannel removes sc from both sets and remembers it as recently
// closed. The closed list keeps the last MaxOpenSubChannels entries.
func (s *Store) CloseSubChannel(sc types.SubChannel) bool {
	s.slotRemove(s.l.openWrSubChs, sc.Bytes())
	if !s.slotRemove(s.l.openSubChs, sc.Bytes()) {
		return false
	}
	if !s.slotAdd(s.l.closedSubChs, sc.Bytes()) {
		s.slotRemove(s.l.closedSubChs, bytes.Clone(s.entry(s.l.closedSubChs, 0)))
		s.slotAdd(s.l.closedSubChs, sc.Bytes())
	}
	return true
}

// RecentlyClosed reports whether sc was closed and has not been reopened
// since, within the last MaxOpenSubChannels closes.
func (s *Store) RecentlyClosed(sc types.SubChannel) bool {
	return !sc.IsZero() && s.indexOf(s.l.closedSubChs, sc.Bytes()) >= 0
}

// CloseChannelSubs closes every open sub-channel of a channel and returns them.
func (s *Store) CloseChannelSubs(channelID uint64) []types.SubChannel {
	var closed []types.SubChannel
	for _, sc := range s.OpenSubChannels() {
		if sc.ChannelID == channelID {
			s.CloseSubChannel(sc)
			closed = append(closed, sc)
		}
	}
	return closed
}

// OpenHeader returns the raw open sub-channel block.
func (s *Store) OpenHeader() []byte {
	return bytes.Clone(s.bytes(s.l.openSubChs.field))
}

// WritableHeader returns the raw writable sub-channel block, the header
// prepended to every cast this session sends.
func (s *Store) WritableHeader() []byte {
	return bytes.Clone(s.bytes(s.l.openWrSubChs.field))
}

// MatchAnyOpen reports whether any non-empty entry of a cast header is one of
// this session's open sub-channels.
func (s *Store) MatchAnyOpen(header []byte) bool {
	if len(header) < types.SubChannelHeaderSize {
		return false
	}
	for i := range types.MaxOpenSubChannels {
		entry := header[i*types.SubChannelSize : (i+1)*types.SubChannelSize]
		if isZero(entry) {
			continue
		}
		if s.indexOf(s.l.openSubChs, entry) >= 0 {
			return true
		}
	}
	return false
}

// HeaderWithin reports whether every non-empty entry of a cast header is one
// of this session's open sub-channels, and at least one entry is present.
func (s *Store) HeaderWithin(header []byte) bool {
	return s.headerIn(s.l.openSubChs, header)
}

// HeaderWritable is HeaderWithin against the writable set. A session may
// only cast to sub-channels it can write.
func (s *Store) HeaderWritable(header []byte) bool {
	return s.headerIn(s.l.openWrSubChs, header)
}

func (s *Store) headerIn(sl slots, header []byte) bool {
	if len(header) < types.SubChannelHeaderSize {
		return false
	}
	found := false
	for i := range types.MaxOpenSubChannels {
		entry := header[i*types.SubChannelSize : (i+1)*types.SubChannelSize]
		if isZero(entry) {
			continue
		}
		if s.indexOf(sl, entry) < 0 {
			return false
		}
		found = true
	}
	return found
}

// P2PPending returns sessions with an unanswered P2P request to this session.
func (s *Store) P2PPending() []types.SessionID {
	return sessionIDs(s.slotList(s.l.p2pPending))
}

// P2PAccepted returns sessions with an open P2P link.
func (s *Store) P2PAccepted() []types.SessionID {
	return sessionIDs(s.slotList(s.l.p2pAccepted))
}

func sessionIDs(raw [][]byte) []types.SessionID {
	out := make([]types.SessionID, len(raw))
	for i, b := range raw {
		copy(out[i][:], b)
	}
	return out
}

// IsPending reports whether id has a pending P2P request.
func (s *Store) IsPending(id types.SessionID) bool {
	return !id.IsZero() && s.indexOf(s.l.p2pPending, id[:]) >= 0
}

// IsAccepted reports whether id has an open P2P link.
func (s *Store) IsAccepted(id types.SessionID) bool {
	return !id.IsZero() && s.indexOf(s.l.p2pAccepted, id[:]) >= 0
}

// AddPending records a P2P request.
func (s *Store) AddPending(id types.SessionID) error {
	if !s.slotAdd(s.l.p2pPending, id[:]) {
		return ErrP2PFull
	}
	return nil
}

// AcceptPending moves id from pending to accepted. It returns false when no
// matching request is pending.
func (s *Store) AcceptPending(id types.SessionID) (bool, error) {
	if !s.IsPending(id) {
		return false, nil
	}
	if !s.slotAdd(s.l.p2pAccepted, id[:]) {
		return false, ErrP2PFull
	}
	s.slotRemove(s.l.p2pPending, id[:])
	return true, nil
}

// AddAccepted records an open P2P link directly.
func (s *Store) AddAccepted(id types.SessionID) error {
	if !s.slotAdd(s.l.p2pAccepted, id[:]) {
		return ErrP2PFull
	}
	return nil
}

// RemoveP2P drops id from both lists and reports whether it was present.
func (s *Store) RemoveP2P(id types.SessionID) bool {
	a := s.slotRemove(s.l.p2pPending, id[:])
	b := s.slotRemove(s.l.p2pAccepted, id[:])
	return a || b
}

// CmdList names one of the executor lifecycle lists.
type CmdList int

// Lifecycle lists.
const (
	LoopCmds CmdList = iota
	MoreInputCmds
	PausedCmds
)

func (s *Store) cmdSlots(list CmdList) slots {
	switch list {
	case MoreInputCmds:
		return s.l.moreInputCmds
	case PausedCmds:
		return s.l.pausedCmds
	default:
		return s.l.loopCmds
	}
}

func cmdBytes(id uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, id)
}

// CmdIDs returns a list's command ids in insertion order.
func (s *Store) CmdIDs(list CmdList) []uint16 {
	raw := s.slotList(s.cmdSlots(list))
	out := make([]uint16, len(raw))
	for i, b := range raw {
		out[i] = binary.LittleEndian.Uint16(b)
	}
	return out
}

// HasCmd reports list membership.
func (s *Store) HasCmd(list CmdList, id uint16) bool {
	return id != 0 && s.indexOf(s.cmdSlots(list), cmdBytes(id)) >= 0
}

// AddCmd appends id to a list unless present.
func (s *Store) AddCmd(list CmdList, id uint16) error {
	if id == 0 {
		return nil
	}
	if !s.slotAdd(s.cmdSlots(list), cmdBytes(id)) {
		return ErrCmdListFull
	}
	return nil
}

// RemoveCmd removes id from a list.
func (s *Store) RemoveCmd(list CmdList, id uint16) bool {
	return s.slotRemove(s.cmdSlots(list), cmdBytes(id))
}

// SetCmds replaces a list's contents.
func (s *Store) SetCmds(list CmdList, ids []uint16) {
	sl := s.cmdSlots(list)
	s.zero(sl.field)
	for _, id := range ids {
		if s.AddCmd(list, id) != nil {
			return
		}
	}
}

// ClearCmds empties a list.
func (s *Store) ClearCmds(list CmdList) {
	s.zero(s.cmdSlots(list).field)
}
