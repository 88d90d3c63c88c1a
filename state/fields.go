package state

import (
	"encoding/binary"
	"errors"

	"github.com/pithecene-io/mrci/types"
)

// Capacity errors for the fixed-size blocks.
var (
	ErrSubChannelsFull = errors.New("max open sub-channels reached")
	ErrP2PFull         = errors.New("max p2p links reached")
	ErrChannelsFull    = errors.New("max channels per user reached")
	ErrCmdListFull     = errors.New("command lifecycle list full")
)

// SessionID returns the session id stamped at creation.
func (s *Store) SessionID() types.SessionID {
	var id types.SessionID
	copy(id[:], s.bytes(s.l.sessionID))
	return id
}

// UserID returns the logged-in user's id; zero means anonymous.
func (s *Store) UserID() types.UserID {
	var id types.UserID
	copy(id[:], s.bytes(s.l.userID))
	return id
}

// SetUserID sets the logged-in user's id.
func (s *Store) SetUserID(id types.UserID) {
	copy(s.bytes(s.l.userID), id[:])
}

// LoggedIn reports whether a user is logged in on this session.
func (s *Store) LoggedIn() bool {
	return !isZero(s.bytes(s.l.userID))
}

// Identity fields. Setters truncate to the field width.

func (s *Store) UserName() string          { return s.readString(s.l.userName) }
func (s *Store) SetUserName(v string)      { s.writeString(s.l.userName, v) }
func (s *Store) DisplayName() string       { return s.readString(s.l.displayName) }
func (s *Store) SetDisplayName(v string)   { s.writeString(s.l.displayName, v) }
func (s *Store) GroupName() string         { return s.readString(s.l.groupName) }
func (s *Store) SetGroupName(v string)     { s.writeString(s.l.groupName, v) }
func (s *Store) AppName() string           { return s.readString(s.l.appName) }
func (s *Store) SetAppName(v string)       { s.writeString(s.l.appName, v) }
func (s *Store) ClientIP() string          { return s.readString(s.l.clientIP) }
func (s *Store) SetClientIP(v string)      { s.writeString(s.l.clientIP, v) }
func (s *Store) HostRank() uint32          { return s.readU32(s.l.hostRank) }
func (s *Store) SetHostRank(v uint32)      { s.writeU32(s.l.hostRank, v) }
func (s *Store) ActiveUpdate() bool        { return s.bytes(s.l.activeUpdate)[0] != 0 }
func (s *Store) ChOwnerOverride() bool     { return s.bytes(s.l.chOwnerOverride)[0] != 0 }
func (s *Store) SetActiveUpdate(v bool)    { s.bytes(s.l.activeUpdate)[0] = boolByte(v) }
func (s *Store) SetChOwnerOverride(v bool) { s.bytes(s.l.chOwnerOverride)[0] = boolByte(v) }

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// ClientVersion returns the version triple from the client's handshake.
func (s *Store) ClientVersion() types.ClientVersion {
	b := s.bytes(s.l.clientVersion)
	return types.ClientVersion{
		Major: binary.LittleEndian.Uint16(b[0:]),
		Minor: binary.LittleEndian.Uint16(b[2:]),
		Patch: binary.LittleEndian.Uint16(b[4:]),
	}
}

// SetClientVersion records the client's version triple.
func (s *Store) SetClientVersion(v types.ClientVersion) {
	b := s.bytes(s.l.clientVersion)
	binary.LittleEndian.PutUint16(b[0:], v.Major)
	binary.LittleEndian.PutUint16(b[2:], v.Minor)
	binary.LittleEndian.PutUint16(b[4:], v.Patch)
}

// ClearIdentity resets everything a login establishes: user identity, rank,
// flags, channel membership, open sub-channels and P2P links.
func (s *Store) ClearIdentity() {
	s.zero(s.l.userID)
	s.zero(s.l.userName)
	s.zero(s.l.displayName)
	s.zero(s.l.groupName)
	s.zero(s.l.hostRank)
	s.zero(s.l.activeUpdate)
	s.zero(s.l.chOwnerOverride)
	s.zero(s.l.chList.field)
	s.zero(s.l.openSubChs.field)
	s.zero(s.l.openWrSubChs.field)
	s.zero(s.l.p2pPending.field)
	s.zero(s.l.p2pAccepted.field)
}

// SetDebugInfo replaces the crash debug buffer, truncating to its capacity.
func (s *Store) SetDebugInfo(text string) {
	n := copy(s.bytes(s.l.debug), text)
	binary.LittleEndian.PutUint16(s.bytes(s.l.debugLen), uint16(n))
}

// DebugInfo returns the last text written with SetDebugInfo.
func (s *Store) DebugInfo() string {
	n := int(binary.LittleEndian.Uint16(s.bytes(s.l.debugLen)))
	n = min(n, s.l.debug.size)
	return string(s.bytes(s.l.debug)[:n])
}

// Snapshot is a plain copy of the region for read-only consumers.
type Snapshot struct {
	SessionID           types.SessionID
	UserID              types.UserID
	UserName            string
	DisplayName         string
	GroupName           string
	AppName             string
	ClientIP            string
	ClientVersion       types.ClientVersion
	HostRank            uint32
	ActiveUpdate        bool
	ChOwnerOverride     bool
	Channels            []uint64
	OpenSubChannels     []types.SubChannel
	WritableSubChannels []types.SubChannel
	P2PPending          []types.SessionID
	P2PAccepted         []types.SessionID
}

// LoggedIn reports whether the snapshot belongs to an authenticated session.
func (snap Snapshot) LoggedIn() bool {
	return !snap.UserID.IsZero()
}

// Snapshot copies every identity and membership field.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		SessionID:           s.SessionID(),
		UserID:              s.UserID(),
		UserName:            s.UserName(),
		DisplayName:         s.DisplayName(),
		GroupName:           s.GroupName(),
		AppName:             s.AppName(),
		ClientIP:            s.ClientIP(),
		ClientVersion:       s.ClientVersion(),
		HostRank:            s.HostRank(),
		ActiveUpdate:        s.ActiveUpdate(),
		ChOwnerOverride:     s.ChOwnerOverride(),
		Channels:            s.Channels(),
		OpenSubChannels:     s.OpenSubChannels(),
		WritableSubChannels: s.WritableSubChannels(),
		P2PPending:          s.P2PPending(),
		P2PAccepted:         s.P2PAccepted(),
	}
}
