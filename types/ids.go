package types

import "fmt"

// TypeID tags the payload of a frame.
type TypeID uint8

// Frame type ids.
const (
	TypeGenFile      TypeID = 1
	TypeText         TypeID = 2
	TypeErr          TypeID = 3
	TypePrivText     TypeID = 4
	TypeIdle         TypeID = 5
	TypeHostCert     TypeID = 6
	TypeFileInfo     TypeID = 7
	TypePeerInfo     TypeID = 8
	TypeMyInfo       TypeID = 9
	TypePeerStat     TypeID = 10
	TypeP2PRequest   TypeID = 11
	TypeP2PClose     TypeID = 12
	TypeP2POpen      TypeID = 13
	TypeBytes        TypeID = 14
	TypeSessionID    TypeID = 15
	TypeNewCmd       TypeID = 16
	TypeCmdID        TypeID = 17
	TypeBigText      TypeID = 18
	TypeTermCmd      TypeID = 19
	TypeHostVer      TypeID = 20
	TypePingPeers    TypeID = 21
	TypeChMemberInfo TypeID = 22
	TypeChID         TypeID = 23
	TypeKillCmd      TypeID = 24
	TypeYieldCmd     TypeID = 25
	TypeResumeCmd    TypeID = 26
	TypePromptText   TypeID = 27
	TypeProg         TypeID = 28
	TypeProgLast     TypeID = 29
	TypeAsyncPayload TypeID = 30

	// TypePrivIPC marks a control message consumed by the receiving actor.
	TypePrivIPC TypeID = 0xF0
	// TypePubIPC marks a control message the front end publishes to every session.
	TypePubIPC TypeID = 0xF1
)

// ReservedTypeFloor is the first type tag reserved for the private
// front-end/back-end leg. Clients may never send tags at or above it.
const ReservedTypeFloor TypeID = 0xF0

// Reserved reports whether t is reserved for internal use.
func (t TypeID) Reserved() bool {
	return t >= ReservedTypeFloor
}

// IsP2P reports whether t is one of the P2P negotiation types.
func (t TypeID) IsP2P() bool {
	return t == TypeP2PRequest || t == TypeP2POpen || t == TypeP2PClose
}

var typeNames = map[TypeID]string{
	TypeGenFile: "GEN_FILE", TypeText: "TEXT", TypeErr: "ERR", TypePrivText: "PRIV_TEXT",
	TypeIdle: "IDLE", TypeHostCert: "HOST_CERT", TypeFileInfo: "FILE_INFO",
	TypePeerInfo: "PEER_INFO", TypeMyInfo: "MY_INFO", TypePeerStat: "PEER_STAT",
	TypeP2PRequest: "P2P_REQUEST", TypeP2PClose: "P2P_CLOSE", TypeP2POpen: "P2P_OPEN",
	TypeBytes: "BYTES", TypeSessionID: "SESSION_ID", TypeNewCmd: "NEW_CMD",
	TypeCmdID: "CMD_ID", TypeBigText: "BIG_TEXT", TypeTermCmd: "TERM_CMD",
	TypeHostVer: "HOST_VER", TypePingPeers: "PING_PEERS", TypeChMemberInfo: "CH_MEMBER_INFO",
	TypeChID: "CH_ID", TypeKillCmd: "KILL_CMD", TypeYieldCmd: "YIELD_CMD",
	TypeResumeCmd: "RESUME_CMD", TypePromptText: "PROMPT_TEXT", TypeProg: "PROG",
	TypeProgLast: "PROG_LAST", TypeAsyncPayload: "ASYNC_PAYLOAD",
	TypePrivIPC: "PRIV_IPC", TypePubIPC: "PUB_IPC",
}

func (t TypeID) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// AsyncID identifies a control message. Async ids share the command id space
// but sit below the first provider block.
type AsyncID uint16

// Async control ids.
const (
	AsyncRdy             AsyncID = 1
	AsyncSysMsg          AsyncID = 2
	AsyncCast            AsyncID = 4
	AsyncLogout          AsyncID = 6
	AsyncUserDeleted     AsyncID = 7
	AsyncDispRenamed     AsyncID = 8
	AsyncUserRankChanged AsyncID = 9
	AsyncCmdRanksChanged AsyncID = 10
	AsyncEnableMod       AsyncID = 12
	AsyncDisableMod      AsyncID = 13
	AsyncEndSession      AsyncID = 14
	AsyncUserLogin       AsyncID = 15
	AsyncToPeer          AsyncID = 16
	AsyncLimitedCast     AsyncID = 17
	AsyncRWMyInfo        AsyncID = 18
	AsyncP2P             AsyncID = 19
	AsyncCloseP2P        AsyncID = 20
	AsyncNewChMember     AsyncID = 21
	AsyncDelCh           AsyncID = 22
	AsyncRenameCh        AsyncID = 23
	AsyncChActFlag       AsyncID = 24
	AsyncNewSubCh        AsyncID = 25
	AsyncRmSubCh         AsyncID = 26
	AsyncRenameSubCh     AsyncID = 27
	AsyncInvitedToCh     AsyncID = 28
	AsyncRmChMember      AsyncID = 29
	AsyncInviteAccepted  AsyncID = 30
	AsyncMemLevelChanged AsyncID = 31
	AsyncSubChLevelChg   AsyncID = 32
	AsyncAddRdonly       AsyncID = 33
	AsyncRmRdonly        AsyncID = 34
	AsyncAddCmd          AsyncID = 35
	AsyncRmCmd           AsyncID = 36
	AsyncUserRenamed     AsyncID = 37
	AsyncPingPeers       AsyncID = 38
	AsyncOpenSubCh       AsyncID = 39
	AsyncCloseSubCh      AsyncID = 40
	AsyncKeepAlive       AsyncID = 42
	AsyncSetDir          AsyncID = 43
	AsyncDebugText       AsyncID = 44
	AsyncHookInput       AsyncID = 45
	AsyncUnhook          AsyncID = 46
)

var asyncNames = map[AsyncID]string{
	AsyncRdy: "RDY", AsyncSysMsg: "SYS_MSG", AsyncCast: "CAST", AsyncLogout: "LOGOUT",
	AsyncUserDeleted: "USER_DELETED", AsyncDispRenamed: "DISP_RENAMED",
	AsyncUserRankChanged: "USER_RANK_CHANGED", AsyncCmdRanksChanged: "CMD_RANKS_CHANGED",
	AsyncEnableMod: "ENABLE_MOD", AsyncDisableMod: "DISABLE_MOD", AsyncEndSession: "END_SESSION",
	AsyncUserLogin: "USER_LOGIN", AsyncToPeer: "TO_PEER", AsyncLimitedCast: "LIMITED_CAST",
	AsyncRWMyInfo: "RW_MY_INFO", AsyncP2P: "P2P", AsyncCloseP2P: "CLOSE_P2P",
	AsyncNewChMember: "NEW_CH_MEMBER", AsyncDelCh: "DEL_CH", AsyncRenameCh: "RENAME_CH",
	AsyncChActFlag: "CH_ACT_FLAG", AsyncNewSubCh: "NEW_SUB_CH", AsyncRmSubCh: "RM_SUB_CH",
	AsyncRenameSubCh: "RENAME_SUB_CH", AsyncInvitedToCh: "INVITED_TO_CH",
	AsyncRmChMember: "RM_CH_MEMBER", AsyncInviteAccepted: "INVITE_ACCEPTED",
	AsyncMemLevelChanged: "MEM_LEVEL_CHANGED", AsyncSubChLevelChg: "SUB_CH_LEVEL_CHG",
	AsyncAddRdonly: "ADD_RDONLY", AsyncRmRdonly: "RM_RDONLY", AsyncAddCmd: "ADD_CMD",
	AsyncRmCmd: "RM_CMD", AsyncUserRenamed: "USER_RENAMED", AsyncPingPeers: "PING_PEERS",
	AsyncOpenSubCh: "OPEN_SUBCH", AsyncCloseSubCh: "CLOSE_SUBCH", AsyncKeepAlive: "KEEP_ALIVE",
	AsyncSetDir: "SET_DIR", AsyncDebugText: "DEBUG_TEXT", AsyncHookInput: "HOOK_INPUT",
	AsyncUnhook: "UNHOOK",
}

func (a AsyncID) String() string {
	if name, ok := asyncNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ASYNC(%d)", uint16(a))
}

// Known reports whether a is part of the control message catalog.
func (a AsyncID) Known() bool {
	_, ok := asyncNames[a]
	return ok
}

// RetCode is the completion code carried by an IDLE frame.
type RetCode uint16

// Completion codes.
const (
	RetNoErrors      RetCode = 1
	RetAborted       RetCode = 2
	RetInvalidParams RetCode = 3
	RetCrash         RetCode = 4
	RetFailedToStart RetCode = 5
	RetExecutionFail RetCode = 6
	RetCustom        RetCode = 7
)

// MemberLevel is a channel member's access level. Lower is more privileged.
type MemberLevel uint8

// Channel member levels.
const (
	LevelOwner   MemberLevel = 1
	LevelAdmin   MemberLevel = 2
	LevelOfficer MemberLevel = 3
	LevelRegular MemberLevel = 4
	LevelPublic  MemberLevel = 5
)
