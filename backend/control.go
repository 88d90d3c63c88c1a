package backend

import (
	"github.com/pithecene-io/mrci/executor"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/types"
)

// handleControl interprets one control message from the front end. Every
// handler checks relevance first and mutates the state under its lock.
func (b *backend) handleControl(id types.AsyncID, payload []byte) {
	switch id {
	case types.AsyncUserLogin:
		b.userLogin(payload)
	case types.AsyncLogout, types.AsyncUserDeleted:
		b.forcedLogout(id, payload)
	case types.AsyncUserRenamed, types.AsyncDispRenamed:
		b.renamed(id, payload)
	case types.AsyncUserRankChanged:
		b.rankChanged(payload)
	case types.AsyncCmdRanksChanged, types.AsyncEnableMod, types.AsyncDisableMod,
		types.AsyncAddCmd, types.AsyncRmCmd:
		b.exec.Reload()
	case types.AsyncCast:
		b.cast(payload, false)
	case types.AsyncLimitedCast:
		b.cast(payload, true)
	case types.AsyncToPeer:
		b.direct(id, payload, false)
	case types.AsyncP2P:
		b.direct(id, payload, true)
	case types.AsyncCloseP2P:
		b.closeP2P(payload)
	case types.AsyncNewChMember, types.AsyncInviteAccepted:
		b.memberAdded(id, payload)
	case types.AsyncRmChMember:
		b.memberRemoved(id, payload)
	case types.AsyncDelCh:
		b.channelDeleted(id, payload)
	case types.AsyncRenameCh, types.AsyncRenameSubCh, types.AsyncNewSubCh, types.AsyncChActFlag,
		types.AsyncInvitedToCh:
		b.channelNotice(id, payload, false)
	case types.AsyncRmSubCh, types.AsyncSubChLevelChg, types.AsyncMemLevelChanged,
		types.AsyncAddRdonly, types.AsyncRmRdonly:
		b.channelNotice(id, payload, true)
	case types.AsyncOpenSubCh:
		if sc, ok := b.subChannel(payload); ok {
			b.exec.OpenSubChannel(uint16(id), sc)
		}
	case types.AsyncCloseSubCh:
		if sc, ok := b.subChannel(payload); ok {
			b.exec.CloseSubChannel(uint16(id), sc)
		}
	case types.AsyncEndSession:
		b.exec.TermAll()
		b.ended = true
	case types.AsyncSysMsg:
		b.client(id, types.TypeText, payload)
	default:
		b.logger.Warn("unknown control message", map[string]any{"async_id": uint16(id), "size": len(payload)})
	}
}

// client relays a frame to the client under an async id.
func (b *backend) client(id types.AsyncID, t types.TypeID, payload []byte) {
	b.send(ipc.SessionFrame{Type: t, CmdID: uint16(id), Payload: payload})
}

func (b *backend) badPayload(id types.AsyncID, err error) {
	b.logger.Warn("malformed control message", map[string]any{"async_id": uint16(id), "error": err.Error()})
}

func (b *backend) userLogin(payload []byte) {
	ev, err := ipc.DecodeUserEvent(payload)
	if err != nil {
		b.badPayload(types.AsyncUserLogin, err)
		return
	}
	if err := b.exec.Login(ev.User); err != nil {
		b.logger.Error("login failed", map[string]any{"user_id": ev.User.String(), "error": err.Error()})
		b.client(types.AsyncSysMsg, types.TypeErr, []byte("err: Login failed.\n"))
	}
}

// forMe reports whether a user event targets this session's user.
func (b *backend) forMe(user types.UserID) bool {
	return !user.IsZero() && b.st.UserID() == user
}

func (b *backend) forcedLogout(id types.AsyncID, payload []byte) {
	ev, err := ipc.DecodeUserEvent(payload)
	if err != nil {
		b.badPayload(id, err)
		return
	}
	if !b.forMe(ev.User) {
		return
	}
	b.exec.Logout()
	msg := "Your account was logged out by the host.\n"
	if id == types.AsyncUserDeleted {
		msg = "Your account was deleted.\n"
	}
	b.client(types.AsyncSysMsg, types.TypeText, []byte(msg))
}

func (b *backend) renamed(id types.AsyncID, payload []byte) {
	ev, err := ipc.DecodeUserEvent(payload)
	if err != nil {
		b.badPayload(id, err)
		return
	}
	if !b.forMe(ev.User) {
		return
	}

	b.st.Lock()
	if id == types.AsyncUserRenamed {
		b.st.SetUserName(string(ev.Data))
	} else {
		b.st.SetDisplayName(string(ev.Data))
	}
	snap := b.st.Snapshot()
	b.st.Unlock()

	b.exec.SendMyInfo()
	if snap.ActiveUpdate && len(snap.OpenSubChannels) > 0 {
		c := ipc.Cast{
			Header: ipc.HeaderOf(snap.OpenSubChannels),
			Type:   types.TypePeerInfo,
			Data:   ipc.MustEncode(executor.PeerInfoOf(snap)),
		}
		b.control(types.AsyncLimitedCast, c.Encode())
	}
}

func (b *backend) rankChanged(payload []byte) {
	ev, err := ipc.DecodeUserEvent(payload)
	if err != nil {
		b.badPayload(types.AsyncUserRankChanged, err)
		return
	}
	rank, ok := ev.Rank()
	if !ok || !b.forMe(ev.User) {
		return
	}
	b.st.Lock()
	b.st.SetHostRank(rank)
	b.st.Unlock()
	b.exec.SendMyInfo()
	b.exec.Reload()
}

// cast relays a broadcast when its header matches an open sub-channel.
// PING_PEERS is answered rather than relayed.
func (b *backend) cast(payload []byte, limited bool) {
	c, err := ipc.DecodeCast(payload)
	if err != nil {
		b.badPayload(types.AsyncCast, err)
		return
	}

	b.st.Lock()
	match := b.st.MatchAnyOpen(c.Header)
	active := b.st.ActiveUpdate()
	snap := b.st.Snapshot()
	b.st.Unlock()

	if !match || (limited && !active) {
		return
	}
	if c.Type == types.TypePingPeers {
		b.answerPing(snap, c.Data)
		return
	}
	id := types.AsyncCast
	if limited {
		id = types.AsyncLimitedCast
	}
	b.client(id, c.Type, c.Data)
}

func (b *backend) answerPing(snap state.Snapshot, data []byte) {
	if !snap.ActiveUpdate {
		return
	}
	requester, err := types.ParseSessionID(data)
	if err != nil || requester == snap.SessionID {
		return
	}
	d := ipc.Direct{
		Dst:  requester,
		Src:  snap.SessionID,
		Type: types.TypePeerInfo,
		Data: ipc.MustEncode(executor.PeerInfoOf(snap)),
	}
	b.control(types.AsyncToPeer, d.Encode())
}

// direct relays a peer message addressed to this session, applying the
// receiving side of the P2P state machine. The client gets src(28) | data.
func (b *backend) direct(id types.AsyncID, payload []byte, p2pOnly bool) {
	d, err := ipc.DecodeDirect(payload)
	if err != nil {
		b.badPayload(id, err)
		return
	}
	if p2pOnly && !d.Type.IsP2P() {
		return
	}

	b.st.Lock()
	relay := b.st.SessionID() == d.Dst && b.acceptPeer(d)
	b.st.Unlock()
	if !relay {
		return
	}
	b.client(id, d.Type, append(append([]byte(nil), d.Src[:]...), d.Data...))
}

// acceptPeer applies the P2P rules for a message from d.Src. The state lock
// must be held.
func (b *backend) acceptPeer(d ipc.Direct) bool {
	switch d.Type {
	case types.TypeP2PRequest:
		if b.st.IsPending(d.Src) || b.st.IsAccepted(d.Src) {
			return false
		}
		if err := b.st.AddPending(d.Src); err != nil {
			b.logger.Warn("p2p request dropped", map[string]any{"peer": d.Src.String(), "error": err.Error()})
			return false
		}
		return true
	case types.TypeP2POpen:
		ok, err := b.st.AcceptPending(d.Src)
		return ok && err == nil
	case types.TypeP2PClose:
		return b.st.RemoveP2P(d.Src)
	case types.TypePeerInfo:
		// Host generated ping answers; clients cannot send this type.
		return true
	default:
		return b.st.IsAccepted(d.Src)
	}
}

func (b *backend) closeP2P(payload []byte) {
	src, err := types.ParseSessionID(payload)
	if err != nil {
		b.badPayload(types.AsyncCloseP2P, err)
		return
	}
	b.st.Lock()
	removed := b.st.RemoveP2P(src)
	b.st.Unlock()
	if removed {
		b.client(types.AsyncCloseP2P, types.TypeP2PClose, src[:])
	}
}

func (b *backend) memberAdded(id types.AsyncID, payload []byte) {
	ev, err := ipc.DecodeChannelEvent(payload)
	if err != nil {
		b.badPayload(id, err)
		return
	}
	user, _, ok := ev.Member()
	if !ok || !b.forMe(user) {
		return
	}
	b.st.Lock()
	err = b.st.AddChannel(ev.ChannelID)
	b.st.Unlock()
	if err != nil {
		b.logger.Warn("channel list full", map[string]any{"channel_id": ev.ChannelID, "error": err.Error()})
		return
	}
	b.client(id, types.TypeChID, payload)
}

func (b *backend) memberRemoved(id types.AsyncID, payload []byte) {
	ev, err := ipc.DecodeChannelEvent(payload)
	if err != nil {
		b.badPayload(id, err)
		return
	}
	user, _, ok := ev.Member()
	if !ok || !b.forMe(user) {
		return
	}
	b.leaveChannel(ev.ChannelID)
	b.client(id, types.TypeChID, payload)
}

func (b *backend) channelDeleted(id types.AsyncID, payload []byte) {
	ev, err := ipc.DecodeChannelEvent(payload)
	if err != nil {
		b.badPayload(id, err)
		return
	}
	b.st.Lock()
	member := b.st.HasChannel(ev.ChannelID)
	open := hasOpenSub(b.st.OpenSubChannels(), ev.ChannelID)
	b.st.Unlock()
	if !member && !open {
		return
	}
	b.leaveChannel(ev.ChannelID)
	b.client(id, types.TypeChID, payload)
}

// leaveChannel drops a channel from the member list and closes its
// sub-channels.
func (b *backend) leaveChannel(ch uint64) {
	b.st.Lock()
	b.st.RemoveChannel(ch)
	var closed []types.SubChannel
	for _, sc := range b.st.OpenSubChannels() {
		if sc.ChannelID == ch {
			closed = append(closed, sc)
		}
	}
	b.st.Unlock()
	if len(closed) > 0 {
		b.exec.DropSubChannels(closed)
	}
}

// channelNotice forwards a channel change to the client when the session
// is a member of the channel or has one of its sub-channels open.
func (b *backend) channelNotice(id types.AsyncID, payload []byte, revalidate bool) {
	ev, err := ipc.DecodeChannelEvent(payload)
	if err != nil {
		b.badPayload(id, err)
		return
	}
	b.st.Lock()
	relevant := b.st.HasChannel(ev.ChannelID) || hasOpenSub(b.st.OpenSubChannels(), ev.ChannelID)
	b.st.Unlock()
	if !relevant {
		return
	}
	if revalidate {
		for _, sc := range b.exec.Revalidate() {
			b.client(types.AsyncCloseSubCh, types.TypeChID, ipc.SubEvent(sc, nil).Encode())
		}
	}
	if id == types.AsyncChActFlag {
		b.exec.RefreshActiveUpdate()
	}
	b.client(id, types.TypeChID, payload)
}

func (b *backend) subChannel(payload []byte) (types.SubChannel, bool) {
	ev, err := ipc.DecodeChannelEvent(payload)
	if err != nil {
		b.badPayload(types.AsyncOpenSubCh, err)
		return types.SubChannel{}, false
	}
	sc, _, ok := ev.Sub()
	return sc, ok
}

func hasOpenSub(open []types.SubChannel, ch uint64) bool {
	for _, sc := range open {
		if sc.ChannelID == ch {
			return true
		}
	}
	return false
}
