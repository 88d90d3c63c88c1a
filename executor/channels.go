package executor

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// PeerInfoOf builds the PEER_INFO / MY_INFO record for a session.
func PeerInfoOf(snap state.Snapshot) ipc.PeerInfo {
	info := ipc.PeerInfo{
		SessionID:   snap.SessionID[:],
		UserName:    snap.UserName,
		DisplayName: snap.DisplayName,
		GroupName:   snap.GroupName,
		AppName:     snap.AppName,
		ClientIP:    snap.ClientIP,
		HostRank:    snap.HostRank,
		LoggedIn:    snap.LoggedIn(),
	}
	if snap.LoggedIn() {
		info.UserID = snap.UserID[:]
	}
	return info
}

func (e *Executor) openChannel(replyTo uint16, sc types.SubChannel) bool {
	e.debug(fmt.Sprintf("open sub-channel: %s", sc))
	switch {
	case sc.ChannelID == 0:
		e.emitText(replyTo, types.TypeErr, "err: '0' is not a valid channel id.\n")
		return false
	case len(e.st.OpenSubChannels()) >= types.MaxOpenSubChannels:
		e.emitText(replyTo, types.TypeErr, fmt.Sprintf("err: The maximum amount of open sub-channels reached (%d).\n", types.MaxOpenSubChannels))
		return false
	case e.st.IsOpen(sc):
		e.emitText(replyTo, types.TypeErr, "err: The requested sub-channel is already open.\n")
		return false
	}
	if e.db == nil {
		e.emitText(replyTo, types.TypeErr, "err: The requested sub-channel does not exist.\n")
		return false
	}

	ctx := e.env.Context()
	sub, err := e.db.SubChannel(ctx, sc.ChannelID, sc.SubID)
	if errors.Is(err, store.ErrNotFound) {
		e.emitText(replyTo, types.TypeErr, "err: The requested sub-channel does not exist.\n")
		return false
	}
	if err != nil {
		e.storeFailure(replyTo, "open sub-channel", err)
		return false
	}

	level, err := e.accessLevel(sc.ChannelID)
	if err != nil {
		e.storeFailure(replyTo, "open sub-channel", err)
		return false
	}
	if level > sub.LowestLevel {
		e.emitText(replyTo, types.TypeErr, "err: Access denied.\n")
		return false
	}
	readOnly, err := e.db.IsReadOnly(ctx, sc.ChannelID, sc.SubID, level)
	if err != nil {
		e.storeFailure(replyTo, "open sub-channel", err)
		return false
	}

	if err := e.st.OpenSubChannel(sc, !readOnly); err != nil {
		e.emitText(replyTo, types.TypeErr, "err: "+err.Error()+"\n")
		return false
	}
	e.refreshActiveUpdate()
	if sub.ActiveUpdate {
		e.peerStat(sc, true)
	}
	return true
}

func (e *Executor) closeChannel(replyTo uint16, sc types.SubChannel) bool {
	e.debug(fmt.Sprintf("close sub-channel: %s", sc))
	if sc.ChannelID == 0 {
		e.emitText(replyTo, types.TypeErr, "err: '0' is not a valid channel id.\n")
		return false
	}
	if !e.st.CloseSubChannel(sc) {
		e.emitText(replyTo, types.TypeErr, "err: The requested sub-channel is not open.\n")
		return false
	}
	e.afterClose([]types.SubChannel{sc})
	return true
}

// afterClose announces closed sub-channels and recomputes the active update
// flag.
func (e *Executor) afterClose(closed []types.SubChannel) {
	for _, sc := range closed {
		if e.db == nil {
			continue
		}
		sub, err := e.db.SubChannel(e.env.Context(), sc.ChannelID, sc.SubID)
		if err == nil && sub.ActiveUpdate {
			e.peerStat(sc, false)
		}
	}
	e.refreshActiveUpdate()
}

// accessLevel returns the session's member level in a channel. The owner
// override flag grants owner access everywhere; non-members are public.
func (e *Executor) accessLevel(channelID uint64) (types.MemberLevel, error) {
	if e.st.ChOwnerOverride() {
		return types.LevelOwner, nil
	}
	if !e.st.LoggedIn() || !e.st.HasChannel(channelID) {
		return types.LevelPublic, nil
	}
	level, err := e.db.MemberLevel(e.env.Context(), channelID, e.st.UserID())
	if errors.Is(err, store.ErrNotFound) {
		return types.LevelPublic, nil
	}
	return level, err
}

// refreshActiveUpdate sets the active update flag when any open sub-channel
// has active updates enabled.
func (e *Executor) refreshActiveUpdate() {
	active := false
	if e.db != nil {
		for _, sc := range e.st.OpenSubChannels() {
			sub, err := e.db.SubChannel(e.env.Context(), sc.ChannelID, sc.SubID)
			if err == nil && sub.ActiveUpdate {
				active = true
				break
			}
		}
	}
	e.st.SetActiveUpdate(active)
}

func (e *Executor) peerStat(sc types.SubChannel, open bool) {
	sid := e.st.SessionID()
	payload := ipc.MustEncode(ipc.PeerStat{
		SessionID: sid[:],
		ChannelID: sc.ChannelID,
		SubID:     sc.SubID,
		Open:      open,
	})
	e.backend(types.AsyncLimitedCast, ipc.CastTo(sc, types.TypePeerStat, payload).Encode(), false)
}

func (e *Executor) storeFailure(replyTo uint16, op string, err error) {
	e.logger.Error("store failure", map[string]any{"op": op, "error": err.Error()})
	e.emitText(replyTo, types.TypeErr, "err: Internal database failure.\n")
	if rt, ok := e.cmds[replyTo]; ok {
		rt.retCode = types.RetExecutionFail
	}
}

// broadcast casts a payload to every writable open sub-channel.
func (e *Executor) broadcast(t types.TypeID, payload []byte) bool {
	if blockedType(t) || t.IsP2P() {
		return false
	}
	if len(e.st.WritableSubChannels()) == 0 {
		return false
	}
	e.debug(fmt.Sprintf("cast: type %s, %d bytes", t, len(payload)))
	c := ipc.Cast{Header: e.st.WritableHeader(), Type: t, Data: payload}
	e.backend(types.AsyncCast, c.Encode(), false)
	return true
}

// toPeer sends a payload to one session, enforcing the P2P state machine:
// a request records dst as pending, open accepts a pending peer, close drops
// a peer from either list and any other type needs an accepted peer.
func (e *Executor) toPeer(replyTo uint16, dst types.SessionID, t types.TypeID, payload []byte) bool {
	e.debug(fmt.Sprintf("to peer: %s, type %s", dst, t))
	self := e.st.SessionID()

	reject := func(msg string) bool {
		e.emitText(replyTo, types.TypeErr, "err: "+msg+"\n")
		return false
	}

	switch {
	case blockedType(t):
		return reject(fmt.Sprintf("Type %s cannot be sent to a peer.", t))
	case dst.IsZero() || dst == self:
		return reject("Invalid peer session id.")
	}

	pending, accepted := e.st.IsPending(dst), e.st.IsAccepted(dst)
	switch t {
	case types.TypeP2PRequest:
		if pending || accepted {
			return reject("A P2P request to this peer is already pending or accepted.")
		}
		if err := e.st.AddPending(dst); err != nil {
			return reject(err.Error())
		}
		payload = ipc.MustEncode(PeerInfoOf(e.st.Snapshot()))
	case types.TypeP2POpen:
		if !pending || accepted {
			return reject("There is no pending P2P request from this peer.")
		}
		if _, err := e.st.AcceptPending(dst); err != nil {
			return reject(err.Error())
		}
		payload = self[:]
	case types.TypeP2PClose:
		if !pending && !accepted {
			return reject("This peer has no P2P link with the session.")
		}
		e.st.RemoveP2P(dst)
		payload = self[:]
	default:
		if !accepted {
			return reject("The peer has not accepted a P2P link with this session.")
		}
	}

	id := types.AsyncToPeer
	if t.IsP2P() {
		id = types.AsyncP2P
	}
	e.backend(id, ipc.Direct{Dst: dst, Src: self, Type: t, Data: payload}.Encode(), false)
	return true
}

// Login establishes a user identity for the session and reloads the catalog.
func (e *Executor) Login(user types.UserID) error {
	e.st.Lock()
	defer e.st.Unlock()
	return e.login(user)
}

func (e *Executor) login(id types.UserID) error {
	if e.db == nil {
		return errors.New("login: no store")
	}
	e.debug("login: " + id.String())

	ctx := e.env.Context()
	u, err := e.db.UserByID(ctx, id)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	channels, err := e.db.ChannelsForUser(ctx, id)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if e.st.LoggedIn() {
		e.dropLinks()
		e.st.ClearIdentity()
	}
	e.st.SetUserID(u.ID)
	e.st.SetUserName(u.Name)
	e.st.SetDisplayName(u.DisplayName)
	e.st.SetGroupName(u.GroupName)
	e.st.SetHostRank(u.HostRank)
	e.st.SetChannels(channels)

	e.sendMyInfo()
	e.reload()
	return nil
}

// Logout returns the session to anonymous.
func (e *Executor) Logout() {
	e.st.Lock()
	defer e.st.Unlock()
	e.logout()
}

func (e *Executor) logout() {
	e.debug("logout")
	e.dropLinks()
	e.st.ClearIdentity()
	e.sendMyInfo()
	e.reload()
}

// dropLinks tells peers that this session's P2P links and open sub-channels
// are going away.
func (e *Executor) dropLinks() {
	if len(e.st.P2PPending())+len(e.st.P2PAccepted()) > 0 {
		sid := e.st.SessionID()
		e.backend(types.AsyncCloseP2P, sid[:], false)
	}
	open := e.st.OpenSubChannels()
	for _, sc := range open {
		e.st.CloseSubChannel(sc)
	}
	e.afterClose(open)
}

// SendMyInfo sends the session's own PeerInfo to the client.
func (e *Executor) SendMyInfo() {
	e.st.Lock()
	defer e.st.Unlock()
	e.sendMyInfo()
}

func (e *Executor) sendMyInfo() {
	e.emit(uint16(types.AsyncRWMyInfo), types.TypeMyInfo, ipc.MustEncode(PeerInfoOf(e.st.Snapshot())))
}

// OpenSubChannel opens a sub-channel on behalf of the front end. Errors are
// reported to the client under replyTo.
func (e *Executor) OpenSubChannel(replyTo uint16, sc types.SubChannel) bool {
	e.st.Lock()
	defer e.st.Unlock()
	return e.openChannel(replyTo, sc)
}

// CloseSubChannel closes a sub-channel on behalf of the front end.
func (e *Executor) CloseSubChannel(replyTo uint16, sc types.SubChannel) bool {
	e.st.Lock()
	defer e.st.Unlock()
	return e.closeChannel(replyTo, sc)
}

// DropSubChannels closes sub-channels that were invalidated elsewhere, for
// example by a membership or level change.
func (e *Executor) DropSubChannels(closed []types.SubChannel) {
	e.st.Lock()
	defer e.st.Unlock()
	for _, sc := range closed {
		e.st.CloseSubChannel(sc)
	}
	e.afterClose(closed)
}

// RefreshActiveUpdate recomputes the active update flag.
func (e *Executor) RefreshActiveUpdate() {
	e.st.Lock()
	defer e.st.Unlock()
	e.refreshActiveUpdate()
}

// Revalidate rechecks every open sub-channel against the store after a
// channel, level or read-only change. Sub-channels that vanished or are no
// longer accessible are closed; writability follows the read-only flags.
// It returns the closed sub-channels.
func (e *Executor) Revalidate() []types.SubChannel {
	e.st.Lock()
	defer e.st.Unlock()
	if e.db == nil {
		return nil
	}
	e.debug("revalidate sub-channels")

	ctx := e.env.Context()
	var closed []types.SubChannel
	for _, sc := range e.st.OpenSubChannels() {
		sub, err := e.db.SubChannel(ctx, sc.ChannelID, sc.SubID)
		if errors.Is(err, store.ErrNotFound) {
			closed = append(closed, sc)
			continue
		}
		if err != nil {
			e.logger.Warn("revalidate failed", map[string]any{"sub_channel": sc.String(), "error": err.Error()})
			continue
		}
		level, err := e.accessLevel(sc.ChannelID)
		if err != nil {
			continue
		}
		if level > sub.LowestLevel {
			closed = append(closed, sc)
			continue
		}
		readOnly, err := e.db.IsReadOnly(ctx, sc.ChannelID, sc.SubID, level)
		if err == nil {
			e.st.SetWritable(sc, !readOnly)
		}
	}
	for _, sc := range closed {
		e.st.CloseSubChannel(sc)
	}
	// Closing a vanished sub-channel announces nothing: afterClose only
	// reaches peers of sub-channels still in the store.
	e.afterClose(closed)
	return closed
}
