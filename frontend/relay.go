package frontend

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"

	"github.com/pithecene-io/mrci/audit"
	"github.com/pithecene-io/mrci/broker"
	"github.com/pithecene-io/mrci/iox"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/types"
)

// readyText is written to the client each time a back end becomes ready.
const readyText = "\nReady!\n\n"

// Queue bounds.
const (
	busQueueSize = 256
	maxPending   = 4096
)

type clientFrame struct {
	f   ipc.SessionFrame
	err error
}

type legEventKind int

const (
	legAttached legEventKind = iota
	legFrame
	legClosed
)

// legEvent is produced by the goroutines of one back end generation.
type legEvent struct {
	gen   int
	kind  legEventKind
	conn  net.Conn
	frame ipc.SessionFrame
	err   error
}

// pendingFrame waits for the back end to become ready.
type pendingFrame struct {
	f      ipc.SessionFrame
	client bool
}

// leg is one back end generation and its connection.
type leg struct {
	gen     int
	backend Backend
	ln      net.Listener
	socket  string
	conn    net.Conn
	out     *outbox
	ready   bool
	// expected marks an exit the front end asked for (restart, teardown).
	expected bool
	// killed marks a kill that should count as a crash.
	killed bool
	// busy holds command ids with a forwarded frame and no IDLE yet.
	busy map[uint16]bool
}

func control(id types.AsyncID, payload []byte) ipc.SessionFrame {
	return ipc.SessionFrame{Type: types.TypePrivIPC, CmdID: uint16(id), Payload: payload}
}

func idleFrame(id uint16, code types.RetCode) ipc.SessionFrame {
	return ipc.SessionFrame{Type: types.TypeIdle, CmdID: id, Payload: binary.LittleEndian.AppendUint16(nil, uint16(code))}
}

// --- Loop ---

func (s *Session) run(ctx context.Context) error {
	if err := s.launch(ctx); err != nil {
		return err
	}
	for {
		var err error
		select {
		case <-ctx.Done():
			s.endReason = "host shutting down"
			return nil
		case in := <-s.clientIn:
			err = s.fromClient(ctx, in)
		case ev := <-s.legIn:
			s.fromLeg(ctx, ev)
		case <-s.legDone():
			err = s.backendExited(ctx)
		case ev := <-s.busIn:
			s.fromBus(ev)
		case <-s.attach.C:
			err = s.startFailed(fmt.Sprintf("back end did not attach within %s", s.cfg.AttachTimeout))
		case <-s.ready.C:
			err = s.startFailed(fmt.Sprintf("back end not ready within %s", s.cfg.ReadyTimeout))
		case <-s.idle.C:
			s.idleExpired()
		}
		if err != nil {
			return err
		}
		if s.writeErr != nil {
			if iox.IsExpectedClose(s.writeErr) {
				return sessionErr(SessionErrorTransport, "client disconnected", nil)
			}
			return sessionErr(SessionErrorTransport, "write to client", s.writeErr)
		}
		if s.ended {
			return nil
		}
	}
}

func (s *Session) legDone() <-chan struct{} {
	if s.leg == nil {
		return nil
	}
	return s.leg.backend.Done()
}

// launch starts a new back end generation on a fresh socket. Lifecycle
// lists left behind by a previous generation are cleared first.
func (s *Session) launch(ctx context.Context) error {
	s.gen++
	sock := filepath.Join(s.cfg.RuntimeDir, fmt.Sprintf("%s-%d.sock", s.id.String()[:12], s.gen))
	_ = os.Remove(sock)
	ln, err := net.Listen("unix", sock)
	if err != nil {
		s.deps.Metrics.IncBackendStartFailure()
		return sessionErr(SessionErrorIPC, "listen for back end", err)
	}

	s.st.Lock()
	s.st.ClearCmds(state.LoopCmds)
	s.st.ClearCmds(state.MoreInputCmds)
	s.st.ClearCmds(state.PausedCmds)
	s.st.Unlock()

	be, err := s.deps.Launcher.Launch(ctx, LaunchSpec{SessionID: s.id, StatePath: s.st.Path(), Socket: sock})
	if err != nil {
		_ = ln.Close()
		s.deps.Metrics.IncBackendStartFailure()
		return sessionErr(SessionErrorIPC, "launch back end", err)
	}

	l := &leg{gen: s.gen, backend: be, ln: ln, socket: sock, out: newOutbox(), busy: map[uint16]bool{}}
	s.leg = l
	go s.accept(l)
	s.attach.arm(s.cfg.AttachTimeout)
	s.logger.Debug("back end launched", map[string]any{"generation": l.gen, "socket": sock})
	return nil
}

func (s *Session) accept(l *leg) {
	conn, err := l.ln.Accept()
	ev := legEvent{gen: l.gen, kind: legAttached, conn: conn}
	if err != nil {
		ev = legEvent{gen: l.gen, kind: legClosed, err: err}
	}
	select {
	case s.legIn <- ev:
	case <-s.quit:
		if conn != nil {
			_ = conn.Close()
		}
	}
}

func (s *Session) readBackend(l *leg) {
	r := ipc.NewSessionReader(l.conn)
	for {
		f, err := r.Next()
		ev := legEvent{gen: l.gen, kind: legFrame, frame: f}
		if err != nil {
			ev = legEvent{gen: l.gen, kind: legClosed, err: err}
		}
		select {
		case s.legIn <- ev:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) writeBackend(l *leg) {
	for {
		f, ok := l.out.pop()
		if !ok {
			return
		}
		if err := ipc.WriteSessionFrame(l.conn, f); err != nil {
			if !iox.IsExpectedClose(err) {
				s.logger.Warn("write to back end failed", map[string]any{"generation": l.gen, "error": err.Error()})
			}
			return
		}
	}
}

func (s *Session) readClient() {
	r := ipc.NewSessionReader(s.conn)
	for {
		f, err := r.Next()
		select {
		case s.clientIn <- clientFrame{f: f, err: err}:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// closeLeg releases the current generation's resources.
func (s *Session) closeLeg() {
	l := s.leg
	if l == nil {
		return
	}
	s.attach.stop()
	s.ready.stop()
	s.idle.stop()
	if l.ln != nil {
		_ = l.ln.Close()
	}
	l.out.close()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	_ = os.Remove(l.socket)
	s.leg = nil
}

func (s *Session) startFailed(msg string) error {
	s.attach.stop()
	s.ready.stop()
	s.deps.Metrics.IncBackendStartFailure()
	return sessionErr(SessionErrorIPC, msg, nil)
}

func (s *Session) idleExpired() {
	s.idle.stop()
	l := s.leg
	if l == nil || l.expected || l.killed {
		return
	}
	s.deps.Metrics.IncIdleKill()
	s.logger.Warn("back end unresponsive, killing it", map[string]any{
		"generation": l.gen, "idle_timeout": s.cfg.IdleTimeout.String(), "busy": len(l.busy),
	})
	l.killed = true
	_ = l.backend.Kill()
}

// --- Back end ---

func (s *Session) fromLeg(ctx context.Context, ev legEvent) {
	l := s.leg
	if l == nil || ev.gen != l.gen {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	switch ev.kind {
	case legAttached:
		s.attached(l, ev.conn)
	case legFrame:
		s.fromBackend(ctx, l, ev.frame)
	case legClosed:
		s.legClosed(l, ev.err)
	}
}

func (s *Session) attached(l *leg, conn net.Conn) {
	s.attach.stop()
	_ = l.ln.Close()
	l.ln = nil
	l.conn = conn
	go s.writeBackend(l)
	go s.readBackend(l)
	s.ready.arm(s.cfg.ReadyTimeout)
	s.logger.Debug("back end attached", map[string]any{"generation": l.gen})
}

// legClosed handles a lost back end connection. A back end that is gone
// will report Done shortly; one that is still running is killed so the
// crash path runs.
func (s *Session) legClosed(l *leg, err error) {
	if l.expected || l.killed {
		return
	}
	var fe *ipc.FrameError
	if errors.As(err, &fe) {
		s.deps.Metrics.IncIPCDecodeErrors()
	}
	if !iox.IsExpectedClose(err) {
		s.logger.Warn("back end connection failed", map[string]any{"generation": l.gen, "error": err.Error()})
	}
	l.killed = true
	_ = l.backend.Kill()
}

func (s *Session) fromBackend(ctx context.Context, l *leg, f ipc.SessionFrame) {
	// Any back end traffic, keep-alives included, feeds the watchdog.
	if l.ready && len(l.busy) > 0 {
		s.idle.arm(s.cfg.IdleTimeout)
	}
	switch f.Type {
	case types.TypePrivIPC:
		s.fromBackendControl(ctx, l, f)
	case types.TypePubIPC:
		s.publish(f.Async(), f.Payload)
	case types.TypeIdle:
		delete(l.busy, f.CmdID)
		if len(l.busy) == 0 {
			s.idle.stop()
		}
		s.toClient(f)
	default:
		s.toClient(f)
	}
}

func (s *Session) fromBackendControl(ctx context.Context, l *leg, f ipc.SessionFrame) {
	switch id := f.Async(); id {
	case types.AsyncRdy:
		s.backendReady(l)
	case types.AsyncCast, types.AsyncLimitedCast:
		s.castFromBackend(ctx, id, f.Payload)
	case types.AsyncToPeer, types.AsyncP2P:
		if !ipc.StampSource(f.Payload, s.id) {
			s.deps.Metrics.IncIPCDecodeErrors()
			s.logger.Warn("short peer message from back end", map[string]any{"async_id": id.String(), "size": len(f.Payload)})
			return
		}
		s.publish(id, f.Payload)
	case types.AsyncCloseP2P:
		s.publish(id, s.id[:])
	case types.AsyncEndSession:
		s.ended = true
		s.endReason = "session closed by client"
	case types.AsyncKeepAlive:
	case types.AsyncSetDir, types.AsyncDebugText:
		s.logger.Debug("back end notice", map[string]any{"async_id": id.String(), "text": string(f.Payload)})
	default:
		s.logger.Warn("unexpected control message from back end", map[string]any{"async_id": id.String()})
	}
}

func (s *Session) backendReady(l *leg) {
	s.ready.stop()
	if !l.ready {
		l.ready = true
		s.deps.Metrics.IncBackendStart()
		s.logger.Info("back end ready", map[string]any{"generation": l.gen})
	}
	s.toClient(ipc.SessionFrame{Type: types.TypeText, CmdID: uint16(types.AsyncRdy), Payload: []byte(readyText)})

	pending := s.pending
	s.pending = nil
	for _, p := range pending {
		if p.client {
			s.forward(p.f)
		} else {
			l.out.push(p.f)
		}
	}
}

// castFromBackend publishes a broadcast after checking its header against
// the shared state. A CAST may only name writable sub-channels. A
// LIMITED_CAST carries host notices and may name any open sub-channel; a
// closing PEER_STAT may also name the sub-channel it reports closed.
//
// The state is read without its lock: the back end holds the lock while a
// handler runs, and a hung handler must not stall this loop.
func (s *Session) castFromBackend(ctx context.Context, id types.AsyncID, payload []byte) {
	c, err := ipc.DecodeCast(payload)
	if err != nil {
		s.deps.Metrics.IncIPCDecodeErrors()
		s.logger.Warn("malformed cast from back end", map[string]any{"error": err.Error()})
		return
	}
	var ok bool
	switch id {
	case types.AsyncCast:
		ok = s.st.HeaderWritable(c.Header)
	case types.AsyncLimitedCast:
		ok = s.limitedCastAllowed(c)
	}
	if !ok {
		s.deps.Metrics.IncCastDropped()
		s.logger.Warn("cast from back end refused", map[string]any{"async_id": id.String(), "type": c.Type.String()})
		s.record(ctx, audit.KindSuspiciousFrame, fmt.Sprintf("forged %s header, type %s", id, c.Type))
		return
	}
	s.publish(id, payload)
}

func (s *Session) limitedCastAllowed(c ipc.Cast) bool {
	if c.Type != types.TypePeerStat {
		return (c.Type == types.TypePeerInfo || c.Type == types.TypePingPeers) && s.st.HeaderWithin(c.Header)
	}

	var stat ipc.PeerStat
	if ipc.Decode(c.Data, &stat) != nil || !bytes.Equal(stat.SessionID, s.id[:]) {
		return false
	}
	sc := types.SubChannel{ChannelID: stat.ChannelID, SubID: stat.SubID}
	if !bytes.Equal(c.Header, ipc.HeaderOf([]types.SubChannel{sc})) {
		return false
	}
	if stat.Open {
		return s.st.IsOpen(sc)
	}
	return s.st.IsOpen(sc) || s.st.RecentlyClosed(sc)
}

func (s *Session) publish(id types.AsyncID, payload []byte) {
	s.deps.Bus.Publish(broker.Event{Kind: id, Source: s.id, Payload: bytes.Clone(payload)})
	s.deps.Metrics.IncCastPublished()
}

// backendExited handles the end of the current generation: a requested
// restart relaunches, anything else is a crash.
func (s *Session) backendExited(ctx context.Context) error {
	l := s.leg
	s.closeLeg()
	if l.expected {
		s.abortBusy(l, types.RetAborted)
		s.logger.Info("back end restarted on request", map[string]any{"generation": l.gen})
		return s.launch(ctx)
	}
	return s.crashed(ctx, l)
}

func (s *Session) crashed(ctx context.Context, l *leg) error {
	s.crashes++
	s.deps.Metrics.IncBackendCrash()

	s.st.Lock()
	debug := s.st.DebugInfo()
	s.st.Unlock()
	if debug == "" {
		debug = "none"
	}
	reason := "back end exited unexpectedly"
	if err := l.backend.Err(); err != nil {
		reason = err.Error()
	}
	s.logger.Error("back end crashed", map[string]any{"generation": l.gen, "reason": reason, "last_step": debug})

	s.toClient(ipc.SessionFrame{
		Type:    types.TypeErr,
		CmdID:   uint16(types.AsyncDebugText),
		Payload: fmt.Appendf(nil, "err: The session back end crashed (%s).\nerr: Last step: %s\n", reason, debug),
	})
	s.abortBusy(l, types.RetCrash)

	detail := fmt.Sprintf("%s; last step: %s", reason, debug)
	if s.deps.Store != nil {
		if err := s.deps.Store.AddDebugMessage(ctx, fmt.Sprintf("session %s: %s", s.id, detail)); err != nil {
			s.logger.Warn("debug message write failed", map[string]any{"error": err.Error()})
		}
	}
	s.record(ctx, audit.KindBackendCrash, detail)

	if s.breaker.record(s.now()) {
		s.deps.Metrics.IncBreakerTrip()
		msg := fmt.Sprintf("%d back end crashes within %s", s.breaker.count(), s.cfg.CrashWindow)
		s.record(ctx, audit.KindBreakerTrip, msg)
		s.toClient(ipc.SessionFrame{
			Type:    types.TypeErr,
			CmdID:   uint16(types.AsyncSysMsg),
			Payload: []byte("err: The session back end keeps crashing, closing the session.\n"),
		})
		return sessionErr(SessionErrorCrash, msg, nil)
	}
	return s.launch(ctx)
}

// abortBusy ends every command the lost generation was running.
func (s *Session) abortBusy(l *leg, code types.RetCode) {
	ids := make([]uint16, 0, len(l.busy))
	for id := range l.busy {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.toClient(idleFrame(id, code))
	}
}

// --- Client ---

func (s *Session) fromClient(ctx context.Context, in clientFrame) error {
	if in.err != nil {
		var fe *ipc.FrameError
		if errors.As(in.err, &fe) {
			s.deps.Metrics.IncIPCDecodeErrors()
		}
		if iox.IsExpectedClose(in.err) {
			return sessionErr(SessionErrorTransport, "client disconnected", nil)
		}
		return sessionErr(SessionErrorTransport, "read from client", in.err)
	}

	f := in.f
	switch {
	case f.Type.Reserved():
		s.deps.Metrics.IncSuspiciousFrame()
		s.logger.Warn("reserved frame type from client dropped", map[string]any{"type": f.Type.String(), "cmd_id": f.CmdID})
		s.record(ctx, audit.KindSuspiciousFrame, fmt.Sprintf("client sent %s for cmd %d", f.Type, f.CmdID))
	case f.Type == types.TypeKillCmd:
		s.restart()
	case s.leg != nil && s.leg.ready:
		s.forward(f)
	default:
		s.queue(f, true)
	}
	return nil
}

// restart kills the back end without counting a crash.
func (s *Session) restart() {
	l := s.leg
	if l == nil || l.expected || l.killed {
		return
	}
	l.expected = true
	s.logger.Info("client requested back end restart", map[string]any{"generation": l.gen})
	_ = l.backend.Kill()
}

func (s *Session) forward(f ipc.SessionFrame) {
	l := s.leg
	l.out.push(f)
	s.deps.Metrics.IncFrameFromClient()
	switch f.Type {
	case types.TypeYieldCmd:
		delete(l.busy, f.CmdID)
	case types.TypeTermCmd:
	default:
		l.busy[f.CmdID] = true
	}
	if len(l.busy) > 0 && !s.idle.armed() {
		s.idle.arm(s.cfg.IdleTimeout)
	}
}

func (s *Session) queue(f ipc.SessionFrame, client bool) {
	if len(s.pending) >= maxPending {
		if !client {
			s.deps.Metrics.IncCastDropped()
		}
		s.logger.Warn("back end not ready, frame dropped", map[string]any{"type": f.Type.String(), "cmd_id": f.CmdID})
		return
	}
	s.pending = append(s.pending, pendingFrame{f: f, client: client})
}

// toClient writes one frame to the client. The first failure is kept and
// ends the session loop.
func (s *Session) toClient(f ipc.SessionFrame) {
	if s.writeErr != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(s.now().Add(clientWriteTimeout))
	if err := ipc.WriteSessionFrame(s.conn, f); err != nil {
		s.writeErr = err
		return
	}
	s.deps.Metrics.IncFrameToClient()
}

// --- Bus ---

// Deliver implements broker.Subscriber. It never blocks the publisher.
func (s *Session) Deliver(ev broker.Event) {
	select {
	case s.busIn <- ev:
	default:
		s.deps.Metrics.IncCastDropped()
		s.logger.Warn("bus queue full, event dropped", map[string]any{"async_id": ev.Kind.String()})
	}
}

func (s *Session) fromBus(ev broker.Event) {
	if !s.relevant(ev) {
		return
	}
	s.deps.Metrics.IncCastDelivered()
	f := control(ev.Kind, ev.Payload)
	if l := s.leg; l != nil && l.ready {
		l.out.push(f)
		return
	}
	s.queue(f, false)
}

// relevant filters bus events before they reach the back end, which
// applies the same checks again under the lock. The reads here are lock-free
// and may be stale.
func (s *Session) relevant(ev broker.Event) bool {
	switch ev.Kind {
	case types.AsyncCast, types.AsyncLimitedCast:
		c, err := ipc.DecodeCast(ev.Payload)
		if err != nil {
			return false
		}
		return s.st.MatchAnyOpen(c.Header)
	case types.AsyncToPeer, types.AsyncP2P:
		d, err := ipc.DecodeDirect(ev.Payload)
		return err == nil && d.Dst == s.id
	case types.AsyncCloseP2P:
		peer, err := types.ParseSessionID(ev.Payload)
		if err != nil {
			return false
		}
		return s.st.IsPending(peer) || s.st.IsAccepted(peer)
	default:
		return true
	}
}
