// Package frontend runs the front half of a session: the client connection
// and its handshake, supervision of the session's back end, and the relay
// between the client, the back end and the session bus.
package frontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pithecene-io/mrci/adapter"
	"github.com/pithecene-io/mrci/audit"
	"github.com/pithecene-io/mrci/broker"
	"github.com/pithecene-io/mrci/certs"
	"github.com/pithecene-io/mrci/iox"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/metrics"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// Config holds the session timers and paths.
type Config struct {
	// RuntimeDir holds state regions and back end sockets.
	RuntimeDir string
	// HostName is reported in notifications and audit records.
	HostName string

	HandshakeTimeout time.Duration
	AttachTimeout    time.Duration
	ReadyTimeout     time.Duration
	IdleTimeout      time.Duration

	// CrashThreshold crashes within CrashWindow end the session.
	CrashThreshold int
	CrashWindow    time.Duration
}

// DefaultConfig returns the default timers.
func DefaultConfig() Config {
	return Config{
		RuntimeDir:       os.TempDir(),
		HandshakeTimeout: 15 * time.Second,
		AttachTimeout:    10 * time.Second,
		ReadyTimeout:     30 * time.Second,
		IdleTimeout:      120 * time.Second,
		CrashThreshold:   5,
		CrashWindow:      time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RuntimeDir == "" {
		c.RuntimeDir = d.RuntimeDir
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = d.AttachTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.CrashThreshold <= 0 {
		c.CrashThreshold = d.CrashThreshold
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = d.CrashWindow
	}
	return c
}

// Deps are the shared services a session uses. Launcher and Bus are
// required; everything else is optional.
type Deps struct {
	Launcher Launcher
	Certs    certs.Resolver
	Store    *store.Store
	Bus      *broker.Bus
	Metrics  *metrics.Collector
	Notifier adapter.Adapter
	Audit    audit.Recorder
	Logger   *log.Logger
	Now      func() time.Time
}

// Timing of the parts of a session that are not configurable.
const (
	clientWriteTimeout = 30 * time.Second
	teardownGrace      = 2 * time.Second
	notifyTimeout      = 10 * time.Second
	recordTimeout      = 5 * time.Second
)

// Session is one client connection and its back end.
type Session struct {
	cfg    Config
	deps   Deps
	logger *log.Logger

	raw      net.Conn
	conn     net.Conn
	id       types.SessionID
	hdr      ipc.ClientHeader
	clientIP string
	st       *state.Store
	started  time.Time

	clientIn chan clientFrame
	legIn    chan legEvent
	busIn    chan broker.Event
	quit     chan struct{}

	leg     *leg
	gen     int
	pending []pendingFrame
	breaker breaker
	crashes int

	attach watchdog
	ready  watchdog
	idle   watchdog

	writeErr   error
	ended      bool
	endReason  string
	notifyDone chan struct{}
}

// NewSession wraps an accepted connection. Call Serve to run it.
func NewSession(conn net.Conn, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = broker.NewBus()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Session{
		cfg:      cfg,
		deps:     deps,
		raw:      conn,
		conn:     conn,
		id:       NewSessionID(),
		clientIP: remoteIP(conn.RemoteAddr()),
		clientIn: make(chan clientFrame, 64),
		legIn:    make(chan legEvent, 64),
		busIn:    make(chan broker.Event, busQueueSize),
		quit:     make(chan struct{}),
		breaker:  breaker{threshold: cfg.CrashThreshold, window: cfg.CrashWindow},
	}
	s.logger = deps.Logger.With(map[string]any{"session_id": s.id.String(), "peer": s.clientIP})
	return s
}

// ID returns the session id sent to the client in the handshake reply.
func (s *Session) ID() types.SessionID { return s.id }

// ClientIP returns the client's address without the port.
func (s *Session) ClientIP() string { return s.clientIP }

// AppName returns the application name from the client header.
func (s *Session) AppName() string { return s.hdr.AppName }

func (s *Session) now() time.Time { return s.deps.Now() }

// Serve runs the session until the client leaves, the session is closed or
// ctx is cancelled. A nil or transport error is an ordinary end.
func (s *Session) Serve(ctx context.Context) error {
	defer iox.DiscardClose(s.raw)

	if err := s.handshake(ctx); err != nil {
		s.logger.Warn("handshake failed", map[string]any{"error": err.Error()})
		return err
	}
	if err := s.setup(ctx); err != nil {
		s.logger.Error("session setup failed", map[string]any{"error": err.Error()})
		return err
	}
	err := s.run(ctx)
	s.teardown(err)
	return err
}

// --- Handshake ---

func (s *Session) handshake(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = s.raw.SetDeadline(deadline)
	defer func() { _ = s.raw.SetDeadline(time.Time{}) }()

	hdr, err := ipc.ReadClientHeader(s.raw)
	if err != nil {
		return s.rejectHandshake(ctx, "read client header", err)
	}
	s.hdr = hdr
	s.logger = s.logger.With(map[string]any{"app": hdr.AppName})

	if !hdr.Version.Supported() {
		_ = s.reply(ipc.StatusVersionRejected)
		v := hdr.Version
		return s.rejectHandshake(ctx, fmt.Sprintf("client version %d.%d.%d not supported", v.Major, v.Minor, v.Patch), nil)
	}

	if isLoopback(s.raw.RemoteAddr()) {
		if err := s.reply(ipc.StatusOKNoTLS); err != nil {
			return sessionErr(SessionErrorTransport, "write handshake reply", err)
		}
		return nil
	}

	cert, err := s.resolveCert(hdr.CommonName)
	if err != nil {
		s.deps.Metrics.IncCertUnavailable()
		_ = s.reply(ipc.StatusCertUnavailable)
		s.record(ctx, audit.KindHandshakeRejected, "no certificate for "+hdr.CommonName)
		return sessionErr(SessionErrorHandshake, fmt.Sprintf("no certificate for %q", hdr.CommonName), err)
	}
	if err := s.reply(ipc.StatusStartTLS); err != nil {
		return sessionErr(SessionErrorTransport, "write handshake reply", err)
	}
	if err := ipc.WriteSessionFrame(s.raw, ipc.SessionFrame{Type: types.TypeHostCert, Payload: cert.PEM}); err != nil {
		return sessionErr(SessionErrorTransport, "write host certificate", err)
	}

	tc := tls.Server(s.raw, &tls.Config{
		Certificates: []tls.Certificate{cert.TLS},
		MinVersion:   tls.VersionTLS12,
	})
	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		s.deps.Metrics.IncHandshakeRejected()
		return sessionErr(SessionErrorHandshake, "tls handshake", err)
	}
	s.conn = tc
	return nil
}

func (s *Session) resolveCert(name string) (*certs.Cert, error) {
	if s.deps.Certs == nil {
		return nil, certs.ErrUnavailable
	}
	return s.deps.Certs.Resolve(name)
}

func (s *Session) reply(status ipc.ReplyStatus) error {
	_, err := s.raw.Write(ipc.NewServerReply(status, s.id).Encode())
	return err
}

func (s *Session) rejectHandshake(ctx context.Context, msg string, err error) error {
	s.deps.Metrics.IncHandshakeRejected()
	detail := msg
	if err != nil {
		detail = fmt.Sprintf("%s: %v", msg, err)
	}
	s.record(ctx, audit.KindHandshakeRejected, detail)
	return sessionErr(SessionErrorHandshake, msg, err)
}

// isLoopback reports whether the client is on this machine. Non-TCP
// transports (unix sockets, pipes) are local by construction.
func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return true
	}
	return tcp.IP.IsLoopback()
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}

// --- Setup and teardown ---

func (s *Session) statePath() string {
	return filepath.Join(s.cfg.RuntimeDir, s.id.String()+".state")
}

func (s *Session) setup(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.RuntimeDir, 0o700); err != nil {
		return sessionErr(SessionErrorIPC, "create runtime dir", err)
	}
	st, err := state.Create(s.statePath(), s.id)
	if err != nil {
		return sessionErr(SessionErrorIPC, "create session state", err)
	}
	s.st = st

	st.Lock()
	st.SetClientIP(s.clientIP)
	st.SetAppName(s.hdr.AppName)
	st.SetClientVersion(s.hdr.Version)
	st.Unlock()

	s.started = s.now()
	s.ipHistory(ctx, "Session Started", types.UserID{})
	s.notify(adapter.EventSessionStarted, "", "")
	s.record(ctx, audit.KindSessionStarted, "")

	s.deps.Bus.Subscribe(s.id, s)
	go s.readClient()

	s.logger.Info("session started", map[string]any{
		"client_version": fmt.Sprintf("%d.%d.%d", s.hdr.Version.Major, s.hdr.Version.Minor, s.hdr.Version.Patch),
	})
	return nil
}

func (s *Session) teardown(cause error) {
	close(s.quit)
	if l := s.leg; l != nil {
		s.stopBackend(l)
		s.closeLeg()
	}
	s.deps.Bus.Unsubscribe(s.id)
	_ = s.conn.Close()

	reason := s.reason(cause)
	s.st.Lock()
	user, uid := s.st.UserName(), s.st.UserID()
	s.st.Unlock()
	if err := s.st.Remove(); err != nil {
		s.logger.Warn("remove session state", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	s.ipHistory(ctx, "Session Ended", uid)
	s.notify(adapter.EventSessionEnded, reason, user)
	s.recordAs(ctx, audit.KindSessionEnded, reason, user)
	s.deps.Metrics.IncSessionEnded()

	s.logger.Info("session ended", map[string]any{
		"reason":      reason,
		"crashes":     s.crashes,
		"duration_ms": s.now().Sub(s.started).Milliseconds(),
	})
}

// stopBackend asks the back end to end the session, then kills it if it
// has not exited within the grace period.
func (s *Session) stopBackend(l *leg) {
	l.expected = true
	if l.conn != nil {
		l.out.push(control(types.AsyncEndSession, nil))
	}
	l.out.close()

	grace := time.NewTimer(teardownGrace)
	defer grace.Stop()
	select {
	case <-l.backend.Done():
		return
	case <-grace.C:
	}
	if err := l.backend.Kill(); err != nil {
		s.logger.Warn("kill back end", map[string]any{"error": err.Error()})
	}
	grace.Reset(teardownGrace)
	select {
	case <-l.backend.Done():
	case <-grace.C:
		s.logger.Warn("back end still running after kill", nil)
	}
}

func (s *Session) reason(cause error) string {
	if cause == nil {
		if s.endReason != "" {
			return s.endReason
		}
		return "session ended"
	}
	if kind, ok := KindOf(cause); ok && kind == SessionErrorTransport {
		return "client disconnected"
	}
	return cause.Error()
}

// --- Side records ---

func (s *Session) ipHistory(ctx context.Context, event string, uid types.UserID) {
	if s.deps.Store == nil {
		return
	}
	err := s.deps.Store.AddIPHistory(ctx, store.IPEvent{
		IP:        s.clientIP,
		SessionID: s.id,
		AppName:   s.hdr.AppName,
		UserID:    uid,
		Event:     event,
		At:        s.now(),
	})
	if err != nil {
		s.logger.Warn("ip history write failed", map[string]any{"event": event, "error": err.Error()})
	}
}

// notify publishes a lifecycle event in the background. Events of one
// session are delivered in order.
func (s *Session) notify(eventType, reason, user string) {
	if s.deps.Notifier == nil {
		return
	}
	now := s.now()
	ev := &adapter.SessionEvent{
		EventType: eventType,
		Host:      s.cfg.HostName,
		SessionID: s.id.String(),
		ClientIP:  s.clientIP,
		AppName:   s.hdr.AppName,
		UserName:  user,
		Reason:    reason,
		Crashes:   s.crashes,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if eventType == adapter.EventSessionEnded {
		ev.DurationMs = now.Sub(s.started).Milliseconds()
	}

	prev := s.notifyDone
	done := make(chan struct{})
	s.notifyDone = done
	notifier, logger := s.deps.Notifier, s.logger
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := notifier.Publish(ctx, ev); err != nil {
			logger.Warn("session notification failed", map[string]any{"event": eventType, "error": err.Error()})
		}
	}()
}

func (s *Session) record(ctx context.Context, kind audit.Kind, detail string) {
	user := ""
	if s.st != nil {
		user = s.st.UserName()
	}
	s.recordAs(ctx, kind, detail, user)
}

func (s *Session) recordAs(ctx context.Context, kind audit.Kind, detail, user string) {
	if s.deps.Audit == nil {
		return
	}
	err := s.deps.Audit.Record(ctx, audit.Record{
		Kind:      kind,
		Host:      s.cfg.HostName,
		SessionID: s.id.String(),
		ClientIP:  s.clientIP,
		AppName:   s.hdr.AppName,
		UserName:  user,
		Detail:    detail,
		At:        s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", map[string]any{"kind": string(kind), "error": err.Error()})
	}
}
