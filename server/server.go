// Package server is the TCP listener. It applies the ban list and the
// session limit, runs one front end per accepted connection, answers the
// local control socket and watches the module directory.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pithecene-io/mrci/adapter"
	"github.com/pithecene-io/mrci/audit"
	"github.com/pithecene-io/mrci/broker"
	"github.com/pithecene-io/mrci/certs"
	"github.com/pithecene-io/mrci/frontend"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/metrics"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// InitialRankKey is the host_config key holding the rank given to new
// accounts.
const InitialRankKey = "initial_rank"

// Config configures a Server.
type Config struct {
	// Address and Port are the defaults; values saved in host_config win.
	Address     string
	Port        int
	MaxSessions int
	// ControlSocket is the unix socket for status and stop. Empty disables it.
	ControlSocket string
	// ModulesDir is watched for module executables when WatchModules is set.
	ModulesDir   string
	WatchModules bool
	// InitialRank is written to host_config when the key is absent.
	InitialRank uint32
	Hosting     string
	Session     frontend.Config
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Launcher frontend.Launcher
	Certs    certs.Resolver
	Store    *store.Store
	Bus      *broker.Bus
	Metrics  *metrics.Collector
	Notifier adapter.Adapter
	Audit    audit.Recorder
	Logger   *log.Logger
}

type entry struct {
	sess  *frontend.Session
	since time.Time
}

// Server accepts clients and hosts their sessions.
type Server struct {
	cfg    Config
	deps   Deps
	logger *log.Logger

	ln      net.Listener
	ctl     net.Listener
	watcher *moduleWatcher
	slots   chan struct{}
	started time.Time

	mu       sync.Mutex
	sessions map[types.SessionID]entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates cfg and returns an unstarted server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Launcher == nil {
		return nil, errors.New("server requires a back end launcher")
	}
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", cfg.MaxSessions)
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = broker.NewBus()
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.Named("server"),
		slots:    make(chan struct{}, cfg.MaxSessions),
		sessions: make(map[types.SessionID]entry),
		stop:     make(chan struct{}),
	}, nil
}

// Run listens and serves until ctx is cancelled or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the TCP listener and the control socket.
func (s *Server) Listen(ctx context.Context) error {
	addr, port := s.cfg.Address, s.cfg.Port
	if db := s.deps.Store; db != nil {
		var err error
		addr, port, err = db.ListenAddress(ctx, addr, port)
		if err != nil {
			return fmt.Errorf("read listen address: %w", err)
		}
		if err := s.seedInitialRank(ctx); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln

	if s.cfg.ControlSocket != "" {
		ctl, err := listenControl(s.cfg.ControlSocket)
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.ctl = ctl
	}
	s.started = time.Now()
	s.logger.Info("listening", map[string]any{"address": ln.Addr().String(), "max_sessions": s.cfg.MaxSessions})
	return nil
}

func (s *Server) seedInitialRank(ctx context.Context) error {
	_, ok, err := s.deps.Store.HostConfig(ctx, InitialRankKey)
	if err != nil {
		return fmt.Errorf("read %s: %w", InitialRankKey, err)
	}
	if ok {
		return nil
	}
	if err := s.deps.Store.SetHostConfig(ctx, InitialRankKey, strconv.FormatUint(uint64(s.cfg.InitialRank), 10)); err != nil {
		return fmt.Errorf("write %s: %w", InitialRankKey, err)
	}
	return nil
}

// listenControl binds path, replacing a socket left behind by a dead
// listener. A live listener on path is an error.
func listenControl(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("another listener owns %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod control socket: %w", err)
	}
	return ln, nil
}

// Addr returns the bound TCP address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop asks Serve to shut down. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Serve accepts clients until ctx is cancelled or Stop is called, then ends
// every session and waits for them.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("serve called before listen")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
		cancel()
		_ = s.ln.Close()
		if s.ctl != nil {
			_ = s.ctl.Close()
		}
	}()

	if s.cfg.WatchModules && s.cfg.ModulesDir != "" {
		w, err := newModuleWatcher(s.cfg.ModulesDir, s.deps.Store, s.deps.Bus, s.logger)
		if err != nil {
			s.logger.Warn("module watcher disabled", map[string]any{"dir": s.cfg.ModulesDir, "error": err.Error()})
		} else {
			s.watcher = w
		}
	}

	var bg sync.WaitGroup
	if s.watcher != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			s.watcher.run(ctx)
		}()
	}
	if s.ctl != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			s.serveControl(ctx)
		}()
	}

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.admit(ctx, conn)
	}

	s.logger.Info("shutting down", map[string]any{"sessions": s.SessionCount()})
	s.wg.Wait()
	bg.Wait()
	if s.ctl != nil {
		_ = os.Remove(s.cfg.ControlSocket)
	}
	return nil
}

// admit applies the ban list and the session limit, then starts a front
// end for conn.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	ip := remoteIP(conn.RemoteAddr())
	if db := s.deps.Store; db != nil {
		banned, err := db.IsBanned(ctx, ip)
		if err != nil {
			s.logger.Warn("ban lookup failed", map[string]any{"ip": ip, "error": err.Error()})
		}
		if banned {
			s.refuse(ctx, conn, ip, "address is banned")
			return
		}
	}
	select {
	case s.slots <- struct{}{}:
	default:
		s.refuse(ctx, conn, ip, "session limit reached")
		return
	}
	s.deps.Metrics.IncSessionAccepted()

	sess := frontend.NewSession(conn, s.cfg.Session, frontend.Deps{
		Launcher: s.deps.Launcher,
		Certs:    s.deps.Certs,
		Store:    s.deps.Store,
		Bus:      s.deps.Bus,
		Metrics:  s.deps.Metrics,
		Notifier: s.deps.Notifier,
		Audit:    s.deps.Audit,
		Logger:   s.deps.Logger,
	})
	s.mu.Lock()
	s.sessions[sess.ID()] = entry{sess: sess, since: time.Now()}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := sess.Serve(ctx)

		<-s.slots
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()

		if frontend.IsFatalSessionError(err) {
			kind, _ := frontend.KindOf(err)
			s.logger.Warn("session failed", map[string]any{
				"session_id": sess.ID().String(),
				"kind":       kind.String(),
				"error":      err.Error(),
			})
		}
	}()
}

func (s *Server) refuse(ctx context.Context, conn net.Conn, ip, reason string) {
	_ = conn.Close()
	s.deps.Metrics.IncSessionRejected()
	s.logger.Info("connection refused", map[string]any{"ip": ip, "reason": reason})
	if s.deps.Audit == nil {
		return
	}
	err := s.deps.Audit.Record(ctx, audit.Record{
		Kind:     audit.KindConnRefused,
		Host:     s.cfg.Session.HostName,
		ClientIP: ip,
		Detail:   reason,
		At:       time.Now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", map[string]any{"error": err.Error()})
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
