package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/mrci/metrics"
	"github.com/pithecene-io/mrci/types"
)

// Control operations.
const (
	OpStatus = "status"
	OpStop   = "stop"
)

// controlTimeout bounds one control exchange.
const controlTimeout = 5 * time.Second

// Request is one control socket request.
type Request struct {
	Op string `msgpack:"op"`
}

// Response answers a Request. Error is set when the request failed.
type Response struct {
	Error  string  `msgpack:"error,omitempty"`
	Status *Status `msgpack:"status,omitempty"`
}

// SessionInfo describes one live session.
type SessionInfo struct {
	ID       string    `json:"id" yaml:"id" msgpack:"id"`
	ClientIP string    `json:"client_ip" yaml:"client_ip" msgpack:"client_ip"`
	AppName  string    `json:"app_name" yaml:"app_name" msgpack:"app_name"`
	Since    time.Time `json:"since" yaml:"since" msgpack:"since"`
}

// Status is the listener's self report.
type Status struct {
	PID      int              `json:"pid" yaml:"pid" msgpack:"pid"`
	Version  string           `json:"version" yaml:"version" msgpack:"version"`
	Address  string           `json:"address" yaml:"address" msgpack:"address"`
	Hosting  string           `json:"hosting" yaml:"hosting" msgpack:"hosting"`
	Started  time.Time        `json:"started" yaml:"started" msgpack:"started"`
	Sessions []SessionInfo    `json:"sessions" yaml:"sessions" msgpack:"sessions"`
	Modules  []string         `json:"modules,omitempty" yaml:"modules,omitempty" msgpack:"modules,omitempty"`
	Metrics  metrics.Snapshot `json:"metrics" yaml:"metrics" msgpack:"metrics"`
}

// Status reports the listener's current state.
func (s *Server) Status() *Status {
	st := &Status{
		PID:     os.Getpid(),
		Version: types.Version,
		Hosting: s.cfg.Hosting,
		Started: s.started,
		Metrics: s.deps.Metrics.Snapshot(),
	}
	if addr := s.Addr(); addr != nil {
		st.Address = addr.String()
	}
	if s.watcher != nil {
		st.Modules = s.watcher.names()
	}

	s.mu.Lock()
	for _, e := range s.sessions {
		st.Sessions = append(st.Sessions, SessionInfo{
			ID:       e.sess.ID().String(),
			ClientIP: e.sess.ClientIP(),
			AppName:  e.sess.AppName(),
			Since:    e.since,
		})
	}
	s.mu.Unlock()
	slices.SortFunc(st.Sessions, func(a, b SessionInfo) int { return a.Since.Compare(b.Since) })
	return st
}

func (s *Server) serveControl(ctx context.Context) {
	for {
		conn, err := s.ctl.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("control accept failed", map[string]any{"error": err.Error()})
			}
			return
		}
		s.handleControl(conn)
	}
}

func (s *Server) handleControl(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(controlTimeout))

	var req Request
	if err := msgpack.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("bad control request", map[string]any{"error": err.Error()})
		return
	}
	var resp Response
	switch req.Op {
	case OpStatus:
		resp.Status = s.Status()
	case OpStop:
		resp.Status = s.Status()
		s.logger.Info("stop requested over control socket", nil)
	default:
		resp.Error = fmt.Sprintf("unknown operation %q", req.Op)
	}
	if err := msgpack.NewEncoder(conn).Encode(&resp); err != nil {
		s.logger.Warn("control reply failed", map[string]any{"error": err.Error()})
	}
	if req.Op == OpStop {
		s.Stop()
	}
}

// Query sends op to the listener behind the control socket at path.
func Query(ctx context.Context, path, op string) (*Status, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(controlTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if err := msgpack.NewEncoder(conn).Encode(&Request{Op: op}); err != nil {
		return nil, fmt.Errorf("send %s request: %w", op, err)
	}
	var resp Response
	if err := msgpack.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read %s reply: %w", op, err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Status, nil
}
