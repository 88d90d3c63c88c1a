package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pithecene-io/mrci/types"
)

// Host config keys.
const (
	KeyListenAddress = "listen_address"
	KeyListenPort    = "listen_port"
)

// CommandRank returns the configured minimum rank of a command. ok is false
// when no rank is configured.
func (s *Store) CommandRank(ctx context.Context, module, command string) (rank uint32, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT host_rank FROM command_ranks WHERE mod_name = ? AND command = ?`,
		module, command).Scan(&rank)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("command rank: %w", err)
	}
	return rank, true, nil
}

// SetCommandRank configures the minimum rank of a command.
func (s *Store) SetCommandRank(ctx context.Context, module, command string, rank uint32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_ranks (mod_name, command, host_rank) VALUES (?, ?, ?)
		 ON CONFLICT (mod_name, command) DO UPDATE SET host_rank = excluded.host_rank`,
		module, command, rank)
	if err != nil {
		return fmt.Errorf("set command rank: %w", err)
	}
	return nil
}

// DisabledModules returns the names of modules that must not be loaded.
func (s *Store) DisabledModules(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mod_name FROM modules WHERE enabled = 0`)
	if err != nil {
		return nil, fmt.Errorf("disabled modules: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("disabled modules: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// SetModuleEnabled records a module and whether it may be loaded.
func (s *Store) SetModuleEnabled(ctx context.Context, name, path string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modules (mod_name, path, enabled) VALUES (?, ?, ?)
		 ON CONFLICT (mod_name) DO UPDATE SET enabled = excluded.enabled,
		   path = CASE WHEN excluded.path = '' THEN modules.path ELSE excluded.path END`,
		name, path, boolInt(enabled))
	if err != nil {
		return fmt.Errorf("set module enabled: %w", err)
	}
	return nil
}

// IPEvent is one ip_history row.
type IPEvent struct {
	IP        string
	SessionID types.SessionID
	AppName   string
	UserID    types.UserID
	Event     string
	At        time.Time
}

// AddIPHistory appends a connection event.
func (s *Store) AddIPHistory(ctx context.Context, ev IPEvent) error {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	var user any
	if !ev.UserID.IsZero() {
		user = ev.UserID[:]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ip_history (ip, session_id, app_name, user_id, event, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.IP, ev.SessionID[:], ev.AppName, user, ev.Event, ev.At.Unix())
	if err != nil {
		return fmt.Errorf("add ip history: %w", err)
	}
	return nil
}

// IPHistory returns the most recent events for an address, newest first.
func (s *Store) IPHistory(ctx context.Context, ip string, limit int) ([]IPEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, app_name, user_id, event, at FROM ip_history WHERE ip = ? ORDER BY id DESC LIMIT ?`,
		ip, limit)
	if err != nil {
		return nil, fmt.Errorf("ip history: %w", err)
	}
	defer rows.Close()

	var out []IPEvent
	for rows.Next() {
		var (
			ev        = IPEvent{IP: ip}
			sid, user []byte
			at        int64
		)
		if err := rows.Scan(&sid, &ev.AppName, &user, &ev.Event, &at); err != nil {
			return nil, fmt.Errorf("ip history: %w", err)
		}
		copy(ev.SessionID[:], sid)
		copy(ev.UserID[:], user)
		ev.At = time.Unix(at, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DebugMessage is one host_debug_messages row.
type DebugMessage struct {
	At      time.Time
	Message string
}

// AddDebugMessage records a host-side diagnostic, such as a back-end crash.
func (s *Store) AddDebugMessage(ctx context.Context, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO host_debug_messages (at, message) VALUES (?, ?)`, s.now().Unix(), msg)
	if err != nil {
		return fmt.Errorf("add debug message: %w", err)
	}
	return nil
}

// DebugMessages returns the newest diagnostics first.
func (s *Store) DebugMessages(ctx context.Context, limit int) ([]DebugMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, message FROM host_debug_messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("debug messages: %w", err)
	}
	defer rows.Close()

	var out []DebugMessage
	for rows.Next() {
		var (
			m  DebugMessage
			at int64
		)
		if err := rows.Scan(&at, &m.Message); err != nil {
			return nil, fmt.Errorf("debug messages: %w", err)
		}
		m.At = time.Unix(at, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// IsBanned reports whether ip is on the ban list.
func (s *Store) IsBanned(ctx context.Context, ip string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ip_bans WHERE ip = ?`, ip).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is banned: %w", err)
	}
	return true, nil
}

// Ban adds ip to the ban list.
func (s *Store) Ban(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO ip_bans (ip, at) VALUES (?, ?)`, ip, s.now().Unix())
	if err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	return nil
}

// Unban removes ip from the ban list.
func (s *Store) Unban(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ip_bans WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("unban: %w", err)
	}
	return nil
}

// HostConfig reads a host setting. ok is false when it was never set.
func (s *Store) HostConfig(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM host_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("host config %s: %w", key, err)
	}
	return value, true, nil
}

// SetHostConfig writes a host setting.
func (s *Store) SetHostConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO host_config (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set host config %s: %w", key, err)
	}
	return nil
}

// ListenAddress returns the stored listen address and port. Missing values
// fall back to the given defaults.
func (s *Store) ListenAddress(ctx context.Context, defAddr string, defPort int) (string, int, error) {
	addr, ok, err := s.HostConfig(ctx, KeyListenAddress)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		addr = defAddr
	}
	raw, ok, err := s.HostConfig(ctx, KeyListenPort)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return addr, defPort, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return "", 0, fmt.Errorf("stored %s %q: %w", KeyListenPort, raw, err)
	}
	return addr, port, nil
}

// SetListenAddress stores the listen address and port.
func (s *Store) SetListenAddress(ctx context.Context, addr string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		for key, value := range map[string]string{
			KeyListenAddress: addr,
			KeyListenPort:    strconv.Itoa(port),
		} {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO host_config (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
				key, value)
			if err != nil {
				return fmt.Errorf("set listen address: %w", err)
			}
		}
		return nil
	})
}
