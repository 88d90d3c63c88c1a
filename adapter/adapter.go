// Package adapter defines the session lifecycle notification boundary.
//
// Adapters publish session start and end notifications to downstream
// systems. The listener owns adapter lifecycle; users provide configuration
// only.
package adapter

import "context"

// Lifecycle event types.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
)

// SessionEvent is the payload published when a session starts or ends.
type SessionEvent struct {
	EventType  string `json:"event_type"` // session_started or session_ended
	Host       string `json:"host"`
	SessionID  string `json:"session_id"`
	ClientIP   string `json:"client_ip"`
	AppName    string `json:"app_name"`
	UserName   string `json:"user_name,omitempty"`
	Reason     string `json:"reason,omitempty"` // set on session_ended
	Crashes    int    `json:"crashes"`
	Timestamp  string `json:"timestamp"` // RFC 3339
	DurationMs int64  `json:"duration_ms"`
}

// Adapter publishes session lifecycle events to a downstream system.
// Implementations must be safe for concurrent use by every session.
type Adapter interface {
	// Publish sends a session event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *SessionEvent) error

	// Close releases adapter resources.
	Close() error
}
