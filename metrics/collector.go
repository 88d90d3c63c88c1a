// Package metrics provides host-wide counters reported by the status command.
//
// The Collector accumulates counters for the lifetime of a listener process.
// It is a leaf package with no internal dependencies. Back-end processes do
// not report here; everything is counted from the front-end side.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Session lifecycle
	SessionsAccepted   int64 `json:"sessions_accepted" yaml:"sessions_accepted" msgpack:"sessions_accepted"`
	SessionsRejected   int64 `json:"sessions_rejected" yaml:"sessions_rejected" msgpack:"sessions_rejected"`
	SessionsEnded      int64 `json:"sessions_ended" yaml:"sessions_ended" msgpack:"sessions_ended"`
	HandshakesRejected int64 `json:"handshakes_rejected" yaml:"handshakes_rejected" msgpack:"handshakes_rejected"`
	CertUnavailable    int64 `json:"cert_unavailable" yaml:"cert_unavailable" msgpack:"cert_unavailable"`

	// Back-end supervision
	BackendStarts        int64 `json:"backend_starts" yaml:"backend_starts" msgpack:"backend_starts"`
	BackendStartFailures int64 `json:"backend_start_failures" yaml:"backend_start_failures" msgpack:"backend_start_failures"`
	BackendCrashes       int64 `json:"backend_crashes" yaml:"backend_crashes" msgpack:"backend_crashes"`
	BreakerTrips         int64 `json:"breaker_trips" yaml:"breaker_trips" msgpack:"breaker_trips"`
	IdleKills            int64 `json:"idle_kills" yaml:"idle_kills" msgpack:"idle_kills"`

	// Relay
	FramesFromClient int64 `json:"frames_from_client" yaml:"frames_from_client" msgpack:"frames_from_client"`
	FramesToClient   int64 `json:"frames_to_client" yaml:"frames_to_client" msgpack:"frames_to_client"`
	SuspiciousFrames int64 `json:"suspicious_frames" yaml:"suspicious_frames" msgpack:"suspicious_frames"`
	IPCDecodeErrors  int64 `json:"ipc_decode_errors" yaml:"ipc_decode_errors" msgpack:"ipc_decode_errors"`

	// Bus
	CastsPublished int64 `json:"casts_published" yaml:"casts_published" msgpack:"casts_published"`
	CastsDelivered int64 `json:"casts_delivered" yaml:"casts_delivered" msgpack:"casts_delivered"`
	CastsDropped   int64 `json:"casts_dropped" yaml:"casts_dropped" msgpack:"casts_dropped"`

	// Audit archive
	AuditWriteSuccess int64 `json:"audit_write_success" yaml:"audit_write_success" msgpack:"audit_write_success"`
	AuditWriteFailure int64 `json:"audit_write_failure" yaml:"audit_write_failure" msgpack:"audit_write_failure"`

	// Dimensions (informational, set at construction)
	Hosting        string `json:"hosting" yaml:"hosting" msgpack:"hosting"`
	StorageBackend string `json:"storage_backend" yaml:"storage_backend" msgpack:"storage_backend"`
}

// Collector accumulates host counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(hosting, storageBackend string) *Collector {
	return &Collector{s: Snapshot{Hosting: hosting, StorageBackend: storageBackend}}
}

func (c *Collector) inc(field func(*Snapshot) *int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field(&c.s)++
	c.mu.Unlock()
}

// --- Session lifecycle ---

// IncSessionAccepted records an accepted TCP connection.
func (c *Collector) IncSessionAccepted() {
	c.inc(func(s *Snapshot) *int64 { return &s.SessionsAccepted })
}

// IncSessionRejected records a connection closed for a ban or overload.
func (c *Collector) IncSessionRejected() {
	c.inc(func(s *Snapshot) *int64 { return &s.SessionsRejected })
}

// IncSessionEnded records a session teardown.
func (c *Collector) IncSessionEnded() { c.inc(func(s *Snapshot) *int64 { return &s.SessionsEnded }) }

// IncHandshakeRejected records a bad tag or unsupported client version.
func (c *Collector) IncHandshakeRejected() {
	c.inc(func(s *Snapshot) *int64 { return &s.HandshakesRejected })
}

// IncCertUnavailable records a handshake that found no certificate.
func (c *Collector) IncCertUnavailable() {
	c.inc(func(s *Snapshot) *int64 { return &s.CertUnavailable })
}

// --- Back-end supervision ---

// IncBackendStart records a back-end that reached ready.
func (c *Collector) IncBackendStart() { c.inc(func(s *Snapshot) *int64 { return &s.BackendStarts }) }

// IncBackendStartFailure records a spawn failure or readiness timeout.
func (c *Collector) IncBackendStartFailure() {
	c.inc(func(s *Snapshot) *int64 { return &s.BackendStartFailures })
}

// IncBackendCrash records an unexpected back-end exit.
func (c *Collector) IncBackendCrash() { c.inc(func(s *Snapshot) *int64 { return &s.BackendCrashes }) }

// IncBreakerTrip records a session torn down by the crash circuit breaker.
func (c *Collector) IncBreakerTrip() { c.inc(func(s *Snapshot) *int64 { return &s.BreakerTrips }) }

// IncIdleKill records a back-end killed by the idle watchdog.
func (c *Collector) IncIdleKill() { c.inc(func(s *Snapshot) *int64 { return &s.IdleKills }) }

// --- Relay ---

// IncFrameFromClient records a client frame forwarded to the back end.
func (c *Collector) IncFrameFromClient() {
	c.inc(func(s *Snapshot) *int64 { return &s.FramesFromClient })
}

// IncFrameToClient records a back-end frame written to the client.
func (c *Collector) IncFrameToClient() { c.inc(func(s *Snapshot) *int64 { return &s.FramesToClient }) }

// IncSuspiciousFrame records a client frame dropped for a reserved type tag.
func (c *Collector) IncSuspiciousFrame() {
	c.inc(func(s *Snapshot) *int64 { return &s.SuspiciousFrames })
}

// IncIPCDecodeErrors records a malformed frame on either leg.
func (c *Collector) IncIPCDecodeErrors() {
	c.inc(func(s *Snapshot) *int64 { return &s.IPCDecodeErrors })
}

// --- Bus ---

// IncCastPublished records an event published on the bus.
func (c *Collector) IncCastPublished() { c.inc(func(s *Snapshot) *int64 { return &s.CastsPublished }) }

// IncCastDelivered records an event relayed to a matching back end.
func (c *Collector) IncCastDelivered() { c.inc(func(s *Snapshot) *int64 { return &s.CastsDelivered }) }

// IncCastDropped records a cast refused for a forged or partial header.
func (c *Collector) IncCastDropped() { c.inc(func(s *Snapshot) *int64 { return &s.CastsDropped }) }

// --- Audit ---

// IncAuditWriteSuccess records a successful audit archive write (per call).
func (c *Collector) IncAuditWriteSuccess() {
	c.inc(func(s *Snapshot) *int64 { return &s.AuditWriteSuccess })
}

// IncAuditWriteFailure records a failed audit archive write (per call).
func (c *Collector) IncAuditWriteFailure() {
	c.inc(func(s *Snapshot) *int64 { return &s.AuditWriteFailure })
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
