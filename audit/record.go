// Package audit archives session lifecycle records to a lode dataset on the
// local filesystem or S3.
//
// Records are partitioned by day and event type. Writes go through a
// bounded Buffer that may drop low-value records (suspicious frames and
// refused connections) under pressure but never drops lifecycle records.
package audit

import "time"

// Kind discriminates audit records. It is also the event_type partition.
type Kind string

// Record kinds.
const (
	KindSessionStarted    Kind = "session_started"
	KindSessionEnded      Kind = "session_ended"
	KindBackendCrash      Kind = "backend_crash"
	KindBreakerTrip       Kind = "breaker_trip"
	KindHandshakeRejected Kind = "handshake_rejected"
	KindSuspiciousFrame   Kind = "suspicious_frame"
	KindConnRefused       Kind = "connection_refused"
)

// RecordKindSession is the record_kind discriminator of every audit record.
const RecordKindSession = "session_audit"

// dayLayout formats the day partition.
const dayLayout = "2006-01-02"

// droppable kinds may be discarded when the buffer is full.
var droppable = map[Kind]bool{
	KindSuspiciousFrame: true,
	KindConnRefused:     true,
}

// IsDroppable reports whether records of kind k may be dropped under
// pressure.
func IsDroppable(k Kind) bool {
	return droppable[k]
}

// Record is one audit entry.
type Record struct {
	Kind      Kind
	Host      string
	SessionID string
	ClientIP  string
	AppName   string
	UserName  string
	Detail    string
	At        time.Time
}

// toMap converts a record to the stored shape. Partition keys (day,
// event_type) are included in the record for the hive layout.
func (r Record) toMap() map[string]any {
	at := r.At.UTC()
	m := map[string]any{
		"record_kind": RecordKindSession,
		"event_type":  string(r.Kind),
		"day":         at.Format(dayLayout),
		"ts":          at.Format(time.RFC3339Nano),
		"session_id":  r.SessionID,
		"client_ip":   r.ClientIP,
		"app_name":    r.AppName,
	}
	if r.Host != "" {
		m["host"] = r.Host
	}
	if r.UserName != "" {
		m["user_name"] = r.UserName
	}
	if r.Detail != "" {
		m["detail"] = r.Detail
	}
	return m
}

// fromMap is the inverse of toMap for records read back from the dataset.
func fromMap(m map[string]any) (Record, bool) {
	if toString(m["record_kind"]) != RecordKindSession {
		return Record{}, false
	}
	at, _ := time.Parse(time.RFC3339Nano, toString(m["ts"]))
	return Record{
		Kind:      Kind(toString(m["event_type"])),
		Host:      toString(m["host"]),
		SessionID: toString(m["session_id"]),
		ClientIP:  toString(m["client_ip"]),
		AppName:   toString(m["app_name"]),
		UserName:  toString(m["user_name"]),
		Detail:    toString(m["detail"]),
		At:        at,
	}, true
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
