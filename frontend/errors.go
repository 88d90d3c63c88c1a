package frontend

import (
	"errors"
	"fmt"
)

// SessionErrorKind classifies why a session ended abnormally.
type SessionErrorKind int

const (
	// SessionErrorHandshake indicates a rejected or failed client handshake.
	SessionErrorHandshake SessionErrorKind = iota
	// SessionErrorIPC indicates the back end could not be started, attached
	// or made ready.
	SessionErrorIPC
	// SessionErrorCrash indicates the crash circuit breaker tripped.
	SessionErrorCrash
	// SessionErrorTransport indicates the client connection went away.
	SessionErrorTransport
)

func (k SessionErrorKind) String() string {
	switch k {
	case SessionErrorHandshake:
		return "handshake"
	case SessionErrorIPC:
		return "ipc"
	case SessionErrorCrash:
		return "crash"
	case SessionErrorTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// SessionError is returned by Session.Serve.
type SessionError struct {
	Kind SessionErrorKind
	Msg  string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsFatal reports whether the session failed on the host side. A client
// that disconnects is an ordinary end of session.
func (e *SessionError) IsFatal() bool {
	return e.Kind != SessionErrorTransport
}

// IsFatalSessionError returns true if err is a fatal SessionError.
func IsFatalSessionError(err error) bool {
	var se *SessionError
	if errors.As(err, &se) {
		return se.IsFatal()
	}
	return false
}

// KindOf returns the kind of a SessionError, or false for other errors.
func KindOf(err error) (SessionErrorKind, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

func sessionErr(kind SessionErrorKind, msg string, err error) error {
	return &SessionError{Kind: kind, Msg: msg, Err: err}
}
