package audit

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Failure classes reported by the archive. Match with errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrDenied    = errors.New("denied")
	ErrAuth      = errors.New("not authenticated")
	ErrDiskFull  = errors.New("storage full")
	ErrTimeout   = errors.New("timed out")
	ErrThrottled = errors.New("throttled")
	ErrNetwork   = errors.New("unreachable")

	errOther = errors.New("storage failure")
)

// StorageError is an archive failure with its class attached.
type StorageError struct {
	Class error
	Op    string // init, write or read
	Where string // dataset or snapshot
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit %s %s: %v: %v", e.Op, e.Where, e.Class, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return e.Class == target }

// Transient reports whether the same operation may succeed later.
func (e *StorageError) Transient() bool {
	return e.Class == ErrTimeout || e.Class == ErrThrottled || e.Class == ErrNetwork
}

// IsTransient reports whether err is a StorageError worth retrying.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Transient()
}

func storageErr(op, where string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Class: classify(err), Op: op, Where: where, Err: err}
}

// Message fragments per class, checked in order. S3 error codes come first
// so a 403 AccessDenied is not mistaken for a missing object.
var classes = []struct {
	class error
	hints []string
}{
	{ErrThrottled, []string{"slowdown", "throttl", "toomanyrequests", "429", "rate exceeded"}},
	{ErrAuth, []string{"nocredentialproviders", "invalidaccesskeyid", "signaturedoesnotmatch", "expiredtoken", "unauthorized", "401"}},
	{ErrDenied, []string{"accessdenied", "forbidden", "403", "permission denied"}},
	{ErrNotFound, []string{"nosuchkey", "nosuchbucket", "no such file", "not found", "404"}},
	{ErrDiskFull, []string{"no space left", "quota exceeded"}},
	{ErrTimeout, []string{"deadline exceeded", "timed out", "timeout"}},
	{ErrNetwork, []string{"connection refused", "connection reset", "no route to host", "network is unreachable", "no such host"}},
}

func classify(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrDenied
	case errors.Is(err, syscall.ENOSPC):
		return ErrDiskFull
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrNetwork
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, c := range classes {
		for _, h := range c.hints {
			if strings.Contains(msg, h) {
				return c.class
			}
		}
	}
	return errOther
}
