package audit

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing dir", &fs.PathError{Op: "open", Path: "/var/mrci/audit", Err: syscall.ENOENT}, ErrNotFound},
		{"unwritable dir", &fs.PathError{Op: "mkdir", Path: "/var/mrci/audit", Err: syscall.EACCES}, ErrDenied},
		{"disk full", fmt.Errorf("flush: %w", syscall.ENOSPC), ErrDiskFull},
		{"s3 403", errors.New("api error AccessDenied: Access Denied, status 403"), ErrDenied},
		{"s3 missing key", errors.New("NoSuchKey: The specified key does not exist"), ErrNotFound},
		{"s3 slow down", errors.New("SlowDown: Please reduce your request rate"), ErrThrottled},
		{"no credentials", errors.New("failed to refresh cached credentials, NoCredentialProviders"), ErrAuth},
		{"deadline", errors.New("operation error S3: PutObject, context deadline exceeded"), ErrTimeout},
		{"refused", errors.New("dial tcp 127.0.0.1:9000: connect: connection refused"), ErrNetwork},
		{"other", errors.New("checksum mismatch"), errOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStorageError(t *testing.T) {
	if storageErr("write", "x", nil) != nil {
		t.Fatal("nil error wrapped")
	}

	cause := errors.New("status 429 TooManyRequests")
	err := storageErr("write", "mrci_audit", cause)
	if !errors.Is(err, ErrThrottled) || !errors.Is(err, cause) {
		t.Errorf("errors.Is failed for %v", err)
	}
	if !IsTransient(err) {
		t.Error("throttling should be transient")
	}
	if got := err.Error(); got != "audit write mrci_audit: throttled: status 429 TooManyRequests" {
		t.Errorf("Error() = %q", got)
	}

	if IsTransient(storageErr("init", "d", syscall.EACCES)) {
		t.Error("permission failure reported transient")
	}
	if IsTransient(cause) {
		t.Error("plain errors are never transient")
	}
}
