package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultBackoff is the delay before the first retry. It doubles for each
// later retry.
const DefaultBackoff = 500 * time.Millisecond

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that retrying cannot fix. Deliver stops at the
// first permanent error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Deliver calls send until it succeeds, returns a Permanent error, ctx ends
// or 1+retries attempts have failed.
func Deliver(ctx context.Context, retries int, backoff time.Duration, send func(context.Context) error) error {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	var last error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff << (attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("canceled during backoff: %w", ctx.Err())
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		last = send(ctx)
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return fmt.Errorf("non-retriable: %w", perm.err)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", retries+1, last)
}
