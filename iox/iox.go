// Package iox holds small close and teardown helpers.
package iox

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// DiscardClose closes c, ignoring the error. For defers on read paths.
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc adapts c for t.Cleanup.
func CloseFunc(c io.Closer) func() { return func() { DiscardClose(c) } }

// DiscardErr runs fn, ignoring its error.
func DiscardErr(fn func() error) { _ = fn() }

// IsExpectedClose reports whether err is how a peer or local teardown
// normally ends a stream. Session loops stop quietly on these.
func IsExpectedClose(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return true
	}
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
