// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"io"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DrainClose drains at most limit remaining bytes from rc and closes it.
// Draining a network body before close lets the transport reuse the
// connection instead of tearing it down. The limit bounds the cost of
// draining a large abandoned stream; beyond it the body is closed as-is.
func DrainClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, rc, limit)
	_ = rc.Close()
}
