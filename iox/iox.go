// Package iox provides I/O helpers for resource cleanup.
package iox

import "io"

// drainLimit caps how much of an unread body DrainClose consumes.
const drainLimit = 64 << 10

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(mirror)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DrainClose reads what is left of rc, up to 64 KiB, and closes it. A
// drained HTTP response body lets the client reuse its connection.
//
//	defer iox.DrainClose(resp.Body)
func DrainClose(rc io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, rc, drainLimit)
	_ = rc.Close()
}

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls where errors are unactionable:
//
//	defer iox.DiscardErr(logger.Sync)
func DiscardErr(fn func() error) { _ = fn() }
