// Package memutil provides bounded string/memory helpers and a small
// allocation tracker used by the buffer pool to account byte usage on
// constrained hosts.
package memutil

import "sync/atomic"

// BoundedString returns s truncated to at most max bytes. A negative or
// zero max yields the empty string.
func BoundedString(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// CopyBounded copies src into dst and returns the number of bytes copied,
// never writing past the capacity of dst.
func CopyBounded(dst, src []byte) int {
	return copy(dst, src)
}

// CloneBytes returns an owned copy of b. A nil input returns nil so callers
// can distinguish "no payload" from "empty payload".
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Tracker keeps running totals of tracked allocations. All methods are safe
// for concurrent use.
type Tracker struct {
	bytes  atomic.Int64
	allocs atomic.Int64
}

// Track records an allocation of size bytes.
func (t *Tracker) Track(size int) {
	t.bytes.Add(int64(size))
	t.allocs.Add(1)
}

// Untrack records that size bytes were freed.
func (t *Tracker) Untrack(size int) {
	t.bytes.Add(-int64(size))
	t.allocs.Add(-1)
}

// Bytes returns the number of currently tracked bytes.
func (t *Tracker) Bytes() int64 {
	return t.bytes.Load()
}

// Allocations returns the number of currently tracked allocations.
func (t *Tracker) Allocations() int64 {
	return t.allocs.Load()
}
