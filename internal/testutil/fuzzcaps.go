// Package testutil holds shared guards for fuzzing the wire codecs:
// inputs are capped so the corpus cannot balloon into pathological
// allocations, and decode calls run under a hard timeout.
package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 250 * time.Millisecond
)

// CapBytes truncates b to at most max bytes. max <= 0 means no cap.
func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails the test if fn does not return within d. Decoders
// must reject garbage quickly; a hang here is as much a bug as a panic.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
