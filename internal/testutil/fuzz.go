// Package testutil holds helpers shared by fuzz targets.
package testutil

import (
	"testing"
	"time"
)

const (
	// DefaultMaxFuzzBytes covers the largest cleartext tag with room to spare.
	DefaultMaxFuzzBytes = 1 << 15
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

// Seed adds every non-nil seed to the fuzz corpus.
func Seed(f *testing.F, seeds ...[]byte) {
	f.Helper()
	for _, s := range seeds {
		if s != nil {
			f.Add(s)
		}
	}
}

func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// WithTimeout fails t when fn does not return within d.
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
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("fuzz body still running after %s", d)
	}
}
