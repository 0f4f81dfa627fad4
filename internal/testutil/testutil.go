package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
	DefaultEventTimeout = 5 * time.Second
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

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

// Recv waits for one value from ch. A closed channel fails the test.
func Recv[T any](t testing.TB, ch <-chan T, d time.Duration) T {
	t.Helper()
	if d <= 0 {
		d = DefaultEventTimeout
	}
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return v
	case <-time.After(d):
		t.Fatalf("no value after %s", d)
	}
	var zero T
	return zero
}

// Closed waits for ch to be closed.
func Closed(t testing.TB, ch <-chan struct{}, d time.Duration) {
	t.Helper()
	if d <= 0 {
		d = DefaultEventTimeout
	}
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("not closed after %s", d)
	}
}

// NoRecv fails the test if ch yields a value within d.
func NoRecv[T any](t testing.TB, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value: %+v", v)
		}
	case <-time.After(d):
	}
}
