// Package system exercises the real-time clock adapter.
package system

import (
	"testing"
	"time"
)

// TestClockNowIsCurrent ensures the clock returns a timestamp close to time.Now.
func TestClockNowIsCurrent(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().Add(-time.Second)
	got := clk.Now()
	after := time.Now().Add(time.Second)

	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockElapsedNonNegative checks successive readings never produce a negative elapsed time.
func TestClockElapsedNonNegative(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	if elapsed := second.Sub(first); elapsed < 0 {
		t.Fatalf("expected non-negative elapsed time, got %v", elapsed)
	}
}
