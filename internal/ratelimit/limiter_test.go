package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock drives a Limiter deterministically and records sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = func() time.Time { return clk.now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		clk.sleeps = append(clk.sleeps, d)
		clk.now = clk.now.Add(d)
		return nil
	}
	return l, clk
}

func TestWaitEnforcesBaseDelay(t *testing.T) {
	l, clk := newTestLimiter(Config{BaseDelay: 200 * time.Millisecond, MaxRetries: 5})

	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	// First call: nothing to wait for (lastCall was zero).
	if len(clk.sleeps) != 0 {
		t.Fatalf("expected no sleep on first call, got %v", clk.sleeps)
	}

	// Immediate second call must pay the full delay.
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(clk.sleeps) != 1 || clk.sleeps[0] != 200*time.Millisecond {
		t.Fatalf("expected one 200ms sleep, got %v", clk.sleeps)
	}

	// A call after part of the delay elapsed pays only the remainder.
	clk.now = clk.now.Add(150 * time.Millisecond)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if clk.sleeps[len(clk.sleeps)-1] != 50*time.Millisecond {
		t.Fatalf("expected 50ms remainder sleep, got %v", clk.sleeps)
	}
}

func TestBusinessHoursDelay(t *testing.T) {
	l, clk := newTestLimiter(Config{
		BaseDelay:          100 * time.Millisecond,
		BusinessHoursDelay: time.Second,
		BusinessStartHour:  9,
		BusinessEndHour:    17,
		MaxRetries:         5,
	})

	clk.now = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	l.lastCall = clk.now
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if clk.sleeps[0] != time.Second {
		t.Fatalf("expected 1s business-hours sleep, got %v", clk.sleeps[0])
	}

	clk.now = time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)
	l.lastCall = clk.now
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if clk.sleeps[1] != 100*time.Millisecond {
		t.Fatalf("expected 100ms off-hours sleep, got %v", clk.sleeps[1])
	}
}

func TestBackoffMonotonicUpToCap(t *testing.T) {
	l, clk := newTestLimiter(Config{
		BaseDelay:  time.Millisecond,
		MaxRetries: 20,
		BackoffCap: 512 * time.Second,
	})

	var prev time.Duration
	for i := 0; i < 12; i++ {
		l.OnQuotaError(context.Background(), 0)
		wait := clk.sleeps[len(clk.sleeps)-1]
		if wait < prev {
			t.Fatalf("backoff decreased: %v after %v", wait, prev)
		}
		if wait > 512*time.Second {
			t.Fatalf("backoff exceeded cap: %v", wait)
		}
		prev = wait
	}
	if prev != 512*time.Second {
		t.Fatalf("expected backoff to reach cap, got %v", prev)
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	l, clk := newTestLimiter(Config{
		BaseDelay:  time.Millisecond,
		MaxRetries: 10,
		BackoffCap: 512 * time.Second,
	})

	for i := 0; i < 4; i++ {
		l.OnQuotaError(context.Background(), 0)
	}
	l.OnSuccess()
	l.OnQuotaError(context.Background(), 0)

	last := clk.sleeps[len(clk.sleeps)-1]
	if last != 2*time.Second {
		t.Fatalf("expected backoff to restart at 2s after success, got %v", last)
	}
}

func TestRetryAfterHintWins(t *testing.T) {
	l, clk := newTestLimiter(Config{
		BaseDelay:  time.Millisecond,
		MaxRetries: 10,
		BackoffCap: 512 * time.Second,
	})

	l.OnQuotaError(context.Background(), 30*time.Second)
	if clk.sleeps[0] != 30*time.Second {
		t.Fatalf("expected retry-after hint of 30s to win, got %v", clk.sleeps[0])
	}
}

func TestRetryCeiling(t *testing.T) {
	l, _ := newTestLimiter(Config{
		BaseDelay:  time.Millisecond,
		MaxRetries: 3,
		BackoffCap: 8 * time.Second,
	})

	results := []bool{}
	for i := 0; i < 3; i++ {
		results = append(results, l.OnQuotaError(context.Background(), 0))
	}
	if !results[0] || !results[1] {
		t.Errorf("expected retries below the ceiling to continue: %v", results)
	}
	if results[2] {
		t.Errorf("expected the third consecutive error to stop retrying: %v", results)
	}
}
