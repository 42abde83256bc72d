package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Config controls the pacing and backoff behaviour of a Limiter.
type Config struct {
	// BaseDelay is the minimum gap between consecutive remote calls.
	BaseDelay time.Duration
	// BusinessHoursDelay replaces BaseDelay while the wall-clock hour
	// is within [BusinessStartHour, BusinessEndHour). Zero disables
	// the slowdown.
	BusinessHoursDelay time.Duration
	BusinessStartHour  int
	BusinessEndHour    int
	// MaxRetries bounds the consecutive quota errors tolerated before
	// the caller should give up.
	MaxRetries int
	// BackoffCap bounds the exponential quota backoff.
	BackoffCap time.Duration
}

// Limiter paces calls to the remote mailbox provider and applies
// exponential backoff across correlated quota errors. Quota error
// streaks reset on the first success so a past failure burst never
// permanently throttles a healthy account.
type Limiter struct {
	cfg Config

	mu                sync.Mutex
	lastCall          time.Time
	consecutiveErrors int
	calls             int64

	// overridable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Limiter {
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 512 * time.Second
	}
	return &Limiter{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Wait blocks until the configured delay has elapsed since the
// previous call, then records this call.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	delay := l.currentDelay()
	elapsed := l.now().Sub(l.lastCall)
	remaining := delay - elapsed
	l.mu.Unlock()

	if remaining > 0 {
		if err := l.sleep(ctx, remaining); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.lastCall = l.now()
	l.calls++
	l.mu.Unlock()
	return nil
}

// OnQuotaError records a quota error, sleeps for
// max(retryAfter, min(2^errors, cap)) and reports whether the caller
// should retry. A retryAfter of zero means the provider gave no hint.
func (l *Limiter) OnQuotaError(ctx context.Context, retryAfter time.Duration) bool {
	l.mu.Lock()
	l.consecutiveErrors++
	n := l.consecutiveErrors
	wait := l.backoff(n)
	if retryAfter > wait {
		wait = retryAfter
	}
	max := l.cfg.MaxRetries
	l.mu.Unlock()

	log.Printf("quota exceeded, waiting %s (attempt %d/%d)", wait, n, max)
	if err := l.sleep(ctx, wait); err != nil {
		return false
	}
	return n < max
}

// OnSuccess resets the consecutive quota error counter.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	if l.consecutiveErrors > 0 {
		log.Printf("recovered from quota errors after %d retries", l.consecutiveErrors)
	}
	l.consecutiveErrors = 0
	l.mu.Unlock()
}

// Calls returns the number of paced calls made so far.
func (l *Limiter) Calls() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *Limiter) currentDelay() time.Duration {
	if l.cfg.BusinessHoursDelay > 0 {
		hour := l.now().Hour()
		if hour >= l.cfg.BusinessStartHour && hour < l.cfg.BusinessEndHour {
			return l.cfg.BusinessHoursDelay
		}
	}
	return l.cfg.BaseDelay
}

func (l *Limiter) backoff(n int) time.Duration {
	wait := time.Second
	for i := 0; i < n; i++ {
		wait *= 2
		if wait >= l.cfg.BackoffCap {
			return l.cfg.BackoffCap
		}
	}
	if wait > l.cfg.BackoffCap {
		wait = l.cfg.BackoffCap
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
