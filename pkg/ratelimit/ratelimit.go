// Package ratelimit caps outbound calls to a fixed budget per trailing time window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter allows at most maxCalls acquisitions within any trailing period.
// Callers over budget are delayed, never rejected.
type Limiter struct {
	maxCalls int
	period   time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	calls []time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithSleeper overrides how the limiter waits for budget to free up.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.sleep = sleep
	}
}

// New creates a limiter with the given budget. Non-positive values fall back to 1 call per second.
func New(maxCalls int, period time.Duration, opts ...Option) *Limiter {
	if maxCalls < 1 {
		maxCalls = 1
	}
	if period <= 0 {
		period = time.Second
	}

	l := &Limiter{
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
		sleep:    sleepContext,
		calls:    make([]time.Time, 0, maxCalls),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Acquire blocks until one call fits into the budget.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.AcquireN(ctx, 1)
}

// AcquireN blocks until n calls have been recorded within the budget.
// Requests larger than the budget are admitted in budget-sized steps.
func (l *Limiter) AcquireN(ctx context.Context, n int) error {
	for n > 0 {
		step := min(n, l.maxCalls)
		if err := l.acquire(ctx, step); err != nil {
			return err
		}
		n -= step
	}

	return nil
}

func (l *Limiter) acquire(ctx context.Context, n int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, ok := l.tryReserve(n)
		if ok {
			return nil
		}

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryReserve records n calls if they fit, otherwise reports how long until the
// oldest blocking call leaves the window.
func (l *Limiter) tryReserve(n int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	if len(l.calls)+n <= l.maxCalls {
		for i := 0; i < n; i++ {
			l.calls = append(l.calls, now)
		}
		return 0, true
	}

	// the call that must expire before n more fit
	blocking := l.calls[len(l.calls)+n-l.maxCalls-1]
	wait := blocking.Add(l.period).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}

	return wait, false
}

func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
