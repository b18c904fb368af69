package retrier

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultInterval    = 2 * time.Second
	defaultMaxInterval = 30 * time.Second
	defaultMultiplier  = 1.0
	defaultMaxRetries  = 3
	defaultJitter      = 0.0
)

// Retrier repeats an attempt with a fixed or growing pause between attempts.
// The defaults give a fixed pause with no jitter.
type Retrier struct {
	interval    time.Duration
	maxInterval time.Duration
	multiplier  float64
	maxRetries  int
	jitter      float64

	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, err error)
}

// Option defines a function to configure the Retrier.
type Option func(*Retrier)

// WithInterval sets the pause before the first retry.
func WithInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.interval = d
	}
}

// WithMaxInterval caps the pause when a multiplier is set.
func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) {
		r.maxInterval = d
	}
}

// WithMultiplier grows the pause after every retry. 1 keeps it fixed.
func WithMultiplier(m float64) Option {
	return func(r *Retrier) {
		r.multiplier = m
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) {
		r.maxRetries = n
	}
}

// WithJitter sets the jitter factor (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) {
		r.jitter = j
	}
}

// WithSleeper replaces the pause implementation.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		r.sleep = sleep
	}
}

// OnRetry registers a hook called before each retry with the failed attempt number (1-based).
func OnRetry(fn func(attempt int, err error)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// New creates a new Retrier with default values and optional overrides.
func New(opts ...Option) *Retrier {
	r := &Retrier{
		interval:    defaultInterval,
		maxInterval: defaultMaxInterval,
		multiplier:  defaultMultiplier,
		maxRetries:  defaultMaxRetries,
		jitter:      defaultJitter,
		sleep:       sleepContext,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.multiplier < 1 {
		r.multiplier = 1
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}

	return r
}

// Attempts returns the total number of attempts Do will make.
func (r *Retrier) Attempts() int {
	return r.maxRetries + 1
}

// Do executes fn until it succeeds, the retries run out or ctx is done.
// The last error from fn is returned on exhaustion.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	interval := r.interval

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if r.onRetry != nil {
				r.onRetry(attempt, err)
			}

			if sleepErr := r.sleep(ctx, r.withJitter(interval)); sleepErr != nil {
				return sleepErr
			}

			interval = time.Duration(float64(interval) * r.multiplier)
			if interval > r.maxInterval {
				interval = r.maxInterval
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
	}

	return err
}

func (r *Retrier) withJitter(d time.Duration) time.Duration {
	if r.jitter <= 0 {
		return d
	}

	j := (rand.Float64()*2 - 1) * r.jitter * float64(d)
	out := time.Duration(float64(d) + j)
	if out < 0 {
		return 0
	}

	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
