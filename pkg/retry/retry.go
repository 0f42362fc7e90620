// Package retry provides exponential backoff with jitter for the two places
// the service waits on something else: dialing Postgres/Redis at startup and
// re-running a settlement that lost an optimistic version race.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// permanent marks an error that must stop the retry loop.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it at once, unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Policy describes how often and how long to retry.
type Policy struct {
	// Attempts counts the first call too.
	Attempts int
	// Base is the delay after the first failure; it doubles per attempt up to Cap.
	Base time.Duration
	Cap  time.Duration
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64

	// ShouldRetry reports whether err is worth another attempt. Nil retries
	// every error that is not Permanent.
	ShouldRetry func(error) bool
	// Notify runs before each wait.
	Notify func(attempt int, err error, delay time.Duration)
}

// Option adjusts a Policy.
type Option func(*Policy)

func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.Attempts = n
		}
	}
}

func WithBackoff(base, ceiling time.Duration) Option {
	return func(p *Policy) {
		if base > 0 {
			p.Base = base
		}
		if ceiling >= base {
			p.Cap = ceiling
		}
	}
}

func WithJitter(j float64) Option {
	return func(p *Policy) {
		if j >= 0 && j <= 1 {
			p.Jitter = j
		}
	}
}

func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) { p.ShouldRetry = fn }
}

func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(p *Policy) { p.Notify = fn }
}

// Retrier runs operations under a Policy. It is safe for concurrent use.
type Retrier struct {
	policy Policy
}

// New returns a Retrier making three attempts 100ms apart, doubling.
func New(opts ...Option) *Retrier {
	p := Policy{
		Attempts: 3,
		Base:     100 * time.Millisecond,
		Cap:      30 * time.Second,
		Jitter:   0.1,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return &Retrier{policy: p}
}

// Do calls op until it succeeds, returns a non-retryable error, or runs out
// of attempts. The last error is returned; a cancelled context ends the loop
// early.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err

		if attempt >= r.policy.Attempts || (r.policy.ShouldRetry != nil && !r.policy.ShouldRetry(err)) {
			return err
		}

		delay := r.backoff(attempt)
		if r.policy.Notify != nil {
			r.policy.Notify(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last
		case <-timer.C:
		}
	}
}

// backoff returns the wait after the given failed attempt.
func (r *Retrier) backoff(attempt int) time.Duration {
	d := r.policy.Base
	for i := 1; i < attempt && d < r.policy.Cap; i++ {
		d *= 2
	}
	if d > r.policy.Cap {
		d = r.policy.Cap
	}
	if r.policy.Jitter > 0 {
		spread := float64(d) * r.policy.Jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

// DoWithData is Do for operations that produce a value.
func DoWithData[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// StartupRetrier waits for backing services that may still be booting
// (docker compose, k8s init ordering).
func StartupRetrier(onRetry func(attempt int, err error, delay time.Duration)) *Retrier {
	return New(
		WithMaxAttempts(10),
		WithBackoff(500*time.Millisecond, 10*time.Second),
		WithJitter(0.2),
		WithOnRetry(onRetry),
	)
}

// ConflictRetrier re-runs an operation whose optimistic write lost to
// another instance. retryIf decides which errors are conflicts.
func ConflictRetrier(retryIf func(error) bool) *Retrier {
	return New(
		WithMaxAttempts(5),
		WithBackoff(20*time.Millisecond, 500*time.Millisecond),
		WithJitter(0.5),
		WithRetryIf(retryIf),
	)
}
