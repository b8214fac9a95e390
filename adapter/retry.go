package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retry defaults.
const (
	DefaultBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second
)

// Retry is the redelivery policy shared by the mirrors. Each retry waits
// twice as long as the one before, capped at MaxBackoff.
type Retry struct {
	// Retries is the number of attempts after the first.
	Retries int
	// Backoff is the delay before the first retry (default 500ms).
	Backoff time.Duration
	// MaxBackoff caps the delay (default 5s).
	MaxBackoff time.Duration
	// Wait blocks for d or until ctx is done. Tests replace it.
	Wait func(ctx context.Context, d time.Duration) error
}

// WithDefaults fills zero fields. A cap below the first delay is raised to
// it.
func (r Retry) WithDefaults() Retry {
	if r.Backoff <= 0 {
		r.Backoff = DefaultBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}
	if r.MaxBackoff < r.Backoff {
		r.MaxBackoff = r.Backoff
	}
	if r.Wait == nil {
		r.Wait = wait
	}
	return r
}

// Validate rejects a negative retry count.
func (r Retry) Validate() error {
	if r.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", r.Retries)
	}
	return nil
}

// Delays returns the wait before each retry.
func (r Retry) Delays() []time.Duration {
	r = r.WithDefaults()
	out := make([]time.Duration, 0, max(r.Retries, 0))
	d := r.Backoff
	for range r.Retries {
		out = append(out, d)
		d = min(d*2, r.MaxBackoff)
	}
	return out
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do runs op until it succeeds, returns a Permanent error, runs out of
// attempts, or ctx is done.
func (r Retry) Do(ctx context.Context, op func(context.Context) error) error {
	r = r.WithDefaults()
	attempts := 1 + r.Retries

	var last error
	for i, delay := range append([]time.Duration{0}, r.Delays()...) {
		if i > 0 {
			if err := r.Wait(ctx, delay); err != nil {
				return fmt.Errorf("canceled during backoff after %d attempts: %w", i, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("canceled: %w", err)
		}

		last = op(ctx)
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return fmt.Errorf("non-retriable error: %w", perm.err)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, last)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
