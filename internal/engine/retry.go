package engine

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is a bounded exponential backoff for store and network calls.
// It is deliberately independent of the monitor cadence: a store hiccup is
// retried within the call site, and only if the policy is exhausted does the
// cycle abandon that position until the next tick.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry suits transient store failures: three attempts within a
// couple of seconds.
func DefaultRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Abort marks err as non-retryable: Do returns it immediately, remaining
// attempts notwithstanding. Callers use it when a repeat of op would not be
// idempotent, such as re-firing a leg whose swap already confirmed.
func Abort(err error) error {
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Do runs op until it succeeds, the attempts are exhausted, or ctx is done.
// The last error is returned unwrapped so callers can errors.Is against it.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
