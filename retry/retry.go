// Package retry implements the bounded retry policy used for transient
// infrastructure failures (DNS timeouts, proxy connect errors, store writes).
// Terminal classifications are never retried: only errors wrapped with
// MarkRetryable qualify.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds how many times an operation is attempted and how long to
// wait between attempts. The wait doubles after every failed attempt.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultPolicy tries twice with a short pause in between.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 2, Backoff: 250 * time.Millisecond}
}

// NoRetry runs an operation exactly once.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable tags err as belonging to the transient infra-failure class.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was tagged by MarkRetryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done. It returns the last error seen.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil || !IsRetryable(err) || attempt == attempts {
			return err
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			wait *= 2
		}
	}
	return err
}
