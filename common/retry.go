package common

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy describes a bounded exponential backoff. Policies are plain
// values; callers construct them once and pass them to Retry.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the sleep after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the per-attempt sleep.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt. Values below
	// 1.0 are treated as 2.0.
	Multiplier float64
}

// DefaultRetryPolicy covers transient I/O against the KV broker, the
// relational store, and the search index.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// PermanentError wraps an error that Retry must not retry. Use Permanent to
// construct it from inside a retried function.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryAfterProvider is implemented by errors that carry a server-provided
// delay (rate limiting). Retry sleeps at least that long before the next
// attempt regardless of the policy's computed backoff.
type RetryAfterProvider interface {
	RetryAfterDelay() time.Duration
}

// Retry runs fn until it succeeds, the policy is exhausted, the error is
// permanent, or ctx is done. It returns the last error observed.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}

	delay := policy.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		sleep := delay
		if policy.MaxDelay > 0 && sleep > policy.MaxDelay {
			sleep = policy.MaxDelay
		}
		// A server-provided delay is a floor, not a suggestion: it wins
		// even over MaxDelay, or the next attempt is throttled again.
		var rap RetryAfterProvider
		if errors.As(lastErr, &rap) {
			if after := rap.RetryAfterDelay(); after > sleep {
				sleep = after
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return lastErr
}
