package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy keeps test sleeps negligible.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsPolicy(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := Retry(context.Background(), fastPolicy(4), func() error {
		calls++
		return wantErr
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, wantErr)
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("bad request")
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return Permanent(wantErr)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, wantErr)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	policy := RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: time.Hour, // never actually slept through
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, policy, func() error {
		calls++
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

type retryAfterErr struct{ after time.Duration }

func (e *retryAfterErr) Error() string { return "rate limited" }
func (e *retryAfterErr) RetryAfterDelay() time.Duration { return e.after }

func TestRetry_HonorsRetryAfter(t *testing.T) {
	const serverDelay = 30 * time.Millisecond

	calls := 0
	start := time.Now()
	policy := RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	err := Retry(context.Background(), policy, func() error {
		calls++
		if calls == 1 {
			return &retryAfterErr{after: serverDelay}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// The sleep before the second attempt must be at least the
	// server-provided delay, not the 1ms policy delay.
	assert.GreaterOrEqual(t, time.Since(start), serverDelay)
}

func TestRetry_RetryAfterWinsOverMaxDelay(t *testing.T) {
	const serverDelay = 50 * time.Millisecond

	calls := 0
	start := time.Now()
	policy := RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
	err := Retry(context.Background(), policy, func() error {
		calls++
		if calls == 1 {
			return &retryAfterErr{after: serverDelay}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// MaxDelay caps the computed backoff, never the server's delay.
	assert.GreaterOrEqual(t, time.Since(start), serverDelay)
}

func TestRetry_ZeroAttemptsTreatedAsOne(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{}, func() error {
		calls++
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
