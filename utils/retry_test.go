package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instantRetry(maxRetries int, waits *[]time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  10 * time.Millisecond,
		Logger:     NewNopLogger(),
		Jitter:     func(time.Duration) time.Duration { return time.Millisecond },
		Sleep: func(_ context.Context, d time.Duration) error {
			if waits != nil {
				*waits = append(*waits, d)
			}
			return nil
		},
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var waits []time.Duration
	r := instantRetry(3, &waits)

	calls := 0
	attempts, err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// exponential: base, 2*base, each plus 1ms jitter
	assert.Equal(t, []time.Duration{11 * time.Millisecond, 21 * time.Millisecond}, waits)
}

func TestRetryExhausted(t *testing.T) {
	r := instantRetry(2, nil)
	sentinel := errors.New("still down")

	attempts, err := r.Do(context.Background(), "op", func(context.Context) error { return sentinel })

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, sentinel)

	var re *RetryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.Attempts)
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	r := instantRetry(5, nil)
	sentinel := errors.New("bad request")

	attempts, err := r.Do(context.Background(), "op", func(context.Context) error {
		return Permanent(sentinel)
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsPermanent(err))
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	r := &RetryConfig{MaxRetries: 5, BaseDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	attempts, err := r.Do(ctx, "op", func(context.Context) error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}
