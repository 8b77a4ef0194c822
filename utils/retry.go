package utils

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig holds the parameters for the retry strategy.
type RetryConfig struct {
	// MaxRetries is the number of attempts made after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *Logger

	// Jitter returns a random extra delay in [0, max). Nil uses math/rand.
	Jitter func(max time.Duration) time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryError is returned when every attempt failed.
type RetryError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Do executes fn with exponential back-off plus jitter. A permanent error or
// a done context stops the loop early; the returned int is the number of
// attempts made.
func (r *RetryConfig) Do(ctx context.Context, operationName string, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	delay := r.BaseDelay
	attempts := 0

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempts, nil
		}
		if IsPermanent(lastErr) {
			return attempts, lastErr
		}

		if attempt < r.MaxRetries {
			wait := delay + r.jitter(delay)
			if r.Logger != nil {
				r.Logger.Warn("[retry] %s failed (attempt %d/%d): %v, retrying in %v",
					operationName, attempt+1, r.MaxRetries+1, lastErr, wait)
			}
			if err := r.sleep(ctx, wait); err != nil {
				break
			}
			delay *= 2
		}
	}

	return attempts, &RetryError{Operation: operationName, Attempts: attempts, Err: lastErr}
}

func (r *RetryConfig) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if r.Jitter != nil {
		return r.Jitter(max)
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func (r *RetryConfig) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
