// Package backoff provides the exponential retry combinator used for
// provider calls and upstream machine dials.
package backoff

import (
	"context"
	"time"
)

// Defaults: four calls total with waits of 1s, 2s, 4s between them.
const (
	DefaultAttempts   = 4
	DefaultBase       = time.Second
	DefaultMultiplier = 2.0
)

// Retry invokes fn up to attempts times. After a failed attempt i
// (zero-based) it sleeps base·mult^i, unless shouldRetry rejects the
// error or the context ends, in which case the last error is returned
// immediately. Returns the first success or the final error.
func Retry[T any](ctx context.Context, fn func(context.Context) (T, error), shouldRetry func(error) bool, attempts int, base time.Duration, mult float64) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if !sleep(ctx, delay) {
				return zero, lastErr
			}
			delay = time.Duration(float64(delay) * mult)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !shouldRetry(err) || ctx.Err() != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// RetryAll is Retry with every error considered retryable.
func RetryAll[T any](ctx context.Context, fn func(context.Context) (T, error), attempts int, base time.Duration, mult float64) (T, error) {
	return Retry(ctx, fn, func(error) bool { return true }, attempts, base, mult)
}

// sleep waits for d or until ctx ends; reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
