// Package retry implements the two backoff policies the engine's steps use:
// linear (fetch) and exponential (email), both respecting context
// cancellation between attempts.
package retry

import (
	"context"
	"time"
)

// Func is a unit of work that may fail transiently.
type Func func(ctx context.Context) error

// Linear retries fn up to maxRetries additional times (maxRetries+1 total
// attempts), waiting a fixed interval between attempts.
func Linear(ctx context.Context, maxRetries int, interval time.Duration, fn Func) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(interval):
			}
		}
	}
	return lastErr
}

// Exponential retries fn up to maxRetries additional times, doubling the
// wait after each failed attempt starting from baseBackoff.
func Exponential(ctx context.Context, maxRetries int, baseBackoff time.Duration, fn Func) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < maxRetries {
			wait := baseBackoff * (1 << uint(attempt))
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}
