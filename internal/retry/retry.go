package retry

import (
	"context"
	"time"
)

// BackoffFunc returns how long to wait after a failed attempt.
// attempt is 1-based, so linear backoff grows with each failure.
type BackoffFunc func(attempt int) time.Duration

func Linear(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

func Fixed(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}

// Do runs fn up to attempts times, waiting backoff(attempt) between
// failures. It returns nil on the first success, the last error once
// attempts are exhausted, or the context error if cancelled mid-wait.
func Do(ctx context.Context, attempts int, backoff BackoffFunc, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt < attempts {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
