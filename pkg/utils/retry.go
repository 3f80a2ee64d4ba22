package utils

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to attempts times, doubling the wait after each failure
// starting from backoff. It stops early when ctx is done and returns the
// last error from fn.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	wait := backoff
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
		wait *= 2
	}
	return fmt.Errorf("retry attempts exhausted: %w", err)
}
