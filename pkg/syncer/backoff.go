package syncer

import (
	"context"
	"errors"
	"time"
)

const (
	maxAttempts = 6
	baseDelay   = 1 * time.Second
	maxDelay    = 32 * time.Second
)

// backoffDelay returns the wait before attempt n (0-based): 1, 2, 4,
// 8, 16, 32 seconds. The sequence is fixed so retry timing stays
// predictable under test and in logs.
func backoffDelay(attempt int) time.Duration {
	d := baseDelay << attempt
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// withRetry runs fn up to maxAttempts times. Permanent API errors
// (auth, bad request) abort immediately; a rate-limited response waits
// the server's requested delay instead of the backoff schedule.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && !apiErr.Retryable() {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := backoffDelay(attempt)
		if errors.As(lastErr, &apiErr) && apiErr.Code == CodeRateLimited && apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
