package backoff

import (
	"context"
	"errors"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Retry executes fn with exponential backoff between attempts. fn receives
// the 1-indexed attempt number. A nil error stops the retries; a false
// retryable verdict from shouldRetry stops them immediately and returns the
// error as-is. Context cancellation is honored between attempts.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	shouldRetry func(error) bool,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return zero, err
		}
		lastErr = err

		if attempt < maxAttempts {
			timer := newTimer(policy.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}
