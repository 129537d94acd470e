package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry executes fn with exponential backoff, retrying only errors the
// retryable predicate accepts. A nil predicate retries every error. The
// attempt count includes the initial call, so maxAttempts = retries + 1.
//
// Non-retryable errors are returned immediately. Context cancellation is
// checked before each attempt and honored during backoff sleeps.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = lastErr
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		lastErr = err
		result.LastError = err

		if retryable != nil && !retryable(err) {
			return result, err
		}

		// Don't sleep after the last attempt
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}

// RetrySimple retries a void function with the default policy until it
// succeeds or attempts run out. Every error is treated as retryable.
func RetrySimple(ctx context.Context, maxAttempts int, fn func() error) error {
	_, err := Retry(ctx, DefaultPolicy(), maxAttempts, nil, func(_ int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Sleep blocks for the computed backoff delay of the given attempt, or
// until the context is cancelled.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	delay := Compute(policy, attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
