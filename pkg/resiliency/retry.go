package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default back-off used by callers that do not need a custom policy.
func DefaultBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
}

// Try calling factory function with exponential back-off until it succeeds,
// the back-off policy gives up, or the context is done.
func RetryGet[T any](ctx context.Context, b backoff.BackOff, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) && lastAttemptErr != nil:
		// Inform the caller about the timeout AND the last attempt error.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

// Retry is RetryGet for operations that produce no value.
func Retry(ctx context.Context, b backoff.BackOff, op func() error) error {
	_, err := RetryGet(ctx, b, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Permanent wraps an error so that retry loops stop immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
