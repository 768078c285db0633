package resiliency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func fastBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(5*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
}

func TestRetryGetSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	attempts := 0
	val, err := RetryGet(ctx, fastBackoff(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not yet")
		}
		return "ready", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ready", val)
	require.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	attempts := 0
	fatal := errors.New("fatal")
	err := Retry(ctx, fastBackoff(), func() error {
		attempts++
		return Permanent(fatal)
	})

	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, attempts)
}

func TestRetryGetReportsLastAttemptErrorOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attemptErr := errors.New("still failing")
	_, err := RetryGet(ctx, backoff.NewConstantBackOff(5*time.Millisecond), func() (int, error) {
		return 0, attemptErr
	})

	require.ErrorIs(t, err, attemptErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMakePanicError(t *testing.T) {
	t.Parallel()

	require.NoError(t, MakePanicError(nil, logr.Discard()))

	err := func() (err error) {
		defer func() {
			err = MakePanicError(recover(), logr.Discard())
		}()
		panic("boom")
	}()

	require.ErrorIs(t, err, ErrPanic)
	require.Contains(t, err.Error(), "boom")

	var permanent *backoff.PermanentError
	require.True(t, errors.As(err, &permanent))

	wrapped := errors.New("inner")
	require.ErrorIs(t, MakePanicError(wrapped, logr.Logger{}), wrapped)
}

func TestPanicMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", PanicMessage(nil))
	require.Equal(t, "boom", PanicMessage("boom"))
	require.Equal(t, "bad", PanicMessage(errors.New("bad")))
	require.Equal(t, "42", PanicMessage(42))
}
