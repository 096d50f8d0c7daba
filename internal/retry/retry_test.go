// ABOUTME: Tests for the generic retry-with-backoff helper.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecute_SuccessFirstTry(t *testing.T) {
	var progressCalls int
	result, err := Execute(context.Background(), "test_op", 3, time.Millisecond, 2,
		func(ctx context.Context) (int, error) { return 123, nil },
		func(attempt, max int, delay time.Duration, err error) { progressCalls++ },
	)
	require.NoError(t, err)
	require.Equal(t, 123, result)
	require.Zero(t, progressCalls)
}

func TestExecute_SuccessAfterRetries(t *testing.T) {
	attempts := []struct {
		val int
		err error
	}{
		{0, errors.New("fail 1")},
		{0, errors.New("fail 2")},
		{123, nil},
	}
	call := 0
	type progressCall struct {
		attempt, max int
		delay        time.Duration
		err          error
	}
	var calls []progressCall

	result, err := Execute(context.Background(), "test_op_retry_success", 3, 10*time.Millisecond, 2,
		func(ctx context.Context) (int, error) {
			a := attempts[call]
			call++
			return a.val, a.err
		},
		func(attempt, max int, delay time.Duration, err error) {
			calls = append(calls, progressCall{attempt, max, delay, err})
		},
	)

	require.NoError(t, err)
	require.Equal(t, 123, result)
	require.Len(t, calls, 2)
	require.Equal(t, 1, calls[0].attempt)
	require.Equal(t, 10*time.Millisecond, calls[0].delay)
	require.EqualError(t, calls[0].err, "fail 1")
	require.Equal(t, 2, calls[1].attempt)
	require.Equal(t, 20*time.Millisecond, calls[1].delay)
	require.EqualError(t, calls[1].err, "fail 2")
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	var progressCalls int
	_, err := Execute(context.Background(), "test_op_max_fail", 3, 5*time.Millisecond, 2,
		func(ctx context.Context) (int, error) { return 0, errors.New("fail") },
		func(attempt, max int, delay time.Duration, err error) { progressCalls++ },
	)

	require.Error(t, err)
	var maxErr *MaxRetriesExceededError
	require.ErrorAs(t, err, &maxErr)
	require.Equal(t, 3, maxErr.AttemptsMade)
	require.Equal(t, 2, progressCalls)
}

func TestExecute_SingleAttemptSuccess(t *testing.T) {
	var progressCalls int
	result, err := Execute(context.Background(), "single", 1, time.Millisecond, 1,
		func(ctx context.Context) (int, error) { return 1, nil },
		func(attempt, max int, delay time.Duration, err error) { progressCalls++ },
	)
	require.NoError(t, err)
	require.Equal(t, 1, result)
	require.Zero(t, progressCalls)
}

func TestExecute_SingleAttemptFailure(t *testing.T) {
	var progressCalls int
	_, err := Execute(context.Background(), "single_fail", 1, time.Millisecond, 1,
		func(ctx context.Context) (int, error) { return 0, errors.New("fail") },
		func(attempt, max int, delay time.Duration, err error) { progressCalls++ },
	)
	require.Error(t, err)
	require.Zero(t, progressCalls)
}

func TestExecute_PanicsOnZeroMaxAttempts(t *testing.T) {
	require.Panics(t, func() {
		_, _ = Execute(context.Background(), "zero", 0, time.Millisecond, 1,
			func(ctx context.Context) (int, error) { return 0, nil }, nil)
	})
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Execute(ctx, "cancelled", 3, 50*time.Millisecond, 1,
		func(ctx context.Context) (int, error) { return 0, errors.New("fail") }, nil)
	require.ErrorIs(t, err, context.Canceled)
}
