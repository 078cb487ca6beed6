package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0.1,
		CallTimeout:    50 * time.Millisecond,
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	notified := 0
	v, attempts, err := Retry(context.Background(), fastPolicy(5), OpSubmit, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", ErrRateLimited
		}
		return "E1", nil
	}, func(op string, attempt int, err error, wait time.Duration) {
		notified++
		assert.Equal(t, OpSubmit, op)
		assert.ErrorIs(t, err, ErrRateLimited)
	})
	require.NoError(t, err)
	assert.Equal(t, "E1", v)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, notified)
}

func TestRetryPermanentNotRetried(t *testing.T) {
	calls := 0
	_, attempts, err := Retry(context.Background(), fastPolicy(5), OpSubmit, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, NewPermanent(OpSubmit, "insufficient_funds")
	}, nil)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, "insufficient_funds", ReasonCode(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.False(t, errors.Is(err, ErrRetriesExhausted))
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	_, attempts, err := Retry(context.Background(), fastPolicy(3), OpCancel, func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("connection reset")
	}, nil)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.False(t, IsPermanent(err))
}

func TestRetryCallTimeoutIsTransient(t *testing.T) {
	calls := 0
	_, _, err := Retry(context.Background(), fastPolicy(2), OpGetOrder, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, calls)
}

func TestRetryAbortedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := Retry(ctx, fastPolicy(5), OpSubmit, func(context.Context) (int, error) {
		cancel()
		return 0, ErrRateLimited
	}, nil)
	require.ErrorIs(t, err, ErrAborted)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"限流", ErrRateLimited, Transient},
		{"超时", fmt.Errorf("wrap: %w", ErrTimeout), Transient},
		{"未知错误", errors.New("boom"), Transient},
		{"订单不存在", ErrNotFound, Permanent},
		{"显式永久", NewPermanent(OpSubmit, "auth_failed"), Permanent},
		{"显式临时", NewTransient(OpSubmit, errors.New("503")), Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestOnceWrapsTimeout(t *testing.T) {
	_, err := Once(context.Background(), 5*time.Millisecond, OpGetOrder, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Transient, Classify(err))
}
