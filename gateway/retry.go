package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 有界指数退避。MaxAttempts 包含首次调用。
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
	CallTimeout    time.Duration `yaml:"callTimeout"`
}

// DefaultRetryPolicy 默认值未经生产校准，可通过配置覆盖。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		CallTimeout:    10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// RetryNotify 在每次失败后、等待前被调用。
type RetryNotify func(op string, attempt int, err error, wait time.Duration)

// Retry 对 Transient 错误按策略重试，每次调用带独立超时。
// 返回值：
//   - Permanent 错误原样返回，不重试；
//   - ctx 结束时返回包装 ErrAborted 的错误；
//   - 次数用尽返回包装 ErrRetriesExhausted 与最后一次错误的错误。
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error), notify RetryNotify) (T, int, error) {
	p = p.withDefaults()
	attempts := 0
	var lastErr error

	result, err := backoff.RetryNotifyWithData[T](func() (T, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()

		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			lastErr = err
			return v, backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &Error{Kind: Transient, Op: op, Code: "timeout", Err: fmt.Errorf("%w after %s", ErrTimeout, p.CallTimeout)}
		}
		lastErr = err
		if IsPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(op, attempts, err, wait)
		}
	})
	if err == nil {
		return result, attempts, nil
	}
	if ctx.Err() != nil {
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return result, attempts, fmt.Errorf("%w: %s after %d attempts: %w", ErrAborted, op, attempts, lastErr)
	}
	if IsPermanent(err) {
		return result, attempts, err
	}
	return result, attempts, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, attempts, lastErr)
}

// Once 单次调用，带超时但不重试。对账路径使用。
func Once[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultRetryPolicy().CallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &Error{Kind: Transient, Op: op, Code: "timeout", Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
	}
	return v, err
}
