package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind 交易所错误分类：只有 Transient 会被重试。
type ErrorKind int

const (
	Transient ErrorKind = iota
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

var (
	ErrRateLimited = errors.New("rate limited")
	ErrTimeout     = errors.New("exchange call timeout")
	ErrNotFound    = errors.New("exchange order not found")

	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrAborted 调用方 ctx 结束导致重试中止，结果未知。
	ErrAborted = errors.New("exchange call aborted")
)

// Error 交易所返回的已分类错误。Code 是机器可读原因（如 insufficient_funds）。
type Error struct {
	Kind ErrorKind
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewPermanent 构造不可重试错误。
func NewPermanent(op, code string) *Error {
	return &Error{Kind: Permanent, Op: op, Code: code}
}

// NewTransient 构造可重试错误。
func NewTransient(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// Classify 判定错误是否可重试。未分类的错误按 Transient 处理。
func Classify(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, context.Canceled):
		return Permanent
	default:
		return Transient
	}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}

// ReasonCode 提取错误的机器可读原因，用于事件与日志。
func ReasonCode(err error) string {
	var ge *Error
	if errors.As(err, &ge) && ge.Code != "" {
		return ge.Code
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case err == nil:
		return ""
	default:
		return "unknown"
	}
}
