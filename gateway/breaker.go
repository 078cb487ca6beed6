package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen 熔断期间直接拒绝调用。
var ErrCircuitOpen = errors.New("exchange circuit open")

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("BreakerState(%d)", int(s))
	}
}

// BreakerConfig Threshold 为 0 表示不启用熔断。
type BreakerConfig struct {
	Threshold      int           `yaml:"threshold"`      // 连续 Transient 失败次数
	Cooldown       time.Duration `yaml:"cooldown"`       // 打开后等待多久进入半开
	HalfOpenProbes int           `yaml:"halfOpenProbes"` // 半开期间放行的探测调用数
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// Breaker 包装 ExchangeClient，连续 Transient 失败达到阈值后熔断。
// Permanent 错误（拒单、订单不存在）说明交易所可达，不计入失败。
type Breaker struct {
	next ExchangeClient
	cfg  BreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	openedAt    time.Time
	inFlight    int // 半开期间已放行的探测
	successes   int

	onChange func(from, to BreakerState)
}

// BreakerOption 可选参数
type BreakerOption func(*Breaker)

// WithStateHook 状态变化回调，在锁外调用。
func WithStateHook(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

func withBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

func NewBreaker(next ExchangeClient, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{next: next, cfg: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State 当前状态；打开且冷却已过时仍返回 OPEN，直到下一次调用。
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Health 熔断打开时返回错误。
func (b *Breaker) Health() error {
	if b.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) allow(op string) error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerOpen:
		wait := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			b.mu.Unlock()
			return &Error{Kind: Transient, Op: op, Code: "circuit_open", Err: fmt.Errorf("%w, retry in %s", ErrCircuitOpen, wait.Round(time.Millisecond))}
		}
		b.state = BreakerHalfOpen
		b.inFlight, b.successes = 1, 0
	case BreakerHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenProbes {
			b.mu.Unlock()
			return &Error{Kind: Transient, Op: op, Code: "circuit_open", Err: ErrCircuitOpen}
		}
		b.inFlight++
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return nil
}

func (b *Breaker) record(err error) {
	if b.cfg.Threshold <= 0 {
		return
	}
	failed := err != nil && !IsPermanent(err) && !errors.Is(err, context.Canceled)

	b.mu.Lock()
	from := b.state
	switch {
	case failed && b.state == BreakerHalfOpen:
		b.trip()
	case failed:
		b.consecutive++
		if b.state == BreakerClosed && b.consecutive >= b.cfg.Threshold {
			b.trip()
		}
	case b.state == BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenProbes {
			b.state = BreakerClosed
			b.consecutive = 0
		}
	default:
		b.consecutive = 0
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.consecutive = 0
	b.inFlight, b.successes = 0, 0
}

func (b *Breaker) notify(from, to BreakerState) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *Breaker) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	if err := b.allow(OpSubmit); err != nil {
		return SubmitAck{}, err
	}
	ack, err := b.next.SubmitOrder(ctx, req)
	b.record(err)
	return ack, err
}

func (b *Breaker) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := b.allow(OpCancel); err != nil {
		return err
	}
	err := b.next.CancelOrder(ctx, exchangeOrderID)
	b.record(err)
	return err
}

func (b *Breaker) GetOrder(ctx context.Context, exchangeOrderID string) (RemoteOrder, error) {
	if err := b.allow(OpGetOrder); err != nil {
		return RemoteOrder{}, err
	}
	ro, err := b.next.GetOrder(ctx, exchangeOrderID)
	b.record(err)
	return ro, err
}

func (b *Breaker) ListFills(ctx context.Context, exchangeOrderID string) ([]Fill, error) {
	if err := b.allow(OpListFills); err != nil {
		return nil, err
	}
	fills, err := b.next.ListFills(ctx, exchangeOrderID)
	b.record(err)
	return fills, err
}
