package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"prediction-trader-go/order"
)

// SubmitRequest 下单请求。LimitPrice 对市价单为零。
type SubmitRequest struct {
	ClientOrderID string
	Ticker        string
	Side          order.Side
	Type          order.Type
	Quantity      int64
	LimitPrice    decimal.Decimal
}

// RequestFromSpec 由订单参数构造下单请求。
func RequestFromSpec(spec order.Spec) SubmitRequest {
	return SubmitRequest{
		ClientOrderID: spec.ClientOrderID,
		Ticker:        spec.Ticker,
		Side:          spec.Side,
		Type:          spec.Type,
		Quantity:      spec.Quantity,
		LimitPrice:    spec.LimitPrice,
	}
}

type SubmitAck struct {
	ExchangeOrderID string
}

// RemoteStatus 交易所侧订单状态。
type RemoteStatus string

const (
	RemoteOpen      RemoteStatus = "OPEN"
	RemotePartial   RemoteStatus = "PARTIALLY_FILLED"
	RemoteFilled    RemoteStatus = "FILLED"
	RemoteCancelled RemoteStatus = "CANCELLED"
	RemoteRejected  RemoteStatus = "REJECTED"
)

// Terminal 交易所侧已不会再变化。
func (s RemoteStatus) Terminal() bool {
	return s == RemoteFilled || s == RemoteCancelled || s == RemoteRejected
}

// RemoteOrder get_order 的结果。AvgFillPrice 可能缺失（零值）。
type RemoteOrder struct {
	ExchangeOrderID string
	Status          RemoteStatus
	FilledQuantity  int64
	AvgFillPrice    decimal.Decimal
}

// Fill 单笔成交记录。
type Fill struct {
	FillID          string
	ExchangeOrderID string
	Quantity        int64
	Price           decimal.Decimal
	At              time.Time
}

// ExchangeClient 交易所适配器。实现必须并发安全，所有错误按 Transient/Permanent 分类。
type ExchangeClient interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOrder(ctx context.Context, exchangeOrderID string) (RemoteOrder, error)
	ListFills(ctx context.Context, exchangeOrderID string) ([]Fill, error)
}

// VWAP 汇总成交记录，返回总量与成交量加权均价。
func VWAP(fills []Fill) (int64, decimal.Decimal) {
	var qty int64
	cost := decimal.Zero
	for _, f := range fills {
		qty += f.Quantity
		cost = cost.Add(f.Price.Mul(decimal.NewFromInt(f.Quantity)))
	}
	if qty == 0 {
		return 0, decimal.Zero
	}
	return qty, cost.Div(decimal.NewFromInt(qty))
}

// Operation names used in errors, metrics and hooks.
const (
	OpSubmit    = "submit_order"
	OpCancel    = "cancel_order"
	OpGetOrder  = "get_order"
	OpListFills = "list_fills"
	OpPositions = "get_positions"
)

// CallObserver 接收每次适配器调用的结果，用于监控。
type CallObserver interface {
	ObserveCall(op string, err error, elapsed time.Duration)
}

// Instrumented 包装 ExchangeClient：先过共享限流器，再记录耗时与错误。
type Instrumented struct {
	next     ExchangeClient
	limiter  RateLimiter
	observer CallObserver
}

// NewInstrumented 任一可选参数为 nil 时跳过对应环节。
func NewInstrumented(next ExchangeClient, limiter RateLimiter, observer CallObserver) *Instrumented {
	return &Instrumented{next: next, limiter: limiter, observer: observer}
}

func (c *Instrumented) before(ctx context.Context, op string) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: Transient, Op: op, Code: "rate_limited", Err: ErrRateLimited}
	}
	return nil
}

func (c *Instrumented) observe(op string, err error, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveCall(op, err, time.Since(start))
	}
}

func (c *Instrumented) SubmitOrder(ctx context.Context, req SubmitRequest) (ack SubmitAck, err error) {
	start := time.Now()
	defer func() { c.observe(OpSubmit, err, start) }()
	if err = c.before(ctx, OpSubmit); err != nil {
		return SubmitAck{}, err
	}
	return c.next.SubmitOrder(ctx, req)
}

func (c *Instrumented) CancelOrder(ctx context.Context, exchangeOrderID string) (err error) {
	start := time.Now()
	defer func() { c.observe(OpCancel, err, start) }()
	if err = c.before(ctx, OpCancel); err != nil {
		return err
	}
	return c.next.CancelOrder(ctx, exchangeOrderID)
}

func (c *Instrumented) GetOrder(ctx context.Context, exchangeOrderID string) (ro RemoteOrder, err error) {
	start := time.Now()
	defer func() { c.observe(OpGetOrder, err, start) }()
	if err = c.before(ctx, OpGetOrder); err != nil {
		return RemoteOrder{}, err
	}
	return c.next.GetOrder(ctx, exchangeOrderID)
}

func (c *Instrumented) ListFills(ctx context.Context, exchangeOrderID string) (fills []Fill, err error) {
	start := time.Now()
	defer func() { c.observe(OpListFills, err, start) }()
	if err = c.before(ctx, OpListFills); err != nil {
		return nil, err
	}
	return c.next.ListFills(ctx, exchangeOrderID)
}
