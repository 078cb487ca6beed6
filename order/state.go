package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSubmitted  Status = "SUBMITTED"
	StatusPartial    Status = "PARTIALLY_FILLED"
	StatusFilled     Status = "FILLED"
	StatusCancelling Status = "CANCELLING"
	StatusCancelled  Status = "CANCELLED"
	StatusRejected   Status = "REJECTED"
	StatusFailed     Status = "FAILED"
)

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign 买为正、卖为负，便于仓位累加。
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Type 订单类型。
type Type string

const (
	TypeLimit  Type = "LIMIT"
	TypeMarket Type = "MARKET"
)

// Spec 是创建订单所需的不可变参数。
type Spec struct {
	ClientOrderID string          `json:"client_order_id"`
	Ticker        string          `json:"ticker"`
	Side          Side            `json:"side"`
	Type          Type            `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	Quantity      int64           `json:"quantity"`
}

// Validate checks the shape of a spec. It never looks at ledger state.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.ClientOrderID) == "" {
		return fmt.Errorf("%w: client order id is required", ErrValidation)
	}
	if strings.TrimSpace(s.Ticker) == "" {
		return fmt.Errorf("%w: ticker is required", ErrValidation)
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("%w: unknown side %q", ErrValidation, s.Side)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d must be > 0", ErrValidation, s.Quantity)
	}
	switch s.Type {
	case TypeLimit:
		if !s.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order requires a positive limit price", ErrValidation)
		}
	case TypeMarket:
		if !s.LimitPrice.IsZero() {
			return fmt.Errorf("%w: market order must not carry a limit price", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrValidation, s.Type)
	}
	return nil
}

// Order holds the ledger view of one exchange order.
type Order struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Ticker          string          `json:"ticker"`
	Side            Side            `json:"side"`
	Type            Type            `json:"type"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	Quantity        int64           `json:"quantity"`

	Status         Status          `json:"status"`
	FilledQuantity int64           `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Reason         string          `json:"reason,omitempty"`

	// Version 每次状态变更 +1，同时作为事件序号与 checkpoint 的已应用序号。
	Version uint64 `json:"version"`

	LastReconciledAt time.Time `json:"last_reconciled_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	TerminalAt       time.Time `json:"terminal_at"`
}

// Spec returns the immutable part of the order.
func (o Order) Spec() Spec {
	return Spec{
		ClientOrderID: o.ClientOrderID,
		Ticker:        o.Ticker,
		Side:          o.Side,
		Type:          o.Type,
		LimitPrice:    o.LimitPrice,
		Quantity:      o.Quantity,
	}
}

// Terminal reports whether the order can no longer change.
func (o Order) Terminal() bool {
	return IsFinalState(o.Status)
}

// RemainingQuantity 尚未成交数量。
func (o Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// Notional 按限价估算名义金额；市价单使用 reference。
func (s Spec) Notional(reference decimal.Decimal) decimal.Decimal {
	price := s.LimitPrice
	if s.Type == TypeMarket {
		price = reference
	}
	return price.Mul(decimal.NewFromInt(s.Quantity))
}
