package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransitionKind 触发状态变化的事件类型。
type TransitionKind string

const (
	KindSubmitAck             TransitionKind = "submit_ack"
	KindSubmitReject          TransitionKind = "submit_reject"
	KindPartialFill           TransitionKind = "partial_fill"
	KindFullFill              TransitionKind = "full_fill"
	KindCancelRequest         TransitionKind = "cancel_request"
	KindCancelAck             TransitionKind = "cancel_ack"
	KindLateFill              TransitionKind = "late_fill"
	KindAdapterErrorExhausted TransitionKind = "adapter_error_exhausted"
)

// IsFill 判断是否为成交类转换。
func (k TransitionKind) IsFill() bool {
	return k == KindPartialFill || k == KindFullFill || k == KindLateFill
}

// Transition 描述一次待应用到账本的变化。
type Transition struct {
	Kind TransitionKind

	// submit_ack
	ExchangeOrderID string

	// 成交类：交易所报告的累计成交量与均价
	FilledQuantity int64
	AvgFillPrice   decimal.Decimal

	Reason string
	At     time.Time
}

// SubmitAck builds a submit_ack transition.
func SubmitAck(exchangeOrderID string) Transition {
	return Transition{Kind: KindSubmitAck, ExchangeOrderID: exchangeOrderID}
}

// SubmitReject builds a submit_reject transition.
func SubmitReject(reason string) Transition {
	return Transition{Kind: KindSubmitReject, Reason: reason}
}

// CancelRequest builds a cancel_request transition.
func CancelRequest(reason string) Transition {
	return Transition{Kind: KindCancelRequest, Reason: reason}
}

// CancelAck builds a cancel_ack transition.
func CancelAck() Transition {
	return Transition{Kind: KindCancelAck}
}

// Exhausted builds an adapter_error_exhausted transition.
func Exhausted(reason string) Transition {
	return Transition{Kind: KindAdapterErrorExhausted, Reason: reason}
}

// FillFor 根据当前状态与累计成交量选择成交转换类型。
// CANCELLING 状态下的成交一律视为 late_fill。
func FillFor(o Order, cumulative int64, avg decimal.Decimal) Transition {
	kind := KindPartialFill
	switch {
	case o.Status == StatusCancelling:
		kind = KindLateFill
	case cumulative >= o.Quantity:
		kind = KindFullFill
	}
	return Transition{Kind: kind, FilledQuantity: cumulative, AvgFillPrice: avg}
}

type edge struct {
	From Status
	Kind TransitionKind
}

// StateMachine 订单状态机。表在构造后只读，可并发使用。
type StateMachine struct {
	edges map[edge][]Status
}

// NewStateMachine 创建状态机。
func NewStateMachine() *StateMachine {
	sm := &StateMachine{edges: make(map[edge][]Status)}
	sm.add(StatusPending, KindSubmitAck, StatusSubmitted)
	sm.add(StatusPending, KindSubmitReject, StatusRejected)

	sm.add(StatusSubmitted, KindPartialFill, StatusPartial)
	sm.add(StatusSubmitted, KindFullFill, StatusFilled)
	sm.add(StatusSubmitted, KindCancelRequest, StatusCancelling)

	sm.add(StatusPartial, KindPartialFill, StatusPartial)
	sm.add(StatusPartial, KindFullFill, StatusFilled)
	sm.add(StatusPartial, KindCancelRequest, StatusCancelling)

	sm.add(StatusCancelling, KindCancelAck, StatusCancelled)
	sm.add(StatusCancelling, KindLateFill, StatusPartial, StatusFilled)

	for _, s := range []Status{StatusPending, StatusSubmitted, StatusPartial, StatusCancelling} {
		sm.add(s, KindAdapterErrorExhausted, StatusFailed)
	}
	return sm
}

func (sm *StateMachine) add(from Status, kind TransitionKind, to ...Status) {
	sm.edges[edge{From: from, Kind: kind}] = to
}

// Next 计算 o 在转换 t 之后的目标状态。
// 成交类转换依据累计成交量决定 PARTIALLY_FILLED 还是 FILLED。
func (sm *StateMachine) Next(o Order, t Transition) (Status, error) {
	targets, ok := sm.edges[edge{From: o.Status, Kind: t.Kind}]
	if !ok {
		return "", fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, o.Status, t.Kind)
	}
	if !t.Kind.IsFill() {
		return targets[0], nil
	}

	if t.FilledQuantity > o.Quantity {
		return "", fmt.Errorf("%w: filled %d exceeds quantity %d", ErrInvalidTransition, t.FilledQuantity, o.Quantity)
	}
	want := StatusPartial
	if t.FilledQuantity == o.Quantity {
		want = StatusFilled
	}
	for _, to := range targets {
		if to == want {
			return to, nil
		}
	}
	return "", fmt.Errorf("%w: %s --%s--> %s (filled %d/%d)",
		ErrInvalidTransition, o.Status, t.Kind, want, t.FilledQuantity, o.Quantity)
}

// Allowed 返回当前状态下可用的转换类型。
func (sm *StateMachine) Allowed(current Status) []TransitionKind {
	kinds := make([]TransitionKind, 0, 4)
	for e := range sm.edges {
		if e.From == current {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// IsFinalState 判断是否是终态
func IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActiveState 判断是否在交易所侧存活（可能产生成交）
func IsActiveState(status Status) bool {
	switch status {
	case StatusSubmitted, StatusPartial, StatusCancelling:
		return true
	default:
		return false
	}
}

// CanCancel 判断当前状态下是否可以发起撤单
func CanCancel(status Status) bool {
	return status == StatusSubmitted || status == StatusPartial
}
