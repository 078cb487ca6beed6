package bus

import (
	"time"

	"github.com/shopspring/decimal"

	"prediction-trader-go/order"
)

// CommandKind 命令类型。
type CommandKind string

const (
	CmdSubmitOrder  CommandKind = "SubmitOrder"
	CmdCancelOrder  CommandKind = "CancelOrder"
	CmdReplaceOrder CommandKind = "ReplaceOrder"
)

// ReplaceSpec 改单参数：撤掉原单后以新客户端订单号按新价格/数量重下。
type ReplaceSpec struct {
	NewClientOrderID string          `json:"new_client_order_id"`
	LimitPrice       decimal.Decimal `json:"limit_price"`
	Quantity         int64           `json:"quantity"`
}

// Command 发布后不可修改。
type Command struct {
	Kind          CommandKind  `json:"kind"`
	ClientOrderID string       `json:"client_order_id"`
	Submit        *order.Spec  `json:"submit,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Replace       *ReplaceSpec `json:"replace,omitempty"`
	IssuedAt      time.Time    `json:"issued_at"`
	Source        string       `json:"source,omitempty"`
}

func NewSubmit(spec order.Spec, source string) Command {
	s := spec
	return Command{
		Kind:          CmdSubmitOrder,
		ClientOrderID: spec.ClientOrderID,
		Submit:        &s,
		IssuedAt:      time.Now().UTC(),
		Source:        source,
	}
}

func NewCancel(clientOrderID, reason, source string) Command {
	return Command{
		Kind:          CmdCancelOrder,
		ClientOrderID: clientOrderID,
		Reason:        reason,
		IssuedAt:      time.Now().UTC(),
		Source:        source,
	}
}

func NewReplace(clientOrderID string, r ReplaceSpec, source string) Command {
	rs := r
	return Command{
		Kind:          CmdReplaceOrder,
		ClientOrderID: clientOrderID,
		Replace:       &rs,
		IssuedAt:      time.Now().UTC(),
		Source:        source,
	}
}

// EventKind 事件类型。
type EventKind string

const (
	EvtOrderSubmitted       EventKind = "OrderSubmitted"
	EvtOrderRejected        EventKind = "OrderRejected"
	EvtOrderPartiallyFilled EventKind = "OrderPartiallyFilled"
	EvtOrderFilled          EventKind = "OrderFilled"
	EvtOrderCancelled       EventKind = "OrderCancelled"
	EvtOrderFailed          EventKind = "OrderFailed"
)

// Valid 是否为已知事件类型。
func (k EventKind) Valid() bool {
	switch k {
	case EvtOrderSubmitted, EvtOrderRejected, EvtOrderPartiallyFilled,
		EvtOrderFilled, EvtOrderCancelled, EvtOrderFailed:
		return true
	}
	return false
}

// ReasonCode 区分拒单/失败来源。
type ReasonCode string

const (
	ReasonExchangeRejected  ReasonCode = "exchange_rejected"
	ReasonSafetyRail        ReasonCode = "safety_rail"
	ReasonValidation        ReasonCode = "validation"
	ReasonRetriesExhausted  ReasonCode = "retries_exhausted"
	ReasonCancelFailed      ReasonCode = "cancel_failed"
	ReasonSubmitInterrupted ReasonCode = "submit_interrupted"
	ReasonReplaceAborted    ReasonCode = "replace_aborted"
)

// Event 描述一次账本变更。Seq 等于变更后订单的版本号，对同一订单严格递增；
// 未建立账本状态的拒单 Seq 为 0。
type Event struct {
	Kind          EventKind   `json:"kind"`
	ClientOrderID string      `json:"client_order_id"`
	Seq           uint64      `json:"seq"`
	Order         order.Order `json:"order"`

	// 成交类事件：本次新增成交量及其增量均价
	FillDelta int64           `json:"fill_delta,omitempty"`
	FillPrice decimal.Decimal `json:"fill_price"`

	Reason     string     `json:"reason,omitempty"`
	ReasonCode ReasonCode `json:"reason_code,omitempty"`
	At         time.Time  `json:"at"`
}

// Terminal 事件对应的订单是否已终结。
func (e Event) Terminal() bool {
	return order.IsFinalState(e.Order.Status)
}

// Recorder 记录经过总线的每条命令与事件。实现不得阻塞。
type Recorder interface {
	RecordCommand(Command)
	RecordEvent(Event)
}
