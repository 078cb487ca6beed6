package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prediction-trader-go/bus"
	"prediction-trader-go/order"
)

const maxApplyAttempts = 3

// transition 在持有订单锁时应用一次转换。build 基于最新快照构造转换；
// 版本冲突时重新读取后重试。返回变更前后的快照。
func (e *Engine) transition(id string, build func(cur order.Order) (order.Transition, error)) (order.Order, order.Order, error) {
	var lastErr error
	for i := 0; i < maxApplyAttempts; i++ {
		cur, err := e.ledger.Get(id)
		if err != nil {
			return order.Order{}, order.Order{}, err
		}
		t, err := build(cur)
		if err != nil {
			return cur, cur, err
		}
		if t.At.IsZero() {
			t.At = e.now()
		}
		next, err := e.ledger.Apply(id, t, cur.Version)
		if errors.Is(err, order.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return cur, next, err
	}
	return order.Order{}, order.Order{}, lastErr
}

// applyKind 应用不依赖当前状态的转换。
func (e *Engine) applyKind(id string, t order.Transition) (order.Order, order.Order, error) {
	return e.transition(id, func(order.Order) (order.Transition, error) { return t, nil })
}

// fail 将订单置为 FAILED 并发布 OrderFailed。调用方持有订单锁。
func (e *Engine) fail(id string, code bus.ReasonCode, reason string) order.Order {
	prev, next, err := e.applyKind(id, order.Exhausted(reason))
	if err != nil {
		e.logger.Error("Failed to mark order failed",
			zap.String("order_id", id), zap.String("reason", reason), zap.Error(err))
		return prev
	}
	e.emit(bus.EvtOrderFailed, prev, next, code)
	return next
}

// emit 发布一条账本变更事件。调用方持有订单锁，保证同一订单的事件顺序与账本一致。
func (e *Engine) emit(kind bus.EventKind, prev, next order.Order, code bus.ReasonCode) {
	ev := bus.Event{
		Kind:          kind,
		ClientOrderID: next.ClientOrderID,
		Seq:           next.Version,
		Order:         next,
		Reason:        next.Reason,
		ReasonCode:    code,
		At:            e.now(),
	}
	if delta := next.FilledQuantity - prev.FilledQuantity; delta > 0 {
		ev.FillDelta = delta
		ev.FillPrice = incrementalPrice(prev, next)
	}
	e.publish(ev)
}

// emitLocalReject 发布未建立账本状态的拒单事件（Seq 为 0）。
// 账本中已有该 id 时不发，活跃订单不能被本地拒绝覆盖。
func (e *Engine) emitLocalReject(spec order.Spec, code bus.ReasonCode, err error) {
	if _, gerr := e.ledger.Get(spec.ClientOrderID); gerr == nil {
		return
	}
	snap := order.Order{
		ClientOrderID: spec.ClientOrderID,
		Ticker:        spec.Ticker,
		Side:          spec.Side,
		Type:          spec.Type,
		LimitPrice:    spec.LimitPrice,
		Quantity:      spec.Quantity,
		Status:        order.StatusRejected,
		Reason:        err.Error(),
		CreatedAt:     e.now(),
	}
	snap.UpdatedAt = snap.CreatedAt
	snap.TerminalAt = snap.CreatedAt
	e.publish(bus.Event{
		Kind:          bus.EvtOrderRejected,
		ClientOrderID: spec.ClientOrderID,
		Order:         snap,
		Reason:        err.Error(),
		ReasonCode:    code,
		At:            snap.CreatedAt,
	})
}

func (e *Engine) publish(ev bus.Event) {
	n := e.events.Publish(ev)
	e.metrics.RecordEvent(string(ev.Kind))
	e.bumpStats(func(s *Statistics) { s.EventsPublished++ })

	fields := map[string]interface{}{
		"status":      string(ev.Order.Status),
		"ticker":      ev.Order.Ticker,
		"seq":         ev.Seq,
		"filled":      ev.Order.FilledQuantity,
		"subscribers": n,
	}
	if ev.FillDelta > 0 {
		fields["fill_delta"] = ev.FillDelta
		fields["fill_price"] = ev.FillPrice.String()
	}
	if ev.ReasonCode != "" {
		fields["reason_code"] = string(ev.ReasonCode)
		fields["reason"] = ev.Reason
	}
	e.logger.LogOrder(string(ev.Kind), ev.ClientOrderID, fields)

	if ev.Kind == bus.EvtOrderFailed && e.alertMgr != nil {
		_ = e.alertMgr.Error(string(ev.ReasonCode), fmt.Sprintf("order %s failed: %s", ev.ClientOrderID, ev.Reason), map[string]interface{}{
			"order_id": ev.ClientOrderID,
			"ticker":   ev.Order.Ticker,
		})
	}
	if ev.Terminal() {
		e.metrics.SetOpenOrders(e.ledger.OpenCount())
	}
}

// fillEventKind 按变更后的状态选择成交事件类型。
func fillEventKind(o order.Order) bus.EventKind {
	if o.Status == order.StatusFilled {
		return bus.EvtOrderFilled
	}
	return bus.EvtOrderPartiallyFilled
}

// incrementalPrice 由前后累计均价反推本次新增成交的均价。
func incrementalPrice(prev, next order.Order) decimal.Decimal {
	delta := next.FilledQuantity - prev.FilledQuantity
	if delta <= 0 {
		return decimal.Zero
	}
	total := next.AvgFillPrice.Mul(decimal.NewFromInt(next.FilledQuantity))
	before := prev.AvgFillPrice.Mul(decimal.NewFromInt(prev.FilledQuantity))
	return total.Sub(before).Div(decimal.NewFromInt(delta))
}
