package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prediction-trader-go/bus"
	"prediction-trader-go/gateway"
	"prediction-trader-go/order"
	"prediction-trader-go/risk"
)

// Submit 直接提交订单，等价于处理一条 SubmitOrder 命令。
func (e *Engine) Submit(ctx context.Context, spec order.Spec) (order.Order, error) {
	return e.HandleCommand(ctx, bus.NewSubmit(spec, "direct"))
}

// Cancel 直接撤单，等价于处理一条 CancelOrder 命令。
func (e *Engine) Cancel(ctx context.Context, id, reason string) (order.Order, error) {
	return e.HandleCommand(ctx, bus.NewCancel(id, reason, "direct"))
}

// HandleCommand 处理单条命令并返回订单的最终快照。
// 拒单与失败同时体现在快照、事件和返回的错误中。
func (e *Engine) HandleCommand(ctx context.Context, cmd bus.Command) (order.Order, error) {
	e.metrics.RecordCommand(string(cmd.Kind))
	e.bumpStats(func(s *Statistics) { s.CommandsHandled++ })
	e.logger.LogEvent("command_received", map[string]interface{}{
		"kind":     string(cmd.Kind),
		"order_id": cmd.ClientOrderID,
		"source":   cmd.Source,
	})

	switch cmd.Kind {
	case bus.CmdSubmitOrder:
		return e.submit(ctx, cmd)
	case bus.CmdCancelOrder:
		return e.cancel(ctx, cmd.ClientOrderID, cmd.Reason)
	case bus.CmdReplaceOrder:
		return e.replace(ctx, cmd)
	default:
		return order.Order{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
}

func (e *Engine) submit(ctx context.Context, cmd bus.Command) (order.Order, error) {
	if cmd.Submit == nil {
		return order.Order{}, fmt.Errorf("%w: submit command without order", order.ErrValidation)
	}
	spec := *cmd.Submit
	switch {
	case spec.ClientOrderID == "" && cmd.ClientOrderID == "":
		spec.ClientOrderID = uuid.NewString()
	case spec.ClientOrderID == "":
		spec.ClientOrderID = cmd.ClientOrderID
	case cmd.ClientOrderID != "" && cmd.ClientOrderID != spec.ClientOrderID:
		err := fmt.Errorf("%w: command id %s does not match order id %s", order.ErrValidation, cmd.ClientOrderID, spec.ClientOrderID)
		// 拒绝事件挂在命令 id 上，不能影响 spec 中可能已存在的订单
		spec.ClientOrderID = cmd.ClientOrderID
		e.rejectLocal(spec, bus.ReasonValidation, err)
		return order.Order{}, err
	}
	id := spec.ClientOrderID

	unlock := e.locks.Lock(id)
	defer unlock()

	// 重复投递：已存在则原样返回
	if existing, err := e.ledger.Get(id); err == nil {
		e.logger.Debug("Duplicate submit ignored", zap.String("order_id", id), zap.String("status", string(existing.Status)))
		return existing, nil
	}

	if err := e.constraints.Validate(spec); err != nil {
		e.rejectLocal(spec, bus.ReasonValidation, err)
		return order.Order{}, err
	}

	o, err := e.admit(spec)
	if err != nil {
		return order.Order{}, err
	}

	req := gateway.RequestFromSpec(spec)
	ack, attempts, err := gateway.Retry(ctx, e.cfg.Retry, gateway.OpSubmit,
		func(ctx context.Context) (gateway.SubmitAck, error) {
			return e.exchange.SubmitOrder(ctx, req)
		}, e.notifyRetry(id))
	if err == nil {
		prev, next, aerr := e.applyKind(id, order.SubmitAck(ack.ExchangeOrderID))
		if aerr != nil {
			return prev, aerr
		}
		e.emit(bus.EvtOrderSubmitted, prev, next, "")
		return next, nil
	}

	switch {
	case errors.Is(err, gateway.ErrAborted):
		return e.fail(id, bus.ReasonSubmitInterrupted, fmt.Sprintf("submit interrupted: %v", err)), err
	case gateway.IsPermanent(err):
		reason := fmt.Sprintf("exchange rejected order: %s", gateway.ReasonCode(err))
		prev, next, aerr := e.applyKind(id, order.SubmitReject(reason))
		if aerr != nil {
			return o, errors.Join(err, aerr)
		}
		e.emit(bus.EvtOrderRejected, prev, next, bus.ReasonExchangeRejected)
		return next, err
	default:
		reason := fmt.Sprintf("submit failed after %d attempts: %s", attempts, gateway.ReasonCode(err))
		return e.fail(id, bus.ReasonRetriesExhausted, reason), err
	}
}

// admit 检查安全护栏并在账本中创建 PENDING 订单。两步在同一把锁内完成。
func (e *Engine) admit(spec order.Spec) (order.Order, error) {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	if err := e.rails.Load().Check(spec, e.ledger.OpenCount()); err != nil {
		rail := "unknown"
		switch {
		case errors.Is(err, risk.ErrMaxNotional):
			rail = "max_notional"
		case errors.Is(err, risk.ErrMaxOpenOrders):
			rail = "max_open_orders"
		}
		e.metrics.RecordSafetyRail(rail)
		e.logger.LogRisk("safety_rail", map[string]interface{}{
			"ticker":   spec.Ticker,
			"reason":   err.Error(),
			"order_id": spec.ClientOrderID,
		})
		if e.alertMgr != nil {
			_ = e.alertMgr.Warning("safety_rail:"+rail, err.Error(), map[string]interface{}{"order_id": spec.ClientOrderID})
		}
		e.emitLocalReject(spec, bus.ReasonSafetyRail, err)
		return order.Order{}, err
	}

	o, err := e.ledger.Create(spec)
	if err != nil {
		return order.Order{}, err
	}
	e.metrics.SetOpenOrders(e.ledger.OpenCount())
	return o, nil
}

func (e *Engine) rejectLocal(spec order.Spec, code bus.ReasonCode, err error) {
	e.metrics.RecordValidationReject()
	e.logger.Info("Order rejected locally",
		zap.String("order_id", spec.ClientOrderID),
		zap.String("reason_code", string(code)),
		zap.Error(err))
	e.emitLocalReject(spec, code, err)
}

func (e *Engine) notifyRetry(id string) gateway.RetryNotify {
	return func(op string, attempt int, err error, wait time.Duration) {
		e.metrics.RecordRetry(op)
		e.logger.Warn("Exchange call failed, retrying",
			zap.String("op", op),
			zap.String("order_id", id),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
}

func (e *Engine) cancel(ctx context.Context, id, reason string) (order.Order, error) {
	unlock := e.locks.Lock(id)
	cur, err := e.ledger.Get(id)
	if err != nil {
		unlock()
		return order.Order{}, err
	}
	switch {
	case cur.Terminal(), cur.Status == order.StatusCancelling:
		unlock()
		return cur, nil
	case !order.CanCancel(cur.Status):
		unlock()
		return cur, fmt.Errorf("%w: %s is %s", order.ErrNotCancellable, id, cur.Status)
	}
	if reason == "" {
		reason = "cancel requested"
	}
	if _, _, err := e.applyKind(id, order.CancelRequest(reason)); err != nil {
		unlock()
		return cur, err
	}
	unlock()

	return e.finishCancel(ctx, id, reason)
}

// finishCancel 在订单锁外调用 cancel_order，再加锁按最新账本状态落定结果。
func (e *Engine) finishCancel(ctx context.Context, id, reason string) (order.Order, error) {
	cur, err := e.ledger.Get(id)
	if err != nil {
		return order.Order{}, err
	}
	_, _, callErr := gateway.Retry(ctx, e.cfg.Retry, gateway.OpCancel,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.exchange.CancelOrder(ctx, cur.ExchangeOrderID)
		}, e.notifyRetry(id))

	unlock := e.locks.Lock(id)
	defer unlock()

	cur, err = e.ledger.Get(id)
	if err != nil {
		return order.Order{}, err
	}
	if cur.Terminal() {
		// 撤单期间已由对账落定（如迟到成交）
		e.logger.Debug("Cancel resolved concurrently",
			zap.String("order_id", id), zap.String("status", string(cur.Status)))
		return cur, nil
	}

	if callErr == nil {
		// 迟到的部分成交会把订单带回 PARTIALLY_FILLED，需要重新进入 CANCELLING
		if cur.Status != order.StatusCancelling {
			if _, _, err := e.applyKind(id, order.CancelRequest(reason)); err != nil {
				return cur, err
			}
		}
		prev, next, err := e.applyKind(id, order.CancelAck())
		if err != nil {
			return cur, err
		}
		e.emit(bus.EvtOrderCancelled, prev, next, "")
		return next, nil
	}

	if errors.Is(callErr, gateway.ErrAborted) {
		// 结果未知，保持 CANCELLING，重启后会重新发起
		e.logger.Warn("Cancel interrupted", zap.String("order_id", id), zap.Error(callErr))
		return cur, callErr
	}

	// 不可重试或次数用尽：先查询一次交易所状态
	ro, pollErr := gateway.Once(context.WithoutCancel(ctx), e.cfg.ReconcileTimeout, gateway.OpGetOrder,
		func(ctx context.Context) (gateway.RemoteOrder, error) {
			return e.exchange.GetOrder(ctx, cur.ExchangeOrderID)
		})
	if pollErr == nil {
		next, _, err := e.applyRemote(cur, ro)
		if err == nil && next.Terminal() {
			return next, nil
		}
	}
	failed := e.fail(id, bus.ReasonCancelFailed, fmt.Sprintf("cancel failed: %s", gateway.ReasonCode(callErr)))
	return failed, callErr
}

func (e *Engine) replace(ctx context.Context, cmd bus.Command) (order.Order, error) {
	if cmd.Replace == nil {
		return order.Order{}, fmt.Errorf("%w: replace command without parameters", order.ErrValidation)
	}
	r := *cmd.Replace
	if r.NewClientOrderID == "" {
		r.NewClientOrderID = uuid.NewString()
	}
	if r.NewClientOrderID == cmd.ClientOrderID {
		return order.Order{}, fmt.Errorf("%w: replacement must use a new client order id", order.ErrValidation)
	}

	// 新 id 已被占用时原单保持不动
	if _, err := e.ledger.Get(r.NewClientOrderID); err == nil {
		cur, gerr := e.ledger.Get(cmd.ClientOrderID)
		if gerr != nil {
			return order.Order{}, gerr
		}
		err := fmt.Errorf("%w: %w: replacement id %s", order.ErrValidation, order.ErrDuplicateID, r.NewClientOrderID)
		e.rejectLocal(replacementSpec(cur, r), bus.ReasonValidation, err)
		return cur, err
	}

	orig, err := e.cancel(ctx, cmd.ClientOrderID, "replaced by "+r.NewClientOrderID)
	if err == nil && orig.Status != order.StatusCancelled {
		err = fmt.Errorf("%w: %s is %s", ErrReplaceAborted, cmd.ClientOrderID, orig.Status)
	}
	if err != nil {
		// 替换单不会提交，通知订阅者其终态
		e.logger.Info("Replace skipped",
			zap.String("order_id", cmd.ClientOrderID),
			zap.String("status", string(orig.Status)),
			zap.Error(err))
		e.emitLocalReject(replacementSpec(orig, r), bus.ReasonReplaceAborted, err)
		return orig, err
	}

	spec := replacementSpec(orig, r)
	return e.submit(ctx, bus.NewSubmit(spec, cmd.Source))
}

func replacementSpec(orig order.Order, r bus.ReplaceSpec) order.Spec {
	spec := orig.Spec()
	spec.ClientOrderID = r.NewClientOrderID
	spec.Quantity = r.Quantity
	if spec.Type == order.TypeLimit {
		spec.LimitPrice = r.LimitPrice
	}
	return spec
}
