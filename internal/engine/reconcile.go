package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"prediction-trader-go/bus"
	"prediction-trader-go/gateway"
	"prediction-trader-go/order"
)

var errStalePoll = errors.New("order changed during poll")

// ReconcileResult 单轮对账统计
type ReconcileResult struct {
	Checked int
	Applied int
	Stale   int
	Errors  int
}

// Reconcile 对所有带交易所订单号的活跃订单做一轮对账。
// 单个订单的失败不会中断本轮，所有错误合并返回；对账失败从不把订单置为 FAILED。
func (e *Engine) Reconcile(ctx context.Context) error {
	_, err := e.ReconcileWithResult(ctx)
	return err
}

// ReconcileWithResult 同 Reconcile，附带统计。
func (e *Engine) ReconcileWithResult(ctx context.Context) (ReconcileResult, error) {
	start := time.Now()
	var (
		res  ReconcileResult
		errs []error
	)
	for _, o := range e.ledger.List(order.Filter{ActiveOnly: true, HasExchangeID: true}) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res.Checked++
		applied, err := e.reconcileOrder(ctx, o)
		res.Applied += applied
		switch {
		case err == nil:
		case errors.Is(err, errStalePoll), errors.Is(err, order.ErrStaleUpdate):
			res.Stale++
			e.logger.Debug("Discarded stale reconcile result", zap.String("order_id", o.ClientOrderID), zap.Error(err))
		default:
			res.Errors++
			errs = append(errs, fmt.Errorf("reconcile %s: %w", o.ClientOrderID, err))
			e.logger.Warn("Reconcile order failed", zap.String("order_id", o.ClientOrderID), zap.Error(err))
			e.recordError("reconcile", o.ClientOrderID, err)
		}
	}

	elapsed := time.Since(start)
	e.metrics.RecordReconcile(elapsed, res.Applied, res.Stale, res.Errors)
	e.bumpStats(func(s *Statistics) {
		s.ReconcilePasses++
		s.ReconcileApplied += int64(res.Applied)
		s.LastReconcileAt = e.now()
		s.Errors += int64(res.Errors)
	})
	if res.Applied > 0 || res.Errors > 0 {
		e.logger.LogEvent("reconcile_pass", map[string]interface{}{
			"checked":    res.Checked,
			"applied":    res.Applied,
			"stale":      res.Stale,
			"errors":     res.Errors,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	return res, errors.Join(errs...)
}

// reconcileOrder 轮询单个订单。轮询在锁外进行；加锁后若版本已变化则丢弃结果，
// 下一轮会以最新状态重新对账。
func (e *Engine) reconcileOrder(ctx context.Context, snap order.Order) (int, error) {
	ro, err := gateway.Once(ctx, e.cfg.ReconcileTimeout, gateway.OpGetOrder,
		func(ctx context.Context) (gateway.RemoteOrder, error) {
			return e.exchange.GetOrder(ctx, snap.ExchangeOrderID)
		})
	if err != nil {
		return 0, err
	}
	if ro.FilledQuantity > snap.FilledQuantity && !ro.AvgFillPrice.IsPositive() {
		fills, ferr := gateway.Once(ctx, e.cfg.ReconcileTimeout, gateway.OpListFills,
			func(ctx context.Context) ([]gateway.Fill, error) {
				return e.exchange.ListFills(ctx, snap.ExchangeOrderID)
			})
		if ferr == nil {
			if qty, avg := gateway.VWAP(fills); qty == ro.FilledQuantity {
				ro.AvgFillPrice = avg
			}
		} else {
			e.logger.Debug("list_fills failed, estimating average price", zap.String("order_id", snap.ClientOrderID), zap.Error(ferr))
		}
	}

	unlock := e.locks.Lock(snap.ClientOrderID)
	defer unlock()

	cur, err := e.ledger.Get(snap.ClientOrderID)
	if err != nil {
		return 0, err
	}
	if cur.Version != snap.Version {
		return 0, fmt.Errorf("%w: v%d -> v%d", errStalePoll, snap.Version, cur.Version)
	}
	_, applied, err := e.applyRemote(cur, ro)
	if err != nil {
		return applied, err
	}
	if err := e.ledger.MarkReconciled(cur.ClientOrderID, e.now()); err != nil {
		return applied, err
	}
	return applied, nil
}

// applyRemote 把交易所报告的状态应用到账本。调用方持有订单锁。
// 返回最新快照与应用的转换数。
func (e *Engine) applyRemote(cur order.Order, ro gateway.RemoteOrder) (order.Order, int, error) {
	id := cur.ClientOrderID
	applied := 0

	if ro.FilledQuantity < cur.FilledQuantity {
		return cur, 0, fmt.Errorf("%w: %s reported filled %d < recorded %d", order.ErrStaleUpdate, id, ro.FilledQuantity, cur.FilledQuantity)
	}
	if ro.FilledQuantity > cur.FilledQuantity && !cur.Terminal() {
		prev, next, err := e.transition(id, func(o order.Order) (order.Transition, error) {
			return order.FillFor(o, ro.FilledQuantity, ro.AvgFillPrice), nil
		})
		if err != nil && !errors.Is(err, order.ErrNoChange) {
			return cur, applied, err
		}
		if err == nil {
			applied++
			e.emit(fillEventKind(next), prev, next, "")
			cur = next
		}
	}

	if cur.Terminal() {
		return cur, applied, nil
	}
	switch ro.Status {
	case gateway.RemoteCancelled, gateway.RemoteRejected:
		reason := "cancelled by exchange"
		if ro.Status == gateway.RemoteRejected {
			reason = "rejected by exchange after acknowledgement"
		}
		if cur.Status != order.StatusCancelling {
			if _, _, err := e.applyKind(id, order.CancelRequest(reason)); err != nil {
				return cur, applied, err
			}
			applied++
		}
		prev, next, err := e.applyKind(id, order.CancelAck())
		if err != nil {
			return cur, applied, err
		}
		applied++
		e.emit(bus.EvtOrderCancelled, prev, next, "")
		cur = next
	}
	return cur, applied, nil
}
