package portfolio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"prediction-trader-go/bus"
	"prediction-trader-go/infrastructure/logger"
	"prediction-trader-go/inventory"
	"prediction-trader-go/order"
	"prediction-trader-go/risk"
)

// Intent 策略层的下单意图。ClientOrderID 为空时自动生成。
type Intent struct {
	ClientOrderID string
	Ticker        string
	Side          order.Side
	Type          order.Type
	LimitPrice    decimal.Decimal
	Quantity      int64
}

func (i Intent) spec(id string) order.Spec {
	return order.Spec{
		ClientOrderID: id,
		Ticker:        i.Ticker,
		Side:          i.Side,
		Type:          i.Type,
		LimitPrice:    i.LimitPrice,
		Quantity:      i.Quantity,
	}
}

// Config 组合管理配置
type Config struct {
	Source       string          `yaml:"source"`
	AdoptUnknown bool            `yaml:"adoptUnknown"` // 启动对账时接管未知订单
	Limits       risk.Limits     `yaml:"limits"`
	MinInterval  time.Duration   `yaml:"minInterval"` // 同 ticker 同方向最小下单间隔
	MinPnL       decimal.Decimal `yaml:"minPnL"`      // 已实现亏损下限，负数
	Retention    time.Duration   `yaml:"retention"`   // 终态订单保留时长
}

// PositionMetrics 持仓指标上报，infrastructure/monitor.Monitor 实现该接口。
type PositionMetrics interface {
	UpdatePosition(ticker string, net int64, realized float64)
}

type tracked struct {
	order   order.Order
	lastSeq uint64
}

type waiter struct {
	pred func(order.Order) bool
	ch   chan order.Order
}

// Manager 通过命令总线下单、通过事件总线维护订单视图与持仓。不直接访问执行引擎。
type Manager struct {
	cfg      Config
	commands *bus.CommandBus
	sub      *bus.Subscription
	book     *inventory.Book
	remote   *inventory.Sync
	limits   *risk.LimitChecker
	guard    risk.MultiGuard
	logger   *logger.Logger
	metrics  PositionMetrics
	now      func() time.Time

	mu      sync.RWMutex
	orders  map[string]*tracked
	waiters map[string][]*waiter

	driftMu   sync.Mutex
	lastDrift []inventory.Drift
}

// New 创建组合管理器。订阅在构造时建立，Run 之前发布的事件不会丢失。
func New(cfg Config, commands *bus.CommandBus, events *bus.EventBus, log *logger.Logger, metrics PositionMetrics) *Manager {
	if cfg.Source == "" {
		cfg.Source = "portfolio"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	book := inventory.NewBook()
	m := &Manager{
		cfg:      cfg,
		commands: commands,
		sub:      events.Subscribe(bus.Filter{}),
		book:     book,
		remote:   &inventory.Sync{Book: book},
		logger:   log,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		orders:   make(map[string]*tracked),
		waiters:  make(map[string][]*waiter),
	}
	limits := cfg.Limits
	m.limits = risk.NewLimitChecker(&limits, m)
	m.guard = risk.MultiGuard{Guards: []risk.Guard{
		m.limits,
		risk.NewLatencyGuard(cfg.MinInterval),
		&risk.PnLGuard{MinPnL: cfg.MinPnL, Source: m.book},
	}}
	return m
}

// SetLimits 热更新限额。
func (m *Manager) SetLimits(l risk.Limits) {
	m.limits.SetLimits(l)
	m.logger.Info("Portfolio limits updated",
		zap.Int64("single_max", l.SingleMax),
		zap.Int64("daily_max", l.DailyMax),
		zap.Int64("net_max", l.NetMax))
}

// NetExposure 持仓加上在途挂单的剩余数量（买正卖负）。
func (m *Manager) NetExposure(ticker string) int64 {
	net := m.book.NetExposure(ticker)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tr := range m.orders {
		o := tr.order
		if o.Ticker != ticker || o.Terminal() {
			continue
		}
		net += o.Side.Sign() * o.RemainingQuantity()
	}
	return net
}

// SubmitIntent 风控通过后发布 SubmitOrder 命令，返回 client order id。
// 订单在事件到达前即计入在途敞口。
func (m *Manager) SubmitIntent(ctx context.Context, in Intent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := in.ClientOrderID
	if id == "" {
		id = uuid.NewString()
	}
	spec := in.spec(id)
	if err := spec.Validate(); err != nil {
		return "", err
	}
	delta := in.Side.Sign() * in.Quantity
	if err := m.guard.PreOrder(in.Ticker, delta); err != nil {
		m.logger.LogRisk("guard_reject", map[string]interface{}{
			"ticker":   in.Ticker,
			"reason":   err.Error(),
			"order_id": id,
		})
		return "", err
	}

	m.mu.Lock()
	if _, dup := m.orders[id]; dup {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", order.ErrDuplicateID, id)
	}
	m.orders[id] = &tracked{order: pendingOrder(spec, m.now())}
	m.mu.Unlock()

	if err := m.commands.Publish(bus.NewSubmit(spec, m.cfg.Source)); err != nil {
		m.forget(id)
		return "", err
	}
	m.guard.Commit(in.Ticker, delta)
	return id, nil
}

// Cancel 发布 CancelOrder 命令。
func (m *Manager) Cancel(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commands.Publish(bus.NewCancel(id, reason, m.cfg.Source))
}

// Replace 以新价格/数量替换挂单，返回新订单号。
// 风控只校验新旧挂单的数量差。
func (m *Manager) Replace(ctx context.Context, id string, price decimal.Decimal, qty int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	tr, ok := m.orders[id]
	var orig order.Order
	if ok {
		orig = tr.order
	}
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if orig.Terminal() {
		return "", fmt.Errorf("%w: %s is %s", order.ErrNotCancellable, id, orig.Status)
	}

	newID := uuid.NewString()
	spec := orig.Spec()
	spec.ClientOrderID = newID
	spec.Quantity = qty
	if spec.Type == order.TypeLimit {
		spec.LimitPrice = price
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if delta := orig.Side.Sign() * (qty - orig.RemainingQuantity()); delta != 0 {
		if err := m.limits.PreOrder(orig.Ticker, delta); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	m.orders[newID] = &tracked{order: pendingOrder(spec, m.now())}
	m.mu.Unlock()

	err := m.commands.Publish(bus.NewReplace(id, bus.ReplaceSpec{
		NewClientOrderID: newID,
		LimitPrice:       price,
		Quantity:         qty,
	}, m.cfg.Source))
	if err != nil {
		m.forget(newID)
		return "", err
	}
	return newID, nil
}

func pendingOrder(spec order.Spec, now time.Time) order.Order {
	return order.Order{
		ClientOrderID: spec.ClientOrderID,
		Ticker:        spec.Ticker,
		Side:          spec.Side,
		Type:          spec.Type,
		LimitPrice:    spec.LimitPrice,
		Quantity:      spec.Quantity,
		Status:        order.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.orders, id)
	m.mu.Unlock()
}

// Run 消费事件直到 ctx 结束，并定期清理过期的终态订单。
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Retention / 2)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Prune(m.now())
			}
		}
	}()
	return m.sub.Run(ctx, m.Handle)
}

// Close 取消事件订阅。
func (m *Manager) Close() {
	m.sub.Unsubscribe()
}

// Handle 应用一条事件。按订单 Seq 去重；未知订单仅在 AdoptUnknown 时接管。
func (m *Manager) Handle(_ context.Context, ev bus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.orders[ev.ClientOrderID]
	if !ok {
		if !m.cfg.AdoptUnknown || ev.Seq == 0 {
			m.logger.Debug("Event for unknown order ignored",
				zap.String("order_id", ev.ClientOrderID),
				zap.String("kind", string(ev.Kind)))
			return nil
		}
		tr = &tracked{}
		m.orders[ev.ClientOrderID] = tr
		m.logger.Info("Adopted unknown order",
			zap.String("order_id", ev.ClientOrderID),
			zap.String("status", string(ev.Order.Status)))
	}
	switch {
	case ev.Seq == 0 && tr.lastSeq > 0:
		// 账本中的订单不会被本地拒绝
		m.logger.Debug("Local reject for ledger-backed order ignored",
			zap.String("order_id", ev.ClientOrderID),
			zap.Uint64("last_seq", tr.lastSeq))
		return nil
	case ev.Seq != 0 && ev.Seq <= tr.lastSeq:
		return nil
	}
	tr.order = ev.Order
	if ev.Seq != 0 {
		tr.lastSeq = ev.Seq
	}

	if ev.FillDelta > 0 {
		o := ev.Order
		m.book.Apply(o.Ticker, o.Side.Sign()*ev.FillDelta, ev.FillPrice)
		if m.metrics != nil {
			pos := m.book.Position(o.Ticker)
			m.metrics.UpdatePosition(o.Ticker, pos.Net, pos.Realized.InexactFloat64())
		}
	}
	m.notifyLocked(ev.ClientOrderID, tr.order)
	return nil
}

func (m *Manager) notifyLocked(id string, o order.Order) {
	ws := m.waiters[id]
	if len(ws) == 0 {
		return
	}
	kept := ws[:0]
	for _, w := range ws {
		if w.pred(o) {
			w.ch <- o
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(m.waiters, id)
		return
	}
	m.waiters[id] = kept
}

// Await 等待订单满足 pred，返回满足时的快照。
func (m *Manager) Await(ctx context.Context, id string, pred func(order.Order) bool) (order.Order, error) {
	m.mu.Lock()
	if tr, ok := m.orders[id]; ok && pred(tr.order) {
		o := tr.order
		m.mu.Unlock()
		return o, nil
	}
	w := &waiter{pred: pred, ch: make(chan order.Order, 1)}
	m.waiters[id] = append(m.waiters[id], w)
	m.mu.Unlock()

	select {
	case o := <-w.ch:
		return o, nil
	case <-ctx.Done():
		m.mu.Lock()
		ws := m.waiters[id]
		for i, x := range ws {
			if x == w {
				m.waiters[id] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(m.waiters[id]) == 0 {
			delete(m.waiters, id)
		}
		m.mu.Unlock()
		// 取消与通知可能同时发生
		select {
		case o := <-w.ch:
			return o, nil
		default:
		}
		return order.Order{}, fmt.Errorf("await %s: %w", id, ctx.Err())
	}
}

// Acknowledged 交易所已确认或订单已终结。
func Acknowledged(o order.Order) bool {
	return o.Status != order.StatusPending && o.Status != ""
}

// Terminal 订单已终结。
func Terminal(o order.Order) bool { return o.Terminal() }

// Order 返回跟踪中的订单快照。
func (m *Manager) Order(id string) (order.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.orders[id]
	if !ok {
		return order.Order{}, false
	}
	return tr.order, true
}

// OpenOrders 非终态订单，按创建时间排序。
func (m *Manager) OpenOrders() []order.Order {
	m.mu.RLock()
	out := make([]order.Order, 0, len(m.orders))
	for _, tr := range m.orders {
		if !tr.order.Terminal() {
			out = append(out, tr.order)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Positions 当前持仓。
func (m *Manager) Positions() []inventory.Position {
	return m.book.Positions()
}

// UnrealizedPnL 按标记价格（通常为各合约的最新中间价）估算未实现盈亏，缺少标记的 ticker 不计入。
func (m *Manager) UnrealizedPnL(marks map[string]decimal.Decimal) decimal.Decimal {
	return m.book.Valuation(marks)
}

// DailyVolume 当日已提交数量。
func (m *Manager) DailyVolume(ticker string) int64 {
	return m.limits.DailyVolume(ticker)
}

// Prune 清理超过保留期且无人等待的终态订单，返回清理数量。
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, tr := range m.orders {
		o := tr.order
		if !o.Terminal() || len(m.waiters[id]) > 0 {
			continue
		}
		at := o.TerminalAt
		if at.IsZero() {
			at = o.UpdatedAt
		}
		if now.Sub(at) >= m.cfg.Retention {
			delete(m.orders, id)
			n++
		}
	}
	return n
}
