package inventory

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Tracker 维护单个 ticker 的净仓位、加权平均成本与已实现盈亏。
type Tracker struct {
	mu       sync.RWMutex
	net      int64
	cost     decimal.Decimal
	realized decimal.Decimal
}

// Update 根据成交数量（买正卖负）调整仓位。减仓部分按平均成本结算已实现盈亏。
func (t *Tracker) Update(deltaQty int64, price decimal.Decimal) {
	if deltaQty == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.net == 0 || sameSign(t.net, deltaQty) {
		totalValue := t.cost.Mul(decimal.NewFromInt(abs(t.net))).Add(price.Mul(decimal.NewFromInt(abs(deltaQty))))
		t.net += deltaQty
		t.cost = totalValue.Div(decimal.NewFromInt(abs(t.net)))
		return
	}

	closeQty := min(abs(deltaQty), abs(t.net))
	pnl := price.Sub(t.cost).Mul(decimal.NewFromInt(closeQty))
	if t.net < 0 {
		pnl = pnl.Neg()
	}
	t.realized = t.realized.Add(pnl)

	prev := t.net
	t.net += deltaQty
	switch {
	case t.net == 0:
		t.cost = decimal.Zero
	case !sameSign(prev, t.net):
		// 反手：剩余部分按本次价格建仓
		t.cost = price
	}
}

func (t *Tracker) NetExposure() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.net
}

func (t *Tracker) AvgCost() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cost
}

func (t *Tracker) Realized() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realized
}

// Position 仓位快照。
type Position struct {
	Ticker   string          `json:"ticker"`
	Net      int64           `json:"net"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
	Realized decimal.Decimal `json:"realized_pnl"`
}

// Book 按 ticker 管理 Tracker。由组合管理器独占写入。
type Book struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
}

func NewBook() *Book {
	return &Book{trackers: make(map[string]*Tracker)}
}

func (b *Book) tracker(ticker string) *Tracker {
	b.mu.RLock()
	t, ok := b.trackers[ticker]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.trackers[ticker]; !ok {
		t = &Tracker{}
		b.trackers[ticker] = t
	}
	return t
}

// Apply 记入一笔成交。
func (b *Book) Apply(ticker string, deltaQty int64, price decimal.Decimal) {
	b.tracker(ticker).Update(deltaQty, price)
}

// NetExposure 当前净持仓。
func (b *Book) NetExposure(ticker string) int64 {
	b.mu.RLock()
	t, ok := b.trackers[ticker]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return t.NetExposure()
}

// RealizedPnL 已实现盈亏。
func (b *Book) RealizedPnL(ticker string) decimal.Decimal {
	b.mu.RLock()
	t, ok := b.trackers[ticker]
	b.mu.RUnlock()
	if !ok {
		return decimal.Zero
	}
	return t.Realized()
}

// Position 单个 ticker 的快照。
func (b *Book) Position(ticker string) Position {
	b.mu.RLock()
	t, ok := b.trackers[ticker]
	b.mu.RUnlock()
	if !ok {
		return Position{Ticker: ticker, AvgCost: decimal.Zero, Realized: decimal.Zero}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Position{Ticker: ticker, Net: t.net, AvgCost: t.cost, Realized: t.realized}
}

// Positions 按 ticker 排序的全部快照。
func (b *Book) Positions() []Position {
	b.mu.RLock()
	tickers := make([]string, 0, len(b.trackers))
	for k := range b.trackers {
		tickers = append(tickers, k)
	}
	b.mu.RUnlock()
	sort.Strings(tickers)
	out := make([]Position, 0, len(tickers))
	for _, k := range tickers {
		out = append(out, b.Position(k))
	}
	return out
}

func sameSign(a, b int64) bool {
	return (a > 0) == (b > 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
