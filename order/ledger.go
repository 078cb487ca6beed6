package order

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Filter 选择 List 返回的订单。零值返回全部。
type Filter struct {
	Statuses      []Status
	Ticker        string
	ActiveOnly    bool // SUBMITTED / PARTIALLY_FILLED / CANCELLING
	HasExchangeID bool
}

func (f Filter) match(o *Order) bool {
	if f.Ticker != "" && o.Ticker != f.Ticker {
		return false
	}
	if f.ActiveOnly && !IsActiveState(o.Status) {
		return false
	}
	if f.HasExchangeID && o.ExchangeOrderID == "" {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}

// LedgerOption 配置 Ledger。
type LedgerOption func(*Ledger)

// WithClock 替换时间源，测试用。
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// DefaultTombstoneTTL 淘汰订单的 id 在此期间仍不可复用。
const DefaultTombstoneTTL = 24 * time.Hour

// WithTombstoneTTL 设置淘汰 id 的保留时长，<=0 使用默认值。
func WithTombstoneTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		if ttl > 0 {
			l.tombstoneTTL = ttl
		}
	}
}

// WithStateMachine 替换状态机。
func WithStateMachine(sm *StateMachine) LedgerOption {
	return func(l *Ledger) { l.sm = sm }
}

// Ledger 是订单记录的唯一写入方。所有写操作串行，读操作可并发。
// 对外只返回副本。
type Ledger struct {
	mu           sync.RWMutex
	orders       map[string]*Order
	evicted      map[string]time.Time // 淘汰时间；只在内存中，不进检查点
	tombstoneTTL time.Duration
	sm           *StateMachine
	now          func() time.Time
}

// NewLedger 创建空账本。
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		orders:       make(map[string]*Order),
		evicted:      make(map[string]time.Time),
		tombstoneTTL: DefaultTombstoneTTL,
		sm:           NewStateMachine(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create 登记新订单（PENDING）。客户端订单号不可复用，已淘汰的订单在 tombstone 保留期内同样拒绝。
func (l *Ledger) Create(spec Spec) (Order, error) {
	if err := spec.Validate(); err != nil {
		return Order{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[spec.ClientOrderID]; ok {
		return Order{}, fmt.Errorf("%w: %s", ErrDuplicateID, spec.ClientOrderID)
	}
	if _, ok := l.evicted[spec.ClientOrderID]; ok {
		return Order{}, fmt.Errorf("%w: %s (evicted)", ErrDuplicateID, spec.ClientOrderID)
	}
	now := l.now()
	o := &Order{
		ClientOrderID: spec.ClientOrderID,
		Ticker:        spec.Ticker,
		Side:          spec.Side,
		Type:          spec.Type,
		LimitPrice:    spec.LimitPrice,
		Quantity:      spec.Quantity,
		Status:        StatusPending,
		AvgFillPrice:  decimal.Zero,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.orders[o.ClientOrderID] = o
	return *o, nil
}

// Get 返回订单副本。
func (l *Ledger) Get(id string) (Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *o, nil
}

// Apply 在版本匹配时应用转换并返回变更后的快照。
// 版本不一致返回 ErrVersionConflict，调用方需重新读取后重试。
func (l *Ledger) Apply(id string, t Transition, expectedVersion uint64) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if o.Version != expectedVersion {
		return *o, fmt.Errorf("%w: %s expected v%d, have v%d", ErrVersionConflict, id, expectedVersion, o.Version)
	}
	if t.Kind.IsFill() {
		switch {
		case t.FilledQuantity < o.FilledQuantity:
			return *o, fmt.Errorf("%w: %s reported filled %d < recorded %d", ErrStaleUpdate, id, t.FilledQuantity, o.FilledQuantity)
		case t.FilledQuantity == o.FilledQuantity:
			return *o, ErrNoChange
		}
	}
	next, err := l.sm.Next(*o, t)
	if err != nil {
		return *o, fmt.Errorf("%s: %w", id, err)
	}

	now := t.At
	if now.IsZero() {
		now = l.now()
	}
	switch t.Kind {
	case KindSubmitAck:
		o.ExchangeOrderID = t.ExchangeOrderID
	case KindPartialFill, KindFullFill, KindLateFill:
		o.AvgFillPrice = nextAvgPrice(o, t)
		o.FilledQuantity = t.FilledQuantity
	}
	if t.Reason != "" {
		o.Reason = t.Reason
	}
	o.Status = next
	o.Version++
	o.UpdatedAt = now
	if IsFinalState(next) {
		o.TerminalAt = now
	}
	return *o, nil
}

// nextAvgPrice 优先使用交易所给出的累计均价；缺失时按限价估算增量部分。
func nextAvgPrice(o *Order, t Transition) decimal.Decimal {
	if t.AvgFillPrice.IsPositive() {
		return t.AvgFillPrice
	}
	if o.Type != TypeLimit {
		return o.AvgFillPrice
	}
	if o.FilledQuantity == 0 {
		return o.LimitPrice
	}
	prevCost := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQuantity))
	delta := decimal.NewFromInt(t.FilledQuantity - o.FilledQuantity)
	return prevCost.Add(o.LimitPrice.Mul(delta)).Div(decimal.NewFromInt(t.FilledQuantity))
}

// MarkReconciled 记录最近一次成功对账时间，不改变版本。
func (l *Ledger) MarkReconciled(id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	o.LastReconciledAt = at
	return nil
}

// List 按创建时间顺序返回匹配的订单副本。
func (l *Ledger) List(f Filter) []Order {
	l.mu.RLock()
	out := make([]Order, 0, len(l.orders))
	for _, o := range l.orders {
		if f.match(o) {
			out = append(out, *o)
		}
	}
	l.mu.RUnlock()
	sortByCreation(out)
	return out
}

// OpenCount 非终态订单数量（含 PENDING）。
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, o := range l.orders {
		if !IsFinalState(o.Status) {
			n++
		}
	}
	return n
}

// Evict 删除终态时间早于 now-retention 的订单，返回删除数量。非终态订单永不删除。
// 同时清理超过 tombstone 保留期的淘汰 id。
func (l *Ledger) Evict(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)
	expired := now.Add(-l.tombstoneTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, o := range l.orders {
		if IsFinalState(o.Status) && !o.TerminalAt.After(cutoff) {
			delete(l.orders, id)
			l.evicted[id] = now
			n++
		}
	}
	for id, at := range l.evicted {
		if !at.After(expired) {
			delete(l.evicted, id)
		}
	}
	return n
}

// Tombstones 当前仍保留的淘汰 id 数量。
func (l *Ledger) Tombstones() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.evicted)
}

// Snapshot 返回全部订单副本，用于 checkpoint。
func (l *Ledger) Snapshot() []Order {
	return l.List(Filter{})
}

// Restore 从 checkpoint 装载订单。只允许在空账本上调用。
func (l *Ledger) Restore(orders []Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.orders) > 0 {
		return fmt.Errorf("restore into non-empty ledger (%d orders)", len(l.orders))
	}
	restored := make(map[string]*Order, len(orders))
	for i := range orders {
		o := orders[i]
		if o.ClientOrderID == "" {
			return fmt.Errorf("%w: restored order without client id", ErrValidation)
		}
		if _, dup := restored[o.ClientOrderID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, o.ClientOrderID)
		}
		if o.FilledQuantity > o.Quantity {
			return fmt.Errorf("%w: %s filled %d > quantity %d", ErrValidation, o.ClientOrderID, o.FilledQuantity, o.Quantity)
		}
		restored[o.ClientOrderID] = &o
	}
	l.orders = restored
	return nil
}

// Len 账本中的订单数。
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orders)
}

func sortByCreation(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
