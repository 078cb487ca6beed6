package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"prediction-trader-go/inventory"
	"prediction-trader-go/order"
)

// PaperHook 在对应操作执行前调用；返回错误则该次调用直接失败。
// 测试可在 hook 中阻塞以构造竞态。
type PaperHook func(ctx context.Context, exchangeOrderID string) error

type paperOrder struct {
	req    SubmitRequest
	status RemoteStatus
	filled int64
	fills  []Fill
}

// PaperExchange 内存撮合的模拟交易所，实现 ExchangeClient。
// 限价单挂单后由 Fill 注入成交；市价单按 MarketPrice 立即全部成交。
type PaperExchange struct {
	mu       sync.Mutex
	orders   map[string]*paperOrder
	byClient map[string]string
	seq      int
	fillSeq  int
	tape     []Fill // 全部成交，按发生顺序

	prefix        string
	limiter       *TokenBucketLimiter
	rejectTickers map[string]string
	failures      map[string][]error
	hooks         map[string]PaperHook
	calls         map[string]int
	omitAvgPrice  bool
	marketPrice   decimal.Decimal
	now           func() time.Time
}

// PaperOption 配置 PaperExchange。
type PaperOption func(*PaperExchange)

// WithPaperLimiter 超出速率的调用返回 ErrRateLimited（Transient）。
func WithPaperLimiter(l *TokenBucketLimiter) PaperOption {
	return func(p *PaperExchange) { p.limiter = l }
}

// WithRejectTicker 对该 ticker 的下单返回 Permanent 错误。
func WithRejectTicker(ticker, code string) PaperOption {
	return func(p *PaperExchange) { p.rejectTickers[ticker] = code }
}

// WithoutAvgPrice get_order 不返回均价，迫使调用方使用 list_fills。
func WithoutAvgPrice() PaperOption {
	return func(p *PaperExchange) { p.omitAvgPrice = true }
}

// WithMarketPrice 市价单成交价。
func WithMarketPrice(price decimal.Decimal) PaperOption {
	return func(p *PaperExchange) { p.marketPrice = price }
}

// WithIDPrefix 交易所订单号前缀，默认 "E"。
func WithIDPrefix(prefix string) PaperOption {
	return func(p *PaperExchange) { p.prefix = prefix }
}

func NewPaperExchange(opts ...PaperOption) *PaperExchange {
	p := &PaperExchange{
		orders:        make(map[string]*paperOrder),
		byClient:      make(map[string]string),
		prefix:        "E",
		rejectTickers: make(map[string]string),
		failures:      make(map[string][]error),
		hooks:         make(map[string]PaperHook),
		calls:         make(map[string]int),
		marketPrice:   decimal.RequireFromString("0.5"),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InjectFailure 让 op 接下来的若干次调用依次返回 errs。
func (p *PaperExchange) InjectFailure(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// SetHook 设置 op 的前置 hook，nil 表示移除。
func (p *PaperExchange) SetHook(op string, h PaperHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h == nil {
		delete(p.hooks, op)
		return
	}
	p.hooks[op] = h
}

// Calls 返回 op 被调用的次数（含失败）。
func (p *PaperExchange) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Fill 为挂单注入一笔成交。
func (p *PaperExchange) Fill(exchangeOrderID string, qty int64, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, exchangeOrderID)
	}
	if po.status.Terminal() {
		return fmt.Errorf("paper order %s is %s", exchangeOrderID, po.status)
	}
	if qty <= 0 || po.filled+qty > po.req.Quantity {
		return fmt.Errorf("paper fill %d exceeds remaining %d", qty, po.req.Quantity-po.filled)
	}
	p.fillLocked(po, exchangeOrderID, qty, price)
	return nil
}

// CancelRemote 模拟交易所主动撤单（如到期）。
func (p *PaperExchange) CancelRemote(exchangeOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, exchangeOrderID)
	}
	if !po.status.Terminal() {
		po.status = RemoteCancelled
	}
	return nil
}

// ExchangeOrderID 按客户端订单号查交易所订单号。
func (p *PaperExchange) ExchangeOrderID(clientOrderID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byClient[clientOrderID]
	return id, ok
}

func (p *PaperExchange) fillLocked(po *paperOrder, id string, qty int64, price decimal.Decimal) {
	p.fillSeq++
	f := Fill{
		FillID:          fmt.Sprintf("F%d", p.fillSeq),
		ExchangeOrderID: id,
		Quantity:        qty,
		Price:           price,
		At:              p.now(),
	}
	po.fills = append(po.fills, f)
	p.tape = append(p.tape, f)
	po.filled += qty
	if po.filled == po.req.Quantity {
		po.status = RemoteFilled
	} else {
		po.status = RemotePartial
	}
}

// enter 统计调用、执行限流、注入失败与 hook。hook 在锁外执行。
func (p *PaperExchange) enter(ctx context.Context, op, id string) error {
	p.mu.Lock()
	p.calls[op]++
	hook := p.hooks[op]
	var injected error
	if q := p.failures[op]; len(q) > 0 {
		injected = q[0]
		p.failures[op] = q[1:]
	}
	limiter := p.limiter
	p.mu.Unlock()

	if limiter != nil && !limiter.Allow() {
		return &Error{Kind: Transient, Op: op, Code: "rate_limited", Err: ErrRateLimited}
	}
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return err
		}
	}
	if injected != nil {
		return injected
	}
	return ctx.Err()
}

func (p *PaperExchange) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	if err := p.enter(ctx, OpSubmit, ""); err != nil {
		return SubmitAck{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if code, ok := p.rejectTickers[req.Ticker]; ok {
		return SubmitAck{}, NewPermanent(OpSubmit, code)
	}
	if req.Quantity <= 0 {
		return SubmitAck{}, NewPermanent(OpSubmit, "invalid_quantity")
	}
	if id, ok := p.byClient[req.ClientOrderID]; ok {
		return SubmitAck{ExchangeOrderID: id}, nil
	}
	p.seq++
	id := fmt.Sprintf("%s%d", p.prefix, p.seq)
	po := &paperOrder{req: req, status: RemoteOpen}
	p.orders[id] = po
	p.byClient[req.ClientOrderID] = id
	if req.Type == order.TypeMarket {
		p.fillLocked(po, id, req.Quantity, p.marketPrice)
	}
	return SubmitAck{ExchangeOrderID: id}, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := p.enter(ctx, OpCancel, exchangeOrderID); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[exchangeOrderID]
	if !ok {
		return &Error{Kind: Permanent, Op: OpCancel, Code: "not_found", Err: ErrNotFound}
	}
	switch po.status {
	case RemoteCancelled:
		return nil
	case RemoteFilled, RemoteRejected:
		return NewPermanent(OpCancel, "order_not_open")
	}
	po.status = RemoteCancelled
	return nil
}

func (p *PaperExchange) GetOrder(ctx context.Context, exchangeOrderID string) (RemoteOrder, error) {
	if err := p.enter(ctx, OpGetOrder, exchangeOrderID); err != nil {
		return RemoteOrder{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[exchangeOrderID]
	if !ok {
		return RemoteOrder{}, &Error{Kind: Permanent, Op: OpGetOrder, Code: "not_found", Err: ErrNotFound}
	}
	ro := RemoteOrder{
		ExchangeOrderID: exchangeOrderID,
		Status:          po.status,
		FilledQuantity:  po.filled,
	}
	if !p.omitAvgPrice {
		_, ro.AvgFillPrice = VWAP(po.fills)
	}
	return ro, nil
}

func (p *PaperExchange) ListFills(ctx context.Context, exchangeOrderID string) ([]Fill, error) {
	if err := p.enter(ctx, OpListFills, exchangeOrderID); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[exchangeOrderID]
	if !ok {
		return nil, &Error{Kind: Permanent, Op: OpListFills, Code: "not_found", Err: ErrNotFound}
	}
	out := make([]Fill, len(po.fills))
	copy(out, po.fills)
	return out, nil
}

// GetPositions 按成交记录汇总各 ticker 的净持仓，零持仓不返回。
func (p *PaperExchange) GetPositions(ctx context.Context) ([]RemotePosition, error) {
	if err := p.enter(ctx, OpPositions, ""); err != nil {
		return nil, err
	}
	p.mu.Lock()
	book := inventory.NewBook()
	for _, f := range p.tape {
		req := p.orders[f.ExchangeOrderID].req
		book.Apply(req.Ticker, req.Side.Sign()*f.Quantity, f.Price)
	}
	p.mu.Unlock()

	var out []RemotePosition
	for _, pos := range book.Positions() {
		if pos.Net == 0 {
			continue
		}
		out = append(out, RemotePosition{Ticker: pos.Ticker, Net: pos.Net, AvgCost: pos.AvgCost})
	}
	return out, nil
}
