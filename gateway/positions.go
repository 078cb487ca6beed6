package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrPositionsUnsupported = errors.New("exchange does not report positions")

// RemotePosition 交易所侧的净持仓。Net 买正卖负。
type RemotePosition struct {
	Ticker  string
	Net     int64
	AvgCost decimal.Decimal
}

// PositionsProvider 可选能力：返回账户全部非零持仓。
type PositionsProvider interface {
	GetPositions(ctx context.Context) ([]RemotePosition, error)
}

type positionsCapable interface {
	supportsPositions() bool
}

// SupportsPositions 判断 c（含装饰器链）能否返回持仓快照。
func SupportsPositions(c ExchangeClient) bool {
	if pc, ok := c.(positionsCapable); ok {
		return pc.supportsPositions()
	}
	_, ok := c.(PositionsProvider)
	return ok
}

// Positions 调用 c 的 GetPositions；不支持时返回 Permanent 错误。
func Positions(ctx context.Context, c ExchangeClient) ([]RemotePosition, error) {
	p, ok := c.(PositionsProvider)
	if !ok || !SupportsPositions(c) {
		return nil, &Error{Kind: Permanent, Op: OpPositions, Code: "unsupported", Err: ErrPositionsUnsupported}
	}
	return p.GetPositions(ctx)
}

func (c *Instrumented) supportsPositions() bool { return SupportsPositions(c.next) }

func (c *Instrumented) GetPositions(ctx context.Context) (pos []RemotePosition, err error) {
	start := time.Now()
	defer func() { c.observe(OpPositions, err, start) }()
	if err = c.before(ctx, OpPositions); err != nil {
		return nil, err
	}
	return Positions(ctx, c.next)
}

func (b *Breaker) supportsPositions() bool { return SupportsPositions(b.next) }

func (b *Breaker) GetPositions(ctx context.Context) ([]RemotePosition, error) {
	if err := b.allow(OpPositions); err != nil {
		return nil, err
	}
	pos, err := Positions(ctx, b.next)
	b.record(err)
	return pos, err
}
