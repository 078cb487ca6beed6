package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PnLSource 提供已实现盈亏。
type PnLSource interface {
	RealizedPnL(ticker string) decimal.Decimal
}

// PnLGuard 亏损超过阈值后拒绝继续下单。MinPnL 为负数表示允许的最大亏损，零值不限制。
type PnLGuard struct {
	MinPnL decimal.Decimal
	Source PnLSource
}

func (g *PnLGuard) PreOrder(ticker string, deltaQty int64) error {
	if g == nil || g.Source == nil || g.MinPnL.IsZero() {
		return nil
	}
	pnl := g.Source.RealizedPnL(ticker)
	if pnl.LessThan(g.MinPnL) {
		return fmt.Errorf("%w: %s realized %s < %s", ErrPnLTooLow, ticker, pnl, g.MinPnL)
	}
	return nil
}
