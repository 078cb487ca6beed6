package inventory

import "github.com/shopspring/decimal"

// Valuation 基于标记价格计算未实现盈亏。
func (t *Tracker) Valuation(mark decimal.Decimal) (net int64, pnl decimal.Decimal) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	net = t.net
	pnl = mark.Sub(t.cost).Mul(decimal.NewFromInt(t.net))
	return
}

// Valuation 汇总所有 ticker 的未实现盈亏；缺少标记价格的 ticker 跳过。
func (b *Book) Valuation(marks map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ticker, t := range b.trackers {
		mark, ok := marks[ticker]
		if !ok {
			continue
		}
		_, pnl := t.Valuation(mark)
		total = total.Add(pnl)
	}
	return total
}
