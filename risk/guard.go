package risk

// Guard 是组合层的下单前检查，限额、频率、亏损等都可实现。
// deltaQty 为本次下单数量（买正卖负，单位：合约张数）。
type Guard interface {
	PreOrder(ticker string, deltaQty int64) error
}

// MultiGuard 顺序执行多个 Guard，只要有一个返回错误则中止。
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) PreOrder(ticker string, deltaQty int64) error {
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		if err := g.PreOrder(ticker, deltaQty); err != nil {
			return err
		}
	}
	return nil
}

// Committer 由需要在整条链通过后才记账的 Guard 实现（如日累计成交量）。
type Committer interface {
	Commit(ticker string, deltaQty int64)
}

// Commit 通知链上所有 Committer。
func (m MultiGuard) Commit(ticker string, deltaQty int64) {
	for _, g := range m.Guards {
		if c, ok := g.(Committer); ok {
			c.Commit(ticker, deltaQty)
		}
	}
}
