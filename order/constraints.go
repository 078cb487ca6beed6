package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TickerConstraints 描述合约的价格步长与数量/名义限制。零值字段不生效。
type TickerConstraints struct {
	TickSize    decimal.Decimal `yaml:"tickSize"`
	MinQty      int64           `yaml:"minQty"`
	MaxQty      int64           `yaml:"maxQty"`
	MinNotional decimal.Decimal `yaml:"minNotional"`
}

// Validate 检查订单价格/数量是否符合精度与最小名义。市价单不检查价格。
func (c TickerConstraints) Validate(spec Spec) error {
	if spec.Type == TypeLimit && c.TickSize.IsPositive() && !spec.LimitPrice.Mod(c.TickSize).IsZero() {
		return fmt.Errorf("%w: price %s not aligned to tickSize %s", ErrValidation, spec.LimitPrice, c.TickSize)
	}
	if c.MinQty > 0 && spec.Quantity < c.MinQty {
		return fmt.Errorf("%w: qty %d < minQty %d", ErrValidation, spec.Quantity, c.MinQty)
	}
	if c.MaxQty > 0 && spec.Quantity > c.MaxQty {
		return fmt.Errorf("%w: qty %d > maxQty %d", ErrValidation, spec.Quantity, c.MaxQty)
	}
	if spec.Type == TypeLimit && c.MinNotional.IsPositive() {
		notional := spec.Notional(decimal.Zero)
		if notional.LessThan(c.MinNotional) {
			return fmt.Errorf("%w: notional %s < minNotional %s", ErrValidation, notional, c.MinNotional)
		}
	}
	return nil
}

// ConstraintSet 按 ticker 索引的约束表；未登记的 ticker 不受限。
type ConstraintSet map[string]TickerConstraints

// Validate 先做形状校验，再做 ticker 约束校验。
func (cs ConstraintSet) Validate(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	c, ok := cs[spec.Ticker]
	if !ok {
		return nil
	}
	return c.Validate(spec)
}
