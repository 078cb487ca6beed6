package risk

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"prediction-trader-go/order"
)

// SafetyRails 执行引擎在调用交易所前强制执行的硬限制。零值字段不生效。
type SafetyRails struct {
	MaxNotionalPerOrder decimal.Decimal `yaml:"maxNotionalPerOrder"`
	MaxOpenOrders       int             `yaml:"maxOpenOrders"`
	// MarketReferencePrice 市价单估算名义金额时使用的价格。
	MarketReferencePrice decimal.Decimal `yaml:"marketReferencePrice"`
}

// DefaultSafetyRails 默认值未经生产校准，需按配置覆盖。
func DefaultSafetyRails() SafetyRails {
	return SafetyRails{
		MaxNotionalPerOrder:  decimal.NewFromInt(100),
		MaxOpenOrders:        50,
		MarketReferencePrice: decimal.NewFromInt(1),
	}
}

// Check 校验一笔新单。openOrders 为当前非终态订单数（不含本单）。
// 返回的错误同时匹配 ErrSafetyRail 与具体原因。
func (r SafetyRails) Check(spec order.Spec, openOrders int) error {
	ref := r.MarketReferencePrice
	if !ref.IsPositive() {
		ref = decimal.NewFromInt(1)
	}
	if r.MaxNotionalPerOrder.IsPositive() {
		notional := spec.Notional(ref)
		if notional.GreaterThan(r.MaxNotionalPerOrder) {
			return fmt.Errorf("%w: %w: %s > %s", ErrSafetyRail, ErrMaxNotional, notional, r.MaxNotionalPerOrder)
		}
	}
	if r.MaxOpenOrders > 0 && openOrders >= r.MaxOpenOrders {
		return fmt.Errorf("%w: %w: %d open >= %d", ErrSafetyRail, ErrMaxOpenOrders, openOrders, r.MaxOpenOrders)
	}
	return nil
}

// Validate 检查配置是否自洽。
func (r SafetyRails) Validate() error {
	if r.MaxNotionalPerOrder.IsNegative() {
		return errors.New("safetyRails.maxNotionalPerOrder must be >= 0")
	}
	if r.MaxOpenOrders < 0 {
		return errors.New("safetyRails.maxOpenOrders must be >= 0")
	}
	if r.MarketReferencePrice.IsNegative() {
		return errors.New("safetyRails.marketReferencePrice must be >= 0")
	}
	return nil
}

// RailsHolder 支持热更新的护栏，读写均无锁。
type RailsHolder struct {
	v atomic.Pointer[SafetyRails]
}

func NewRailsHolder(r SafetyRails) *RailsHolder {
	h := &RailsHolder{}
	h.Store(r)
	return h
}

func (h *RailsHolder) Load() SafetyRails {
	return *h.v.Load()
}

func (h *RailsHolder) Store(r SafetyRails) {
	h.v.Store(&r)
}
