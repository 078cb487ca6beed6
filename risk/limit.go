package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Limits 配置。单位均为合约张数，零值不限制。
type Limits struct {
	SingleMax int64 `yaml:"singleMax"`
	DailyMax  int64 `yaml:"dailyMax"`
	NetMax    int64 `yaml:"netMax"`
}

// Exposure 提供净敞口（持仓 + 在途挂单）。
type Exposure interface {
	NetExposure(ticker string) int64
}

// LimitChecker 维护日累计下单量与净敞口校验。
type LimitChecker struct {
	mu       sync.Mutex
	cfg      *Limits
	inv      Exposure
	dayVol   map[string]int64
	dayReset time.Time
	clock    Clock
}

func NewLimitChecker(cfg *Limits, inv Exposure) *LimitChecker {
	return &LimitChecker{
		cfg:      cfg,
		inv:      inv,
		dayVol:   make(map[string]int64),
		dayReset: NowUTC.Now(),
		clock:    NowUTC,
	}
}

// SetLimits 热更新限额。
func (lc *LimitChecker) SetLimits(cfg Limits) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.cfg = &cfg
}

// PreOrder 校验下单前约束，不记账；通过后需调用 Commit。
func (lc *LimitChecker) PreOrder(ticker string, deltaQty int64) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.cfg == nil {
		return errors.New("limits not configured")
	}
	lc.rollLocked()

	absQty := abs(deltaQty)
	if lc.cfg.SingleMax > 0 && absQty > lc.cfg.SingleMax {
		return fmt.Errorf("%w: %d > single %d", ErrSingleExceed, absQty, lc.cfg.SingleMax)
	}
	if lc.cfg.DailyMax > 0 && lc.dayVol[ticker]+absQty > lc.cfg.DailyMax {
		return fmt.Errorf("%w: %d > daily %d", ErrDailyExceed, lc.dayVol[ticker]+absQty, lc.cfg.DailyMax)
	}
	if lc.inv != nil && lc.cfg.NetMax > 0 {
		net := lc.inv.NetExposure(ticker) + deltaQty
		if abs(net) > lc.cfg.NetMax {
			return fmt.Errorf("%w: %d > net %d", ErrNetExceed, net, lc.cfg.NetMax)
		}
	}
	return nil
}

// Commit 记入日累计。
func (lc *LimitChecker) Commit(ticker string, deltaQty int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.rollLocked()
	lc.dayVol[ticker] += abs(deltaQty)
}

// DailyVolume 当日累计下单量。
func (lc *LimitChecker) DailyVolume(ticker string) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.dayVol[ticker]
}

func (lc *LimitChecker) rollLocked() {
	now := lc.clock.Now()
	if now.Sub(lc.dayReset) > 24*time.Hour {
		lc.dayVol = make(map[string]int64)
		lc.dayReset = now
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
