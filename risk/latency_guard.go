package risk

import (
	"fmt"
	"sync"
	"time"
)

// LatencyGuard 限制同一 ticker 同方向的下单频率。
type LatencyGuard struct {
	MinInterval time.Duration
	mu          sync.Mutex
	last        map[string]time.Time
	clock       Clock
}

func NewLatencyGuard(minInterval time.Duration) *LatencyGuard {
	return &LatencyGuard{
		MinInterval: minInterval,
		last:        make(map[string]time.Time),
		clock:       NowUTC,
	}
}

func (g *LatencyGuard) PreOrder(ticker string, deltaQty int64) error {
	if g == nil || g.MinInterval <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		g.last = make(map[string]time.Time)
	}
	key := ticker + "/buy"
	if deltaQty < 0 {
		key = ticker + "/sell"
	}
	now := g.clock.Now()
	if prev, ok := g.last[key]; ok && now.Sub(prev) < g.MinInterval {
		return fmt.Errorf("%w: %s within %s", ErrTooFrequent, key, g.MinInterval)
	}
	g.last[key] = now
	return nil
}
