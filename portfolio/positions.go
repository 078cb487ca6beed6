package portfolio

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"prediction-trader-go/gateway"
	"prediction-trader-go/inventory"
)

// SyncPositions 记录交易所持仓快照并与本地账本比较。差异只告警，不修改本地持仓。
func (m *Manager) SyncPositions(positions []gateway.RemotePosition, at time.Time) {
	snap := inventory.Snapshot{Source: "exchange", At: at, Positions: make([]inventory.Position, 0, len(positions))}
	for _, p := range positions {
		snap.Positions = append(snap.Positions, inventory.Position{Ticker: p.Ticker, Net: p.Net, AvgCost: p.AvgCost})
	}
	drift := m.remote.Update(snap)

	m.driftMu.Lock()
	changed := !slices.Equal(drift, m.lastDrift)
	m.lastDrift = drift
	m.driftMu.Unlock()
	if !changed {
		return
	}
	if len(drift) == 0 {
		m.logger.Info("Positions back in sync with exchange")
		return
	}
	for _, d := range drift {
		m.logger.Warn("Position mismatch with exchange",
			zap.String("ticker", d.Ticker),
			zap.Int64("local", d.Local),
			zap.Int64("remote", d.Remote))
	}
}

// LatestPositions 最近一次交易所持仓快照。
func (m *Manager) LatestPositions() (inventory.Snapshot, bool) {
	return m.remote.Latest()
}

// PositionDrift 最近一次快照与本地持仓的差异。
func (m *Manager) PositionDrift() []inventory.Drift {
	m.driftMu.Lock()
	defer m.driftMu.Unlock()
	return slices.Clone(m.lastDrift)
}
