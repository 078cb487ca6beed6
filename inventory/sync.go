package inventory

import (
	"sort"
	"sync"
	"time"
)

// Snapshot 交易所返回的某一时刻全部持仓。
type Snapshot struct {
	Source    string     `json:"source"`
	At        time.Time  `json:"at"`
	Positions []Position `json:"positions"`
}

// Drift 本地账本与交易所净持仓不一致的 ticker。
type Drift struct {
	Ticker string `json:"ticker"`
	Local  int64  `json:"local"`
	Remote int64  `json:"remote"`
}

// Compare 按 ticker 比较净持仓，返回不一致项（按 ticker 排序）。
func Compare(local, remote []Position) []Drift {
	nets := make(map[string][2]int64)
	for _, p := range local {
		v := nets[p.Ticker]
		v[0] = p.Net
		nets[p.Ticker] = v
	}
	for _, p := range remote {
		v := nets[p.Ticker]
		v[1] = p.Net
		nets[p.Ticker] = v
	}
	var out []Drift
	for ticker, v := range nets {
		if v[0] != v[1] {
			out = append(out, Drift{Ticker: ticker, Local: v[0], Remote: v[1]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Sync 保存最近一次交易所快照，并与 Book 对照。
type Sync struct {
	Book *Book

	mu     sync.RWMutex
	latest Snapshot
	have   bool
}

// Update 记录快照并返回与 Book 的差异。Book 为空时只记录。
func (s *Sync) Update(snap Snapshot) []Drift {
	s.mu.Lock()
	s.latest = snap
	s.have = true
	s.mu.Unlock()
	if s.Book == nil {
		return nil
	}
	return Compare(s.Book.Positions(), snap.Positions)
}

// Latest 最近一次快照；尚未收到时 ok 为 false。
func (s *Sync) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.have
}
