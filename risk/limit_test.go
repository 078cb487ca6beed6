package risk

import (
	"errors"
	"testing"
	"time"
)

type stubInv struct{ net int64 }

func (s stubInv) NetExposure(ticker string) int64 { return s.net }

func TestLimitChecker(t *testing.T) {
	cfg := &Limits{
		SingleMax: 100,
		DailyMax:  200,
		NetMax:    150,
	}
	lc := NewLimitChecker(cfg, stubInv{net: 0})

	if err := lc.PreOrder("FED-DEC", 50); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	lc.Commit("FED-DEC", 50)
	if err := lc.PreOrder("FED-DEC", 120); !errors.Is(err, ErrSingleExceed) {
		t.Fatalf("expected single exceed, got %v", err)
	}

	lc.dayVol["FED-DEC"] = 190
	if err := lc.PreOrder("FED-DEC", -20); !errors.Is(err, ErrDailyExceed) {
		t.Fatalf("expected daily exceed, got %v", err)
	}

	lc.inv = stubInv{net: 150}
	if err := lc.PreOrder("FED-DEC", 5); !errors.Is(err, ErrNetExceed) {
		t.Fatalf("expected net exceed, got %v", err)
	}
	if err := lc.PreOrder("FED-DEC", -5); err != nil {
		t.Fatalf("reducing exposure should pass: %v", err)
	}
}

func TestLimitCheckerRejectedOrderNotCounted(t *testing.T) {
	lc := NewLimitChecker(&Limits{SingleMax: 10, DailyMax: 15}, nil)
	if err := lc.PreOrder("X", 11); err == nil {
		t.Fatalf("expected single exceed")
	}
	if got := lc.DailyVolume("X"); got != 0 {
		t.Fatalf("rejected order counted into daily volume: %d", got)
	}
}

func TestLimitCheckerDailyReset(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	lc := NewLimitChecker(&Limits{DailyMax: 10}, nil)
	lc.clock = fc
	lc.dayReset = fc.t
	lc.Commit("X", 10)
	if err := lc.PreOrder("X", 1); !errors.Is(err, ErrDailyExceed) {
		t.Fatalf("expected daily exceed, got %v", err)
	}
	fc.t = fc.t.Add(25 * time.Hour)
	if err := lc.PreOrder("X", 1); err != nil {
		t.Fatalf("expected reset after a day: %v", err)
	}
}
