package inventory

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTrackerUpdate(t *testing.T) {
	var tr Tracker
	tr.Update(10, d("0.40"))
	if tr.NetExposure() != 10 {
		t.Fatalf("expected net 10")
	}
	if !tr.AvgCost().Equal(d("0.40")) {
		t.Fatalf("expected cost 0.40 got %s", tr.AvgCost())
	}
	tr.Update(10, d("0.50")) // cost should move toward 0.45
	if !tr.AvgCost().Equal(d("0.45")) {
		t.Fatalf("unexpected avg cost %s", tr.AvgCost())
	}
}

func TestTrackerRealizedAndFlip(t *testing.T) {
	var tr Tracker
	tr.Update(10, d("0.40"))
	tr.Update(-4, d("0.60"))
	if !tr.Realized().Equal(d("0.8")) {
		t.Fatalf("realized = %s, want 0.8", tr.Realized())
	}
	if tr.NetExposure() != 6 || !tr.AvgCost().Equal(d("0.40")) {
		t.Fatalf("reduce must keep cost: net=%d cost=%s", tr.NetExposure(), tr.AvgCost())
	}
	tr.Update(-8, d("0.30"))
	if tr.NetExposure() != -2 || !tr.AvgCost().Equal(d("0.30")) {
		t.Fatalf("flip: net=%d cost=%s", tr.NetExposure(), tr.AvgCost())
	}
	// 0.8 + (0.30-0.40)*6 = 0.2
	if !tr.Realized().Equal(d("0.2")) {
		t.Fatalf("realized = %s, want 0.2", tr.Realized())
	}
	tr.Update(2, d("0.25"))
	if tr.NetExposure() != 0 || !tr.AvgCost().IsZero() {
		t.Fatalf("flat position must reset cost")
	}
	// 空头 0.30 -> 0.25 平仓盈利 0.1
	if !tr.Realized().Equal(d("0.3")) {
		t.Fatalf("realized = %s, want 0.3", tr.Realized())
	}
}

func TestBookPositions(t *testing.T) {
	b := NewBook()
	b.Apply("B", 3, d("0.2"))
	b.Apply("A", -2, d("0.7"))
	ps := b.Positions()
	if len(ps) != 2 || ps[0].Ticker != "A" || ps[1].Net != 3 {
		t.Fatalf("unexpected positions %+v", ps)
	}
	if b.NetExposure("missing") != 0 || !b.RealizedPnL("missing").IsZero() {
		t.Fatalf("unknown ticker must be flat")
	}
}
