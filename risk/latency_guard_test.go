package risk

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func TestLatencyGuard(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	guard := NewLatencyGuard(100 * time.Millisecond)
	guard.clock = fc
	if err := guard.PreOrder("FED-DEC", 1); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := guard.PreOrder("FED-DEC", -1); err != nil {
		t.Fatalf("sell should be allowed immediately: %v", err)
	}
	if err := guard.PreOrder("CPI-JAN", 1); err != nil {
		t.Fatalf("other ticker should be allowed immediately: %v", err)
	}
	if err := guard.PreOrder("FED-DEC", 1); !errors.Is(err, ErrTooFrequent) {
		t.Fatalf("expected too frequent on repeated buy, got %v", err)
	}
	fc.t = fc.t.Add(200 * time.Millisecond)
	if err := guard.PreOrder("FED-DEC", 1); err != nil {
		t.Fatalf("expected pass after interval")
	}
}
