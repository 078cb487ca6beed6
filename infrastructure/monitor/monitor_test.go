package monitor

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"prediction-trader-go/gateway"
)

func TestMonitorCounters(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordEvent("OrderFilled")
	m.RecordEvent("OrderFilled")
	m.RecordSafetyRail("max_notional")
	m.ObserveCall(gateway.OpSubmit, nil, 10*time.Millisecond)
	m.ObserveCall(gateway.OpSubmit, gateway.NewPermanent(gateway.OpSubmit, "insufficient_funds"), time.Millisecond)
	m.ObserveCall(gateway.OpGetOrder, errors.New("reset"), time.Millisecond)
	m.RecordReconcile(5*time.Millisecond, 2, 1, 0)
	m.SetOpenOrders(3)
	m.SetBreakerState(gateway.BreakerClosed, gateway.BreakerOpen)

	if v := testutil.ToFloat64(m.events.WithLabelValues("OrderFilled")); v != 2 {
		t.Errorf("events = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.adapterCalls.WithLabelValues(gateway.OpSubmit)); v != 2 {
		t.Errorf("submit calls = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.adapterErrors.WithLabelValues(gateway.OpSubmit, "permanent")); v != 1 {
		t.Errorf("permanent errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.adapterErrors.WithLabelValues(gateway.OpGetOrder, "transient")); v != 1 {
		t.Errorf("transient errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.reconcileApplied); v != 2 {
		t.Errorf("reconcile applied = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.openOrders); v != 3 {
		t.Errorf("open orders = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.breakerState); v != 1 {
		t.Errorf("breaker state = %v, want 1", v)
	}
}

func TestMonitorHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordCommand("SubmitOrder")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "pt_execution_commands_total") {
		t.Fatalf("metrics output missing commands counter:\n%s", rec.Body.String())
	}
}
