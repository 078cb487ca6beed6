package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prediction-trader-go/bus"
	"prediction-trader-go/gateway"
	"prediction-trader-go/order"
)

// scriptedExchange 可覆盖指定订单的 get_order 返回值。
type scriptedExchange struct {
	*gateway.PaperExchange
	mu     sync.Mutex
	remote map[string]gateway.RemoteOrder
}

func (s *scriptedExchange) script(ro gateway.RemoteOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		s.remote = make(map[string]gateway.RemoteOrder)
	}
	s.remote[ro.ExchangeOrderID] = ro
}

func (s *scriptedExchange) GetOrder(ctx context.Context, id string) (gateway.RemoteOrder, error) {
	s.mu.Lock()
	ro, ok := s.remote[id]
	s.mu.Unlock()
	if ok {
		return ro, nil
	}
	return s.PaperExchange.GetOrder(ctx, id)
}

type recordingMetrics struct {
	nopMetrics
	mu      sync.Mutex
	applied int
	stale   int
	errors  int
	retries map[string]int
}

func (m *recordingMetrics) RecordReconcile(_ time.Duration, applied, stale, errors int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied += applied
	m.stale += stale
	m.errors += errors
}

func (m *recordingMetrics) RecordRetry(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retries == nil {
		m.retries = make(map[string]int)
	}
	m.retries[op]++
}

func TestReconcileDiscardsLowerFill(t *testing.T) {
	var scripted *scriptedExchange
	metrics := &recordingMetrics{}
	h := newHarness(t, func(_ *Config, comp *Components) {
		scripted = &scriptedExchange{PaperExchange: comp.Exchange.(*gateway.PaperExchange)}
		comp.Exchange = scripted
		comp.Metrics = metrics
	})
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, limitSpec("c-1", 10, "0.50"))
	require.NoError(t, err)
	require.NoError(t, h.ex.Fill("E1", 5, d("0.50")))
	require.NoError(t, h.eng.Reconcile(ctx))
	before, err := h.eng.Ledger().Get("c-1")
	require.NoError(t, err)
	h.drain(t)

	scripted.script(gateway.RemoteOrder{ExchangeOrderID: "E1", Status: gateway.RemotePartial, FilledQuantity: 3, AvgFillPrice: d("0.50")})
	res, err := h.eng.ReconcileWithResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	assert.Equal(t, 0, res.Applied)

	after, err := h.eng.Ledger().Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, int64(5), after.FilledQuantity)
	assert.Empty(t, h.drain(t))
	assert.Equal(t, 1, metrics.stale)
}

func TestConcurrentReconcileSingleWinner(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, limitSpec("c-1", 10, "0.50"))
	require.NoError(t, err)
	require.NoError(t, h.ex.Fill("E1", 4, d("0.50")))
	h.drain(t)

	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	h.ex.SetHook(gateway.OpGetOrder, func(context.Context, string) error {
		arrived <- struct{}{}
		<-release
		return nil
	})

	results := make([]ReconcileResult, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.eng.ReconcileWithResult(ctx)
		}(i)
	}
	<-arrived
	<-arrived
	close(release)
	wg.Wait()

	assert.Equal(t, 1, results[0].Applied+results[1].Applied)
	assert.Equal(t, 1, results[0].Stale+results[1].Stale)

	o, err := h.eng.Ledger().Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartial, o.Status)
	assert.Equal(t, uint64(3), o.Version)
	assert.Equal(t, []bus.EventKind{bus.EvtOrderPartiallyFilled}, kinds(h.drain(t)))

	// 下一轮以最新状态对账，无变化则静默
	h.ex.SetHook(gateway.OpGetOrder, nil)
	res, err := h.eng.ReconcileWithResult(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Empty(t, h.drain(t))
}

func TestReconcileUsesFillsWhenAvgMissing(t *testing.T) {
	h := newHarness(t, nil, gateway.WithoutAvgPrice())
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, limitSpec("c-1", 10, "0.50"))
	require.NoError(t, err)
	require.NoError(t, h.ex.Fill("E1", 4, d("0.40")))
	require.NoError(t, h.ex.Fill("E1", 6, d("0.50")))

	require.NoError(t, h.eng.Reconcile(ctx))
	o, err := h.eng.Ledger().Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.True(t, o.AvgFillPrice.Equal(d("0.46")), o.AvgFillPrice.String())
	assert.Equal(t, 1, h.ex.Calls(gateway.OpListFills))
}

func TestReconcileAdapterErrorLeavesOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, limitSpec("c-1", 10, "0.50"))
	require.NoError(t, err)
	_, err = h.eng.Submit(ctx, limitSpec("c-2", 10, "0.50"))
	require.NoError(t, err)
	require.NoError(t, h.ex.Fill("E2", 2, d("0.50")))
	h.drain(t)

	h.ex.InjectFailure(gateway.OpGetOrder, gateway.NewTransient(gateway.OpGetOrder, gateway.ErrRateLimited))
	res, err := h.eng.ReconcileWithResult(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrRateLimited)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, h.ex.Calls(gateway.OpGetOrder))

	o, err := h.eng.Ledger().Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, o.Status)
	assert.True(t, o.LastReconciledAt.IsZero())

	o2, err := h.eng.Ledger().Get("c-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), o2.FilledQuantity)
	assert.False(t, o2.LastReconciledAt.IsZero())
}

func TestReconcileExchangeInitiatedCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, limitSpec("c-1", 10, "0.50"))
	require.NoError(t, err)
	require.NoError(t, h.ex.Fill("E1", 2, d("0.50")))
	require.NoError(t, h.ex.CancelRemote("E1"))

	require.NoError(t, h.eng.Reconcile(ctx))
	o, err := h.eng.Ledger().Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, int64(2), o.FilledQuantity)
	assert.Equal(t, []bus.EventKind{bus.EvtOrderSubmitted, bus.EvtOrderPartiallyFilled, bus.EvtOrderCancelled}, kinds(h.drain(t)))

	// 终态订单不再轮询
	calls := h.ex.Calls(gateway.OpGetOrder)
	require.NoError(t, h.eng.Reconcile(ctx))
	assert.Equal(t, calls, h.ex.Calls(gateway.OpGetOrder))
}

type memCheckpoint struct {
	mu     sync.Mutex
	orders []order.Order
	saves  int
}

func (m *memCheckpoint) Save(_ context.Context, orders []order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = orders
	m.saves++
	return nil
}

func (m *memCheckpoint) Load(context.Context) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders, nil
}

func TestRestoreFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	ex := gateway.NewPaperExchange()
	ack1, err := ex.SubmitOrder(ctx, gateway.RequestFromSpec(limitSpec("s-1", 5, "0.50")))
	require.NoError(t, err)
	ack2, err := ex.SubmitOrder(ctx, gateway.RequestFromSpec(limitSpec("x-1", 5, "0.50")))
	require.NoError(t, err)

	prior := order.NewLedger()
	_, err = prior.Create(limitSpec("p-1", 5, "0.50"))
	require.NoError(t, err)
	_, err = prior.Create(limitSpec("s-1", 5, "0.50"))
	require.NoError(t, err)
	_, err = prior.Apply("s-1", order.SubmitAck(ack1.ExchangeOrderID), 1)
	require.NoError(t, err)
	_, err = prior.Create(limitSpec("x-1", 5, "0.50"))
	require.NoError(t, err)
	_, err = prior.Apply("x-1", order.SubmitAck(ack2.ExchangeOrderID), 1)
	require.NoError(t, err)
	_, err = prior.Apply("x-1", order.CancelRequest("user"), 2)
	require.NoError(t, err)

	store := &memCheckpoint{orders: prior.Snapshot()}
	eng, err := New(Config{Retry: fastPolicy(), ReconcileInterval: time.Hour}, Components{Exchange: ex, Checkpoint: store})
	require.NoError(t, err)
	sub := eng.Events().Subscribe(bus.Filter{})

	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Stop())

	p, err := eng.Ledger().Get("p-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, p.Status)

	s, err := eng.Ledger().Get("s-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusSubmitted, s.Status)
	assert.Equal(t, 2, ex.Calls(gateway.OpSubmit), "restored orders are never resubmitted")

	x, err := eng.Ledger().Get("x-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, x.Status)

	var got []bus.Event
	for sub.Backlog() > 0 {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	byID := map[string]bus.Event{got[0].ClientOrderID: got[0], got[1].ClientOrderID: got[1]}
	assert.Equal(t, bus.ReasonSubmitInterrupted, byID["p-1"].ReasonCode)
	assert.Equal(t, bus.EvtOrderCancelled, byID["x-1"].Kind)

	assert.GreaterOrEqual(t, store.saves, 1)
	assert.Len(t, store.orders, 3)
}

func TestStartStopProcessesCommands(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Components) {
		cfg.ReconcileInterval = 5 * time.Millisecond
	})
	ctx := context.Background()
	require.NoError(t, h.eng.Start(ctx))
	assert.Equal(t, StateRunning, h.eng.State())
	assert.NoError(t, h.eng.Health())
	assert.ErrorIs(t, h.eng.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, h.eng.Commands().Publish(bus.NewSubmit(limitSpec("c-1", 2, "0.50"), "test")))
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, err := h.sub.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, bus.EvtOrderSubmitted, ev.Kind)

	// 对账循环会拾取交易所侧成交
	require.NoError(t, h.ex.Fill("E1", 2, d("0.50")))
	ev, err = h.sub.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, bus.EvtOrderFilled, ev.Kind)

	require.NoError(t, h.eng.Stop())
	assert.Equal(t, StateStopped, h.eng.State())
	assert.Error(t, h.eng.Health())
	assert.ErrorIs(t, h.eng.Stop(), ErrNotRunning)

	stats := h.eng.GetStatistics()
	assert.Equal(t, int64(1), stats.CommandsHandled)
	assert.GreaterOrEqual(t, stats.ReconcilePasses, int64(1))
}

func TestEvictTerminalOrders(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, limitSpec("c-1", 2, "0.50"))
	require.NoError(t, err)
	_, err = h.eng.Submit(ctx, limitSpec("c-2", 2, "0.50"))
	require.NoError(t, err)
	_, err = h.eng.Cancel(ctx, "c-1", "user")
	require.NoError(t, err)

	h.eng.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	h.eng.evictTick(ctx)

	assert.Equal(t, 1, h.eng.Ledger().Len())
	_, err = h.eng.Submit(ctx, limitSpec("c-1", 2, "0.50"))
	assert.ErrorIs(t, err, order.ErrDuplicateID)
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()
	unlockA := km.Lock("a")

	acquired := make(chan struct{})
	go func() {
		unlock := km.Lock("a")
		close(acquired)
		unlock()
	}()

	unlockB := km.Lock("b")
	unlockB()

	select {
	case <-acquired:
		t.Fatal("second lock on same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired

	assert.Eventually(t, func() bool { return km.size() == 0 }, time.Second, time.Millisecond)
}
