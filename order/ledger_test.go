package order

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger() (*Ledger, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLedger(WithClock(clk.Now)), clk
}

func submitted(t *testing.T, l *Ledger, id string, qty int64) Order {
	t.Helper()
	spec := limitSpec("0.50", qty)
	spec.ClientOrderID = id
	o, err := l.Create(spec)
	require.NoError(t, err)
	o, err = l.Apply(id, SubmitAck("E-"+id), o.Version)
	require.NoError(t, err)
	return o
}

func TestLedgerCreateAndDuplicate(t *testing.T) {
	l, _ := newTestLedger()
	o, err := l.Create(limitSpec("0.50", 10))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, uint64(1), o.Version)

	_, err = l.Create(limitSpec("0.60", 5))
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = l.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	bad := limitSpec("0", 10)
	bad.ClientOrderID = "c-2"
	_, err = l.Create(bad)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = l.Get("c-2")
	assert.ErrorIs(t, err, ErrNotFound, "validation failure must not create state")
}

func TestLedgerApplyVersionConflict(t *testing.T) {
	l, _ := newTestLedger()
	o := submitted(t, l, "c-1", 10)

	_, err := l.Apply("c-1", Transition{Kind: KindPartialFill, FilledQuantity: 4}, o.Version-1)
	require.ErrorIs(t, err, ErrVersionConflict)

	got, err := l.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, o, got, "conflicting apply must not mutate")

	got, err = l.Apply("c-1", Transition{Kind: KindPartialFill, FilledQuantity: 4}, got.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, got.Status)
	assert.Equal(t, o.Version+1, got.Version)
}

func TestLedgerFillsMonotonic(t *testing.T) {
	l, _ := newTestLedger()
	o := submitted(t, l, "c-1", 10)

	o, err := l.Apply("c-1", FillFor(o, 6, decimal.RequireFromString("0.48")), o.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(6), o.FilledQuantity)

	_, err = l.Apply("c-1", FillFor(o, 4, decimal.Zero), o.Version)
	assert.ErrorIs(t, err, ErrStaleUpdate)

	_, err = l.Apply("c-1", FillFor(o, 6, decimal.Zero), o.Version)
	assert.ErrorIs(t, err, ErrNoChange)

	after, err := l.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, o.Version, after.Version)
	assert.Equal(t, int64(6), after.FilledQuantity)

	after, err = l.Apply("c-1", FillFor(after, 10, decimal.Zero), after.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, after.Status)
	assert.False(t, after.TerminalAt.IsZero())
	// 0.48*6 + 0.50*4 = 4.88
	assert.True(t, after.AvgFillPrice.Equal(decimal.RequireFromString("0.488")), after.AvgFillPrice.String())
}

func TestLedgerCancelKeepsFilledQuantity(t *testing.T) {
	l, _ := newTestLedger()
	o := submitted(t, l, "c-1", 10)
	o, err := l.Apply("c-1", FillFor(o, 3, decimal.Zero), o.Version)
	require.NoError(t, err)
	o, err = l.Apply("c-1", CancelRequest("user"), o.Version)
	require.NoError(t, err)
	o, err = l.Apply("c-1", CancelAck(), o.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, int64(3), o.FilledQuantity)

	_, err = l.Apply("c-1", CancelAck(), o.Version)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLedgerListAndOpenCount(t *testing.T) {
	l, clk := newTestLedger()
	submitted(t, l, "a", 10)
	clk.Advance(time.Second)
	spec := limitSpec("0.50", 1)
	spec.ClientOrderID = "b"
	spec.Ticker = "OTHER"
	_, err := l.Create(spec)
	require.NoError(t, err)
	clk.Advance(time.Second)
	c := submitted(t, l, "c", 10)
	_, err = l.Apply("c", Transition{Kind: KindFullFill, FilledQuantity: 10}, c.Version)
	require.NoError(t, err)

	assert.Equal(t, 2, l.OpenCount())
	active := l.List(Filter{ActiveOnly: true, HasExchangeID: true})
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ClientOrderID)

	all := l.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ClientOrderID, all[1].ClientOrderID, all[2].ClientOrderID})

	assert.Len(t, l.List(Filter{Ticker: "OTHER"}), 1)
	assert.Len(t, l.List(Filter{Statuses: []Status{StatusFilled}}), 1)
}

func TestLedgerEvictTerminalOnly(t *testing.T) {
	l, clk := newTestLedger()
	o := submitted(t, l, "done", 1)
	_, err := l.Apply("done", Transition{Kind: KindFullFill, FilledQuantity: 1}, o.Version)
	require.NoError(t, err)
	submitted(t, l, "live", 1)

	assert.Equal(t, 0, l.Evict(clk.Now(), time.Minute))
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, l.Evict(clk.Now(), time.Minute))

	_, err = l.Get("done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Get("live")
	assert.NoError(t, err)

	spec := limitSpec("0.50", 1)
	spec.ClientOrderID = "done"
	_, err = l.Create(spec)
	assert.ErrorIs(t, err, ErrDuplicateID, "evicted ids are never reused")
}

func TestLedgerTombstonesExpire(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLedger(WithClock(clk.Now), WithTombstoneTTL(time.Hour))
	o := submitted(t, l, "done", 1)
	_, err := l.Apply("done", Transition{Kind: KindFullFill, FilledQuantity: 1}, o.Version)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, l.Evict(clk.Now(), time.Minute))
	assert.Equal(t, 1, l.Tombstones())

	spec := limitSpec("0.50", 1)
	spec.ClientOrderID = "done"
	clk.Advance(30 * time.Minute)
	assert.Equal(t, 0, l.Evict(clk.Now(), time.Minute))
	_, err = l.Create(spec)
	assert.ErrorIs(t, err, ErrDuplicateID)

	clk.Advance(31 * time.Minute)
	assert.Equal(t, 0, l.Evict(clk.Now(), time.Minute))
	assert.Equal(t, 0, l.Tombstones())
	_, err = l.Create(spec)
	assert.NoError(t, err)
}

func TestLedgerMarkReconciledKeepsVersion(t *testing.T) {
	l, clk := newTestLedger()
	o := submitted(t, l, "c-1", 10)
	require.NoError(t, l.MarkReconciled("c-1", clk.Now()))
	got, _ := l.Get("c-1")
	assert.Equal(t, o.Version, got.Version)
	assert.Equal(t, clk.Now(), got.LastReconciledAt)
	assert.ErrorIs(t, l.MarkReconciled("nope", clk.Now()), ErrNotFound)
}

func TestLedgerSnapshotRestore(t *testing.T) {
	l, _ := newTestLedger()
	submitted(t, l, "a", 10)
	submitted(t, l, "b", 5)
	snap := l.Snapshot()

	restored := NewLedger()
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, 2, restored.Len())
	got, err := restored.Get("b")
	require.NoError(t, err)
	assert.Equal(t, snap[1], got)

	assert.Error(t, restored.Restore(snap), "restore into non-empty ledger")
	dup := NewLedger()
	err = dup.Restore([]Order{snap[0], snap[0]})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestLedgerConcurrentAppliesSingleWinner(t *testing.T) {
	l, _ := newTestLedger()
	o := submitted(t, l, "c-1", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(qty int64) {
			defer wg.Done()
			_, err := l.Apply("c-1", Transition{Kind: KindPartialFill, FilledQuantity: qty}, o.Version)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			}
		}(int64(i + 1))
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
}
