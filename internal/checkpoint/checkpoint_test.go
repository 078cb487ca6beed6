package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prediction-trader-go/gateway"
	"prediction-trader-go/internal/engine"
	"prediction-trader-go/internal/store"
	"prediction-trader-go/order"
)

var (
	_ engine.Checkpointer = (*FileStore)(nil)
	_ engine.Checkpointer = (*SQLStore)(nil)
)

func sampleOrders() []order.Order {
	now := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	return []order.Order{
		{
			ClientOrderID: "c-1", ExchangeOrderID: "E1", Ticker: "FED-DEC",
			Side: order.SideBuy, Type: order.TypeLimit, LimitPrice: decimal.RequireFromString("0.45"), Quantity: 10,
			Status: order.StatusPartial, FilledQuantity: 4, AvgFillPrice: decimal.RequireFromString("0.44"),
			Version: 3, CreatedAt: now, UpdatedAt: now,
		},
		{
			ClientOrderID: "c-2", Ticker: "CPI-NOV", Side: order.SideSell, Type: order.TypeMarket,
			Quantity: 5, Status: order.StatusPending, Version: 1, CreatedAt: now.Add(time.Second), UpdatedAt: now,
		},
	}
}

func assertRoundTrip(t *testing.T, want, got []order.Order) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ClientOrderID, got[i].ClientOrderID)
		assert.Equal(t, want[i].Status, got[i].Status)
		assert.Equal(t, want[i].Version, got[i].Version)
		assert.Equal(t, want[i].FilledQuantity, got[i].FilledQuantity)
		assert.True(t, want[i].AvgFillPrice.Equal(got[i].AvgFillPrice))
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "state", "orders.json"))

	orders, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	require.NoError(t, s.Save(ctx, sampleOrders()))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assertRoundTrip(t, sampleOrders(), got)

	require.NoError(t, s.Save(ctx, sampleOrders()[:1]))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"format":9,"orders":[]}`), 0o644))
	_, err = NewFileStore(path).Load(context.Background())
	assert.ErrorContains(t, err, "unsupported format")
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenDB(ctx, store.DBConfig{DSN: filepath.Join(t.TempDir(), "cp.db"), MaxOpenConns: 1})
	require.NoError(t, err)
	defer store.CloseDB(db)

	s, err := NewSQLStore(db)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, sampleOrders()))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assertRoundTrip(t, sampleOrders(), got)

	// 更新 c-1，c-2 已淘汰
	updated := sampleOrders()[:1]
	updated[0].Status, updated[0].FilledQuantity, updated[0].Version = order.StatusFilled, 10, 4
	require.NoError(t, s.Save(ctx, updated))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, order.StatusFilled, got[0].Status)
	assert.Equal(t, uint64(4), got[0].Version)

	require.NoError(t, s.Save(ctx, nil))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEngineRestoresFromFileStore(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "orders.json"))
	require.NoError(t, s.Save(ctx, sampleOrders()))

	eng, err := engine.New(engine.DefaultConfig(), engine.Components{Exchange: gateway.NewPaperExchange(), Checkpoint: s})
	require.NoError(t, err)
	require.NoError(t, eng.Restore(ctx))

	o, err := eng.Ledger().Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartial, o.Status)
	assert.Equal(t, uint64(3), o.Version)

	// 提交结果未知的订单重启后判定失败
	o, err = eng.Ledger().Get("c-2")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, o.Status)
	assert.Equal(t, uint64(2), o.Version)
}
