package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prediction-trader-go/order"
)

// ordersOnly 只暴露 ExchangeClient 方法集。
type ordersOnly struct{ ExchangeClient }

func TestPaperExchangePositionsAggregateFills(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExchange()

	_, err := p.SubmitOrder(ctx, paperReq("c-1", 10))
	require.NoError(t, err)
	require.NoError(t, p.Fill("E1", 4, decimal.RequireFromString("0.40")))
	require.NoError(t, p.Fill("E1", 6, decimal.RequireFromString("0.50")))

	sell := paperReq("c-2", 3)
	sell.Side = order.SideSell
	_, err = p.SubmitOrder(ctx, sell)
	require.NoError(t, err)
	require.NoError(t, p.Fill("E2", 3, decimal.RequireFromString("0.60")))

	flat := paperReq("c-3", 2)
	flat.Ticker = "CPI-JAN"
	_, err = p.SubmitOrder(ctx, flat)
	require.NoError(t, err)

	pos, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "FED-DEC", pos[0].Ticker)
	assert.Equal(t, int64(7), pos[0].Net)
	assert.True(t, pos[0].AvgCost.Equal(decimal.RequireFromString("0.46")), pos[0].AvgCost.String())
	assert.Equal(t, 1, p.Calls(OpPositions))
}

func TestPositionsThroughDecorators(t *testing.T) {
	ctx := context.Background()
	paper := NewPaperExchange()
	_, err := paper.SubmitOrder(ctx, paperReq("c-1", 2))
	require.NoError(t, err)
	require.NoError(t, paper.Fill("E1", 2, decimal.RequireFromString("0.30")))

	var ops []string
	obs := observerFunc(func(op string, err error, _ time.Duration) { ops = append(ops, op) })

	tests := []struct {
		name      string
		client    ExchangeClient
		supported bool
	}{
		{"模拟交易所", paper, true},
		{"限流与观测包装", NewInstrumented(paper, nil, obs), true},
		{"熔断包装", NewBreaker(NewInstrumented(paper, nil, nil), BreakerConfig{Threshold: 1}), true},
		{"不支持持仓", ordersOnly{paper}, false},
		{"包装后仍不支持", NewBreaker(ordersOnly{paper}, BreakerConfig{Threshold: 1}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.supported, SupportsPositions(tt.client))
			pos, err := Positions(ctx, tt.client)
			if !tt.supported {
				assert.ErrorIs(t, err, ErrPositionsUnsupported)
				assert.True(t, IsPermanent(err))
				return
			}
			require.NoError(t, err)
			require.Len(t, pos, 1)
			assert.Equal(t, int64(2), pos[0].Net)
		})
	}
	assert.Equal(t, []string{OpPositions}, ops)

	b := NewBreaker(ordersOnly{paper}, BreakerConfig{Threshold: 1})
	_, _ = b.GetPositions(ctx)
	assert.Equal(t, BreakerClosed, b.State(), "unsupported is permanent and never trips")
}
