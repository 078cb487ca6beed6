package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prediction-trader-go/gateway"
)

type positionSink struct {
	mu    sync.Mutex
	calls int
	last  []gateway.RemotePosition
}

func (s *positionSink) SyncPositions(positions []gateway.RemotePosition, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = positions
}

func (s *positionSink) snapshot() (int, []gateway.RemotePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.last
}

func TestPollPositionsDeliversSnapshot(t *testing.T) {
	sink := &positionSink{}
	h := newHarness(t, func(_ *Config, comp *Components) { comp.Positions = sink })
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, limitSpec("c-1", 5, "0.40"))
	require.NoError(t, err)
	require.NoError(t, h.ex.Fill("E1", 3, d("0.40")))

	require.NoError(t, h.eng.PollPositions(ctx))
	calls, last := sink.snapshot()
	assert.Equal(t, 1, calls)
	require.Len(t, last, 1)
	assert.Equal(t, ticker, last[0].Ticker)
	assert.Equal(t, int64(3), last[0].Net)

	h.ex.InjectFailure(gateway.OpPositions, gateway.NewPermanent(gateway.OpPositions, "unauthorized"))
	assert.Error(t, h.eng.PollPositions(ctx))
	calls, _ = sink.snapshot()
	assert.Equal(t, 1, calls, "failed poll must not reach the sink")
}

func TestPollPositionsUnsupportedExchange(t *testing.T) {
	sink := &positionSink{}
	h := newHarness(t, func(_ *Config, comp *Components) {
		comp.Exchange = ordersOnly{comp.Exchange}
		comp.Positions = sink
	})
	assert.ErrorIs(t, h.eng.PollPositions(context.Background()), gateway.ErrPositionsUnsupported)

	// 不支持时不启动轮询
	require.NoError(t, h.eng.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.eng.Stop())
	assert.Equal(t, 0, h.ex.Calls(gateway.OpPositions))
}

func TestPositionsLoopRunsWhileStarted(t *testing.T) {
	sink := &positionSink{}
	h := newHarness(t, func(cfg *Config, comp *Components) {
		cfg.PositionsInterval = 5 * time.Millisecond
		comp.Positions = sink
	})
	require.NoError(t, h.eng.Start(context.Background()))
	assert.Eventually(t, func() bool {
		calls, _ := sink.snapshot()
		return calls >= 2
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, h.eng.Stop())
}

type ordersOnly struct{ gateway.ExchangeClient }
