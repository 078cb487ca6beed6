package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBreakerTripsOnTransientFailures(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	paper := NewPaperExchange()
	var transitions []string
	b := NewBreaker(paper, BreakerConfig{Threshold: 2, Cooldown: time.Second},
		withBreakerClock(clock.Now),
		WithStateHook(func(from, to BreakerState) { transitions = append(transitions, from.String()+">"+to.String()) }))

	boom := NewTransient(OpGetOrder, errors.New("connection reset"))
	paper.InjectFailure(OpSubmit, boom, boom)

	_, err := b.SubmitOrder(ctx, paperReq("c-1", 1))
	require.Error(t, err)
	assert.Equal(t, BreakerClosed, b.State())
	_, err = b.SubmitOrder(ctx, paperReq("c-1", 1))
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Health(), ErrCircuitOpen)

	calls := paper.Calls(OpSubmit)
	_, err = b.SubmitOrder(ctx, paperReq("c-1", 1))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, IsPermanent(err), "open circuit is retryable")
	assert.Equal(t, "circuit_open", ReasonCode(err))
	assert.Equal(t, calls, paper.Calls(OpSubmit), "open circuit short-circuits the call")

	clock.Advance(time.Second)
	ack, err := b.SubmitOrder(ctx, paperReq("c-1", 1))
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ExchangeOrderID)
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Health())
	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(NewPaperExchange(), BreakerConfig{Threshold: 1})
	for i := 0; i < 3; i++ {
		_, err := b.GetOrder(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	paper := NewPaperExchange()
	b := NewBreaker(paper, BreakerConfig{Threshold: 1, Cooldown: time.Second, HalfOpenProbes: 1}, withBreakerClock(clock.Now))

	boom := NewTransient(OpCancel, errors.New("503"))
	paper.InjectFailure(OpCancel, boom, boom)
	require.Error(t, b.CancelOrder(ctx, "E1"))
	require.Equal(t, BreakerOpen, b.State())

	clock.Advance(2 * time.Second)
	require.Error(t, b.CancelOrder(ctx, "E1"))
	assert.Equal(t, BreakerOpen, b.State())

	err := b.CancelOrder(ctx, "E1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerDisabled(t *testing.T) {
	ctx := context.Background()
	paper := NewPaperExchange()
	b := NewBreaker(paper, BreakerConfig{})
	boom := NewTransient(OpListFills, errors.New("timeout"))
	paper.InjectFailure(OpListFills, boom, boom, boom)
	for i := 0; i < 3; i++ {
		_, err := b.ListFills(ctx, "E1")
		assert.Error(t, err)
	}
	assert.Equal(t, BreakerClosed, b.State())
}
