package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/signal"
)

type fixedQuotes struct{ price float64 }

func (q *fixedQuotes) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return q.price, nil
}

func TestReconcilerClosesAtTarget(t *testing.T) {
	f := newFixture(t, standardCfg(), config.FeatureFlags{})
	ctx := context.Background()

	sig := buySignal(t, 1, "AAPL", 200.0) // target 212, stop 194
	_, _, err := f.db.Put(ctx, sig)
	require.NoError(t, err)
	f.ex.Handle(ctx, sig)

	quotes := &fixedQuotes{price: 205.0}
	rec := NewReconciler(f.db, quotes, []*Executor{f.ex}, 30*time.Minute, time.Second)

	// Below target: nothing happens.
	rec.sweep(ctx, time.Now().UTC())
	open, err := f.db.OpenPositions(ctx, "test-exec")
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Target reached: the position closes and the signal resolves WIN.
	quotes.price = 212.5
	f.broker.price = 212.5
	rec.sweep(ctx, time.Now().UTC())

	open, err = f.db.OpenPositions(ctx, "test-exec")
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := f.db.Get(ctx, sig.SignalID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, signal.OutcomeWin, *got.Outcome)
	require.NotNil(t, got.PnlPct)
	assert.InDelta(t, (212.5-200.0)/200.0, *got.PnlPct, 1e-9)
}

func TestReconcilerClosesAtStop(t *testing.T) {
	f := newFixture(t, standardCfg(), config.FeatureFlags{})
	ctx := context.Background()

	sig := buySignal(t, 1, "AAPL", 200.0) // stop 194
	_, _, err := f.db.Put(ctx, sig)
	require.NoError(t, err)
	f.ex.Handle(ctx, sig)

	quotes := &fixedQuotes{price: 193.0}
	f.broker.price = 193.0
	rec := NewReconciler(f.db, quotes, []*Executor{f.ex}, 30*time.Minute, time.Second)
	rec.sweep(ctx, time.Now().UTC())

	got, err := f.db.Get(ctx, sig.SignalID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, signal.OutcomeLoss, *got.Outcome)
	require.NotNil(t, got.PnlPct)
	assert.Less(t, *got.PnlPct, 0.0)
}

func TestReconcilerExpiresUnexecutedSignals(t *testing.T) {
	f := newFixture(t, standardCfg(), config.FeatureFlags{})
	ctx := context.Background()

	executed := buySignal(t, 1, "AAPL", 200.0)
	_, _, err := f.db.Put(ctx, executed)
	require.NoError(t, err)
	f.ex.Handle(ctx, executed)

	ignored := buySignal(t, 2, "MSFT", 400.0)
	_, _, err = f.db.Put(ctx, ignored)
	require.NoError(t, err)

	quotes := &fixedQuotes{price: 200.0}
	rec := NewReconciler(f.db, quotes, []*Executor{f.ex}, 30*time.Minute, time.Second)
	rec.sweep(ctx, time.Now().UTC().Add(time.Hour))

	got, err := f.db.Get(ctx, ignored.SignalID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, signal.OutcomeExpired, *got.Outcome)
	assert.Nil(t, got.PnlPct)

	// The executed signal is still live: its position has not hit a level.
	got, err = f.db.Get(ctx, executed.SignalID)
	require.NoError(t, err)
	assert.Nil(t, got.Outcome)
}
