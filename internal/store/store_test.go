package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/signal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sealedSignal(t *testing.T, id, symbol string, at time.Time) *signal.Signal {
	t.Helper()
	target := 212.0
	stop := 194.0
	sig := &signal.Signal{
		SignalID:        id,
		Symbol:          symbol,
		Action:          signal.ActionBuy,
		Confidence:      0.81,
		RawConfidence:   0.84,
		EntryPrice:      200.0,
		TargetPrice:     &target,
		StopPrice:       &stop,
		Regime:          "BULL",
		StrategyVersion: "1.4.0",
		GeneratedAt:     at.UTC(),
		Sources: []signal.ContributingSource{
			{SourceID: "technical", Direction: "LONG", Weight: 1.0, Confidence: 0.84},
		},
	}
	sig.Seal()
	return sig
}

func TestPutAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 15, 4, 5, 123456789, time.UTC)

	sig := sealedSignal(t, "SIG-0000000000000000001-000000", "AAPL", at)
	id, created, err := s.Put(ctx, sig)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, sig.SignalID, id)

	got, err := s.Get(ctx, sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, sig.Symbol, got.Symbol)
	assert.Equal(t, sig.Fingerprint, got.Fingerprint)
	assert.Equal(t, sig.Sources, got.Sources)
	require.NotNil(t, got.TargetPrice)
	assert.Equal(t, *sig.TargetPrice, *got.TargetPrice)
	assert.True(t, got.GeneratedAt.Equal(sig.GeneratedAt))
	assert.True(t, signal.VerifyFingerprint(got))
}

func TestPutIsIdempotentOnFingerprint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)

	first := sealedSignal(t, "SIG-0000000000000000001-000000", "AAPL", at)
	_, created, err := s.Put(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	// A crash-retry resubmits the same sealed signal. The fingerprint
	// collapses it onto the stored row instead of duplicating.
	id, created, err := s.Put(ctx, first)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.SignalID, id)

	sigs, err := s.Latest(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}

func TestPutRejectsTamperedFingerprint(t *testing.T) {
	s := openTestStore(t)
	sig := sealedSignal(t, "SIG-0000000000000000001-000000", "AAPL", time.Now())
	sig.Confidence = 0.99 // mutate after sealing

	_, _, err := s.Put(context.Background(), sig)
	require.ErrorIs(t, err, ErrInvalidFingerprint)
}

func TestGetSinceReadsInIDOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	var ids []string
	for i := 1; i <= 5; i++ {
		sig := sealedSignal(t, fmt.Sprintf("SIG-%019d-%06d", i, 0), "MSFT", base.Add(time.Duration(i)*time.Minute))
		_, _, err := s.Put(ctx, sig)
		require.NoError(t, err)
		ids = append(ids, sig.SignalID)
	}

	batch, err := s.GetSince(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, ids[0], batch[0].SignalID)
	assert.Equal(t, ids[2], batch[2].SignalID)

	rest, err := s.GetSince(ctx, batch[2].SignalID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[3], rest[0].SignalID)
	assert.Equal(t, ids[4], rest[1].SignalID)
}

func TestUpdateOutcomeFirstWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sig := sealedSignal(t, "SIG-0000000000000000001-000000", "AAPL", time.Now())
	_, _, err := s.Put(ctx, sig)
	require.NoError(t, err)

	pnl := 0.042
	require.NoError(t, s.UpdateOutcome(ctx, sig.SignalID, signal.OutcomeWin, &pnl))

	loss := -0.01
	require.NoError(t, s.UpdateOutcome(ctx, sig.SignalID, signal.OutcomeLoss, &loss))

	got, err := s.Get(ctx, sig.SignalID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, signal.OutcomeWin, *got.Outcome)
	require.NotNil(t, got.PnlPct)
	assert.InDelta(t, 0.042, *got.PnlPct, 1e-9)
}

func TestSignalStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	outcomes := []signal.Outcome{signal.OutcomeWin, signal.OutcomeWin, signal.OutcomeLoss, signal.OutcomeExpired}
	for i, oc := range outcomes {
		sig := sealedSignal(t, fmt.Sprintf("SIG-%019d-%06d", i+1, 0), "AAPL", base.Add(time.Duration(i)*time.Minute))
		_, _, err := s.Put(ctx, sig)
		require.NoError(t, err)
		pnl := 0.01
		if oc == signal.OutcomeLoss {
			pnl = -0.02
		}
		require.NoError(t, s.UpdateOutcome(ctx, sig.SignalID, oc, &pnl))
	}
	pending := sealedSignal(t, "SIG-0000000000000000099-000000", "AAPL", base.Add(time.Hour))
	_, _, err := s.Put(ctx, pending)
	require.NoError(t, err)

	st, err := s.SignalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Total)
	assert.Equal(t, int64(2), st.Wins)
	assert.Equal(t, int64(1), st.Losses)
	assert.Equal(t, int64(1), st.Expired)
	assert.Equal(t, int64(1), st.Pending)
	require.NotNil(t, st.WinRate)
	assert.InDelta(t, 2.0/3.0, *st.WinRate, 1e-9)
}

func TestRecordOrderIdempotency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sig := sealedSignal(t, "SIG-0000000000000000001-000000", "AAPL", time.Now())
	_, _, err := s.Put(ctx, sig)
	require.NoError(t, err)

	o := &Order{
		OrderID:    "ord-1",
		ExecutorID: "standard-main",
		SignalID:   sig.SignalID,
		Symbol:     "AAPL",
		Side:       "BUY",
		Qty:        10,
		Price:      200.0,
		Status:     OrderStatusFilled,
		IsEntry:    true,
		CreatedAt:  time.Now(),
	}
	created, err := s.RecordOrder(ctx, o)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *o
	dup.OrderID = "ord-2"
	created, err = s.RecordOrder(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created, "second order for the same signal must be suppressed")

	got, err := s.OrderForSignal(ctx, "standard-main", sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", got.OrderID)

	full, err := s.Get(ctx, sig.SignalID)
	require.NoError(t, err)
	require.Len(t, full.OrderRefs, 1)
	assert.Equal(t, "ord-1", full.OrderRefs[0].OrderID)
}

func TestExecutorStateBootstrapAndCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.GetExecutorState(ctx, "prop-alpha")
	require.NoError(t, err)
	assert.Equal(t, "", st.Cursor)
	assert.False(t, st.Paused)

	require.NoError(t, s.AdvanceCursor(ctx, "prop-alpha", "SIG-0000000000000000005-000000"))
	// A stale write from a lagging goroutine must not move the cursor back.
	require.NoError(t, s.AdvanceCursor(ctx, "prop-alpha", "SIG-0000000000000000003-000000"))

	st, err = s.GetExecutorState(ctx, "prop-alpha")
	require.NoError(t, err)
	assert.Equal(t, "SIG-0000000000000000005-000000", st.Cursor)

	require.NoError(t, s.SetPaused(ctx, "prop-alpha", true, "DAILY_LOSS_LIMIT"))
	st, err = s.GetExecutorState(ctx, "prop-alpha")
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, "DAILY_LOSS_LIMIT", st.PauseReason)

	require.NoError(t, s.SetPaused(ctx, "prop-alpha", false, "ignored"))
	st, err = s.GetExecutorState(ctx, "prop-alpha")
	require.NoError(t, err)
	assert.False(t, st.Paused)
	assert.Equal(t, "", st.PauseReason)
}

func TestPositionsLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.OpenPosition(ctx, &Position{
		ExecutorID: "standard-main",
		Symbol:     "AAPL",
		Side:       "BUY",
		Qty:        10,
		AvgEntry:   200.0,
		OpenedAt:   now,
	})
	require.NoError(t, err)

	open, err := s.OpenPositions(ctx, "standard-main")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "AAPL", open[0].Symbol)

	require.NoError(t, s.ClosePosition(ctx, id, 210.0, 100.0, now.Add(time.Hour)))

	open, err = s.OpenPositions(ctx, "standard-main")
	require.NoError(t, err)
	assert.Empty(t, open)

	pnl, err := s.RealizedPnlSince(ctx, "standard-main", now)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, pnl, 1e-9)
}
