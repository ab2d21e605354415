package distributor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/signal"
	"github.com/pulsetrade/pulse/internal/store"
)

func testBus(t *testing.T) *nats.Conn {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func seedSignal(t *testing.T, db *store.Store, seq int, symbol string, confidence float64) *signal.Signal {
	t.Helper()
	sig := &signal.Signal{
		SignalID:        fmt.Sprintf("SIG-%019d-%06d", seq, 0),
		Symbol:          symbol,
		Action:          signal.ActionBuy,
		Confidence:      confidence,
		RawConfidence:   confidence,
		EntryPrice:      100,
		Regime:          "BULL",
		StrategyVersion: "1.4.0",
		GeneratedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
		Sources:         []signal.ContributingSource{{SourceID: "technical", Direction: "LONG", Weight: 1, Confidence: confidence}},
	}
	sig.Seal()
	_, created, err := db.Put(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, created)
	return sig
}

func testDistributor(t *testing.T) (*Distributor, *store.Store, *nats.Conn) {
	t.Helper()
	db, err := store.Open(config.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	nc := testBus(t)
	executors := map[string]config.ExecutorConfig{
		"standard-main": {Kind: config.ExecutorKindStandard, MinConfidence: 0.75},
		"prop-alpha": {
			Kind:           config.ExecutorKindPropFirm,
			MinConfidence:  0.82,
			AllowedSymbols: []string{"BTCUSDT"},
		},
	}
	d := New(executors, config.NATSConfig{Prefix: "signals."}, db, nc)
	return d, db, nc
}

func collect(t *testing.T, sub *nats.Subscription, n int) []*signal.Signal {
	t.Helper()
	var out []*signal.Signal
	for i := 0; i < n; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		var sig signal.Signal
		require.NoError(t, json.Unmarshal(msg.Data, &sig))
		out = append(out, &sig)
	}
	return out
}

func TestDrainDeliversInOrderAndAdvancesCursor(t *testing.T) {
	d, db, nc := testDistributor(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seedSignal(t, db, i, "AAPL", 0.80)
	}

	sub, err := nc.SubscribeSync(d.Subject("standard-main"))
	require.NoError(t, err)
	require.NoError(t, d.drain(ctx, "standard-main"))

	got := collect(t, sub, 3)
	for i, sig := range got {
		assert.Equal(t, fmt.Sprintf("SIG-%019d-%06d", i+1, 0), sig.SignalID)
		assert.True(t, signal.VerifyFingerprint(sig), "payload must survive the bus intact")
	}

	st, err := db.GetExecutorState(ctx, "standard-main")
	require.NoError(t, err)
	assert.Equal(t, got[2].SignalID, st.Cursor)

	// A second pass finds nothing new.
	require.NoError(t, d.drain(ctx, "standard-main"))
	_, err = sub.NextMsg(200 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
}

func TestAdmissionFiltersPerExecutor(t *testing.T) {
	d, db, nc := testDistributor(t)
	ctx := context.Background()

	seedSignal(t, db, 1, "BTCUSDT", 0.90) // admitted to both
	seedSignal(t, db, 2, "BTCUSDT", 0.78) // standard only: below prop-firm floor
	seedSignal(t, db, 3, "AAPL", 0.95)    // standard only: off prop-firm allow-list

	stdSub, err := nc.SubscribeSync(d.Subject("standard-main"))
	require.NoError(t, err)
	propSub, err := nc.SubscribeSync(d.Subject("prop-alpha"))
	require.NoError(t, err)

	require.NoError(t, d.drain(ctx, "standard-main"))
	require.NoError(t, d.drain(ctx, "prop-alpha"))

	std := collect(t, stdSub, 3)
	assert.Len(t, std, 3)

	prop := collect(t, propSub, 1)
	assert.Equal(t, "BTCUSDT", prop[0].Symbol)
	_, err = propSub.NextMsg(200 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)

	// Skipped signals still advance the cursor so they are never retried.
	st, err := db.GetExecutorState(ctx, "prop-alpha")
	require.NoError(t, err)
	assert.Equal(t, std[2].SignalID, st.Cursor)
}

func TestPausedExecutorReceivesNothing(t *testing.T) {
	d, db, nc := testDistributor(t)
	ctx := context.Background()

	// Bootstrap the state row, then flip the pause flag.
	_, err := db.GetExecutorState(ctx, "standard-main")
	require.NoError(t, err)
	require.NoError(t, db.SetPaused(ctx, "standard-main", true, "DAILY_LOSS_LIMIT"))

	seedSignal(t, db, 1, "AAPL", 0.90)

	sub, err := nc.SubscribeSync(d.Subject("standard-main"))
	require.NoError(t, err)
	require.NoError(t, d.drain(ctx, "standard-main"))

	_, err = sub.NextMsg(200 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
}
