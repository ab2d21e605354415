package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/opinion"
	"github.com/pulsetrade/pulse/internal/regime"
	"github.com/pulsetrade/pulse/internal/signal"
)

type stubPrices struct {
	price float64
	err   error
}

func (s stubPrices) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return s.price, s.err
}

type stubVol struct {
	atr float64
	ok  bool
}

func (s stubVol) ATR(symbol string) (float64, bool) { return s.atr, s.ok }

func testEngine(t *testing.T, prices PriceAnchor, vol VolEstimator) *Engine {
	t.Helper()
	cfg := config.ConsensusConfig{
		SingleDirectionalMin: 0.80,
		SingleNeutralMin:     0.65,
		PairAgreeMin:         0.75,
		PairDisagreeMin:      0.70,
		MultiMin:             0.80,
		StopATRMultiple:      1.5,
		TargetATRMultiple:    3.0,
		CrisisStopTighten:    0.6,
	}
	sources := map[string]config.SourceConfig{
		"technical":  {WeightStock: 0.40, WeightCrypto: 0.45},
		"marketdata": {WeightStock: 0.35, WeightCrypto: 0.35},
		"sentiment":  {WeightStock: 0.25, WeightCrypto: 0.20},
	}
	return NewEngine(cfg, sources, "1.4.0", prices, vol, NewHolder(), signal.NewIDGenerator())
}

func op(source string, dir opinion.Direction, conf float64) opinion.Opinion {
	return opinion.Opinion{
		SourceID:   source,
		Symbol:     "AAPL",
		ProducedAt: time.Now(),
		Direction:  dir,
		Confidence: conf,
		Validity:   opinion.ValidityOK,
	}
}

func stockSym(t *testing.T) market.Symbol {
	t.Helper()
	sym, err := market.NewSymbol("AAPL", market.AssetStock)
	require.NoError(t, err)
	return sym
}

func TestSingleDirectionalSource(t *testing.T) {
	e := testEngine(t, stubPrices{price: 190.25}, stubVol{atr: 2.1, ok: true})
	sym := stockSym(t)
	cls := regime.Classification{State: regime.Bull, Strength: 0.7}

	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.84),
	}, cls, time.Now())
	require.Equal(t, DropNone, reason)
	require.NotNil(t, sig)
	assert.Equal(t, signal.ActionBuy, sig.Action)
	assert.InDelta(t, 0.84, sig.RawConfidence, 1e-9)
	assert.False(t, sig.Calibrated)
	require.NoError(t, sig.Validate())
	assert.True(t, signal.VerifyFingerprint(sig))

	sig, reason = e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.79),
	}, cls, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropBelowFloor, reason)
}

func TestSingleNeutralFollowsRegimeBias(t *testing.T) {
	e := testEngine(t, stubPrices{price: 190.25}, stubVol{atr: 2.1, ok: true})
	sym := stockSym(t)

	// Confidence passes through undiluted; the regime only supplies the side.
	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Neutral, 0.70),
	}, regime.Classification{State: regime.Bull}, time.Now())
	require.Equal(t, DropNone, reason)
	assert.Equal(t, signal.ActionBuy, sig.Action)
	assert.InDelta(t, 0.70, sig.RawConfidence, 1e-9)

	sig, reason = e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Neutral, 0.70),
	}, regime.Classification{State: regime.Bear}, time.Now())
	require.Equal(t, DropNone, reason)
	assert.Equal(t, signal.ActionSell, sig.Action)

	sig, reason = e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Neutral, 0.70),
	}, regime.Classification{State: regime.Crisis}, time.Now())
	require.Equal(t, DropNone, reason)
	assert.Equal(t, signal.ActionSell, sig.Action)

	// CHOP offers no lean: a lone neutral source drops no matter how
	// confident it is.
	sig, reason = e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Neutral, 0.95),
	}, regime.Classification{State: regime.Chop}, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropResidualTie, reason)

	sig, reason = e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Neutral, 0.60),
	}, regime.Classification{State: regime.Bull}, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropBelowFloor, reason)
}

func TestPairAgreementSumsWeightedConfidence(t *testing.T) {
	e := testEngine(t, stubPrices{price: 52.10}, stubVol{ok: false})
	sym := stockSym(t)
	cls := regime.Classification{State: regime.Chop}

	// Stock-track weights 0.40/0.35 renormalize to 8/15 and 7/15.
	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Short, 0.82),
		op("marketdata", opinion.Short, 0.78),
	}, cls, time.Now())
	require.Equal(t, DropNone, reason)
	assert.Equal(t, signal.ActionSell, sig.Action)
	want := (8.0/15.0)*0.82 + (7.0/15.0)*0.78
	assert.InDelta(t, want, sig.RawConfidence, 1e-9)
	assert.Nil(t, sig.TargetPrice)
	assert.Nil(t, sig.StopPrice)
}

func TestPairDisagreementEmitsMargin(t *testing.T) {
	e := testEngine(t, stubPrices{price: 52.10}, stubVol{atr: 0.8, ok: true})
	sym := stockSym(t)
	cls := regime.Classification{State: regime.Bull}

	// Close call: margin (8/15)*0.90 - (7/15)*0.40 ≈ 0.293, below the floor.
	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.90),
		op("marketdata", opinion.Short, 0.40),
	}, cls, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropBelowFloor, reason)

	// Lopsided call clears it: a weak dissenter against a strong side.
	sig, reason = e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.95),
		op("marketdata", opinion.Short, 0.15),
	}, cls, time.Now())
	require.Equal(t, DropNone, reason)
	assert.Equal(t, signal.ActionBuy, sig.Action)
	wantMargin := (8.0/15.0)*0.95 - (7.0/15.0)*0.15
	assert.InDelta(t, wantMargin, sig.RawConfidence, 1e-9)
}

func TestThreeSourceMarginScaling(t *testing.T) {
	e := testEngine(t, stubPrices{price: 430.00}, stubVol{atr: 5.5, ok: true})
	sym := stockSym(t)
	cls := regime.Classification{State: regime.Bull}

	// Weighted scores 0.40*0.85=0.34 long, 0.35*0.80=0.28 short,
	// 0.25*0.76=0.19 long: margin (0.53-0.28)/0.81 ≈ 0.309, no signal.
	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.85),
		op("marketdata", opinion.Short, 0.80),
		op("sentiment", opinion.Long, 0.76),
	}, cls, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropBelowFloor, reason)

	// Near-unanimous board clears the floor.
	sig, reason = e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.90),
		op("marketdata", opinion.Long, 0.88),
		op("sentiment", opinion.Short, 0.10),
	}, cls, time.Now())
	require.Equal(t, DropNone, reason)
	assert.Equal(t, signal.ActionBuy, sig.Action)
	long := 0.40*0.90 + 0.35*0.88
	short := 0.25 * 0.10
	assert.InDelta(t, (long-short)/(long+short), sig.RawConfidence, 1e-9)
	assert.Len(t, sig.Sources, 3)
}

func TestExactTieBreaksOnRegime(t *testing.T) {
	e := testEngine(t, stubPrices{price: 100.0}, stubVol{ok: false})
	sym := stockSym(t)

	// Unconfigured sources split weight evenly, so equal confidences on
	// opposite sides cancel exactly.
	tied := []opinion.Opinion{
		op("alpha", opinion.Long, 0.80),
		op("beta", opinion.Short, 0.80),
	}
	sig, reason := e.Evaluate(context.Background(), sym, tied, regime.Classification{State: regime.Chop}, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropResidualTie, reason)

	// A biased regime picks a side, but a zero margin still misses the floor.
	sig, reason = e.Evaluate(context.Background(), sym, tied, regime.Classification{State: regime.Bear}, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropBelowFloor, reason)
}

func TestNoUsableSources(t *testing.T) {
	e := testEngine(t, stubPrices{price: 100.0}, stubVol{ok: false})
	sym := stockSym(t)

	stale := op("technical", opinion.Long, 0.90)
	stale.Validity = opinion.ValidityStale
	down := opinion.Unavailable("marketdata", "AAPL", time.Now())

	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{stale, down},
		regime.Classification{State: regime.Bull}, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropNoSources, reason)
}

func TestNoPriceAnchorDropsSignal(t *testing.T) {
	e := testEngine(t, stubPrices{err: errors.New("quote feed down")}, stubVol{atr: 1.0, ok: true})
	sym := stockSym(t)

	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.90),
	}, regime.Classification{State: regime.Bull}, time.Now())
	assert.Nil(t, sig)
	assert.Equal(t, DropNoPrice, reason)
}

func TestStopAndTargetLevels(t *testing.T) {
	e := testEngine(t, stubPrices{price: 200.0}, stubVol{atr: 4.0, ok: true})
	sym := stockSym(t)

	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.90),
	}, regime.Classification{State: regime.Bull}, time.Now())
	require.Equal(t, DropNone, reason)
	require.NotNil(t, sig.TargetPrice)
	require.NotNil(t, sig.StopPrice)
	assert.InDelta(t, 212.0, *sig.TargetPrice, 1e-9) // entry + 3.0*ATR
	assert.InDelta(t, 194.0, *sig.StopPrice, 1e-9)   // entry - 1.5*ATR

	// CRISIS tightens the stop distance by the configured factor.
	sig, reason = e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Short, 0.90),
	}, regime.Classification{State: regime.Crisis}, time.Now())
	require.Equal(t, DropNone, reason)
	assert.InDelta(t, 188.0, *sig.TargetPrice, 1e-9)      // entry - 3.0*ATR
	assert.InDelta(t, 200.0+4.0*1.5*0.6, *sig.StopPrice, 1e-9)
}

func TestRenormalizationIgnoresMissingSources(t *testing.T) {
	e := testEngine(t, stubPrices{price: 64000.0}, stubVol{atr: 900.0, ok: true})
	sym, err := market.NewSymbol("BTCUSDT", market.AssetCrypto)
	require.NoError(t, err)

	// Crypto track weights 0.45/0.35 renormalize to 0.5625/0.4375.
	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.80),
		op("marketdata", opinion.Long, 0.80),
	}, regime.Classification{State: regime.Bull}, time.Now())
	require.Equal(t, DropNone, reason)
	assert.InDelta(t, 0.80, sig.RawConfidence, 1e-9)
	for _, src := range sig.Sources {
		switch src.SourceID {
		case "technical":
			assert.InDelta(t, 0.5625, src.Weight, 1e-9)
		case "marketdata":
			assert.InDelta(t, 0.4375, src.Weight, 1e-9)
		}
	}
}

func TestCalibratedConfidenceMarksSignal(t *testing.T) {
	holder := NewHolder()
	e := testEngine(t, stubPrices{price: 150.0}, stubVol{ok: false})
	e.cal = holder
	sym := stockSym(t)

	fit := &FittedCalibrator{xs: []float64{0.5, 1.0}, ys: []float64{0.4, 0.9}}
	holder.Swap(fit)

	sig, reason := e.Evaluate(context.Background(), sym, []opinion.Opinion{
		op("technical", opinion.Long, 0.90),
	}, regime.Classification{State: regime.Bull}, time.Now())
	require.Equal(t, DropNone, reason)
	assert.True(t, sig.Calibrated)
	assert.InDelta(t, 0.90, sig.RawConfidence, 1e-9)
	assert.InDelta(t, 0.80, sig.Confidence, 1e-9)
}
