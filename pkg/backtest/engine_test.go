package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/market"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	sym, err := market.NewSymbol("BTCUSDT", market.AssetCrypto)
	require.NoError(t, err)
	return Config{
		Symbol: sym,
		Consensus: config.ConsensusConfig{
			SingleDirectionalMin: 0.80,
			SingleNeutralMin:     0.65,
			PairAgreeMin:         0.75,
			PairDisagreeMin:      0.70,
			MultiMin:             0.80,
			StopATRMultiple:      1.5,
			TargetATRMultiple:    3.0,
			CrisisStopTighten:    0.6,
		},
		Sources: map[string]config.SourceConfig{
			"technical": {Enabled: true, WeightStock: 1.0, WeightCrypto: 1.0},
		},
		Regime: config.RegimeConfig{
			SlowMAPeriod:       20,
			MinDwellBars:       3,
			ChopVolThreshold:   0.05,
			CrisisVolThreshold: 0.20,
			ReclassifyInterval: time.Minute,
		},
		Costs: config.BacktestConfig{
			SlippagePct:   0.0005,
			HalfSpreadPct: 0.0001,
			CommissionPct: 0.001,
			TrainPct:      0.6,
			ValPct:        0.2,
		},
		StrategyVersion: "1.4.0",
	}
}

// trendingCandles grows the close by growth per bar, hourly bars.
func trendingCandles(n int, start float64, growth float64) []market.Candle {
	out := make([]market.Candle, 0, n)
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	prev := start
	for i := 0; i < n; i++ {
		close := prev * (1 + growth)
		out = append(out, market.Candle{
			Symbol:    "BTCUSDT",
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      prev,
			High:      close * 1.01,
			Low:       prev * 0.995,
			Close:     close,
			Volume:    1000,
		})
		prev = close
	}
	return out
}

func TestSplitCandles(t *testing.T) {
	candles := trendingCandles(100, 100, 0.01)

	split, err := SplitCandles(candles, 0.6, 0.2)
	require.NoError(t, err)
	assert.Len(t, split.Train, 60)
	assert.Len(t, split.Val, 20)
	assert.Len(t, split.Test, 20)

	// Segments stay chronological and contiguous.
	assert.True(t, split.Val[0].Timestamp.After(split.Train[len(split.Train)-1].Timestamp))
	assert.True(t, split.Test[0].Timestamp.After(split.Val[len(split.Val)-1].Timestamp))

	_, err = SplitCandles(candles, 0.9, 0.2)
	assert.Error(t, err)
	_, err = SplitCandles(candles[:3], 0.6, 0.2)
	assert.Error(t, err)
}

func TestCostModelMovesFillsAgainstTrader(t *testing.T) {
	m := NewCostModel(config.BacktestConfig{SlippagePct: 0.0005, HalfSpreadPct: 0.0001, CommissionPct: 0.001})

	buy := m.Fill("BUY", 100)
	sell := m.Fill("SELL", 100)
	assert.InDelta(t, 100.06, buy, 1e-9)
	assert.InDelta(t, 99.94, sell, 1e-9)

	// A flat round trip loses the spread, slippage and both commissions.
	net := m.NetReturnPct("LONG", buy, sell)
	assert.Less(t, net, 0.0)

	short := m.NetReturnPct("SHORT", 100, 90)
	assert.InDelta(t, 0.1-0.002, short, 1e-9)
}

func TestRunEmitsAndResolvesTrades(t *testing.T) {
	r, err := NewRunner(testConfig(t))
	require.NoError(t, err)

	candles := trendingCandles(400, 100, 0.01)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	assert.Greater(t, res.Train.Signals, 0)
	assert.Greater(t, res.Test.Signals, 0)
	require.NotEmpty(t, res.Test.Trades)

	targets := 0
	for _, tr := range res.Test.Trades {
		assert.Equal(t, "BTCUSDT", tr.Symbol)
		assert.Equal(t, "LONG", tr.Side)
		assert.False(t, tr.ExitAt.Before(tr.EntryAt))
		if tr.ExitReason == ExitTarget {
			targets++
			assert.Greater(t, tr.NetReturnPct, 0.0)
		}
	}
	assert.Greater(t, targets, 0, "a steady uptrend should hit targets")

	assert.Equal(t, len(res.Test.Trades), res.Metrics.Trades)
	assert.Greater(t, res.Metrics.WinRate, 0.5)
	assert.NotEmpty(t, res.Reliability)
}

func TestRunIsDeterministic(t *testing.T) {
	candles := trendingCandles(400, 100, 0.01)

	run := func() *Result {
		r, err := NewRunner(testConfig(t))
		require.NoError(t, err)
		res, err := r.Run(context.Background(), candles)
		require.NoError(t, err)
		return res
	}

	a, b := run(), run()

	assert.Equal(t, a.Calibrated, b.Calibrated)
	assert.Equal(t, a.Train.Signals, b.Train.Signals)
	assert.Equal(t, a.Val.Signals, b.Val.Signals)
	assert.Equal(t, a.Test.Signals, b.Test.Signals)
	assert.Equal(t, a.Train.Drops, b.Train.Drops)
	require.Equal(t, len(a.Test.Trades), len(b.Test.Trades))
	for i := range a.Test.Trades {
		assert.Equal(t, a.Test.Trades[i], b.Test.Trades[i])
	}
	assert.Equal(t, a.Metrics, b.Metrics)
}

func TestRunRejectsUnorderedCandles(t *testing.T) {
	r, err := NewRunner(testConfig(t))
	require.NoError(t, err)

	candles := trendingCandles(50, 100, 0.01)
	candles[10], candles[11] = candles[11], candles[10]
	_, err = r.Run(context.Background(), candles)
	assert.Error(t, err)
}

func TestComputeMetrics(t *testing.T) {
	trades := []Trade{
		{NetReturnPct: 0.10, Win: true},
		{NetReturnPct: -0.05, Win: false},
		{NetReturnPct: 0.02, Win: true},
		{NetReturnPct: -0.01, Win: false},
	}
	m := ComputeMetrics(trades)

	assert.Equal(t, 4, m.Trades)
	assert.Equal(t, 2, m.Wins)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
	assert.InDelta(t, 0.015, m.AvgReturnPct, 1e-9)
	assert.InDelta(t, 2.0, m.ProfitFactor, 1e-9)
	assert.Greater(t, m.MaxDrawdownPct, 0.0)
	assert.False(t, math.IsNaN(m.Sharpe))

	assert.Equal(t, Metrics{}, ComputeMetrics(nil))
}

func TestReliabilityBucketsTrackWins(t *testing.T) {
	var trades []Trade
	for i := 0; i < 10; i++ {
		trades = append(trades, Trade{Confidence: 0.85, Win: i < 8})
		trades = append(trades, Trade{Confidence: 0.55, Win: i < 5})
	}

	buckets := Reliability(trades, 10)
	require.Len(t, buckets, 2)
	assert.InDelta(t, 0.5, buckets[0].Observed, 1e-9)
	assert.InDelta(t, 0.55, buckets[0].Predicted, 1e-9)
	assert.InDelta(t, 0.8, buckets[1].Observed, 1e-9)
	assert.Equal(t, 10, buckets[1].Count)
}

func TestReportRenders(t *testing.T) {
	r, err := NewRunner(testConfig(t))
	require.NoError(t, err)

	candles := trendingCandles(200, 100, 0.01)
	res, err := r.Run(context.Background(), candles)
	require.NoError(t, err)

	out, err := BuildReport(res).YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "run_id: "+res.RunID)
	assert.Contains(t, string(out), "win_rate")
	assert.Contains(t, string(out), "name: test")
}
