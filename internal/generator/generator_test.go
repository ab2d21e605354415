package generator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrade/pulse/internal/adapters"
	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/consensus"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/opinion"
	"github.com/pulsetrade/pulse/internal/regime"
	"github.com/pulsetrade/pulse/internal/signal"
	"github.com/pulsetrade/pulse/internal/store"
)

type fixedFeed struct {
	candles []market.Candle
}

func (f *fixedFeed) Recent(ctx context.Context, sym market.Symbol, limit int) ([]market.Candle, error) {
	return f.candles, nil
}

type fixedAdapter struct {
	id string
	op opinion.Opinion
}

func (a *fixedAdapter) SourceID() string { return a.id }
func (a *fixedAdapter) Fetch(ctx context.Context, sym market.Symbol, now time.Time) opinion.Opinion {
	op := a.op
	op.SourceID = a.id
	op.Symbol = sym.Ticker
	op.ProducedAt = now
	return op
}

type fixedQuotes struct{ price float64 }

func (q fixedQuotes) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return q.price, nil
}
func (q fixedQuotes) ATR(symbol string) (float64, bool) { return 0, false }

func risingCandles(n int, start float64) []market.Candle {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	price := start
	for i := range out {
		out[i] = market.Candle{
			Symbol:    "BTCUSDT",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price * 1.002,
			Low:       price * 0.999,
			Close:     price * 1.001,
			Volume:    100,
		}
		price *= 1.001
	}
	return out
}

func testGenerator(t *testing.T, ops ...opinion.Opinion) (*Generator, *store.Store) {
	t.Helper()

	db, err := store.Open(config.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var adps []adapters.Adapter
	ids := []string{"technical", "marketdata", "sentiment"}
	for i, op := range ops {
		adps = append(adps, &fixedAdapter{id: ids[i], op: op})
	}
	quotes := fixedQuotes{price: 64_000}
	registry := adapters.NewRegistry(quotes, adps...)

	detector := regime.NewDetector(config.RegimeConfig{
		SlowMAPeriod:       20,
		MinDwellBars:       3,
		ChopVolThreshold:   0.015,
		CrisisVolThreshold: 0.04,
		ReclassifyInterval: time.Nanosecond,
	}, config.NewLogger("regime-test"))

	engine := consensus.NewEngine(config.ConsensusConfig{
		SingleDirectionalMin: 0.80,
		SingleNeutralMin:     0.65,
		PairAgreeMin:         0.75,
		PairDisagreeMin:      0.70,
		MultiMin:             0.80,
	}, map[string]config.SourceConfig{
		"technical":  {WeightCrypto: 0.45, WeightStock: 0.40},
		"marketdata": {WeightCrypto: 0.35, WeightStock: 0.35},
		"sentiment":  {WeightCrypto: 0.20, WeightStock: 0.25},
	}, "1.4.0", quotes, quotes, consensus.NewHolder(), signal.NewIDGenerator())

	gen, err := New(config.GenerationConfig{
		Watchlist:     []config.WatchedSymbol{{Ticker: "BTCUSDT", Class: "CRYPTO"}},
		CycleInterval: time.Minute,
		CycleDeadline: 5 * time.Second,
		HistoryDepth:  100,
	}, market.NewCalendar(false), &fixedFeed{candles: risingCandles(60, 64_000)}, registry, detector, engine, db)
	require.NoError(t, err)
	return gen, db
}

func TestCyclePersistsConsensusSignal(t *testing.T) {
	agree := opinion.Opinion{Direction: opinion.Long, Confidence: 0.85, Validity: opinion.ValidityOK}
	gen, db := testGenerator(t, agree, agree)
	sym := gen.watchlist[0]

	gen.cycle(context.Background(), sym)

	sigs, err := db.Latest(context.Background(), "BTCUSDT", 0, 10)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, signal.ActionBuy, sigs[0].Action)
	assert.InDelta(t, 0.85, sigs[0].RawConfidence, 1e-9)
	assert.Equal(t, "1.4.0", sigs[0].StrategyVersion)
	assert.True(t, signal.VerifyFingerprint(sigs[0]))
}

func TestCycleWithAllSourcesDownEmitsNothing(t *testing.T) {
	down := opinion.Opinion{Direction: opinion.Neutral, Validity: opinion.ValidityUnavailable}
	gen, db := testGenerator(t, down, down)
	sym := gen.watchlist[0]

	gen.cycle(context.Background(), sym)

	sigs, err := db.Latest(context.Background(), "BTCUSDT", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestRefreshCandlesAppendsOnlyNewer(t *testing.T) {
	agree := opinion.Opinion{Direction: opinion.Long, Confidence: 0.85, Validity: opinion.ValidityOK}
	gen, _ := testGenerator(t, agree)
	sym := gen.watchlist[0]

	require.NoError(t, gen.refreshCandles(context.Background(), sym))
	n := gen.History("BTCUSDT").Len()
	require.Equal(t, 60, n)

	// The same feed payload again must not grow the history.
	require.NoError(t, gen.refreshCandles(context.Background(), sym))
	assert.Equal(t, n, gen.History("BTCUSDT").Len())
}

func TestStockCycleSkipsOutsideMarketHours(t *testing.T) {
	agree := opinion.Opinion{Direction: opinion.Long, Confidence: 0.90, Validity: opinion.ValidityOK}
	gen, db := testGenerator(t, agree)

	sym, err := market.NewSymbol("AAPL", market.AssetStock)
	require.NoError(t, err)
	gen.histories[sym.Ticker] = market.NewHistory(sym.Ticker, 100)

	// Saturday: the session gate rejects before any adapter runs.
	gen.now = func() time.Time {
		return time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC)
	}
	gen.cycle(context.Background(), sym)

	sigs, err := db.Latest(context.Background(), "AAPL", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}
