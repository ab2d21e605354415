package backtest

import (
	"context"
	"fmt"
	"math"

	"github.com/pulsetrade/pulse/internal/market"
)

const atrPeriod = 14

// replayFeed is a bar-indexed view over one symbol's candle series. The
// adapter, regime detector and consensus engine only ever see bars up to
// the current index, which is what keeps the replay free of look-ahead.
type replayFeed struct {
	symbol  string
	candles []market.Candle
	visible int
	history *market.History
}

func newReplayFeed(symbol string, candles []market.Candle) *replayFeed {
	return &replayFeed{
		symbol:  symbol,
		candles: candles,
		history: market.NewHistory(symbol, len(candles)+1),
	}
}

// advance reveals the next bar.
func (f *replayFeed) advance() (market.Candle, bool) {
	if f.visible >= len(f.candles) {
		return market.Candle{}, false
	}
	c := f.candles[f.visible]
	f.visible++
	f.history.Append(c)
	return c, true
}

// History implements adapters.BarSource.
func (f *replayFeed) History(symbol string) *market.History {
	if symbol != f.symbol {
		return nil
	}
	return f.history
}

// LastPrice implements consensus.PriceAnchor with the current bar close.
func (f *replayFeed) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if symbol != f.symbol || f.visible == 0 {
		return 0, fmt.Errorf("no replay price for %s", symbol)
	}
	return f.candles[f.visible-1].Close, nil
}

// ATR implements consensus.VolEstimator as a simple true-range mean over
// the visible tail.
func (f *replayFeed) ATR(symbol string) (float64, bool) {
	if symbol != f.symbol || f.visible < atrPeriod+1 {
		return 0, false
	}
	sum := 0.0
	for i := f.visible - atrPeriod; i < f.visible; i++ {
		cur, prev := f.candles[i], f.candles[i-1]
		tr := cur.High - cur.Low
		tr = math.Max(tr, math.Abs(cur.High-prev.Close))
		tr = math.Max(tr, math.Abs(cur.Low-prev.Close))
		sum += tr
	}
	return sum / atrPeriod, true
}
