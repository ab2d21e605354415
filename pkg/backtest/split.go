// Package backtest replays historical candles through the same adapter,
// regime and consensus code the live generator runs, simulates fills with a
// cost model, and reports out-of-sample performance. Calibration is fitted
// on the train and validation segments only; every metric is computed on
// the test segment.
package backtest

import (
	"fmt"

	"github.com/pulsetrade/pulse/internal/market"
)

// Split holds the chronological train/validation/test segments.
type Split struct {
	Train []market.Candle
	Val   []market.Candle
	Test  []market.Candle
}

// SplitCandles cuts a time-ordered series by index. trainPct and valPct are
// fractions of the whole; the remainder is the test segment.
func SplitCandles(candles []market.Candle, trainPct, valPct float64) (Split, error) {
	if trainPct <= 0 || valPct <= 0 || trainPct+valPct >= 1 {
		return Split{}, fmt.Errorf("invalid split fractions train=%.2f val=%.2f", trainPct, valPct)
	}
	n := len(candles)
	trainEnd := int(float64(n) * trainPct)
	valEnd := int(float64(n) * (trainPct + valPct))
	if trainEnd == 0 || valEnd <= trainEnd || valEnd >= n {
		return Split{}, fmt.Errorf("series too short to split: %d candles", n)
	}
	return Split{
		Train: candles[:trainEnd],
		Val:   candles[trainEnd:valEnd],
		Test:  candles[valEnd:],
	}, nil
}
