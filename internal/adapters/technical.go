package adapters

import (
	"context"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/opinion"
)

const (
	technicalShortPeriod = 12
	technicalLongPeriod  = 26

	// NEUTRAL opinions with confidence at or above this are coerced into the
	// side of the short/long MA relation, with a tie-break confidence bump.
	technicalCoerceMin  = 0.55
	technicalCoerceBump = 0.08
)

// BarSource provides the rolling candle history technical analysis runs on.
type BarSource interface {
	History(symbol string) *market.History
}

// TechnicalAdapter derives a trend-alignment opinion from EMA/SMA crossovers
// over the local candle history. It performs no network I/O, so its timeout
// only bounds pathological history sizes.
type TechnicalAdapter struct {
	sourceID string
	cfg      config.SourceConfig
	bars     BarSource
	throttle *throttle
	log      zerolog.Logger
}

// NewTechnicalAdapter creates the technical source.
func NewTechnicalAdapter(cfg config.SourceConfig, bars BarSource, log zerolog.Logger) *TechnicalAdapter {
	return &TechnicalAdapter{
		sourceID: "technical",
		cfg:      cfg,
		bars:     bars,
		throttle: newThrottle(cfg.RatePerMinute, log),
		log:      log,
	}
}

// SourceID implements Adapter.
func (a *TechnicalAdapter) SourceID() string { return a.sourceID }

// Fetch implements Adapter.
func (a *TechnicalAdapter) Fetch(ctx context.Context, sym market.Symbol, now time.Time) opinion.Opinion {
	if !a.throttle.allow() {
		return opinion.Unavailable(a.sourceID, sym.Ticker, now)
	}

	h := a.bars.History(sym.Ticker)
	if h == nil || h.Len() < technicalLongPeriod+1 {
		return opinion.Unavailable(a.sourceID, sym.Ticker, now)
	}
	closes := h.Closes(technicalLongPeriod * 4)

	shortEMA := lastOf(trend.NewEmaWithPeriod[float64](technicalShortPeriod).Compute(helper.SliceToChan(closes)))
	longEMA := lastOf(trend.NewEmaWithPeriod[float64](technicalLongPeriod).Compute(helper.SliceToChan(closes)))
	slowSMA := lastOf(trend.NewSmaWithPeriod[float64](technicalLongPeriod).Compute(helper.SliceToChan(closes)))
	price := closes[len(closes)-1]

	dir, conf := trendAlignment(price, shortEMA, longEMA, slowSMA)

	// Technical tie-break: a confident NEUTRAL with a decisive MA relation
	// is coerced into a direction.
	if dir == opinion.Neutral && conf >= technicalCoerceMin && shortEMA != longEMA {
		if shortEMA > longEMA {
			dir = opinion.Long
		} else {
			dir = opinion.Short
		}
		conf = clampConf(conf + technicalCoerceBump)
		a.log.Debug().
			Str("symbol", sym.Ticker).
			Str("direction", string(dir)).
			Float64("confidence", conf).
			Msg("Coerced neutral opinion via MA relation")
	}

	return opinion.Opinion{
		SourceID:   a.sourceID,
		Symbol:     sym.Ticker,
		ProducedAt: now,
		Direction:  dir,
		Confidence: conf,
		Indicators: map[string]float64{
			"ema_short": shortEMA,
			"ema_long":  longEMA,
			"sma_slow":  slowSMA,
			"price":     price,
		},
		Validity: opinion.ValidityOK,
	}
}

// trendAlignment scores how strongly the moving averages agree on a trend.
func trendAlignment(price, shortEMA, longEMA, slowSMA float64) (opinion.Direction, float64) {
	bullish := 0
	if price > shortEMA {
		bullish++
	}
	if shortEMA > longEMA {
		bullish++
	}
	if price > slowSMA {
		bullish++
	}

	switch bullish {
	case 3:
		return opinion.Long, alignmentConfidence(price, longEMA)
	case 0:
		return opinion.Short, alignmentConfidence(longEMA, price)
	default:
		// Mixed alignment: confidence reflects the short/long spread.
		spread := shortEMA - longEMA
		if spread < 0 {
			spread = -spread
		}
		conf := 0.4
		if longEMA > 0 {
			conf = clampConf(0.4 + spread/longEMA*10)
		}
		return opinion.Neutral, conf
	}
}

// alignmentConfidence maps the relative distance from the long EMA into a
// confidence in [0.5, 0.95].
func alignmentConfidence(hi, lo float64) float64 {
	if lo <= 0 {
		return 0.5
	}
	dev := (hi - lo) / lo
	return clampConf(0.55 + dev*8)
}

func clampConf(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 0.95 {
		return 0.95
	}
	return f
}

// lastOf drains an indicator channel and returns the final value.
func lastOf(ch <-chan float64) float64 {
	last := 0.0
	for v := range ch {
		last = v
	}
	return last
}
