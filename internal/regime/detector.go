// Package regime classifies per-symbol market state (BULL, BEAR, CHOP,
// CRISIS) from rolling price history. Regime biases consensus tie-breaks and
// tightens stops.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/config"
)

// State is a coarse market classification
type State string

const (
	Bull   State = "BULL"
	Bear   State = "BEAR"
	Chop   State = "CHOP"
	Crisis State = "CRISIS"
)

// Classification is the detector's output for one symbol
type Classification struct {
	State        State     `json:"state"`
	Strength     float64   `json:"strength"` // 0..1
	ClassifiedAt time.Time `json:"classified_at"`
}

// Detector tracks regime per symbol with flap suppression: a transition
// needs MinDwellBars consecutive qualifying bars, and reclassification runs
// at most once per ReclassifyInterval per symbol. Cold start is CHOP.
type Detector struct {
	cfg config.RegimeConfig
	log zerolog.Logger

	mu      sync.RWMutex
	current map[string]Classification
	pending map[string]pendingTransition
	lastRun map[string]time.Time
}

type pendingTransition struct {
	target State
	count  int
}

// NewDetector creates a detector.
func NewDetector(cfg config.RegimeConfig, log zerolog.Logger) *Detector {
	if cfg.SlowMAPeriod <= 0 {
		cfg.SlowMAPeriod = 50
	}
	if cfg.MinDwellBars <= 0 {
		cfg.MinDwellBars = 3
	}
	return &Detector{
		cfg:     cfg,
		log:     log,
		current: make(map[string]Classification),
		pending: make(map[string]pendingTransition),
		lastRun: make(map[string]time.Time),
	}
}

// Current returns the last classification for a symbol, CHOP on cold start.
func (d *Detector) Current(symbol string) Classification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.current[symbol]; ok {
		return c
	}
	return Classification{State: Chop, Strength: 0.5}
}

// Observe recomputes the regime for a symbol from its closing prices. Calls
// inside the reclassify interval are no-ops returning the current state.
func (d *Detector) Observe(symbol string, closes []float64, now time.Time) Classification {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastRun[symbol]; ok && now.Sub(last) < d.cfg.ReclassifyInterval {
		if c, ok := d.current[symbol]; ok {
			return c
		}
	}
	d.lastRun[symbol] = now

	cur, ok := d.current[symbol]
	if !ok {
		cur = Classification{State: Chop, Strength: 0.5, ClassifiedAt: now}
		d.current[symbol] = cur
	}

	if len(closes) < d.cfg.SlowMAPeriod+1 {
		return cur
	}

	candidate, strength := d.classify(closes)

	// CRISIS latches immediately; every other transition needs dwell.
	if candidate == Crisis {
		if cur.State != Crisis {
			d.log.Warn().Str("symbol", symbol).Float64("strength", strength).Msg("Regime entered CRISIS")
		}
		delete(d.pending, symbol)
		cur = Classification{State: Crisis, Strength: strength, ClassifiedAt: now}
		d.current[symbol] = cur
		return cur
	}

	if candidate == cur.State {
		delete(d.pending, symbol)
		cur.Strength = strength
		cur.ClassifiedAt = now
		d.current[symbol] = cur
		return cur
	}

	p := d.pending[symbol]
	if p.target == candidate {
		p.count++
	} else {
		p = pendingTransition{target: candidate, count: 1}
	}
	d.pending[symbol] = p

	if p.count >= d.cfg.MinDwellBars {
		d.log.Info().
			Str("symbol", symbol).
			Str("from", string(cur.State)).
			Str("to", string(candidate)).
			Float64("strength", strength).
			Msg("Regime transition")
		delete(d.pending, symbol)
		cur = Classification{State: candidate, Strength: strength, ClassifiedAt: now}
		d.current[symbol] = cur
	}
	return cur
}

// classify derives the candidate state from trend vs slow MA and realized
// volatility of log returns.
func (d *Detector) classify(closes []float64) (State, float64) {
	vol := realizedVol(closes, d.cfg.SlowMAPeriod)
	if vol >= d.cfg.CrisisVolThreshold {
		return Crisis, clamp01(vol / (2 * d.cfg.CrisisVolThreshold) * 2)
	}

	slowMA := lastSMA(closes, d.cfg.SlowMAPeriod)
	price := closes[len(closes)-1]
	if slowMA <= 0 {
		return Chop, 0.5
	}

	dev := (price - slowMA) / slowMA
	switch {
	case dev > 0.01 && vol >= d.cfg.ChopVolThreshold:
		return Bull, clamp01(dev * 20)
	case dev < -0.01 && vol >= d.cfg.ChopVolThreshold:
		return Bear, clamp01(-dev * 20)
	default:
		return Chop, clamp01(1 - vol/d.cfg.ChopVolThreshold)
	}
}

// lastSMA computes the final simple moving average value over the period.
func lastSMA(closes []float64, period int) float64 {
	sma := trend.NewSmaWithPeriod[float64](period)
	out := sma.Compute(helper.SliceToChan(closes))
	last := 0.0
	for v := range out {
		last = v
	}
	return last
}

// realizedVol is the standard deviation of log returns over the window.
func realizedVol(closes []float64, window int) float64 {
	if len(closes) < 2 {
		return 0
	}
	start := 0
	if len(closes) > window+1 {
		start = len(closes) - window - 1
	}
	var rets []float64
	for i := start + 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			rets = append(rets, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(rets) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var variance float64
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(rets)))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
