package consensus

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/opinion"
	"github.com/pulsetrade/pulse/internal/regime"
	"github.com/pulsetrade/pulse/internal/signal"
)

// PriceAnchor supplies the entry price a signal is anchored to. Live runs
// use the market data adapter; the backtester replays recorded candles.
type PriceAnchor interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// VolEstimator supplies the volatility estimate stops and targets are
// derived from. The second return is false when no estimate is available.
type VolEstimator interface {
	ATR(symbol string) (float64, bool)
}

// DropReason explains why a cycle produced no signal. Reasons are stable
// strings used in logs and metrics labels.
type DropReason string

const (
	DropNone          DropReason = ""
	DropNoSources     DropReason = "no_valid_sources"
	DropBelowFloor    DropReason = "below_confidence_floor"
	DropResidualTie   DropReason = "residual_tie"
	DropNeutralWinner DropReason = "neutral_winner"
	DropNoPrice       DropReason = "no_price_anchor"
)

// Engine turns a set of per-source opinions into at most one signal per
// cycle. Weights are renormalized over the sources that actually answered,
// so a missing source never silently deflates the survivors.
type Engine struct {
	cfg     config.ConsensusConfig
	sources map[string]config.SourceConfig
	version string

	prices PriceAnchor
	vol    VolEstimator
	cal    *Holder
	ids    *signal.IDGenerator
	log    zerolog.Logger
}

// NewEngine wires the engine. The calibrator holder may start unfitted; the
// identity calibration applies until the backtester installs a fit.
func NewEngine(cfg config.ConsensusConfig, sources map[string]config.SourceConfig, version string, prices PriceAnchor, vol VolEstimator, cal *Holder, ids *signal.IDGenerator) *Engine {
	return &Engine{
		cfg:     cfg,
		sources: sources,
		version: version,
		prices:  prices,
		vol:     vol,
		cal:     cal,
		ids:     ids,
		log:     config.NewLogger("consensus"),
	}
}

// Evaluate applies the consensus rules for one symbol and cycle. A nil
// signal with a non-empty reason is a normal outcome, not an error.
func (e *Engine) Evaluate(ctx context.Context, sym market.Symbol, opinions []opinion.Opinion, cls regime.Classification, now time.Time) (*signal.Signal, DropReason) {
	valid := make([]opinion.Opinion, 0, len(opinions))
	for _, o := range opinions {
		if o.Usable() {
			valid = append(valid, o)
		}
	}
	if len(valid) == 0 {
		return nil, DropNoSources
	}

	weights := e.renormalizedWeights(valid, sym.IsCrypto())

	var dir opinion.Direction
	var raw float64
	var reason DropReason

	switch len(valid) {
	case 1:
		dir, raw, reason = e.resolveSingle(valid[0], cls)
	case 2:
		dir, raw, reason = e.resolvePair(valid, weights, cls)
	default:
		dir, raw, reason = e.resolveMulti(valid, weights, cls)
	}
	if reason != DropNone {
		return nil, reason
	}

	entry, err := e.prices.LastPrice(ctx, sym.Ticker)
	if err != nil || entry <= 0 {
		e.log.Warn().Str("symbol", sym.Ticker).Err(err).Msg("no price anchor, dropping signal")
		return nil, DropNoPrice
	}

	cal := e.cal.Get()
	sig := &signal.Signal{
		SignalID:        e.ids.Next(),
		Symbol:          sym.Ticker,
		Action:          actionFor(dir),
		Confidence:      clamp01(cal.Apply(raw)),
		RawConfidence:   raw,
		Calibrated:      cal.Fitted(),
		EntryPrice:      entry,
		Regime:          string(cls.State),
		StrategyVersion: e.version,
		GeneratedAt:     now.UTC(),
		Sources:         contributions(valid, weights),
	}
	e.attachLevels(sig, sym, dir, entry, cls)
	sig.Seal()

	e.log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Float64("confidence", sig.Confidence).
		Float64("raw_confidence", sig.RawConfidence).
		Str("regime", sig.Regime).
		Int("sources", len(valid)).
		Msg("signal emitted")
	return sig, DropNone
}

// resolveSingle handles the one-answering-source cycle. A directional
// opinion stands on its own confidence; a NEUTRAL one is resolved into the
// regime's dominant side without diluting the confidence.
func (e *Engine) resolveSingle(o opinion.Opinion, cls regime.Classification) (opinion.Direction, float64, DropReason) {
	if o.Directional() {
		if o.Confidence < e.cfg.SingleDirectionalMin {
			return "", 0, DropBelowFloor
		}
		return o.Direction, o.Confidence, DropNone
	}
	if o.Confidence < e.cfg.SingleNeutralMin {
		return "", 0, DropBelowFloor
	}
	dir, ok := regimeBias(cls)
	if !ok {
		return "", 0, DropResidualTie
	}
	return dir, o.Confidence, DropNone
}

// resolvePair handles two answering sources. Agreement sums the weighted
// confidences; disagreement emits the margin between the sides.
func (e *Engine) resolvePair(valid []opinion.Opinion, weights map[string]float64, cls regime.Classification) (opinion.Direction, float64, DropReason) {
	a, b := valid[0], valid[1]
	if a.Directional() && b.Directional() && a.Direction == b.Direction {
		score := weights[a.SourceID]*a.Confidence + weights[b.SourceID]*b.Confidence
		if score < e.cfg.PairAgreeMin {
			return "", 0, DropBelowFloor
		}
		return a.Direction, clamp01(score), DropNone
	}

	long, short := directionalScores(valid, weights)
	dir, margin, tied := pickWinner(long, short, cls)
	if tied {
		return "", 0, DropResidualTie
	}
	if dir == opinion.Neutral {
		return "", 0, DropNeutralWinner
	}
	if margin < e.cfg.PairDisagreeMin {
		return "", 0, DropBelowFloor
	}
	return dir, clamp01(margin), DropNone
}

// resolveMulti handles three or more answering sources. The raw score is the
// winner's margin over the runner-up as a fraction of the total directional
// score mass.
func (e *Engine) resolveMulti(valid []opinion.Opinion, weights map[string]float64, cls regime.Classification) (opinion.Direction, float64, DropReason) {
	long, short := directionalScores(valid, weights)
	total := long + short
	if total <= 0 {
		return "", 0, DropNeutralWinner
	}

	dir, margin, tied := pickWinner(long, short, cls)
	if tied {
		return "", 0, DropResidualTie
	}
	raw := clamp01(margin / total)
	if raw < e.cfg.MultiMin {
		return "", 0, DropBelowFloor
	}
	return dir, raw, DropNone
}

// directionalScores sums weighted confidence per side. NEUTRAL opinions
// carry no directional mass.
func directionalScores(valid []opinion.Opinion, weights map[string]float64) (long, short float64) {
	for _, o := range valid {
		score := weights[o.SourceID] * o.Confidence
		switch o.Direction {
		case opinion.Long:
			long += score
		case opinion.Short:
			short += score
		}
	}
	return long, short
}

// pickWinner compares side scores, breaking exact ties with the regime's
// directional bias. tied is true only when the regime itself has no bias to
// offer, which drops the cycle.
func pickWinner(long, short float64, cls regime.Classification) (opinion.Direction, float64, bool) {
	switch {
	case long > short:
		return opinion.Long, long - short, false
	case short > long:
		return opinion.Short, short - long, false
	}
	if dir, ok := regimeBias(cls); ok {
		return dir, 0, false
	}
	return opinion.Neutral, 0, true
}

// regimeBias is the single reading of a regime's directional lean, shared by
// tie-breaking and single-source NEUTRAL resolution. BULL leans long, BEAR
// and CRISIS lean short, CHOP has no lean.
func regimeBias(cls regime.Classification) (opinion.Direction, bool) {
	switch cls.State {
	case regime.Bull:
		return opinion.Long, true
	case regime.Bear, regime.Crisis:
		return opinion.Short, true
	}
	return opinion.Neutral, false
}

// renormalizedWeights scales the configured per-track weights so the
// answering sources sum to 1.
func (e *Engine) renormalizedWeights(valid []opinion.Opinion, crypto bool) map[string]float64 {
	out := make(map[string]float64, len(valid))
	var sum float64
	for _, o := range valid {
		w := e.configuredWeight(o.SourceID, crypto)
		out[o.SourceID] = w
		sum += w
	}
	if sum <= 0 {
		// Unconfigured sources split evenly rather than zeroing the cycle.
		even := 1.0 / float64(len(valid))
		for id := range out {
			out[id] = even
		}
		return out
	}
	for id, w := range out {
		out[id] = w / sum
	}
	return out
}

func (e *Engine) configuredWeight(sourceID string, crypto bool) float64 {
	sc, ok := e.sources[sourceID]
	if !ok {
		return 0
	}
	if crypto && sc.WeightCrypto > 0 {
		return sc.WeightCrypto
	}
	return sc.WeightStock
}

// attachLevels derives target and stop from the volatility estimate. CRISIS
// tightens the stop distance; no estimate leaves both levels unset.
func (e *Engine) attachLevels(sig *signal.Signal, sym market.Symbol, dir opinion.Direction, entry float64, cls regime.Classification) {
	atr, ok := e.vol.ATR(sym.Ticker)
	if !ok || atr <= 0 {
		return
	}
	stopDist := atr * e.cfg.StopATRMultiple
	if cls.State == regime.Crisis && e.cfg.CrisisStopTighten > 0 {
		stopDist *= e.cfg.CrisisStopTighten
	}
	targetDist := atr * e.cfg.TargetATRMultiple

	var target, stop float64
	if dir == opinion.Long {
		target = entry + targetDist
		stop = entry - stopDist
	} else {
		target = entry - targetDist
		stop = entry + stopDist
	}
	if stop <= 0 {
		return
	}
	sig.TargetPrice = &target
	sig.StopPrice = &stop
}

func contributions(valid []opinion.Opinion, weights map[string]float64) []signal.ContributingSource {
	out := make([]signal.ContributingSource, 0, len(valid))
	for _, o := range valid {
		out = append(out, signal.ContributingSource{
			SourceID:   o.SourceID,
			Direction:  string(o.Direction),
			Weight:     weights[o.SourceID],
			Confidence: o.Confidence,
		})
	}
	return out
}

func actionFor(dir opinion.Direction) signal.Action {
	if dir == opinion.Long {
		return signal.ActionBuy
	}
	return signal.ActionSell
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
