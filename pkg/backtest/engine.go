package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/adapters"
	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/consensus"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/opinion"
	"github.com/pulsetrade/pulse/internal/regime"
	"github.com/pulsetrade/pulse/internal/signal"
)

// Config selects what a run replays and how it is scored.
type Config struct {
	Symbol          market.Symbol
	Consensus       config.ConsensusConfig
	Sources         map[string]config.SourceConfig
	Regime          config.RegimeConfig
	Costs           config.BacktestConfig
	StrategyVersion string
}

// Trade is one simulated round trip opened by an emitted signal.
type Trade struct {
	SignalID      string    `json:"signal_id" yaml:"signal_id"`
	Symbol        string    `json:"symbol" yaml:"symbol"`
	Side          string    `json:"side" yaml:"side"`
	RawConfidence float64   `json:"raw_confidence" yaml:"raw_confidence"`
	Confidence    float64   `json:"confidence" yaml:"confidence"`
	EntryAt       time.Time `json:"entry_at" yaml:"entry_at"`
	ExitAt        time.Time `json:"exit_at" yaml:"exit_at"`
	EntryFill     float64   `json:"entry_fill" yaml:"entry_fill"`
	ExitFill      float64   `json:"exit_fill" yaml:"exit_fill"`
	NetReturnPct  float64   `json:"net_return_pct" yaml:"net_return_pct"`
	ExitReason    string    `json:"exit_reason" yaml:"exit_reason"`
	Win           bool      `json:"win" yaml:"win"`
}

// Exit reasons.
const (
	ExitTarget     = "target"
	ExitStop       = "stop"
	ExitSegmentEnd = "segment_end"
)

// PhaseResult summarizes one segment of the replay.
type PhaseResult struct {
	Name    string         `yaml:"name"`
	Bars    int            `yaml:"bars"`
	Signals int            `yaml:"signals"`
	Trades  []Trade        `yaml:"-"`
	Drops   map[string]int `yaml:"drops,omitempty"`
}

// Result is the full outcome of one backtest run.
type Result struct {
	RunID           string
	Symbol          string
	StrategyVersion string
	From, To        time.Time
	Calibrated      bool
	Train, Val      PhaseResult
	Test            PhaseResult
	Metrics         Metrics
	Reliability     []ReliabilityBucket
}

// Runner replays one symbol's candle history through the production signal
// path. A Runner is single-use; its adapter and detector carry replay state.
type Runner struct {
	cfg Config
	log zerolog.Logger
}

// NewRunner validates and builds a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Symbol.Ticker == "" {
		return nil, fmt.Errorf("backtest symbol is required")
	}
	if cfg.StrategyVersion == "" {
		return nil, fmt.Errorf("strategy version is required")
	}
	return &Runner{cfg: cfg, log: config.NewLogger("backtest")}, nil
}

// Run replays the series. Candles must be in ascending timestamp order.
// The calibrator is fitted from the train and validation trades and applied
// only to the test segment, whose trades feed the reported metrics.
func (r *Runner) Run(ctx context.Context, candles []market.Candle) (*Result, error) {
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return nil, fmt.Errorf("candles out of order at index %d", i)
		}
	}

	trainPct, valPct := r.cfg.Costs.TrainPct, r.cfg.Costs.ValPct
	if trainPct == 0 && valPct == 0 {
		trainPct, valPct = 0.6, 0.2
	}
	split, err := SplitCandles(candles, trainPct, valPct)
	if err != nil {
		return nil, err
	}

	feed := newReplayFeed(r.cfg.Symbol.Ticker, candles)
	detector := regime.NewDetector(r.cfg.Regime, r.log)

	// The replay runs far faster than wall time, so the technical source
	// gets an effectively unlimited rate budget.
	techCfg := r.cfg.Sources["technical"]
	techCfg.RatePerMinute = 60 * len(candles)
	tech := adapters.NewTechnicalAdapter(techCfg, feed, r.log)

	var clock time.Time
	ids := signal.NewIDGeneratorWithClock(func() time.Time { return clock })
	holder := consensus.NewHolder()
	engine := consensus.NewEngine(r.cfg.Consensus, r.cfg.Sources, r.cfg.StrategyVersion, feed, feed, holder, ids)

	costs := NewCostModel(r.cfg.Costs)

	res := &Result{
		RunID:           "BT-" + uuid.NewString(),
		Symbol:          r.cfg.Symbol.Ticker,
		StrategyVersion: r.cfg.StrategyVersion,
		From:            candles[0].Timestamp,
		To:              candles[len(candles)-1].Timestamp,
	}

	runPhase := func(name string, bars []market.Candle) (PhaseResult, error) {
		ph := PhaseResult{Name: name, Bars: len(bars), Drops: make(map[string]int)}
		var open []*openTrade

		for range bars {
			if err := ctx.Err(); err != nil {
				return ph, err
			}
			bar, ok := feed.advance()
			if !ok {
				return ph, fmt.Errorf("replay feed exhausted during %s", name)
			}
			clock = bar.Timestamp

			open = settle(open, bar, costs, &ph.Trades)

			cls := detector.Observe(r.cfg.Symbol.Ticker, feed.history.Closes(0), bar.Timestamp)
			op := tech.Fetch(ctx, r.cfg.Symbol, bar.Timestamp)
			sig, reason := engine.Evaluate(ctx, r.cfg.Symbol, []opinion.Opinion{op}, cls, bar.Timestamp)
			if sig == nil {
				ph.Drops[string(reason)]++
				continue
			}
			ph.Signals++
			open = append(open, newOpenTrade(sig, bar, costs))
		}

		// Whatever is still open closes at the segment's last bar.
		if len(bars) > 0 {
			last := bars[len(bars)-1]
			for _, t := range open {
				ph.Trades = append(ph.Trades, t.close(last.Timestamp, costs.Fill(t.exitSide(), last.Close), ExitSegmentEnd, costs))
			}
		}
		return ph, nil
	}

	if res.Train, err = runPhase("train", split.Train); err != nil {
		return nil, err
	}
	if res.Val, err = runPhase("val", split.Val); err != nil {
		return nil, err
	}

	pairs := outcomePairs(res.Train.Trades, res.Val.Trades)
	if fit, ferr := consensus.FitCalibrator(pairs); ferr != nil {
		r.log.Warn().Err(ferr).Msg("calibration skipped, identity stays in effect")
	} else {
		holder.Swap(fit)
		res.Calibrated = true
	}

	if res.Test, err = runPhase("test", split.Test); err != nil {
		return nil, err
	}

	res.Metrics = ComputeMetrics(res.Test.Trades)
	res.Reliability = Reliability(res.Test.Trades, reliabilityBuckets)

	r.log.Info().
		Str("run_id", res.RunID).
		Int("test_trades", res.Metrics.Trades).
		Float64("win_rate", res.Metrics.WinRate).
		Bool("calibrated", res.Calibrated).
		Msg("backtest complete")
	return res, nil
}

// openTrade tracks a simulated position until a level is hit or the segment
// ends.
type openTrade struct {
	trade  Trade
	target *float64
	stop   *float64
}

func newOpenTrade(sig *signal.Signal, bar market.Candle, costs CostModel) *openTrade {
	side := "LONG"
	entrySide := "BUY"
	if sig.Action == signal.ActionSell {
		side = "SHORT"
		entrySide = "SELL"
	}
	return &openTrade{
		trade: Trade{
			SignalID:      sig.SignalID,
			Symbol:        sig.Symbol,
			Side:          side,
			RawConfidence: sig.RawConfidence,
			Confidence:    sig.Confidence,
			EntryAt:       bar.Timestamp,
			EntryFill:     costs.Fill(entrySide, sig.EntryPrice),
		},
		target: sig.TargetPrice,
		stop:   sig.StopPrice,
	}
}

func (t *openTrade) exitSide() string {
	if t.trade.Side == "LONG" {
		return "SELL"
	}
	return "BUY"
}

func (t *openTrade) close(at time.Time, exitFill float64, reason string, costs CostModel) Trade {
	out := t.trade
	out.ExitAt = at
	out.ExitFill = exitFill
	out.ExitReason = reason
	out.NetReturnPct = costs.NetReturnPct(out.Side, out.EntryFill, exitFill)
	out.Win = out.NetReturnPct > 0
	return out
}

// settle checks every open trade against a new bar. Stops are checked before
// targets so a bar that spans both resolves pessimistically.
func settle(open []*openTrade, bar market.Candle, costs CostModel, closed *[]Trade) []*openTrade {
	remaining := open[:0]
	for _, t := range open {
		if !bar.Timestamp.After(t.trade.EntryAt) {
			remaining = append(remaining, t)
			continue
		}
		level, reason := hitLevel(t, bar)
		if reason == "" {
			remaining = append(remaining, t)
			continue
		}
		*closed = append(*closed, t.close(bar.Timestamp, costs.Fill(t.exitSide(), level), reason, costs))
	}
	return remaining
}

func hitLevel(t *openTrade, bar market.Candle) (float64, string) {
	long := t.trade.Side == "LONG"
	if t.stop != nil {
		if (long && bar.Low <= *t.stop) || (!long && bar.High >= *t.stop) {
			return *t.stop, ExitStop
		}
	}
	if t.target != nil {
		if (long && bar.High >= *t.target) || (!long && bar.Low <= *t.target) {
			return *t.target, ExitTarget
		}
	}
	return 0, ""
}

func outcomePairs(phases ...[]Trade) []consensus.OutcomePair {
	var pairs []consensus.OutcomePair
	for _, trades := range phases {
		for _, t := range trades {
			pairs = append(pairs, consensus.OutcomePair{Raw: t.RawConfidence, Win: t.Win})
		}
	}
	return pairs
}
