// Package generator runs the per-symbol signal generation cycles: refresh
// candles, collect source opinions, classify the regime, run consensus, and
// persist whatever it emits. Cycles for one symbol are strictly serialized;
// symbols run independently.
package generator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pulsetrade/pulse/internal/adapters"
	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/consensus"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/metrics"
	"github.com/pulsetrade/pulse/internal/opinion"
	"github.com/pulsetrade/pulse/internal/regime"
	"github.com/pulsetrade/pulse/internal/store"
)

var regimeStates = []regime.State{regime.Bull, regime.Bear, regime.Chop, regime.Crisis}

// Generator owns the cycle loops and the rolling candle histories.
type Generator struct {
	cfg      config.GenerationConfig
	calendar *market.Calendar
	feed     CandleFeed
	registry *adapters.Registry
	detector *regime.Detector
	engine   *consensus.Engine
	db       *store.Store
	log      zerolog.Logger

	histories map[string]*market.History
	watchlist []market.Symbol
	now       func() time.Time
}

// New builds a generator for the configured watchlist. It returns an error
// on a malformed watchlist entry rather than skipping it silently.
func New(cfg config.GenerationConfig, calendar *market.Calendar, feed CandleFeed, registry *adapters.Registry, detector *regime.Detector, engine *consensus.Engine, db *store.Store) (*Generator, error) {
	g := &Generator{
		cfg:       cfg,
		calendar:  calendar,
		feed:      feed,
		registry:  registry,
		detector:  detector,
		engine:    engine,
		db:        db,
		log:       config.NewLogger("generator"),
		histories: make(map[string]*market.History),
		now:       time.Now,
	}
	for _, w := range cfg.Watchlist {
		sym, err := market.NewSymbol(w.Ticker, market.AssetClass(w.Class))
		if err != nil {
			return nil, err
		}
		g.watchlist = append(g.watchlist, sym)
		g.histories[sym.Ticker] = market.NewHistory(sym.Ticker, cfg.HistoryDepth)
	}
	return g, nil
}

// History implements the technical adapter's bar source.
func (g *Generator) History(symbol string) *market.History {
	return g.histories[symbol]
}

// Run starts one loop per watched symbol and blocks until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, sym := range g.watchlist {
		sym := sym
		grp.Go(func() error { return g.symbolLoop(ctx, sym) })
	}
	return grp.Wait()
}

func (g *Generator) symbolLoop(ctx context.Context, sym market.Symbol) error {
	ticker := time.NewTicker(g.cfg.CycleInterval)
	defer ticker.Stop()

	g.cycle(ctx, sym)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.cycle(ctx, sym)
		}
	}
}

// cycle runs one generation pass for a symbol. Failures are logged and
// counted; the loop always survives to the next tick.
func (g *Generator) cycle(ctx context.Context, sym market.Symbol) {
	started := time.Now()
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CycleDeadline)
	defer cancel()
	defer func() {
		metrics.CycleDuration.WithLabelValues(sym.Ticker).Observe(time.Since(started).Seconds())
	}()

	now := g.now().UTC()
	if !g.calendar.IsOpen(sym, now) {
		metrics.CyclesTotal.WithLabelValues(sym.Ticker, "market_closed").Inc()
		return
	}

	if err := g.refreshCandles(cctx, sym); err != nil {
		g.log.Warn().Err(err).Str("symbol", sym.Ticker).Msg("candle refresh failed")
		metrics.CyclesTotal.WithLabelValues(sym.Ticker, "feed_error").Inc()
		return
	}

	hist := g.histories[sym.Ticker]
	cls := g.detector.Observe(sym.Ticker, hist.Closes(0), now)
	for _, st := range regimeStates {
		v := 0.0
		if st == cls.State {
			v = 1.0
		}
		metrics.RegimeState.WithLabelValues(sym.Ticker, string(st)).Set(v)
	}

	opinions := g.collectOpinions(cctx, sym, now)

	sig, reason := g.engine.Evaluate(cctx, sym, opinions, cls, now)
	if sig == nil {
		metrics.SignalsDropped.WithLabelValues(sym.Ticker, string(reason)).Inc()
		metrics.CyclesTotal.WithLabelValues(sym.Ticker, "no_signal").Inc()
		return
	}

	_, created, err := g.db.Put(cctx, sig)
	if err != nil {
		g.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("signal persist failed")
		metrics.CyclesTotal.WithLabelValues(sym.Ticker, "store_error").Inc()
		return
	}
	if created {
		metrics.SignalsEmitted.WithLabelValues(sym.Ticker, string(sig.Action)).Inc()
	}
	metrics.CyclesTotal.WithLabelValues(sym.Ticker, "signal").Inc()
}

// refreshCandles pulls the latest closed candles and appends only the ones
// newer than what the history already holds.
func (g *Generator) refreshCandles(ctx context.Context, sym market.Symbol) error {
	hist := g.histories[sym.Ticker]

	limit := g.cfg.HistoryDepth
	if hist.Len() > 0 {
		// Steady state only needs the tail.
		limit = 5
	}
	candles, err := g.feed.Recent(ctx, sym, limit)
	if err != nil {
		return err
	}

	var lastTS time.Time
	if last, ok := hist.Last(); ok {
		lastTS = last.Timestamp
	}
	for _, c := range candles {
		if !c.Timestamp.After(lastTS) {
			continue
		}
		hist.Append(c)
	}
	return nil
}

// collectOpinions fans the cycle out to every adapter concurrently. Each
// adapter maps its own failures to UNAVAILABLE, so the slice is always fully
// populated.
func (g *Generator) collectOpinions(ctx context.Context, sym market.Symbol, now time.Time) []opinion.Opinion {
	all := g.registry.All()
	opinions := make([]opinion.Opinion, len(all))

	grp, gctx := errgroup.WithContext(ctx)
	for i, a := range all {
		i, a := i, a
		grp.Go(func() error {
			op := a.Fetch(gctx, sym, now)
			if !op.Usable() {
				metrics.AdapterFailures.WithLabelValues(a.SourceID(), string(op.Validity)).Inc()
			}
			opinions[i] = op
			return nil
		})
	}
	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		g.log.Warn().Err(err).Str("symbol", sym.Ticker).Msg("opinion fan-out interrupted")
	}
	return opinions
}
