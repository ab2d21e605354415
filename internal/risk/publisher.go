package risk

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/store"
)

// PriceSource marks open positions to market for equity accounting.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// SnapshotPublisher keeps the account snapshot cache fresh. Equity is the
// day-start baseline plus realized pnl since the day opened plus the
// mark-to-market value of open positions, so a restarted process rebuilds
// the same number from durable state.
type SnapshotPublisher struct {
	executors []string
	db        *store.Store
	cache     *SnapshotCache
	quotes    PriceSource
	interval  time.Duration
	log       zerolog.Logger
}

// NewSnapshotPublisher builds a publisher for all configured executors.
func NewSnapshotPublisher(executors map[string]config.ExecutorConfig, cfg config.RiskConfig, db *store.Store, cache *SnapshotCache, quotes PriceSource) *SnapshotPublisher {
	ids := make([]string, 0, len(executors))
	for id := range executors {
		ids = append(ids, id)
	}
	return &SnapshotPublisher{
		executors: ids,
		db:        db,
		cache:     cache,
		quotes:    quotes,
		interval:  cfg.MonitorInterval,
		log:       config.NewLogger("risk"),
	}
}

// Run publishes snapshots until ctx is cancelled. The first pass runs
// immediately so executors do not start against an empty cache.
func (p *SnapshotPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publishAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.publishAll(ctx)
		}
	}
}

func (p *SnapshotPublisher) publishAll(ctx context.Context) {
	for _, id := range p.executors {
		if err := p.publish(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn().Err(err).Str("executor", id).Msg("snapshot publish failed")
		}
	}
}

func (p *SnapshotPublisher) publish(ctx context.Context, executorID string) error {
	st, err := p.db.GetExecutorState(ctx, executorID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	base := st.DayStartEquity
	if base == 0 {
		base = st.Equity
	}

	dayStart := now.Truncate(24 * time.Hour)
	realized, err := p.db.RealizedPnlSince(ctx, executorID, dayStart)
	if err != nil {
		return err
	}

	equity := base + realized
	positions, err := p.db.OpenPositions(ctx, executorID)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		price, perr := p.quotes.LastPrice(ctx, pos.Symbol)
		if perr != nil {
			// An unquotable position keeps its entry value rather than
			// blocking the whole snapshot.
			continue
		}
		unrealized := (price - pos.AvgEntry) * pos.Qty
		if pos.Side == "SHORT" {
			unrealized = -unrealized
		}
		equity += unrealized
	}

	peak := st.PeakEquity
	if equity > peak {
		peak = equity
	}

	return p.cache.Put(ctx, &AccountSnapshot{
		ExecutorID:       executorID,
		Equity:           equity,
		DayStartEquity:   base,
		PeakEquity:       peak,
		OpenPositions:    len(positions),
		RealizedPnlToday: realized,
		TakenAt:          now,
	})
}
