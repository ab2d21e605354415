package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/signal"
	"github.com/pulsetrade/pulse/internal/store"
)

// QuoteSource serves last prices for reconciliation sweeps.
type QuoteSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Reconciler closes the loop on stored signals: it exits positions whose
// target or stop has been reached, and expires signals that never produced
// an order within the validity window. One reconciler serves all executors.
type Reconciler struct {
	db        *store.Store
	quotes    QuoteSource
	executors []*Executor
	ttl       time.Duration
	interval  time.Duration
	log       zerolog.Logger
}

const expireBatch = 200

// NewReconciler wires the reconciler over the shared store.
func NewReconciler(db *store.Store, quotes QuoteSource, executors []*Executor, ttl, interval time.Duration) *Reconciler {
	return &Reconciler{
		db:        db,
		quotes:    quotes,
		executors: executors,
		ttl:       ttl,
		interval:  interval,
		log:       config.NewLogger("reconciler"),
	}
}

// Run sweeps on the configured interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx, time.Now().UTC())
		}
	}
}

// sweep runs one reconciliation pass.
func (r *Reconciler) sweep(ctx context.Context, now time.Time) {
	if err := r.expireUnexecuted(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error().Err(err).Msg("expiry sweep failed")
	}
	for _, ex := range r.executors {
		if err := r.checkExits(ctx, ex); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Str("executor", ex.ID()).Msg("exit sweep failed")
		}
	}
}

// expireUnexecuted stamps EXPIRED on signals past the validity window that
// no executor ever acted on. Executed signals keep waiting for their exit.
func (r *Reconciler) expireUnexecuted(ctx context.Context, now time.Time) error {
	stale, err := r.db.UnstampedBefore(ctx, now.Add(-r.ttl), expireBatch)
	if err != nil {
		return err
	}
	for _, sig := range stale {
		executed, err := r.db.HasOrders(ctx, sig.SignalID)
		if err != nil {
			return err
		}
		if executed {
			continue
		}
		if err := r.db.UpdateOutcome(ctx, sig.SignalID, signal.OutcomeExpired, nil); err != nil {
			return err
		}
		r.log.Info().Str("signal_id", sig.SignalID).Msg("signal expired unexecuted")
	}
	return nil
}

// checkExits closes any open position whose signal levels have been hit.
// Target beats stop when a single price print satisfies both.
func (r *Reconciler) checkExits(ctx context.Context, ex *Executor) error {
	open, err := r.db.OpenPositions(ctx, ex.ID())
	if err != nil {
		return err
	}
	for _, pos := range open {
		if pos.SignalID == "" {
			continue
		}
		sig, err := r.db.Get(ctx, pos.SignalID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if sig.TargetPrice == nil && sig.StopPrice == nil {
			continue
		}

		price, err := r.quotes.LastPrice(ctx, pos.Symbol)
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("no price for exit check")
			continue
		}

		if !levelHit(&pos, sig, price) {
			continue
		}
		if _, err := ex.ExitAtMarket(ctx, &pos, price, ""); err != nil {
			r.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("reconciler exit failed")
		}
	}
	return nil
}

// levelHit reports whether price has reached the signal's target or stop for
// the position's side.
func levelHit(pos *store.Position, sig *signal.Signal, price float64) bool {
	long := pos.Side == "BUY"
	if sig.TargetPrice != nil {
		if long && price >= *sig.TargetPrice {
			return true
		}
		if !long && price <= *sig.TargetPrice {
			return true
		}
	}
	if sig.StopPrice != nil {
		if long && price <= *sig.StopPrice {
			return true
		}
		if !long && price >= *sig.StopPrice {
			return true
		}
	}
	return false
}
