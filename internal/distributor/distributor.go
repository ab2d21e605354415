// Package distributor moves stored signals to executors. It tails the store
// by signal id, applies per-executor admission policy, and publishes
// admitted signals on the internal bus. Each executor has its own cursor
// and its own loop, so one slow consumer never stalls the others.
package distributor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/metrics"
	"github.com/pulsetrade/pulse/internal/signal"
	"github.com/pulsetrade/pulse/internal/store"
)

const (
	pollInterval = 500 * time.Millisecond
	batchSize    = 100
	publishRetry = 2 * time.Second
)

// Distributor fans stored signals out to the configured executors.
type Distributor struct {
	executors map[string]config.ExecutorConfig
	prefix    string
	db        *store.Store
	nc        *nats.Conn
	log       zerolog.Logger
}

// New wires the distributor over an established NATS connection.
func New(executors map[string]config.ExecutorConfig, natsCfg config.NATSConfig, db *store.Store, nc *nats.Conn) *Distributor {
	return &Distributor{
		executors: executors,
		prefix:    natsCfg.Prefix,
		db:        db,
		nc:        nc,
		log:       config.NewLogger("distributor"),
	}
}

// Subject returns the bus subject an executor consumes.
func (d *Distributor) Subject(executorID string) string {
	return d.prefix + executorID
}

// Run starts one delivery loop per executor and blocks until ctx ends.
func (d *Distributor) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for id := range d.executors {
		id := id
		grp.Go(func() error { return d.executorLoop(ctx, id) })
	}
	return grp.Wait()
}

func (d *Distributor) executorLoop(ctx context.Context, executorID string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.drain(ctx, executorID); err != nil {
				d.log.Error().Err(err).Str("executor", executorID).Msg("delivery pass failed")
			}
		}
	}
}

// drain delivers everything past the executor's cursor. The cursor advances
// only after a signal is either published or deliberately skipped, so a
// crash replays from the last acknowledged id.
func (d *Distributor) drain(ctx context.Context, executorID string) error {
	st, err := d.db.GetExecutorState(ctx, executorID)
	if err != nil {
		return err
	}
	cursor := st.Cursor

	for {
		batch, err := d.db.GetSince(ctx, cursor, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, sig := range batch {
			decision := d.admit(executorID, st, sig)
			if decision == "admitted" {
				if err := d.publish(ctx, executorID, sig); err != nil {
					// Leave the cursor where it is; the next pass retries
					// this signal. Only this executor stalls.
					return err
				}
			}
			metrics.SignalsAdmitted.WithLabelValues(executorID, decision).Inc()
			cursor = sig.SignalID
			if err := d.db.AdvanceCursor(ctx, executorID, cursor); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

// admit applies the executor's admission policy. The decision string doubles
// as the metrics label.
func (d *Distributor) admit(executorID string, st *store.ExecutorState, sig *signal.Signal) string {
	cfg := d.executors[executorID]
	if st.Paused {
		return "paused"
	}
	if sig.Confidence < cfg.MinConfidence {
		return "below_confidence"
	}
	if len(cfg.AllowedSymbols) > 0 && !contains(cfg.AllowedSymbols, sig.Symbol) {
		return "symbol_not_allowed"
	}
	return "admitted"
}

func (d *Distributor) publish(ctx context.Context, executorID string, sig *signal.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	subject := d.Subject(executorID)
	for {
		err := d.nc.Publish(subject, payload)
		if err == nil {
			d.log.Debug().Str("executor", executorID).Str("signal_id", sig.SignalID).
				Msg("signal delivered")
			return nil
		}
		d.log.Warn().Err(err).Str("executor", executorID).Str("signal_id", sig.SignalID).
			Msg("publish failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(publishRetry):
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
