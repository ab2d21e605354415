// Package risk enforces the account limits both executor kinds share. The
// guard is the single owner of the pause flag: executors consult it before
// every order, and its monitor loop trips it when limits are breached.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/alerts"
	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/metrics"
	"github.com/pulsetrade/pulse/internal/store"
)

// RejectReason is the stable code carried by a PolicyRejection.
type RejectReason string

const (
	ReasonPaused           RejectReason = "EXECUTOR_PAUSED"
	ReasonMaxPositions     RejectReason = "MAX_POSITIONS"
	ReasonDailyLoss        RejectReason = "DAILY_LOSS_LIMIT"
	ReasonDrawdown         RejectReason = "DRAWDOWN_LIMIT"
	ReasonStaleSnapshot    RejectReason = "STALE_SNAPSHOT"
	ReasonSymbolNotAllowed RejectReason = "SYMBOL_NOT_ALLOWED"
	ReasonBelowConfidence  RejectReason = "BELOW_MIN_CONFIDENCE"
)

// PolicyRejection is the typed refusal an executor receives from the
// pre-trade gate. It is an expected control-flow outcome, not a fault.
type PolicyRejection struct {
	ExecutorID string
	Reason     RejectReason
	Detail     string
}

// Error implements error.
func (r *PolicyRejection) Error() string {
	return fmt.Sprintf("trade rejected for %s: %s (%s)", r.ExecutorID, r.Reason, r.Detail)
}

// Guard evaluates account limits for every configured executor. Limit
// breaches pause the executor durably; PROP_FIRM pauses latch until an
// operator unpauses, STANDARD daily-loss pauses clear at the UTC day roll.
type Guard struct {
	executors map[string]config.ExecutorConfig
	cfg       config.RiskConfig
	db        *store.Store
	cache     *SnapshotCache
	alerter   *alerts.Manager
	log       zerolog.Logger
}

// NewGuard wires the guard. alerter may be nil in tests.
func NewGuard(executors map[string]config.ExecutorConfig, cfg config.RiskConfig, db *store.Store, cache *SnapshotCache, alerter *alerts.Manager) *Guard {
	return &Guard{
		executors: executors,
		cfg:       cfg,
		db:        db,
		cache:     cache,
		alerter:   alerter,
		log:       config.NewLogger("risk"),
	}
}

// CheckOrder is the synchronous pre-trade gate. It returns nil when the
// executor may open a position in symbol, or a *PolicyRejection.
func (g *Guard) CheckOrder(ctx context.Context, executorID, symbol string) error {
	cfg, ok := g.executors[executorID]
	if !ok {
		return fmt.Errorf("unknown executor %q", executorID)
	}

	st, err := g.db.GetExecutorState(ctx, executorID)
	if err != nil {
		return err
	}
	if st.Paused {
		// Surface the limit that tripped the pause, not the pause itself,
		// so callers see DRAWDOWN_LIMIT rather than a generic flag.
		reason := ReasonPaused
		if st.PauseReason != "" {
			reason = RejectReason(st.PauseReason)
		}
		return &PolicyRejection{ExecutorID: executorID, Reason: reason, Detail: "executor paused"}
	}

	open, err := g.db.OpenPositions(ctx, executorID)
	if err != nil {
		return err
	}
	if len(open) >= cfg.MaxPositions {
		return &PolicyRejection{
			ExecutorID: executorID,
			Reason:     ReasonMaxPositions,
			Detail:     fmt.Sprintf("%d open, limit %d", len(open), cfg.MaxPositions),
		}
	}

	snap, err := g.cache.Get(ctx, executorID)
	if errors.Is(err, ErrSnapshotStale) || errors.Is(err, ErrSnapshotMissing) {
		if cfg.StrictAccounting {
			return &PolicyRejection{ExecutorID: executorID, Reason: ReasonStaleSnapshot, Detail: err.Error()}
		}
		// Relaxed executors trade on the durable state instead.
		snap = &AccountSnapshot{
			ExecutorID:     executorID,
			Equity:         st.Equity,
			DayStartEquity: st.DayStartEquity,
			PeakEquity:     st.PeakEquity,
			TakenAt:        st.UpdatedAt,
		}
	} else if err != nil {
		return err
	}

	if reason, detail := g.breach(cfg, snap); reason != "" {
		// The monitor will persist the pause shortly; reject now so the
		// order never races it.
		return &PolicyRejection{ExecutorID: executorID, Reason: reason, Detail: detail}
	}
	return nil
}

// breach evaluates the pause-triggering limits against a snapshot.
func (g *Guard) breach(cfg config.ExecutorConfig, snap *AccountSnapshot) (RejectReason, string) {
	if snap.DayStartEquity > 0 {
		loss := (snap.DayStartEquity - snap.Equity) / snap.DayStartEquity
		if loss >= cfg.DailyLossLimitPct {
			return ReasonDailyLoss, fmt.Sprintf("down %.2f%% today, limit %.2f%%", loss*100, cfg.DailyLossLimitPct*100)
		}
	}
	if snap.PeakEquity > 0 {
		dd := (snap.PeakEquity - snap.Equity) / snap.PeakEquity
		if dd >= cfg.MaxDrawdownPct {
			return ReasonDrawdown, fmt.Sprintf("drawdown %.2f%%, limit %.2f%%", dd*100, cfg.MaxDrawdownPct*100)
		}
	}
	return "", ""
}

// nearLimit reports limits inside the warn margin, for operator alerts.
func (g *Guard) nearLimit(cfg config.ExecutorConfig, snap *AccountSnapshot) []string {
	var warns []string
	margin := 1 - g.cfg.WarnMarginPct
	if snap.DayStartEquity > 0 {
		loss := (snap.DayStartEquity - snap.Equity) / snap.DayStartEquity
		if loss >= cfg.DailyLossLimitPct*margin && loss < cfg.DailyLossLimitPct {
			warns = append(warns, fmt.Sprintf("daily loss %.2f%% approaching limit %.2f%%", loss*100, cfg.DailyLossLimitPct*100))
		}
	}
	if snap.PeakEquity > 0 {
		dd := (snap.PeakEquity - snap.Equity) / snap.PeakEquity
		if dd >= cfg.MaxDrawdownPct*margin && dd < cfg.MaxDrawdownPct {
			warns = append(warns, fmt.Sprintf("drawdown %.2f%% approaching limit %.2f%%", dd*100, cfg.MaxDrawdownPct*100))
		}
	}
	return warns
}

// Run is the monitor loop. Every tick it refreshes equity accounting from
// the store, evaluates limits, and trips or clears pauses.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for id := range g.executors {
				if err := g.evaluate(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
					g.log.Error().Err(err).Str("executor", id).Msg("risk evaluation failed")
				}
			}
		}
	}
}

// evaluate runs one monitor pass for one executor.
func (g *Guard) evaluate(ctx context.Context, executorID string) error {
	cfg := g.executors[executorID]
	st, err := g.db.GetExecutorState(ctx, executorID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if g.rollDay(ctx, st, cfg, now) {
		if err := g.db.SaveExecutorState(ctx, st); err != nil {
			return err
		}
	}

	snap, err := g.cache.Get(ctx, executorID)
	if err != nil && !errors.Is(err, ErrSnapshotStale) {
		if errors.Is(err, ErrSnapshotMissing) {
			return nil
		}
		return err
	}

	// Track the equity high-water mark durably.
	if snap.Equity > st.PeakEquity {
		st.PeakEquity = snap.Equity
	}
	st.Equity = snap.Equity
	if st.DayStartEquity == 0 {
		st.DayStartEquity = snap.Equity
	}
	if err := g.db.SaveExecutorState(ctx, st); err != nil {
		return err
	}

	eval := &AccountSnapshot{
		ExecutorID:     executorID,
		Equity:         st.Equity,
		DayStartEquity: st.DayStartEquity,
		PeakEquity:     st.PeakEquity,
		TakenAt:        snap.TakenAt,
	}

	if st.Paused {
		metrics.ExecutorPaused.WithLabelValues(executorID).Set(1)
		return nil
	}
	metrics.ExecutorPaused.WithLabelValues(executorID).Set(0)

	if reason, detail := g.breach(cfg, eval); reason != "" {
		return g.Pause(ctx, executorID, reason, detail)
	}
	for _, w := range g.nearLimit(cfg, eval) {
		g.log.Warn().Str("executor", executorID).Msg(w)
		if g.alerter != nil {
			g.alerter.Notify(alerts.SeverityWarning, "risk", "limit approaching", executorID+": "+w)
		}
	}
	return nil
}

// rollDay resets daily accounting at the UTC day boundary. STANDARD
// executors paused for the daily loss limit resume on the new day; PROP_FIRM
// pauses stay latched for the operator.
func (g *Guard) rollDay(ctx context.Context, st *store.ExecutorState, cfg config.ExecutorConfig, now time.Time) bool {
	if st.UpdatedAt.UTC().Truncate(24*time.Hour) == now.Truncate(24*time.Hour) {
		return false
	}
	st.DayStartEquity = st.Equity
	if st.Paused && st.PauseReason == string(ReasonDailyLoss) && cfg.Kind != config.ExecutorKindPropFirm {
		st.Paused = false
		st.PauseReason = ""
		g.log.Info().Str("executor", st.ExecutorID).Msg("daily loss pause cleared at day roll")
	}
	return true
}

// Pause trips the durable pause flag and alerts the operator.
func (g *Guard) Pause(ctx context.Context, executorID string, reason RejectReason, detail string) error {
	if err := g.db.SetPaused(ctx, executorID, true, string(reason)); err != nil {
		return err
	}
	metrics.RiskPauses.WithLabelValues(executorID, string(reason)).Inc()
	metrics.ExecutorPaused.WithLabelValues(executorID).Set(1)
	g.log.Error().Str("executor", executorID).Str("reason", string(reason)).Str("detail", detail).
		Msg("executor paused by risk guard")
	if g.alerter != nil {
		g.alerter.Notifyf(alerts.SeverityCritical, "risk", "executor paused",
			"%s paused: %s (%s)", executorID, reason, detail)
	}
	return nil
}

// Unpause clears the pause flag. This is the operator path; PROP_FIRM
// executors have no other way back.
func (g *Guard) Unpause(ctx context.Context, executorID string) error {
	if _, ok := g.executors[executorID]; !ok {
		return fmt.Errorf("unknown executor %q", executorID)
	}
	if err := g.db.SetPaused(ctx, executorID, false, ""); err != nil {
		return err
	}
	metrics.ExecutorPaused.WithLabelValues(executorID).Set(0)
	g.log.Info().Str("executor", executorID).Msg("executor unpaused by operator")
	return nil
}
