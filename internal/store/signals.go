package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulsetrade/pulse/internal/signal"
)

// ErrInvalidFingerprint is returned by Put when the stored digest does not
// match the recomputed one. Such a signal never reaches disk.
var ErrInvalidFingerprint = errors.New("signal fingerprint does not verify")

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type signalRow struct {
	SignalID        string     `db:"signal_id"`
	Symbol          string     `db:"symbol"`
	Action          string     `db:"action"`
	Confidence      float64    `db:"confidence"`
	RawConfidence   float64    `db:"raw_confidence"`
	Calibrated      bool       `db:"calibrated"`
	EntryPrice      float64    `db:"entry_price"`
	TargetPrice     *float64   `db:"target_price"`
	StopPrice       *float64   `db:"stop_price"`
	Regime          string     `db:"regime"`
	StrategyVersion string     `db:"strategy_version"`
	GeneratedAt     time.Time  `db:"generated_at"`
	Sources         string     `db:"sources"`
	Fingerprint     string     `db:"fingerprint"`
	Outcome         *string    `db:"outcome"`
	PnlPct          *float64   `db:"pnl_pct"`
}

func (r *signalRow) toSignal() (*signal.Signal, error) {
	var sources []signal.ContributingSource
	if err := json.Unmarshal([]byte(r.Sources), &sources); err != nil {
		return nil, fmt.Errorf("decode sources for %s: %w", r.SignalID, err)
	}
	sig := &signal.Signal{
		SignalID:        r.SignalID,
		Symbol:          r.Symbol,
		Action:          signal.Action(r.Action),
		Confidence:      r.Confidence,
		RawConfidence:   r.RawConfidence,
		Calibrated:      r.Calibrated,
		EntryPrice:      r.EntryPrice,
		TargetPrice:     r.TargetPrice,
		StopPrice:       r.StopPrice,
		Regime:          r.Regime,
		StrategyVersion: r.StrategyVersion,
		GeneratedAt:     r.GeneratedAt.UTC(),
		Sources:         sources,
		Fingerprint:     r.Fingerprint,
		PnlPct:          r.PnlPct,
	}
	if r.Outcome != nil {
		o := signal.Outcome(*r.Outcome)
		sig.Outcome = &o
	}
	return sig, nil
}

// Put persists a signal. Re-submitting a signal with the same fingerprint is
// a no-op that returns the already-stored id, so retries after a crash never
// duplicate. created is false on that path.
func (s *Store) Put(ctx context.Context, sig *signal.Signal) (id string, created bool, err error) {
	if err := sig.Validate(); err != nil {
		return "", false, fmt.Errorf("invalid signal: %w", err)
	}
	if !signal.VerifyFingerprint(sig) {
		return "", false, ErrInvalidFingerprint
	}

	sources, err := json.Marshal(sig.Sources)
	if err != nil {
		return "", false, fmt.Errorf("encode sources: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (
			signal_id, symbol, action, confidence, raw_confidence, calibrated,
			entry_price, target_price, stop_price, regime, strategy_version,
			generated_at, sources, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		sig.SignalID, sig.Symbol, string(sig.Action), sig.Confidence, sig.RawConfidence,
		sig.Calibrated, sig.EntryPrice, sig.TargetPrice, sig.StopPrice, sig.Regime,
		sig.StrategyVersion, sig.GeneratedAt.UTC(), string(sources), sig.Fingerprint)
	if err != nil {
		return "", false, fmt.Errorf("insert signal %s: %w", sig.SignalID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("insert signal %s: %w", sig.SignalID, err)
	}
	if n > 0 {
		return sig.SignalID, true, nil
	}

	var existing string
	err = s.db.GetContext(ctx, &existing,
		`SELECT signal_id FROM signals WHERE fingerprint = ?`, sig.Fingerprint)
	if err != nil {
		return "", false, fmt.Errorf("lookup duplicate of %s: %w", sig.SignalID, err)
	}
	s.log.Debug().Str("signal_id", existing).Msg("duplicate signal suppressed by fingerprint")
	return existing, false, nil
}

// Get returns one signal by id, with its order refs attached.
func (s *Store) Get(ctx context.Context, signalID string) (*signal.Signal, error) {
	var row signalRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM signals WHERE signal_id = ?`, signalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal %s: %w", signalID, err)
	}
	sig, err := row.toSignal()
	if err != nil {
		return nil, err
	}
	if err := s.attachOrderRefs(ctx, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// GetSince returns up to limit signals with ids strictly after cursor, in id
// order. Ids sort chronologically, so this is the distributor's tail read.
func (s *Store) GetSince(ctx context.Context, cursor string, limit int) ([]*signal.Signal, error) {
	var rows []signalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM signals WHERE signal_id > ?
		ORDER BY signal_id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("scan signals after %q: %w", cursor, err)
	}
	out := make([]*signal.Signal, 0, len(rows))
	for i := range rows {
		sig, err := rows[i].toSignal()
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// Latest returns the most recent signals, newest first, optionally filtered
// by symbol and by a calibrated confidence floor (0 disables the floor).
func (s *Store) Latest(ctx context.Context, symbol string, minConfidence float64, limit int) ([]*signal.Signal, error) {
	query := `SELECT * FROM signals WHERE 1=1`
	args := make([]any, 0, 3)
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	if minConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, minConfidence)
	}
	query += ` ORDER BY generated_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []signalRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("scan latest signals: %w", err)
	}
	out := make([]*signal.Signal, 0, len(rows))
	for i := range rows {
		sig, err := rows[i].toSignal()
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// UpdateOutcome stamps a signal's final outcome and realized return. The
// first write wins; an already-stamped signal is left untouched.
func (s *Store) UpdateOutcome(ctx context.Context, signalID string, outcome signal.Outcome, pnlPct *float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET outcome = ?, pnl_pct = ?
		WHERE signal_id = ? AND outcome IS NULL`,
		string(outcome), pnlPct, signalID)
	if err != nil {
		return fmt.Errorf("stamp outcome on %s: %w", signalID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s.log.Debug().Str("signal_id", signalID).Msg("outcome already stamped, skipping")
	}
	return nil
}

// UnstampedBefore returns signals generated before the deadline that still
// have no outcome, for the reconciler's expiry sweep.
func (s *Store) UnstampedBefore(ctx context.Context, deadline time.Time, limit int) ([]*signal.Signal, error) {
	var rows []signalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM signals WHERE outcome IS NULL AND generated_at < ?
		ORDER BY generated_at ASC LIMIT ?`, deadline.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("scan unstamped signals: %w", err)
	}
	out := make([]*signal.Signal, 0, len(rows))
	for i := range rows {
		sig, err := rows[i].toSignal()
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// OutcomePairs returns (raw confidence, win) pairs for signals stamped in
// the window, the calibrator's training feed.
func (s *Store) OutcomePairs(ctx context.Context, from, to time.Time) ([]RawOutcome, error) {
	var rows []RawOutcome
	err := s.db.SelectContext(ctx, &rows, `
		SELECT raw_confidence, outcome FROM signals
		WHERE outcome IN ('WIN', 'LOSS') AND generated_at >= ? AND generated_at < ?
		ORDER BY generated_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("scan outcome pairs: %w", err)
	}
	return rows, nil
}

// RawOutcome is one resolved signal for calibration fitting.
type RawOutcome struct {
	RawConfidence float64 `db:"raw_confidence"`
	Outcome       string  `db:"outcome"`
}

// Stats summarizes stored signals for the API.
type Stats struct {
	Total     int64    `json:"total"`
	Wins      int64    `json:"wins"`
	Losses    int64    `json:"losses"`
	Expired   int64    `json:"expired"`
	Pending   int64    `json:"pending"`
	WinRate   *float64 `json:"win_rate,omitempty"`
	AvgPnlPct *float64 `json:"avg_pnl_pct,omitempty"`
}

// SignalStats aggregates outcome counts and average realized return.
func (s *Store) SignalStats(ctx context.Context) (*Stats, error) {
	var row struct {
		Total   int64    `db:"total"`
		Wins    int64    `db:"wins"`
		Losses  int64    `db:"losses"`
		Expired int64    `db:"expired"`
		AvgPnl  *float64 `db:"avg_pnl"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN outcome = 'WIN' THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(CASE WHEN outcome = 'LOSS' THEN 1 ELSE 0 END), 0) AS losses,
			COALESCE(SUM(CASE WHEN outcome = 'EXPIRED' THEN 1 ELSE 0 END), 0) AS expired,
			AVG(CASE WHEN outcome IN ('WIN','LOSS') THEN pnl_pct END) AS avg_pnl
		FROM signals`)
	if err != nil {
		return nil, fmt.Errorf("aggregate signal stats: %w", err)
	}

	st := &Stats{
		Total:     row.Total,
		Wins:      row.Wins,
		Losses:    row.Losses,
		Expired:   row.Expired,
		Pending:   row.Total - row.Wins - row.Losses - row.Expired,
		AvgPnlPct: row.AvgPnl,
	}
	if resolved := row.Wins + row.Losses; resolved > 0 {
		rate := float64(row.Wins) / float64(resolved)
		st.WinRate = &rate
	}
	return st, nil
}

func (s *Store) attachOrderRefs(ctx context.Context, sig *signal.Signal) error {
	var refs []signal.OrderRef
	err := s.db.SelectContext(ctx, &refs, `
		SELECT executor_id, order_id FROM orders WHERE signal_id = ?
		ORDER BY created_at ASC`, sig.SignalID)
	if err != nil {
		return fmt.Errorf("load order refs for %s: %w", sig.SignalID, err)
	}
	sig.OrderRefs = refs
	return nil
}
