package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ExecutorState is an executor's durable checkpoint: where it is in the
// signal stream and whether risk has paused it. Equity fields feed the
// drawdown and daily loss accounting.
type ExecutorState struct {
	ExecutorID     string    `db:"executor_id" json:"executor_id"`
	Cursor         string    `db:"cursor" json:"cursor"`
	Paused         bool      `db:"paused" json:"paused"`
	PauseReason    string    `db:"pause_reason" json:"pause_reason,omitempty"`
	DayStartEquity float64   `db:"day_start_equity" json:"day_start_equity"`
	PeakEquity     float64   `db:"peak_equity" json:"peak_equity"`
	Equity         float64   `db:"equity" json:"equity"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// GetExecutorState loads a checkpoint, creating a zero row on first sight of
// an executor so callers never special-case bootstrap.
func (s *Store) GetExecutorState(ctx context.Context, executorID string) (*ExecutorState, error) {
	var st ExecutorState
	err := s.db.GetContext(ctx, &st,
		`SELECT * FROM executor_state WHERE executor_id = ?`, executorID)
	if errors.Is(err, sql.ErrNoRows) {
		st = ExecutorState{ExecutorID: executorID, UpdatedAt: time.Now().UTC()}
		if err := s.SaveExecutorState(ctx, &st); err != nil {
			return nil, err
		}
		return &st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load executor state %s: %w", executorID, err)
	}
	return &st, nil
}

// SaveExecutorState upserts the full checkpoint.
func (s *Store) SaveExecutorState(ctx context.Context, st *ExecutorState) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executor_state (executor_id, cursor, paused, pause_reason, day_start_equity, peak_equity, equity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(executor_id) DO UPDATE SET
			cursor = excluded.cursor,
			paused = excluded.paused,
			pause_reason = excluded.pause_reason,
			day_start_equity = excluded.day_start_equity,
			peak_equity = excluded.peak_equity,
			equity = excluded.equity,
			updated_at = excluded.updated_at`,
		st.ExecutorID, st.Cursor, st.Paused, st.PauseReason,
		st.DayStartEquity, st.PeakEquity, st.Equity, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save executor state %s: %w", st.ExecutorID, err)
	}
	return nil
}

// AdvanceCursor moves an executor's delivery cursor forward. Cursors only
// advance; a stale write from a slow goroutine is ignored.
func (s *Store) AdvanceCursor(ctx context.Context, executorID, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executor_state SET cursor = ?, updated_at = ?
		WHERE executor_id = ? AND cursor < ?`,
		cursor, time.Now().UTC(), executorID, cursor)
	if err != nil {
		return fmt.Errorf("advance cursor for %s: %w", executorID, err)
	}
	return nil
}

// SetPaused flips the risk pause flag.
func (s *Store) SetPaused(ctx context.Context, executorID string, paused bool, reason string) error {
	if !paused {
		reason = ""
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE executor_state SET paused = ?, pause_reason = ?, updated_at = ?
		WHERE executor_id = ?`,
		paused, reason, time.Now().UTC(), executorID)
	if err != nil {
		return fmt.Errorf("set paused for %s: %w", executorID, err)
	}
	return nil
}

// AllExecutorStates lists every checkpoint, for the admin API.
func (s *Store) AllExecutorStates(ctx context.Context) ([]ExecutorState, error) {
	var out []ExecutorState
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM executor_state ORDER BY executor_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list executor states: %w", err)
	}
	return out, nil
}

// BacktestRun is the persisted record of one backtest invocation.
type BacktestRun struct {
	RunID           string     `db:"run_id" json:"run_id"`
	StrategyVersion string     `db:"strategy_version" json:"strategy_version"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	FromTS          time.Time  `db:"from_ts" json:"from_ts"`
	ToTS            time.Time  `db:"to_ts" json:"to_ts"`
	Report          *string    `db:"report" json:"report,omitempty"`
}

// StartBacktestRun records a run before replay begins, so crashed runs are
// visible as unfinished rows.
func (s *Store) StartBacktestRun(ctx context.Context, run *BacktestRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs (run_id, strategy_version, started_at, from_ts, to_ts)
		VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.StrategyVersion, run.StartedAt.UTC(), run.FromTS.UTC(), run.ToTS.UTC())
	if err != nil {
		return fmt.Errorf("start backtest run %s: %w", run.RunID, err)
	}
	return nil
}

// FinishBacktestRun stores the rendered report and completion time.
func (s *Store) FinishBacktestRun(ctx context.Context, runID, report string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs SET finished_at = ?, report = ? WHERE run_id = ?`,
		at.UTC(), report, runID)
	if err != nil {
		return fmt.Errorf("finish backtest run %s: %w", runID, err)
	}
	return nil
}
