package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Order is an executor's record of a broker (or simulated) submission.
type Order struct {
	OrderID    string    `db:"order_id" json:"order_id"`
	ExecutorID string    `db:"executor_id" json:"executor_id"`
	SignalID   string    `db:"signal_id" json:"signal_id"`
	Symbol     string    `db:"symbol" json:"symbol"`
	Side       string    `db:"side" json:"side"`
	Qty        float64   `db:"qty" json:"qty"`
	Price      float64   `db:"price" json:"price"`
	Status     string    `db:"status" json:"status"`
	Simulated  bool      `db:"simulated" json:"simulated"`
	IsEntry    bool      `db:"is_entry" json:"is_entry"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Order statuses. SIMULATED fills never touched a live venue; consumers
// discriminate on status, not on the order id prefix.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusFilled    = "FILLED"
	OrderStatusRejected  = "REJECTED"
	OrderStatusSimulated = "SIMULATED"
)

// Position is one executor's exposure in a symbol.
type Position struct {
	ID          int64      `db:"id" json:"id"`
	ExecutorID  string     `db:"executor_id" json:"executor_id"`
	SignalID    string     `db:"signal_id" json:"signal_id"`
	Symbol      string     `db:"symbol" json:"symbol"`
	Side        string     `db:"side" json:"side"`
	Qty         float64    `db:"qty" json:"qty"`
	AvgEntry    float64    `db:"avg_entry" json:"avg_entry"`
	OpenedAt    time.Time  `db:"opened_at" json:"opened_at"`
	ClosedAt    *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	ExitPrice   *float64   `db:"exit_price" json:"exit_price,omitempty"`
	RealizedPnl *float64   `db:"realized_pnl" json:"realized_pnl,omitempty"`
}

// RecordOrder persists an order. The partial unique index on
// (executor_id, signal_id) for entry orders is the executor's idempotency
// barrier: a second entry for the same signal is suppressed and created is
// false. Exit orders are exempt.
func (s *Store) RecordOrder(ctx context.Context, o *Order) (created bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, executor_id, signal_id, symbol, side, qty, price, status, simulated, is_entry, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(executor_id, signal_id) WHERE is_entry = 1 DO NOTHING`,
		o.OrderID, o.ExecutorID, o.SignalID, o.Symbol, o.Side, o.Qty, o.Price,
		o.Status, o.Simulated, o.IsEntry, o.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("record order %s: %w", o.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record order %s: %w", o.OrderID, err)
	}
	return n > 0, nil
}

// OrderForSignal returns the order an executor placed for a signal, or
// ErrNotFound.
func (s *Store) OrderForSignal(ctx context.Context, executorID, signalID string) (*Order, error) {
	var o Order
	err := s.db.GetContext(ctx, &o, `
		SELECT * FROM orders WHERE executor_id = ? AND signal_id = ?
		ORDER BY created_at ASC LIMIT 1`, executorID, signalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup order for %s/%s: %w", executorID, signalID, err)
	}
	return &o, nil
}

// HasOrders reports whether any executor placed an order for the signal.
func (s *Store) HasOrders(ctx context.Context, signalID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM orders WHERE signal_id = ?`, signalID)
	if err != nil {
		return false, fmt.Errorf("count orders for %s: %w", signalID, err)
	}
	return n > 0, nil
}

// OpenPosition records a newly opened position.
func (s *Store) OpenPosition(ctx context.Context, p *Position) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (executor_id, signal_id, symbol, side, qty, avg_entry, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ExecutorID, p.SignalID, p.Symbol, p.Side, p.Qty, p.AvgEntry, p.OpenedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("open position %s/%s: %w", p.ExecutorID, p.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("open position %s/%s: %w", p.ExecutorID, p.Symbol, err)
	}
	return id, nil
}

// ClosePosition marks a position closed with its exit fill.
func (s *Store) ClosePosition(ctx context.Context, positionID int64, exitPrice, realizedPnl float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET closed_at = ?, exit_price = ?, realized_pnl = ?
		WHERE id = ? AND closed_at IS NULL`,
		at.UTC(), exitPrice, realizedPnl, positionID)
	if err != nil {
		return fmt.Errorf("close position %d: %w", positionID, err)
	}
	return nil
}

// OpenPositions lists an executor's open positions.
func (s *Store) OpenPositions(ctx context.Context, executorID string) ([]Position, error) {
	var out []Position
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM positions WHERE executor_id = ? AND closed_at IS NULL
		ORDER BY opened_at ASC`, executorID)
	if err != nil {
		return nil, fmt.Errorf("list open positions for %s: %w", executorID, err)
	}
	return out, nil
}

// RealizedPnlSince sums realized pnl for positions closed at or after the
// cutoff, the daily loss accounting input.
func (s *Store) RealizedPnlSince(ctx context.Context, executorID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.GetContext(ctx, &total, `
		SELECT SUM(realized_pnl) FROM positions
		WHERE executor_id = ? AND closed_at >= ?`, executorID, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("sum realized pnl for %s: %w", executorID, err)
	}
	return total.Float64, nil
}
