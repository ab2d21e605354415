// Package store is the embedded system of record. Every signal, order,
// position and executor checkpoint lives in a single sqlite database so a
// node restart loses nothing and needs no external service.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pulsetrade/pulse/internal/config"
)

// Store wraps the sqlite handle. All methods are safe for concurrent use;
// sqlite serializes writers and WAL keeps readers off the write path.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(cfg config.StoreConfig) (*Store, error) {
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", cfg.Path, err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent executors.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: config.NewLogger("store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
    signal_id        TEXT PRIMARY KEY,
    symbol           TEXT NOT NULL,
    action           TEXT NOT NULL,
    confidence       REAL NOT NULL,
    raw_confidence   REAL NOT NULL,
    calibrated       INTEGER NOT NULL DEFAULT 0,
    entry_price      REAL NOT NULL,
    target_price     REAL,
    stop_price       REAL,
    regime           TEXT NOT NULL,
    strategy_version TEXT NOT NULL,
    generated_at     TIMESTAMP NOT NULL,
    sources          TEXT NOT NULL,
    fingerprint      TEXT NOT NULL UNIQUE,
    outcome          TEXT,
    pnl_pct          REAL
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_time ON signals(symbol, generated_at DESC);
CREATE INDEX IF NOT EXISTS idx_signals_outcome ON signals(outcome) WHERE outcome IS NULL;

CREATE TABLE IF NOT EXISTS orders (
    order_id    TEXT PRIMARY KEY,
    executor_id TEXT NOT NULL,
    signal_id   TEXT NOT NULL REFERENCES signals(signal_id),
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    qty         REAL NOT NULL,
    price       REAL NOT NULL,
    status      TEXT NOT NULL,
    simulated   INTEGER NOT NULL DEFAULT 0,
    is_entry    INTEGER NOT NULL DEFAULT 1,
    created_at  TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_entry ON orders(executor_id, signal_id) WHERE is_entry = 1;

CREATE TABLE IF NOT EXISTS positions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    executor_id TEXT NOT NULL,
    signal_id   TEXT NOT NULL DEFAULT '',
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    qty         REAL NOT NULL,
    avg_entry   REAL NOT NULL,
    opened_at   TIMESTAMP NOT NULL,
    closed_at   TIMESTAMP,
    exit_price  REAL,
    realized_pnl REAL
);
CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(executor_id, symbol) WHERE closed_at IS NULL;

CREATE TABLE IF NOT EXISTS executor_state (
    executor_id      TEXT PRIMARY KEY,
    cursor           TEXT NOT NULL DEFAULT '',
    paused           INTEGER NOT NULL DEFAULT 0,
    pause_reason     TEXT NOT NULL DEFAULT '',
    day_start_equity REAL NOT NULL DEFAULT 0,
    peak_equity      REAL NOT NULL DEFAULT 0,
    equity           REAL NOT NULL DEFAULT 0,
    updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_runs (
    run_id           TEXT PRIMARY KEY,
    strategy_version TEXT NOT NULL,
    started_at       TIMESTAMP NOT NULL,
    finished_at      TIMESTAMP,
    from_ts          TIMESTAMP NOT NULL,
    to_ts            TIMESTAMP NOT NULL,
    report           TEXT
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
