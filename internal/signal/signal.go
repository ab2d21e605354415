// Package signal defines the committed trading signal entity, its canonical
// serialization and the fingerprint that makes every stored signal
// independently verifiable.
package signal

import (
	"fmt"
	"time"
)

// Action is the direction of a committed signal. NEUTRAL never reaches
// storage; the consensus engine resolves or drops it first.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Outcome is the realized result of a signal
type Outcome string

const (
	OutcomeWin     Outcome = "WIN"
	OutcomeLoss    Outcome = "LOSS"
	OutcomeExpired Outcome = "EXPIRED"
)

// ContributingSource records one source's vote inside a signal
type ContributingSource struct {
	SourceID   string  `json:"source_id"`
	Direction  string  `json:"direction"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
}

// OrderRef links a signal to the order an executor placed for it
type OrderRef struct {
	ExecutorID string `json:"executor_id" db:"executor_id"`
	OrderID    string `json:"order_id" db:"order_id"`
}

// Signal is the system-of-record entity. Confidence is always the calibrated
// value; Calibrated is false when the identity calibration was in effect.
type Signal struct {
	SignalID        string               `json:"signal_id" db:"signal_id"`
	Symbol          string               `json:"symbol" db:"symbol"`
	Action          Action               `json:"action" db:"action"`
	Confidence      float64              `json:"confidence" db:"confidence"`
	RawConfidence   float64              `json:"raw_confidence" db:"raw_confidence"`
	Calibrated      bool                 `json:"calibrated" db:"calibrated"`
	EntryPrice      float64              `json:"entry_price" db:"entry_price"`
	TargetPrice     *float64             `json:"target_price,omitempty" db:"target_price"`
	StopPrice       *float64             `json:"stop_price,omitempty" db:"stop_price"`
	Regime          string               `json:"regime" db:"regime"`
	StrategyVersion string               `json:"strategy_version" db:"strategy_version"`
	GeneratedAt     time.Time            `json:"generated_at" db:"generated_at"`
	Sources         []ContributingSource `json:"contributing_sources"`
	Fingerprint     string               `json:"fingerprint" db:"fingerprint"`
	Outcome         *Outcome             `json:"outcome,omitempty" db:"outcome"`
	PnlPct          *float64             `json:"pnl_pct,omitempty" db:"pnl_pct"`
	OrderRefs       []OrderRef           `json:"order_refs,omitempty"`
}

// Validate checks the invariants a signal must satisfy before persistence.
func (s *Signal) Validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("signal_id is required")
	}
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if s.Action != ActionBuy && s.Action != ActionSell {
		return fmt.Errorf("action must be BUY or SELL, got %q", s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %f", s.Confidence)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("entry_price must be positive")
	}
	if s.GeneratedAt.IsZero() {
		return fmt.Errorf("generated_at is required")
	}
	if len(s.Fingerprint) != 64 {
		return fmt.Errorf("fingerprint must be 64 hex chars, got %d", len(s.Fingerprint))
	}
	return nil
}
