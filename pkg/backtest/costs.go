package backtest

import "github.com/pulsetrade/pulse/internal/config"

// Default cost parameters when the config leaves them zero.
const (
	defaultSlippagePct   = 0.0005
	defaultHalfSpreadPct = 0.0001
	defaultCommissionPct = 0.001
)

// CostModel converts reference prices into simulated fills. Slippage and
// half-spread move the fill against the trader; commission is charged per
// side on notional.
type CostModel struct {
	SlippagePct   float64
	HalfSpreadPct float64
	CommissionPct float64
}

// NewCostModel builds the model from config, falling back to defaults for
// unset fields.
func NewCostModel(cfg config.BacktestConfig) CostModel {
	m := CostModel{
		SlippagePct:   cfg.SlippagePct,
		HalfSpreadPct: cfg.HalfSpreadPct,
		CommissionPct: cfg.CommissionPct,
	}
	if m.SlippagePct == 0 {
		m.SlippagePct = defaultSlippagePct
	}
	if m.HalfSpreadPct == 0 {
		m.HalfSpreadPct = defaultHalfSpreadPct
	}
	if m.CommissionPct == 0 {
		m.CommissionPct = defaultCommissionPct
	}
	return m
}

// Fill returns the simulated execution price for a reference price. Buys
// pay up, sells receive less.
func (m CostModel) Fill(side string, ref float64) float64 {
	adj := m.SlippagePct + m.HalfSpreadPct
	if side == "BUY" {
		return ref * (1 + adj)
	}
	return ref * (1 - adj)
}

// NetReturnPct is the round-trip return of a filled trade after commission
// on both sides. side is the position side, LONG or SHORT.
func (m CostModel) NetReturnPct(side string, entryFill, exitFill float64) float64 {
	if entryFill <= 0 {
		return 0
	}
	gross := (exitFill - entryFill) / entryFill
	if side == "SHORT" {
		gross = -gross
	}
	return gross - 2*m.CommissionPct
}
