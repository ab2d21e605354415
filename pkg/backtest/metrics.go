package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Metrics summarizes the test-segment trades.
type Metrics struct {
	Trades         int     `yaml:"trades" json:"trades"`
	Wins           int     `yaml:"wins" json:"wins"`
	WinRate        float64 `yaml:"win_rate" json:"win_rate"`
	AvgReturnPct   float64 `yaml:"avg_return_pct" json:"avg_return_pct"`
	Sharpe         float64 `yaml:"sharpe" json:"sharpe"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	ProfitFactor   float64 `yaml:"profit_factor" json:"profit_factor"`
}

// ComputeMetrics scores a set of round trips. Sharpe is per trade, not
// annualized; drawdown is measured on the compounded equity curve in trade
// order.
func ComputeMetrics(trades []Trade) Metrics {
	m := Metrics{Trades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	returns := make([]float64, len(trades))
	var grossWin, grossLoss float64
	for i, t := range trades {
		returns[i] = t.NetReturnPct
		if t.Win {
			m.Wins++
			grossWin += t.NetReturnPct
		} else {
			grossLoss += -t.NetReturnPct
		}
	}
	m.WinRate = float64(m.Wins) / float64(len(trades))
	m.AvgReturnPct = stat.Mean(returns, nil)

	if sd := stat.StdDev(returns, nil); sd > 0 && !math.IsNaN(sd) {
		m.Sharpe = m.AvgReturnPct / sd
	}

	equity, peak := 1.0, 1.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > m.MaxDrawdownPct {
			m.MaxDrawdownPct = dd
		}
	}

	switch {
	case grossLoss > 0:
		m.ProfitFactor = grossWin / grossLoss
	case grossWin > 0:
		m.ProfitFactor = math.Inf(1)
	}
	return m
}
