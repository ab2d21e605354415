package backtest

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulsetrade/pulse/internal/store"
)

// Report is the YAML-renderable view of a run.
type Report struct {
	RunID           string              `yaml:"run_id"`
	Symbol          string              `yaml:"symbol"`
	StrategyVersion string              `yaml:"strategy_version"`
	From            time.Time           `yaml:"from"`
	To              time.Time           `yaml:"to"`
	Calibrated      bool                `yaml:"calibrated"`
	Phases          []PhaseSummary      `yaml:"phases"`
	Metrics         Metrics             `yaml:"metrics"`
	Reliability     []ReliabilityBucket `yaml:"reliability,omitempty"`
}

// PhaseSummary is the per-segment slice of the report.
type PhaseSummary struct {
	Name    string         `yaml:"name"`
	Bars    int            `yaml:"bars"`
	Signals int            `yaml:"signals"`
	Trades  int            `yaml:"trades"`
	Drops   map[string]int `yaml:"drops,omitempty"`
}

// BuildReport flattens a result for rendering and persistence.
func BuildReport(res *Result) *Report {
	rep := &Report{
		RunID:           res.RunID,
		Symbol:          res.Symbol,
		StrategyVersion: res.StrategyVersion,
		From:            res.From,
		To:              res.To,
		Calibrated:      res.Calibrated,
		Metrics:         res.Metrics,
		Reliability:     res.Reliability,
	}
	for _, ph := range []PhaseResult{res.Train, res.Val, res.Test} {
		rep.Phases = append(rep.Phases, PhaseSummary{
			Name:    ph.Name,
			Bars:    ph.Bars,
			Signals: ph.Signals,
			Trades:  len(ph.Trades),
			Drops:   ph.Drops,
		})
	}
	return rep
}

// YAML renders the report.
func (r *Report) YAML() ([]byte, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("render backtest report: %w", err)
	}
	return out, nil
}

// SaveRun persists the run and its rendered report so past backtests are
// queryable next to the signals they scored.
func SaveRun(ctx context.Context, db *store.Store, res *Result, startedAt, finishedAt time.Time) error {
	if err := db.StartBacktestRun(ctx, &store.BacktestRun{
		RunID:           res.RunID,
		StrategyVersion: res.StrategyVersion,
		StartedAt:       startedAt,
		FromTS:          res.From,
		ToTS:            res.To,
	}); err != nil {
		return err
	}
	rendered, err := BuildReport(res).YAML()
	if err != nil {
		return err
	}
	return db.FinishBacktestRun(ctx, res.RunID, string(rendered), finishedAt)
}
