package config

import (
	"fmt"
	"strings"
)

// Validate performs comprehensive validation of the configuration. Any error
// returned here is fatal at startup: the process refuses to come up ready on
// a bad document.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}
	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Sprintf("app.environment must be development, staging or production, got %q", c.App.Environment))
	}

	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	if c.Generation.CycleInterval <= 0 {
		errs = append(errs, "generation.cycle_interval must be positive")
	}
	if c.Generation.CycleDeadline <= c.Generation.CycleInterval/2 {
		// The deadline must exceed the slowest adapter timeout; half the
		// cadence is the floor enforced here.
		for _, src := range c.Sources {
			if src.Enabled && src.Timeout >= c.Generation.CycleDeadline {
				errs = append(errs, "generation.cycle_deadline must exceed every adapter timeout")
				break
			}
		}
	}

	for name, src := range c.Sources {
		if !src.Enabled {
			continue
		}
		if src.WeightStock < 0 || src.WeightCrypto < 0 {
			errs = append(errs, fmt.Sprintf("sources.%s: weights must be non-negative", name))
		}
		if src.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("sources.%s: timeout must be positive", name))
		}
		if src.RatePerMinute <= 0 {
			errs = append(errs, fmt.Sprintf("sources.%s: rate_per_minute must be positive", name))
		}
	}

	if len(c.Executors) == 0 {
		errs = append(errs, "at least one executor must be configured")
	}
	for name, ex := range c.Executors {
		if ex.Kind != ExecutorKindStandard && ex.Kind != ExecutorKindPropFirm {
			errs = append(errs, fmt.Sprintf("executors.%s.kind must be STANDARD or PROP_FIRM", name))
		}
		if ex.MinConfidence < 0 || ex.MinConfidence > 1 {
			errs = append(errs, fmt.Sprintf("executors.%s.min_confidence out of range", name))
		}
		if ex.MaxPositions <= 0 {
			errs = append(errs, fmt.Sprintf("executors.%s.max_positions must be positive", name))
		}
		if ex.MaxPositionPct <= 0 || ex.MaxPositionPct > 1 {
			errs = append(errs, fmt.Sprintf("executors.%s.max_position_pct must be in (0,1]", name))
		}
		if ex.DailyLossLimitPct <= 0 || ex.DailyLossLimitPct > 1 {
			errs = append(errs, fmt.Sprintf("executors.%s.daily_loss_limit_pct must be in (0,1]", name))
		}
		if ex.MaxDrawdownPct <= 0 || ex.MaxDrawdownPct > 1 {
			errs = append(errs, fmt.Sprintf("executors.%s.max_drawdown_pct must be in (0,1]", name))
		}
		switch ex.ShortPolicy {
		case "", "noop", "open_short":
		default:
			errs = append(errs, fmt.Sprintf("executors.%s.short_policy must be noop or open_short", name))
		}
	}

	for _, ws := range c.Generation.Watchlist {
		if ws.Class != "STOCK" && ws.Class != "CRYPTO" {
			errs = append(errs, fmt.Sprintf("watchlist entry %q: class must be STOCK or CRYPTO", ws.Ticker))
		}
	}

	if c.Risk.MonitorInterval <= 0 {
		errs = append(errs, "risk.monitor_interval must be positive")
	}
	if c.Risk.SnapshotTTL <= 0 {
		errs = append(errs, "risk.snapshot_ttl must be positive")
	}

	if c.Backtest.TrainPct+c.Backtest.ValPct >= 1.0 {
		errs = append(errs, "backtest.train_pct + backtest.val_pct must leave room for the test split")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port invalid: %d", c.API.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration invalid:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
