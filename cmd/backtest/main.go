// backtest replays historical candles through the production signal path
// and reports out-of-sample performance.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/store"
	"github.com/pulsetrade/pulse/pkg/backtest"
)

var (
	configPath = flag.String("config", "", "path to config file")
	ticker     = flag.String("symbol", "", "symbol to backtest (required)")
	class      = flag.String("class", "CRYPTO", "asset class, STOCK or CRYPTO")
	candleFile = flag.String("candles", "", "CSV candle file: timestamp,open,high,low,close,volume (required)")
	outputFile = flag.String("output", "", "write the YAML report here instead of stdout")
	save       = flag.Bool("save", false, "persist the run and report to the signal store")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "backtest:", err)
		os.Exit(1)
	}
}

func run() error {
	if *ticker == "" || *candleFile == "" {
		flag.Usage()
		return fmt.Errorf("-symbol and -candles are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	sym, err := market.NewSymbol(*ticker, market.AssetClass(*class))
	if err != nil {
		return err
	}

	candles, err := loadCandles(*candleFile, sym.Ticker)
	if err != nil {
		return err
	}

	runner, err := backtest.NewRunner(backtest.Config{
		Symbol:          sym,
		Consensus:       cfg.Consensus,
		Sources:         cfg.Sources,
		Regime:          cfg.Regime,
		Costs:           cfg.Backtest,
		StrategyVersion: cfg.App.StrategyVersion,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	startedAt := time.Now().UTC()
	res, err := runner.Run(ctx, candles)
	if err != nil {
		return err
	}
	finishedAt := time.Now().UTC()

	rendered, err := backtest.BuildReport(res).YAML()
	if err != nil {
		return err
	}

	if *save {
		db, derr := store.Open(cfg.Store)
		if derr != nil {
			return derr
		}
		defer db.Close()
		if derr := backtest.SaveRun(ctx, db, res, startedAt, finishedAt); derr != nil {
			return derr
		}
	}

	if *outputFile != "" {
		return os.WriteFile(*outputFile, rendered, 0o644)
	}
	_, err = os.Stdout.Write(rendered)
	return err
}

// loadCandles reads a timestamp,open,high,low,close,volume CSV. The
// timestamp column accepts RFC3339 or unix seconds. A header row is skipped.
func loadCandles(path, symbol string) ([]market.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	var out []market.Candle
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}

		ts, err := parseTimestamp(rec[0])
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}

		vals := make([]float64, 5)
		for i := 0; i < 5; i++ {
			if vals[i], err = strconv.ParseFloat(rec[i+1], 64); err != nil {
				return nil, fmt.Errorf("%s line %d col %d: %w", path, line, i+2, err)
			}
		}
		out = append(out, market.Candle{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s holds no candles", path)
	}
	return out, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return time.Unix(secs, 0).UTC(), nil
}
