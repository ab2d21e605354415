// Package market provides symbol classification, trading-hours gating and
// rolling price history shared by adapters, the regime detector and the
// backtester.
package market

import (
	"fmt"
	"strings"
)

// AssetClass classifies a symbol for market-hours eligibility
type AssetClass string

const (
	AssetStock  AssetClass = "STOCK"
	AssetCrypto AssetClass = "CRYPTO"
)

// Symbol is an uppercase ticker with its asset class
type Symbol struct {
	Ticker string     `json:"ticker" mapstructure:"ticker"`
	Class  AssetClass `json:"class" mapstructure:"class"`
}

// NewSymbol validates and normalizes a ticker/class pair
func NewSymbol(ticker string, class AssetClass) (Symbol, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return Symbol{}, fmt.Errorf("ticker cannot be empty")
	}
	switch class {
	case AssetStock, AssetCrypto:
	default:
		return Symbol{}, fmt.Errorf("unknown asset class: %q", class)
	}
	return Symbol{Ticker: ticker, Class: class}, nil
}

// String returns the ticker
func (s Symbol) String() string {
	return s.Ticker
}

// IsCrypto reports whether the symbol trades around the clock
func (s Symbol) IsCrypto() bool {
	return s.Class == AssetCrypto
}
