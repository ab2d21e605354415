package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/opinion"
)

const (
	marketDataCoerceMin  = 0.60
	marketDataCoerceBump = 0.05
)

// vendorQuote is the wire shape of the vendor's quote+signal endpoint.
type vendorQuote struct {
	Symbol     string  `json:"symbol"`
	LastPrice  float64 `json:"last_price"`
	Direction  string  `json:"direction"` // "long", "short", "neutral"
	Confidence float64 `json:"confidence"`
	ATR        float64 `json:"atr"`
	AsOf       int64   `json:"as_of"` // unix millis
}

// MarketDataAdapter is the vendor market-data client. It doubles as the
// primary QuoteProvider for price anchoring, caching the last good quote per
// symbol.
type MarketDataAdapter struct {
	sourceID string
	cfg      config.SourceConfig
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	throttle *throttle
	log      zerolog.Logger

	mu     sync.RWMutex
	quotes map[string]vendorQuote
}

// NewMarketDataAdapter creates the vendor client. apiKey comes from the
// secret resolver; an empty key is allowed against sandbox endpoints.
func NewMarketDataAdapter(cfg config.SourceConfig, apiKey string, log zerolog.Logger) *MarketDataAdapter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "marketdata",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})

	return &MarketDataAdapter{
		sourceID: "marketdata",
		cfg:      cfg,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		throttle: newThrottle(cfg.RatePerMinute, log),
		log:      log,
		quotes:   make(map[string]vendorQuote),
	}
}

// SourceID implements Adapter.
func (a *MarketDataAdapter) SourceID() string { return a.sourceID }

// Fetch implements Adapter.
func (a *MarketDataAdapter) Fetch(ctx context.Context, sym market.Symbol, now time.Time) opinion.Opinion {
	if !a.throttle.allow() {
		return opinion.Unavailable(a.sourceID, sym.Ticker, now)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var quote vendorQuote
	err := withRetry(ctx, 3, 200*time.Millisecond, func() error {
		result, err := a.breaker.Execute(func() (interface{}, error) {
			return a.fetchQuote(ctx, sym.Ticker)
		})
		if err != nil {
			return err
		}
		quote = result.(vendorQuote)
		return nil
	})
	if err != nil {
		a.log.Warn().Err(err).Str("symbol", sym.Ticker).Msg("Market data fetch failed")
		return opinion.Unavailable(a.sourceID, sym.Ticker, now)
	}

	dir := parseDirection(quote.Direction)
	conf := quote.Confidence

	// Vendor tie-break mirrors the technical one at its own threshold. The
	// lean reads the previously cached quote, so it must run before the
	// fresh quote replaces it.
	if dir == opinion.Neutral && conf >= marketDataCoerceMin {
		if quote.LastPrice > 0 && quote.ATR > 0 {
			dir = a.momentumLean(sym.Ticker, quote)
			if dir != opinion.Neutral {
				conf = clampConf(conf + marketDataCoerceBump)
			}
		}
	}

	a.mu.Lock()
	a.quotes[sym.Ticker] = quote
	a.mu.Unlock()

	validity := opinion.ValidityOK
	if now.UnixMilli()-quote.AsOf > 2*a.cfg.Timeout.Milliseconds() {
		validity = opinion.ValidityStale
	}

	return opinion.Opinion{
		SourceID:   a.sourceID,
		Symbol:     sym.Ticker,
		ProducedAt: now,
		Direction:  dir,
		Confidence: conf,
		Indicators: map[string]float64{
			"last_price": quote.LastPrice,
			"atr":        quote.ATR,
		},
		Validity: validity,
	}
}

// LastPrice implements QuoteProvider from the cached quote, refreshing when
// the cache is empty.
func (a *MarketDataAdapter) LastPrice(ctx context.Context, symbol string) (float64, error) {
	a.mu.RLock()
	quote, ok := a.quotes[symbol]
	a.mu.RUnlock()
	if ok && quote.LastPrice > 0 {
		return quote.LastPrice, nil
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.fetchQuote(ctx, symbol)
	})
	if err != nil {
		return 0, fmt.Errorf("last price for %s: %w", symbol, err)
	}
	q := result.(vendorQuote)
	if q.LastPrice <= 0 {
		return 0, fmt.Errorf("last price for %s: vendor returned %f", symbol, q.LastPrice)
	}
	a.mu.Lock()
	a.quotes[symbol] = q
	a.mu.Unlock()
	return q.LastPrice, nil
}

// ATR returns the cached volatility estimate for stop/target derivation.
func (a *MarketDataAdapter) ATR(symbol string) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.quotes[symbol]
	if !ok || q.ATR <= 0 {
		return 0, false
	}
	return q.ATR, true
}

// fetchQuote performs one HTTP round trip. HTTP >= 500 and transport errors
// are transient; 4xx is permanent for the cycle.
func (a *MarketDataAdapter) fetchQuote(ctx context.Context, symbol string) (vendorQuote, error) {
	endpoint := fmt.Sprintf("%s/v1/quotes/%s", a.cfg.Endpoint, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return vendorQuote{}, fmt.Errorf("build request: %w", err)
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return vendorQuote{}, fmt.Errorf("vendor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return vendorQuote{}, fmt.Errorf("vendor returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return vendorQuote{}, fmt.Errorf("vendor rejected request: %d", resp.StatusCode)
	}

	var quote vendorQuote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return vendorQuote{}, fmt.Errorf("decode quote: %w", err)
	}
	return quote, nil
}

// momentumLean derives a side from the price change between the previous
// cached quote and the fresh one.
func (a *MarketDataAdapter) momentumLean(symbol string, fresh vendorQuote) opinion.Direction {
	a.mu.RLock()
	prev, ok := a.quotes[symbol]
	a.mu.RUnlock()
	if !ok || prev.LastPrice <= 0 || prev.AsOf >= fresh.AsOf {
		return opinion.Neutral
	}
	switch {
	case fresh.LastPrice > prev.LastPrice:
		return opinion.Long
	case fresh.LastPrice < prev.LastPrice:
		return opinion.Short
	default:
		return opinion.Neutral
	}
}

func parseDirection(s string) opinion.Direction {
	switch s {
	case "long", "LONG", "buy", "BUY":
		return opinion.Long
	case "short", "SHORT", "sell", "SELL":
		return opinion.Short
	default:
		return opinion.Neutral
	}
}
