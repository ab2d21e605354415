package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/opinion"
)

// newsSentiment is the vendor's aggregated news score for a symbol.
type newsSentiment struct {
	Symbol       string  `json:"symbol"`
	Score        float64 `json:"score"`         // -1..1, negative = bearish
	ArticleCount int     `json:"article_count"`
	AsOf         int64   `json:"as_of"`
}

// SentimentAdapter scores news flow. For stocks it is only active during the
// regular session; crypto is covered around the clock.
type SentimentAdapter struct {
	sourceID string
	cfg      config.SourceConfig
	apiKey   string
	client   *http.Client
	calendar *market.Calendar
	throttle *throttle
	log      zerolog.Logger
}

// NewSentimentAdapter creates the news sentiment source.
func NewSentimentAdapter(cfg config.SourceConfig, apiKey string, calendar *market.Calendar, log zerolog.Logger) *SentimentAdapter {
	return &SentimentAdapter{
		sourceID: "sentiment",
		cfg:      cfg,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		calendar: calendar,
		throttle: newThrottle(cfg.RatePerMinute, log),
		log:      log,
	}
}

// SourceID implements Adapter.
func (a *SentimentAdapter) SourceID() string { return a.sourceID }

// Fetch implements Adapter.
func (a *SentimentAdapter) Fetch(ctx context.Context, sym market.Symbol, now time.Time) opinion.Opinion {
	// Sentiment is only meaningful while the underlying market trades.
	if !sym.IsCrypto() && !a.calendar.IsOpen(sym, now) {
		return opinion.Unavailable(a.sourceID, sym.Ticker, now)
	}
	if !a.throttle.allow() {
		return opinion.Unavailable(a.sourceID, sym.Ticker, now)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var sent newsSentiment
	err := withRetry(ctx, 2, 300*time.Millisecond, func() error {
		s, err := a.fetchSentiment(ctx, sym.Ticker)
		if err != nil {
			return err
		}
		sent = s
		return nil
	})
	if err != nil {
		a.log.Warn().Err(err).Str("symbol", sym.Ticker).Msg("Sentiment fetch failed")
		return opinion.Unavailable(a.sourceID, sym.Ticker, now)
	}

	dir := opinion.Neutral
	switch {
	case sent.Score > 0.15:
		dir = opinion.Long
	case sent.Score < -0.15:
		dir = opinion.Short
	}

	// Confidence scales with score magnitude, damped by thin coverage.
	conf := sent.Score
	if conf < 0 {
		conf = -conf
	}
	if sent.ArticleCount < 5 {
		conf *= 0.6
	}

	return opinion.Opinion{
		SourceID:   a.sourceID,
		Symbol:     sym.Ticker,
		ProducedAt: now,
		Direction:  dir,
		Confidence: clampConf(conf),
		Indicators: map[string]float64{
			"score":         sent.Score,
			"article_count": float64(sent.ArticleCount),
		},
		Validity: opinion.ValidityOK,
	}
}

func (a *SentimentAdapter) fetchSentiment(ctx context.Context, symbol string) (newsSentiment, error) {
	endpoint := fmt.Sprintf("%s/v1/sentiment/%s", a.cfg.Endpoint, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newsSentiment{}, fmt.Errorf("build request: %w", err)
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return newsSentiment{}, fmt.Errorf("sentiment request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return newsSentiment{}, fmt.Errorf("sentiment vendor returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return newsSentiment{}, fmt.Errorf("sentiment vendor rejected request: %d", resp.StatusCode)
	}

	var sent newsSentiment
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		return newsSentiment{}, fmt.Errorf("decode sentiment: %w", err)
	}
	return sent, nil
}
