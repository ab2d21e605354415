package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"github.com/pulsetrade/pulse/internal/market"
)

// CandleFeed supplies recent closed candles for a symbol. The generator
// pulls once per cycle and appends to the rolling history.
type CandleFeed interface {
	Recent(ctx context.Context, sym market.Symbol, limit int) ([]market.Candle, error)
}

// BinanceFeed reads klines for crypto symbols.
type BinanceFeed struct {
	client *binance.Client
}

// NewBinanceFeed wraps an authenticated or public binance client.
func NewBinanceFeed(client *binance.Client) *BinanceFeed {
	return &BinanceFeed{client: client}
}

// Recent implements CandleFeed over 1m klines.
func (f *BinanceFeed) Recent(ctx context.Context, sym market.Symbol, limit int) ([]market.Candle, error) {
	klines, err := f.client.NewKlinesService().
		Symbol(sym.Ticker).
		Interval("1m").
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines for %s: %w", sym.Ticker, err)
	}

	out := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := candleFromKline(k)
		if err != nil {
			return nil, fmt.Errorf("binance kline for %s: %w", sym.Ticker, err)
		}
		c.Symbol = sym.Ticker
		out = append(out, c)
	}
	return out, nil
}

func candleFromKline(k *binance.Kline) (market.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return market.Candle{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return market.Candle{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return market.Candle{}, err
	}
	closeP, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return market.Candle{}, err
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return market.Candle{}, err
	}
	return market.Candle{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    vol,
	}, nil
}

// VendorFeed reads candles for stock symbols from the market data vendor.
type VendorFeed struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewVendorFeed builds a feed against the vendor's candle endpoint.
func NewVendorFeed(endpoint, apiKey string, timeout time.Duration) *VendorFeed {
	return &VendorFeed{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type vendorCandle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Recent implements CandleFeed.
func (f *VendorFeed) Recent(ctx context.Context, sym market.Symbol, limit int) ([]market.Candle, error) {
	url := fmt.Sprintf("%s/v1/candles/%s?limit=%d", f.endpoint, sym.Ticker, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build candle request for %s: %w", sym.Ticker, err)
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch candles for %s: %w", sym.Ticker, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch candles for %s: status %d", sym.Ticker, resp.StatusCode)
	}

	var payload struct {
		Candles []vendorCandle `json:"candles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode candles for %s: %w", sym.Ticker, err)
	}

	out := make([]market.Candle, 0, len(payload.Candles))
	for _, c := range payload.Candles {
		out = append(out, market.Candle{
			Symbol:    sym.Ticker,
			Timestamp: c.Timestamp.UTC(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return out, nil
}

// SplitFeed routes crypto symbols to binance and everything else to the
// vendor feed.
type SplitFeed struct {
	Crypto CandleFeed
	Stock  CandleFeed
}

// Recent implements CandleFeed.
func (f *SplitFeed) Recent(ctx context.Context, sym market.Symbol, limit int) ([]market.Candle, error) {
	if sym.IsCrypto() {
		return f.Crypto.Recent(ctx, sym, limit)
	}
	return f.Stock.Recent(ctx, sym, limit)
}
