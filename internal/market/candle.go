package market

import (
	"sync"
	"time"
)

// Candle represents OHLCV data for a time period
type Candle struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Open      float64   `json:"open" db:"open"`
	High      float64   `json:"high" db:"high"`
	Low       float64   `json:"low" db:"low"`
	Close     float64   `json:"close" db:"close"`
	Volume    float64   `json:"volume" db:"volume"`
}

// History is a bounded rolling window of candles for one symbol. It is safe
// for one writer and many readers.
type History struct {
	mu      sync.RWMutex
	symbol  string
	maxSize int
	candles []Candle
}

// NewHistory creates a rolling window capped at maxSize candles.
func NewHistory(symbol string, maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &History{
		symbol:  symbol,
		maxSize: maxSize,
		candles: make([]Candle, 0, maxSize),
	}
}

// Append adds a candle, evicting the oldest when the window is full.
func (h *History) Append(c Candle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.candles = append(h.candles, c)
	if len(h.candles) > h.maxSize {
		h.candles = h.candles[len(h.candles)-h.maxSize:]
	}
}

// Len returns the number of candles currently held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.candles)
}

// Closes returns up to n most recent closing prices, oldest first.
func (h *History) Closes(n int) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if n > 0 && len(h.candles) > n {
		start = len(h.candles) - n
	}
	out := make([]float64, 0, len(h.candles)-start)
	for _, c := range h.candles[start:] {
		out = append(out, c.Close)
	}
	return out
}

// Last returns the most recent candle and whether one exists.
func (h *History) Last() (Candle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.candles) == 0 {
		return Candle{}, false
	}
	return h.candles[len(h.candles)-1], true
}

// Window returns up to n most recent candles, oldest first.
func (h *History) Window(n int) []Candle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if n > 0 && len(h.candles) > n {
		start = len(h.candles) - n
	}
	out := make([]Candle, len(h.candles)-start)
	copy(out, h.candles[start:])
	return out
}
