// Package adapters contains the per-vendor data source clients. Every
// adapter maps (symbol, now) to a single-cycle opinion; failures surface as
// validity=UNAVAILABLE, never as errors crossing the adapter boundary.
package adapters

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pulsetrade/pulse/internal/market"
	"github.com/pulsetrade/pulse/internal/opinion"
)

// Adapter is a single data source capability.
type Adapter interface {
	// SourceID is the stable identifier used for weights and diagnostics.
	SourceID() string
	// Fetch produces this source's opinion for one cycle. Implementations
	// honor ctx and their own hard timeout, and map every failure to an
	// UNAVAILABLE opinion.
	Fetch(ctx context.Context, sym market.Symbol, now time.Time) opinion.Opinion
}

// Registry is the ordered set of enabled adapters for one deployment.
type Registry struct {
	adapters []Adapter
	primary  QuoteProvider
}

// QuoteProvider serves the most recent trade price; the primary market-data
// adapter implements it and consensus uses it for price anchoring.
type QuoteProvider interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// NewRegistry builds a registry; primary may be nil in backtests where the
// replay feed anchors prices itself.
func NewRegistry(primary QuoteProvider, adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters, primary: primary}
}

// All returns the registered adapters.
func (r *Registry) All() []Adapter {
	return r.adapters
}

// Primary returns the price-anchoring quote provider.
func (r *Registry) Primary() QuoteProvider {
	return r.primary
}

// throttle wraps the local rate-limit bookkeeping each adapter owns. A
// non-blocking Allow keeps rate pressure from stretching cycle deadlines.
type throttle struct {
	limiter *rate.Limiter
	log     zerolog.Logger
}

func newThrottle(perMinute int, log zerolog.Logger) *throttle {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute/6+1),
		log:     log,
	}
}

// allow reports whether a call may proceed this cycle.
func (t *throttle) allow() bool {
	if t.limiter.Allow() {
		return true
	}
	t.log.Debug().Msg("Rate limit exceeded, skipping cycle")
	return false
}

// withRetry runs fn with capped exponential backoff inside ctx. Transient
// failures stay inside the adapter; the last error is returned for logging
// only.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		// Full jitter keeps concurrent per-symbol cycles from thundering.
		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
	return err
}
