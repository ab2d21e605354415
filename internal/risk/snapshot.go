package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsetrade/pulse/internal/config"
)

// AccountSnapshot is the point-in-time account view the guard evaluates
// limits against.
type AccountSnapshot struct {
	ExecutorID       string    `json:"executor_id"`
	Equity           float64   `json:"equity"`
	DayStartEquity   float64   `json:"day_start_equity"`
	PeakEquity       float64   `json:"peak_equity"`
	OpenPositions    int       `json:"open_positions"`
	RealizedPnlToday float64   `json:"realized_pnl_today"`
	TakenAt          time.Time `json:"taken_at"`
}

// ErrSnapshotStale is returned when the cached snapshot is older than the
// configured TTL. Strict-accounting executors treat it as a trade rejection.
var ErrSnapshotStale = errors.New("account snapshot is stale")

// ErrSnapshotMissing is returned when no snapshot has been cached yet.
var ErrSnapshotMissing = errors.New("account snapshot missing")

// SnapshotCache keeps the freshest snapshot per executor in redis so the
// pre-trade gate never queries the broker inline.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache wraps the redis client.
func NewSnapshotCache(rdb *redis.Client, cfg config.RiskConfig) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: cfg.SnapshotTTL}
}

func snapshotKey(executorID string) string {
	return "pulse:risk:snapshot:" + executorID
}

// Put caches a snapshot under the staleness TTL plus slack, so Get can
// distinguish stale from missing.
func (c *SnapshotCache) Put(ctx context.Context, snap *AccountSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", snap.ExecutorID, err)
	}
	if err := c.rdb.Set(ctx, snapshotKey(snap.ExecutorID), raw, 10*c.ttl).Err(); err != nil {
		return fmt.Errorf("cache snapshot for %s: %w", snap.ExecutorID, err)
	}
	return nil
}

// Get returns the cached snapshot. A snapshot older than the TTL comes back
// with ErrSnapshotStale alongside the data, so relaxed callers can still use
// it while strict ones reject.
func (c *SnapshotCache) Get(ctx context.Context, executorID string) (*AccountSnapshot, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey(executorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot for %s: %w", executorID, err)
	}
	var snap AccountSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", executorID, err)
	}
	if time.Since(snap.TakenAt) > c.ttl {
		return &snap, ErrSnapshotStale
	}
	return &snap, nil
}
