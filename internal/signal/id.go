package signal

import (
	"fmt"
	"sync"
	"time"
)

// IDGenerator issues globally unique, time-ordered signal ids. Ids are
// fixed-width ("SIG-<19-digit unix nanos>-<6-digit seq>") so lexicographic
// order follows generation order, which the store's ordered reads rely on.
type IDGenerator struct {
	mu     sync.Mutex
	lastNS int64
	seq    int
	now    func() time.Time
}

// NewIDGenerator creates a generator backed by the wall clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// NewIDGeneratorWithClock creates a generator with an injected clock, used by
// the backtester for deterministic replay.
func NewIDGeneratorWithClock(now func() time.Time) *IDGenerator {
	return &IDGenerator{now: now}
}

// Next returns the next id. Calls within the same nanosecond bump a sequence
// counter; a clock step backwards reuses the last timestamp to preserve
// monotonicity.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ns := g.now().UTC().UnixNano()
	if ns <= g.lastNS {
		ns = g.lastNS
		g.seq++
	} else {
		g.lastNS = ns
		g.seq = 0
	}
	return fmt.Sprintf("SIG-%019d-%06d", ns, g.seq)
}
