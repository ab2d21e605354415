// Package strategy tracks the versioned rule set that stamps every signal.
// Bumping the version fences backtest results and calibrations from signals
// produced under different rules.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Entry describes one released rule set.
type Entry struct {
	Version *semver.Version
	Notes   string
}

// Registry is the in-process version catalog. The active version comes from
// config and must be registered here, so a typo fails at startup instead of
// stamping signals with an unknown version.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	active  *semver.Version
}

// NewRegistry seeds the catalog with the released versions.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]Entry)}
	r.mustRegister("1.0.0", "initial weighted consensus rules")
	r.mustRegister("1.1.0", "regime tie-break and NEUTRAL coercion in adapters")
	r.mustRegister("1.2.0", "crisis stop tightening")
	r.mustRegister("1.3.0", "confidence calibration from backtest outcomes")
	r.mustRegister("1.4.0", "per-track source weights for crypto symbols")
	return r
}

func (r *Registry) mustRegister(version, notes string) {
	v, err := semver.NewVersion(version)
	if err != nil {
		panic(fmt.Sprintf("bad registry version %q: %v", version, err))
	}
	r.entries[v.String()] = Entry{Version: v, Notes: notes}
}

// Activate selects the running version.
func (r *Registry) Activate(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("parse strategy version %q: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[v.String()]
	if !ok {
		return fmt.Errorf("strategy version %s is not registered", v)
	}
	r.active = e.Version
	return nil
}

// Active returns the running version string.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return ""
	}
	return r.active.String()
}

// Compatible reports whether results produced under other can be compared
// with the active version. Only a major bump breaks comparability.
func (r *Registry) Compatible(other string) bool {
	v, err := semver.NewVersion(other)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active != nil && r.active.Major() == v.Major()
}

// Versions lists registered versions in ascending order.
func (r *Registry) Versions() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version.LessThan(out[j].Version) })
	return out
}
