// Package opinion defines the per-source, per-cycle view of a symbol that
// data source adapters hand to the consensus engine. Opinions live for a
// single aggregation cycle and are never persisted.
package opinion

import (
	"time"
)

// Direction is a source's directional view of a symbol
type Direction string

const (
	Long    Direction = "LONG"
	Short   Direction = "SHORT"
	Neutral Direction = "NEUTRAL"
)

// Validity indicates whether an opinion is usable this cycle
type Validity string

const (
	ValidityOK          Validity = "OK"
	ValidityStale       Validity = "STALE"
	ValidityUnavailable Validity = "UNAVAILABLE"
)

// Opinion is one data source's view of a symbol in one cycle.
// Indicators is an opaque diagnostics bag; consensus never branches on it.
type Opinion struct {
	SourceID   string             `json:"source_id"`
	Symbol     string             `json:"symbol"`
	ProducedAt time.Time          `json:"produced_at"`
	Direction  Direction          `json:"direction"`
	Confidence float64            `json:"confidence"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Validity   Validity           `json:"validity"`
}

// Unavailable builds the opinion an adapter returns on timeout or upstream
// failure. The adapter boundary never surfaces errors, only this shape.
func Unavailable(sourceID, symbol string, now time.Time) Opinion {
	return Opinion{
		SourceID:   sourceID,
		Symbol:     symbol,
		ProducedAt: now,
		Direction:  Neutral,
		Confidence: 0,
		Validity:   ValidityUnavailable,
	}
}

// Usable reports whether the opinion participates in consensus.
func (o Opinion) Usable() bool {
	return o.Validity == ValidityOK
}

// Directional reports whether the opinion takes a side.
func (o Opinion) Directional() bool {
	return o.Direction == Long || o.Direction == Short
}
