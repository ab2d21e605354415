package market

import (
	"time"
)

// Calendar answers market-hours eligibility questions. Crypto symbols are
// always eligible; stocks follow the regular NYSE session unless the
// force-24/7 flag is set.
type Calendar struct {
	force247 bool
	location *time.Location
}

// NewCalendar creates a calendar. When force247 is true every symbol is
// treated as always tradable (used in tests and crypto-only deployments).
func NewCalendar(force247 bool) *Calendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// UTC-5 fallback when tzdata is unavailable; DST drift is accepted
		loc = time.FixedZone("EST", -5*3600)
	}
	return &Calendar{force247: force247, location: loc}
}

// IsOpen reports whether the symbol is eligible for signal generation at t.
func (c *Calendar) IsOpen(sym Symbol, t time.Time) bool {
	if c.force247 || sym.IsCrypto() {
		return true
	}
	return c.stockSessionOpen(t)
}

// stockSessionOpen checks the regular 09:30-16:00 ET weekday session.
func (c *Calendar) stockSessionOpen(t time.Time) bool {
	et := t.In(c.location)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, c.location)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, c.location)
	return !et.Before(open) && et.Before(close)
}
