package consensus

import (
	"fmt"
	"sort"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"
)

// Calibrator maps a raw consensus score to a reported confidence. All
// implementations are monotonic on [0,1] and immutable after construction;
// the Holder swaps whole instances.
type Calibrator interface {
	Apply(raw float64) float64
	Fitted() bool
}

// IdentityCalibrator passes raw scores through unchanged. It is the cold
// start and failure fallback; signals produced under it are tagged
// calibrated=false.
type IdentityCalibrator struct{}

// Apply implements Calibrator.
func (IdentityCalibrator) Apply(raw float64) float64 { return raw }

// Fitted implements Calibrator.
func (IdentityCalibrator) Fitted() bool { return false }

// FittedCalibrator is a monotonic piecewise-linear map derived from
// historical signal→outcome pairs by pooled-adjacent-violators regression
// over score buckets. It is fit on train+validation data only.
type FittedCalibrator struct {
	xs []float64 // bucket centers, ascending
	ys []float64 // calibrated values, non-decreasing
}

// OutcomePair is one historical (raw score, realized win) observation.
type OutcomePair struct {
	Raw float64
	Win bool
}

const calibrationBuckets = 10

// FitCalibrator fits a calibrator from outcome pairs. It needs enough data
// to populate at least two buckets; otherwise it returns an error and the
// caller keeps the identity calibration.
func FitCalibrator(pairs []OutcomePair) (*FittedCalibrator, error) {
	if len(pairs) < calibrationBuckets {
		return nil, fmt.Errorf("insufficient outcome pairs: %d", len(pairs))
	}

	type bucket struct {
		sumRaw float64
		wins   float64
		n      float64
	}
	buckets := make([]bucket, calibrationBuckets)
	for _, p := range pairs {
		idx := int(p.Raw * calibrationBuckets)
		if idx >= calibrationBuckets {
			idx = calibrationBuckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		buckets[idx].sumRaw += p.Raw
		buckets[idx].n++
		if p.Win {
			buckets[idx].wins++
		}
	}

	var xs, ys, ws []float64
	for _, b := range buckets {
		if b.n == 0 {
			continue
		}
		xs = append(xs, b.sumRaw/b.n)
		ys = append(ys, b.wins/b.n)
		ws = append(ws, b.n)
	}
	if len(xs) < 2 {
		return nil, fmt.Errorf("outcome pairs span too few buckets: %d", len(xs))
	}

	// Pooled adjacent violators: merge buckets until win rates are
	// non-decreasing in raw score.
	poolX, poolY, _ := pav(xs, ys, ws)

	return &FittedCalibrator{xs: poolX, ys: poolY}, nil
}

// pav enforces monotonicity by merging adjacent violating pools, weighting
// each pool's level by its observation count.
func pav(xs, ys, ws []float64) ([]float64, []float64, []float64) {
	type pool struct {
		x, y, w float64
	}
	pools := make([]pool, 0, len(xs))
	for i := range xs {
		pools = append(pools, pool{x: xs[i], y: ys[i], w: ws[i]})
		for len(pools) > 1 && pools[len(pools)-2].y > pools[len(pools)-1].y {
			a, b := pools[len(pools)-2], pools[len(pools)-1]
			merged := pool{
				x: stat.Mean([]float64{a.x, b.x}, []float64{a.w, b.w}),
				y: stat.Mean([]float64{a.y, b.y}, []float64{a.w, b.w}),
				w: a.w + b.w,
			}
			pools = pools[:len(pools)-2]
			pools = append(pools, merged)
		}
	}

	outX := make([]float64, len(pools))
	outY := make([]float64, len(pools))
	outW := make([]float64, len(pools))
	for i, p := range pools {
		outX[i], outY[i], outW[i] = p.x, p.y, p.w
	}
	return outX, outY, outW
}

// Apply implements Calibrator by linear interpolation between pool levels,
// clamped at the edges.
func (c *FittedCalibrator) Apply(raw float64) float64 {
	if len(c.xs) == 0 {
		return raw
	}
	if raw <= c.xs[0] {
		return c.ys[0]
	}
	if raw >= c.xs[len(c.xs)-1] {
		return c.ys[len(c.ys)-1]
	}
	i := sort.SearchFloat64s(c.xs, raw)
	x0, x1 := c.xs[i-1], c.xs[i]
	y0, y1 := c.ys[i-1], c.ys[i]
	if x1 == x0 {
		return y0
	}
	return y0 + (y1-y0)*(raw-x0)/(x1-x0)
}

// Fitted implements Calibrator.
func (c *FittedCalibrator) Fitted() bool { return true }

// Holder publishes the active calibrator with pointer-swap semantics, so the
// hot path reads without locking and refits install atomically.
type Holder struct {
	current atomic.Pointer[calibratorBox]
}

type calibratorBox struct {
	c Calibrator
}

// NewHolder starts with the identity calibration.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(&calibratorBox{c: IdentityCalibrator{}})
	return h
}

// Get returns the active calibrator.
func (h *Holder) Get() Calibrator {
	return h.current.Load().c
}

// Swap installs a new calibrator.
func (h *Holder) Swap(c Calibrator) {
	if c == nil {
		c = IdentityCalibrator{}
	}
	h.current.Store(&calibratorBox{c: c})
}
