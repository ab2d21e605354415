package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityCalibrator(t *testing.T) {
	c := IdentityCalibrator{}
	assert.False(t, c.Fitted())
	assert.Equal(t, 0.73, c.Apply(0.73))
}

func TestFitCalibratorRejectsThinData(t *testing.T) {
	_, err := FitCalibrator(nil)
	require.Error(t, err)

	// Plenty of pairs, but all in one bucket.
	pairs := make([]OutcomePair, 50)
	for i := range pairs {
		pairs[i] = OutcomePair{Raw: 0.85, Win: i%2 == 0}
	}
	_, err = FitCalibrator(pairs)
	require.Error(t, err)
}

func TestFitCalibratorIsMonotonic(t *testing.T) {
	// Win rate deliberately dips in the middle bucket; PAV must smooth it
	// into a non-decreasing map.
	var pairs []OutcomePair
	add := func(raw float64, wins, losses int) {
		for i := 0; i < wins; i++ {
			pairs = append(pairs, OutcomePair{Raw: raw, Win: true})
		}
		for i := 0; i < losses; i++ {
			pairs = append(pairs, OutcomePair{Raw: raw, Win: false})
		}
	}
	add(0.45, 4, 6)
	add(0.55, 8, 2) // violator: higher than the bucket above it
	add(0.65, 5, 5)
	add(0.75, 7, 3)
	add(0.85, 9, 1)

	c, err := FitCalibrator(pairs)
	require.NoError(t, err)
	assert.True(t, c.Fitted())

	prev := -1.0
	for raw := 0.0; raw <= 1.0; raw += 0.01 {
		v := c.Apply(raw)
		assert.GreaterOrEqual(t, v, prev, "calibration must be non-decreasing at %f", raw)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
		prev = v
	}
}

func TestFittedCalibratorInterpolatesAndClamps(t *testing.T) {
	c := &FittedCalibrator{xs: []float64{0.4, 0.8}, ys: []float64{0.3, 0.7}}
	assert.InDelta(t, 0.3, c.Apply(0.1), 1e-9)  // below the first pool
	assert.InDelta(t, 0.7, c.Apply(0.95), 1e-9) // above the last pool
	assert.InDelta(t, 0.5, c.Apply(0.6), 1e-9)  // midpoint interpolation
}

func TestHolderSwap(t *testing.T) {
	h := NewHolder()
	assert.False(t, h.Get().Fitted())

	fit := &FittedCalibrator{xs: []float64{0, 1}, ys: []float64{0.1, 0.9}}
	h.Swap(fit)
	assert.True(t, h.Get().Fitted())

	// nil resets to identity rather than crashing the hot path.
	h.Swap(nil)
	assert.False(t, h.Get().Fitted())
}
