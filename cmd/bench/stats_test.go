package bench

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStats(t *testing.T) {
	assert.Equal(t, Stats{}, NewStats(nil))

	stats := NewStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.Equal(t, 2.0, stats.Min)
	assert.Equal(t, 9.0, stats.Max)
	assert.Equal(t, 5.0, stats.Mean)
	assert.InDelta(t, 2.0, stats.StdDeviation, 1e-9)
	assert.InDelta(t, 2.0/9.0, stats.MinMaxRatio, 1e-9)
}

func TestNewFairnessStats(t *testing.T) {
	even := NewFairnessStats([]float64{10, 10, 10, 10})
	assert.InDelta(t, 1.0, even.Fairness, 1e-9)

	starved := NewFairnessStats([]float64{40, 0, 0, 0})
	assert.Less(t, starved.Fairness, 0.1)

	skewed := NewFairnessStats([]float64{12, 10, 9, 9})
	assert.Less(t, skewed.Fairness, even.Fairness)
	assert.Greater(t, skewed.Fairness, starved.Fairness)

	// all zero counts carry no signal
	zero := NewFairnessStats([]float64{0, 0})
	assert.InDelta(t, 1.0, zero.Fairness, 1e-9)
}
