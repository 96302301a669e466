package bench

import (
	"math"
)

// ----------------------------------------------------------------------------
// Fairness statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes the standard deviation, minimum, maximum and mean
// of the given values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	minV, maxV := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	mean := sum / float64(len(values))

	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	// population standard deviation
	stdDev := math.Sqrt(sumSquaredDiffs / float64(len(values)))

	minMaxRatio := 1.0
	if maxV > 0 {
		minMaxRatio = minV / maxV
	}

	return Stats{
		StdDeviation: stdDev,
		Min:          minV,
		Max:          maxV,
		Mean:         mean,
		MinMaxRatio:  minMaxRatio,
	}
}

// FairnessStats describes how evenly a lock was handed out to the workers
type FairnessStats struct {
	Stats
	Fairness float64 `json:"fairness"`
}

// NewFairnessStats computes the fairness of the given per-worker acquisition counts.
// A fairness of 1 means every worker got the lock equally often.
func NewFairnessStats(acquisitions []float64) FairnessStats {
	stats := NewStats(acquisitions)

	// coefficient of variation
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	// lower cv and higher min/max ratio -> fairer
	fairness := (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5

	return FairnessStats{
		Stats:    stats,
		Fairness: fairness,
	}
}
