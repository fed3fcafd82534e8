// Package behavior scores per-user feature vectors against learned
// baselines and maintains the baseline models themselves. Baselines are
// immutable snapshots replaced wholesale on retraining; readers always
// see either the old or the fully replaced model, never a mix.
package behavior

import (
	"math"
	"sort"
	"time"

	"threatlens/internal/schema"
)

// MinBaselineSamples is the minimum number of feature vectors required
// to train a baseline. Updates with fewer samples are ignored.
const MinBaselineSamples = 10

// zSaturation is the mean absolute z-score at which the decision value
// bottoms out at -1 (maximally anomalous).
const zSaturation = 4.0

// featureStat holds the per-feature moments of a trained baseline.
type featureStat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// BaselineSnapshot is an immutable per-user reference model of normal
// behavior. The feature schema is fixed at training time; scoring
// treats keys absent from the input vector as zero-valued.
type BaselineSnapshot struct {
	UserID      string                 `json:"user_id"`
	Features    map[string]featureStat `json:"features"`
	SampleCount int                    `json:"sample_count"`
	TrainedAt   time.Time              `json:"trained_at"`
}

// TrainBaseline builds a snapshot from historical feature vectors.
// Returns nil when there are too few samples; callers treat that as a
// no-op, not an error.
func TrainBaseline(userID string, samples []schema.FeatureVector) *BaselineSnapshot {
	if len(samples) < MinBaselineSamples {
		return nil
	}

	// Fixed schema: the union of keys seen across the training set.
	keys := make(map[string]struct{})
	for _, s := range samples {
		for k := range s {
			keys[k] = struct{}{}
		}
	}

	stats := make(map[string]featureStat, len(keys))
	for k := range keys {
		var sum float64
		for _, s := range samples {
			sum += s[k] // absent key reads as zero
		}
		mean := sum / float64(len(samples))

		var ss float64
		for _, s := range samples {
			d := s[k] - mean
			ss += d * d
		}
		stats[k] = featureStat{
			Mean: mean,
			Std:  math.Sqrt(ss / float64(len(samples))),
		}
	}

	return &BaselineSnapshot{
		UserID:      userID,
		Features:    stats,
		SampleCount: len(samples),
		TrainedAt:   time.Now().UTC(),
	}
}

// Decision computes a raw decision value in [-1, 1] for a feature
// vector, where higher means more consistent with the baseline. Keys
// missing from the input are scored as zero; keys unknown to the
// baseline are ignored.
func (b *BaselineSnapshot) Decision(features schema.FeatureVector) float64 {
	if len(b.Features) == 0 {
		return 1.0
	}

	var total float64
	for name, stat := range b.Features {
		v := features.Get(name)
		dev := math.Abs(v - stat.Mean)
		if stat.Std > 0 {
			total += dev / stat.Std
		} else if dev > 0 {
			// Zero training variance: any deviation saturates.
			total += zSaturation
		}
	}
	meanZ := total / float64(len(b.Features))

	return 1.0 - 2.0*math.Min(1.0, meanZ/zSaturation)
}

// FeatureNames returns the snapshot's fixed feature schema, sorted.
func (b *BaselineSnapshot) FeatureNames() []string {
	names := make([]string, 0, len(b.Features))
	for k := range b.Features {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
