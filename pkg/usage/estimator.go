package usage

import (
	"time"

	"github.com/platinummonkey/strata/pkg/store"
)

// Sample is one operation's usage observation.
type Sample struct {
	TenantID    string
	Store       store.Kind
	Command     string
	Duration    time.Duration
	Complexity  float64
	Parallelism int
	At          time.Time
}

// Estimator scores a sample in abstract resource units. Implementations must
// be monotonic: increasing duration, complexity or parallelism never lowers
// the estimate.
type Estimator interface {
	Estimate(s Sample) float64
}

// WeightedEstimator is the default scoring model:
//
//	units = duration_seconds * complexity * parallelism * scale
//
// with floors so a degenerate sample still costs something.
type WeightedEstimator struct {
	// Scale converts the raw product into billing-grade units. Defaults
	// to 1.0.
	Scale float64
}

func (e WeightedEstimator) Estimate(s Sample) float64 {
	scale := e.Scale
	if scale <= 0 {
		scale = 1.0
	}
	seconds := s.Duration.Seconds()
	if seconds < 0.001 {
		seconds = 0.001
	}
	complexity := s.Complexity
	if complexity < 1 {
		complexity = 1
	}
	parallelism := float64(s.Parallelism)
	if parallelism < 1 {
		parallelism = 1
	}
	return seconds * complexity * parallelism * scale
}
