package qscore

import (
	"fmt"
	"math"
)

// Weights are the fusion coefficients; they must sum to 1.0 within
// weightSumTolerance.
type Weights struct {
	Confidence  float64
	Policy      float64
	Schema      float64
	Evidence    float64
	Alignment   float64
	Latency     float64
	Retry       float64
	Consistency float64
}

// DefaultWeights is the operator-documented default weighting.
func DefaultWeights() Weights {
	return Weights{
		Confidence:  0.25,
		Policy:      0.20,
		Schema:      0.15,
		Evidence:    0.15,
		Alignment:   0.10,
		Latency:     0.05,
		Retry:       0.05,
		Consistency: 0.05,
	}
}

const weightSumTolerance = 0.001

// Validate reports an error if w's components don't sum to 1.0 ± 0.001.
func (w Weights) Validate() error {
	sum := w.Confidence + w.Policy + w.Schema + w.Evidence + w.Alignment + w.Latency + w.Retry + w.Consistency
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("qscore: weights must sum to 1.0 +/- %v, got %v", weightSumTolerance, sum)
	}
	return nil
}

// Fuse computes the raw weighted sum, clamped to [0,1].
func (w Weights) Fuse(s Signals) float64 {
	raw := w.Confidence*s.ResultConfidence +
		w.Policy*s.PolicyOK +
		w.Schema*s.SchemaOK +
		w.Evidence*s.EvidenceCoverage +
		w.Alignment*s.AffordanceAlignment +
		w.Latency*s.LatencyNorm +
		w.Retry*s.RetryDepthPenalty +
		w.Consistency*s.ConsistencyPrev
	return clamp01(raw)
}
