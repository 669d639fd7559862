// Package qscore computes the calibrated quality score for a specialist
// result: eight bounded [0,1] signals, weighted fusion, calibration-table
// lookup, and a human-readable explanation. Every function here is pure and
// deterministic: no I/O, no clocks beyond explicit inputs.
package qscore

import (
	"math"
	"sort"
	"strings"
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ResultConfidence blends summary coverage, affordance count, and unique
// first-token diversity.
func ResultConfidence(summaryItems, affordances, uniqueFirstTokens int) float64 {
	a := 0.5 * math.Min(float64(summaryItems)/10, 1)
	b := 0.3 * math.Min(float64(affordances)/5, 1)
	c := 0.2 * math.Min(float64(uniqueFirstTokens)/5, 1)
	return clamp01(a + b + c)
}

func PolicyOK(policyDegraded bool) float64 {
	if policyDegraded {
		return 0
	}
	return 1
}

func SchemaOK(schemaValid bool) float64 {
	if schemaValid {
		return 1
	}
	return 0
}

// EvidenceCoverage scores the summaries-per-affordance ratio piecewise:
// under-covered below 1, ideal between 2 and 3, mildly penalized above.
func EvidenceCoverage(summaries, affordances int) float64 {
	denom := affordances
	if denom < 1 {
		denom = 1
	}
	r := float64(summaries) / float64(denom)
	switch {
	case r < 1:
		return clamp01(r)
	case r < 2:
		return clamp01(0.5 + 0.5*(r-1))
	case r <= 3:
		return 1
	default:
		return clamp01(math.Max(1-0.1*(r-3), 0.5))
	}
}

// AffordanceAlignment is the keyword-overlap ratio between task input
// keywords and the concatenated affordance text; neutral 0.5 if there are
// no task keywords to compare against.
func AffordanceAlignment(taskKeywords []string, affordanceText string) float64 {
	if len(taskKeywords) == 0 {
		return 0.5
	}
	text := strings.ToLower(affordanceText)
	hits := 0
	for _, kw := range taskKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(len(taskKeywords)))
}

// LatencyNorm decays linearly from 1 at <500ms to 0 at >5000ms.
func LatencyNorm(latencyMS float64) float64 {
	switch {
	case latencyMS < 500:
		return 1
	case latencyMS > 5000:
		return 0
	default:
		return clamp01(1 - (latencyMS-500)/(5000-500))
	}
}

// RetryDepthPenalty maps retry depth 0,1,2,>=3 to 1, 0.7, 0.4, 0.1.
func RetryDepthPenalty(depth int) float64 {
	switch {
	case depth <= 0:
		return 1
	case depth == 1:
		return 0.7
	case depth == 2:
		return 0.4
	default:
		return 0.1
	}
}

// ConsistencyPrev is the mean of summary-keyword overlap and
// affordance-action overlap with the previous attempt; neutral 0.5 with no
// previous attempt.
func ConsistencyPrev(hasPrevious bool, summaryOverlap, affordanceActionOverlap float64) float64 {
	if !hasPrevious {
		return 0.5
	}
	return clamp01((clamp01(summaryOverlap) + clamp01(affordanceActionOverlap)) / 2)
}

// Signals is one computed signal vector, ready for Weights.Fuse.
type Signals struct {
	ResultConfidence     float64
	PolicyOK             float64
	SchemaOK             float64
	EvidenceCoverage     float64
	AffordanceAlignment  float64
	LatencyNorm          float64
	RetryDepthPenalty    float64
	ConsistencyPrev      float64
}

// named returns the signals as (name, value) pairs in fixed order, used
// for both fusion and explanation.
func (s Signals) named() []struct {
	name  string
	value float64
} {
	return []struct {
		name  string
		value float64
	}{
		{"result_confidence", s.ResultConfidence},
		{"policy_ok", s.PolicyOK},
		{"schema_ok", s.SchemaOK},
		{"evidence_coverage", s.EvidenceCoverage},
		{"affordance_alignment", s.AffordanceAlignment},
		{"latency_norm", s.LatencyNorm},
		{"retry_depth_penalty", s.RetryDepthPenalty},
		{"consistency_prev", s.ConsistencyPrev},
	}
}

// weaknesses returns signal names with value < 0.5, in the fixed signal
// order rather than alphabetical so the explanation reads in signal order.
func (s Signals) weaknesses() []string {
	var out []string
	for _, n := range s.named() {
		if n.value < 0.5 {
			out = append(out, n.name)
		}
	}
	return out
}

// topContributors returns the n highest weight*value products, name sorted
// alphabetically among ties for determinism.
func topContributors(s Signals, w Weights, n int) []string {
	type contrib struct {
		name  string
		score float64
	}
	weighted := []contrib{
		{"result_confidence", w.Confidence * s.ResultConfidence},
		{"policy_ok", w.Policy * s.PolicyOK},
		{"schema_ok", w.Schema * s.SchemaOK},
		{"evidence_coverage", w.Evidence * s.EvidenceCoverage},
		{"affordance_alignment", w.Alignment * s.AffordanceAlignment},
		{"latency_norm", w.Latency * s.LatencyNorm},
		{"retry_depth_penalty", w.Retry * s.RetryDepthPenalty},
		{"consistency_prev", w.Consistency * s.ConsistencyPrev},
	}
	sort.SliceStable(weighted, func(i, j int) bool {
		if weighted[i].score != weighted[j].score {
			return weighted[i].score > weighted[j].score
		}
		return weighted[i].name < weighted[j].name
	})
	if n > len(weighted) {
		n = len(weighted)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, weighted[i].name)
	}
	return out
}
