package qscore

import (
	"math"
	"strings"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestResultConfidenceSaturatesAtCaps(t *testing.T) {
	got := ResultConfidence(20, 10, 10)
	if !almostEqual(got, 1.0) {
		t.Fatalf("expected saturation at 1.0, got %v", got)
	}
}

func TestResultConfidenceZeroWhenEmpty(t *testing.T) {
	got := ResultConfidence(0, 0, 0)
	if !almostEqual(got, 0) {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestPolicyOKAndSchemaOK(t *testing.T) {
	if PolicyOK(true) != 0 || PolicyOK(false) != 1 {
		t.Fatalf("PolicyOK mapping wrong")
	}
	if SchemaOK(true) != 1 || SchemaOK(false) != 0 {
		t.Fatalf("SchemaOK mapping wrong")
	}
}

func TestEvidenceCoveragePiecewise(t *testing.T) {
	cases := []struct {
		summaries, affordances int
		want                   float64
	}{
		{5, 10, 0.5},   // r = 0.5 < 1 -> r
		{15, 10, 0.75}, // r = 1.5 -> 0.5+0.5*0.5
		{25, 10, 1.0},  // r = 2.5 -> 1
		{40, 10, 0.9},  // r = 4.0 -> max(1-0.1*1, 0.5) = 0.9
		{5, 0, 0.8},    // affordances clamp to 1 -> r = 5 -> max(1-0.1*2, 0.5)
	}
	for i, c := range cases {
		got := EvidenceCoverage(c.summaries, c.affordances)
		if !almostEqual(got, c.want) {
			t.Fatalf("case %d: EvidenceCoverage(%d,%d) = %v, want %v", i, c.summaries, c.affordances, got, c.want)
		}
	}
}

func TestLatencyNormBoundaries(t *testing.T) {
	if LatencyNorm(400) != 1 {
		t.Fatalf("expected 1 below 500ms")
	}
	if LatencyNorm(6000) != 0 {
		t.Fatalf("expected 0 above 5000ms")
	}
	mid := LatencyNorm(2750) // halfway between 500 and 5000
	if !almostEqual(mid, 0.5) {
		t.Fatalf("expected ~0.5 at midpoint, got %v", mid)
	}
}

func TestRetryDepthPenaltyTable(t *testing.T) {
	want := map[int]float64{0: 1, 1: 0.7, 2: 0.4, 3: 0.1, 5: 0.1}
	for depth, exp := range want {
		if got := RetryDepthPenalty(depth); !almostEqual(got, exp) {
			t.Fatalf("RetryDepthPenalty(%d) = %v, want %v", depth, got, exp)
		}
	}
}

func TestConsistencyPrevNeutralWithoutPrevious(t *testing.T) {
	if got := ConsistencyPrev(false, 1, 1); got != 0.5 {
		t.Fatalf("expected 0.5 neutral, got %v", got)
	}
}

func TestAffordanceAlignmentNeutralWithoutKeywords(t *testing.T) {
	if got := AffordanceAlignment(nil, "anything"); got != 0.5 {
		t.Fatalf("expected neutral 0.5, got %v", got)
	}
}

func TestAffordanceAlignmentRatio(t *testing.T) {
	got := AffordanceAlignment([]string{"scan", "heal", "report"}, "the agent can SCAN and heal systems")
	if !almostEqual(got, 2.0/3.0) {
		t.Fatalf("expected 2/3, got %v", got)
	}
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("expected default weights valid, got %v", err)
	}
}

func TestWeightsValidateRejectsBadSum(t *testing.T) {
	w := DefaultWeights()
	w.Confidence += 0.5
	if err := w.Validate(); err == nil {
		t.Fatalf("expected validation error for bad weight sum")
	}
}

func TestCalibrationTableLookupFallsBackToRaw(t *testing.T) {
	table := CalibrationTable{Bins: []CalibrationBin{{Min: 0.8, Max: 1.01, Calibrated: 0.95}}}
	if got := table.Lookup(0.5); got != 0.5 {
		t.Fatalf("expected fallback to raw 0.5, got %v", got)
	}
	if got := table.Lookup(0.85); got != 0.95 {
		t.Fatalf("expected calibrated 0.95, got %v", got)
	}
}

func TestCalibrationTableValidateRejectsOverlap(t *testing.T) {
	table := CalibrationTable{Bins: []CalibrationBin{
		{Min: 0, Max: 0.6, Calibrated: 0.5},
		{Min: 0.5, Max: 1.0, Calibrated: 0.9},
	}}
	if err := table.Validate(); err == nil {
		t.Fatalf("expected overlap validation error")
	}
}

func TestComputeExplanationListsTopContributorsAndWeaknesses(t *testing.T) {
	s := Signals{
		ResultConfidence:    1.0,
		PolicyOK:            1.0,
		SchemaOK:            0.0, // weakness
		EvidenceCoverage:    1.0,
		AffordanceAlignment: 0.2, // weakness
		LatencyNorm:         1.0,
		RetryDepthPenalty:   1.0,
		ConsistencyPrev:     0.5,
	}
	res, err := Compute(s, DefaultWeights(), CalibrationTable{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !strings.Contains(res.Explanation, "top contributors:") {
		t.Fatalf("expected top contributors section, got %q", res.Explanation)
	}
	if !strings.Contains(res.Explanation, "schema_ok") || !strings.Contains(res.Explanation, "affordance_alignment") {
		t.Fatalf("expected weaknesses to list schema_ok and affordance_alignment, got %q", res.Explanation)
	}
}

func TestComputeRejectsInvalidWeights(t *testing.T) {
	bad := DefaultWeights()
	bad.Latency = 10
	_, err := Compute(Signals{}, bad, CalibrationTable{})
	if err == nil {
		t.Fatalf("expected error for invalid weights")
	}
}
