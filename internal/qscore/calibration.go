package qscore

import (
	"fmt"
	"sort"
	"strings"
)

// CalibrationBin is one [Min, Max) -> Calibrated entry. Bins must be sorted
// and non-overlapping; a raw score outside every bin falls back to itself
// uncalibrated.
type CalibrationBin struct {
	Min        float64
	Max        float64
	Calibrated float64
}

// CalibrationTable is the sorted, non-overlapping bin array loaded from a
// pkg/config YAML bundle.
type CalibrationTable struct {
	Bins []CalibrationBin
}

// Validate checks the sorted/non-overlapping invariant.
func (t CalibrationTable) Validate() error {
	sorted := make([]CalibrationBin, len(t.Bins))
	copy(sorted, t.Bins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })
	for i, b := range sorted {
		if b.Min >= b.Max {
			return fmt.Errorf("qscore: calibration bin %d has min >= max (%v, %v)", i, b.Min, b.Max)
		}
		if i > 0 && b.Min < sorted[i-1].Max {
			return fmt.Errorf("qscore: calibration bins %d and %d overlap", i-1, i)
		}
	}
	return nil
}

// Lookup returns the calibrated value for raw, or raw unchanged if no bin
// contains it.
func (t CalibrationTable) Lookup(raw float64) float64 {
	for _, b := range t.Bins {
		if raw >= b.Min && raw < b.Max {
			return clamp01(b.Calibrated)
		}
	}
	return clamp01(raw)
}

// Result is the full QScore computation output: signals, raw and
// calibrated scores, and an explanation string.
type Result struct {
	Signals     Signals
	Weights     Weights
	Raw         float64
	Calibrated  float64
	Explanation string
}

// Compute fuses s under w, calibrates via table, and renders the
// explanation (top-3 contributors, then weaknesses under 0.5).
func Compute(s Signals, w Weights, table CalibrationTable) (Result, error) {
	if err := w.Validate(); err != nil {
		return Result{}, err
	}
	raw := w.Fuse(s)
	calibrated := table.Lookup(raw)
	return Result{
		Signals:     s,
		Weights:     w,
		Raw:         raw,
		Calibrated:  calibrated,
		Explanation: explain(s, w),
	}, nil
}

func explain(s Signals, w Weights) string {
	top := topContributors(s, w, 3)
	weak := s.weaknesses()

	var b strings.Builder
	b.WriteString("top contributors: ")
	b.WriteString(strings.Join(top, ", "))
	if len(weak) > 0 {
		b.WriteString("; weaknesses: ")
		b.WriteString(strings.Join(weak, ", "))
	}
	return b.String()
}
