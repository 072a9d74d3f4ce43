package archive

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// FieldChange is one comparable field's before/after, generalized from
// the teacher's diff.MetricChange (itself comparing two sysdiag reports'
// USE metrics) down to the handful of scalar fields a TestSummary
// carries. Significance buckets and the 5%-direction threshold are
// carried over unchanged from that idiom.
type FieldChange struct {
	Field        string  `json:"field"`
	Baseline     float64 `json:"baseline"`
	Current      float64 `json:"current"`
	Delta        float64 `json:"delta"`
	DeltaPct     float64 `json:"delta_pct"`
	Direction    string  `json:"direction"`    // "regression", "improvement", "unchanged"
	Significance string  `json:"significance"` // "high", "medium", "low"
}

// RunComparison is the compare operation's printed output (spec §4.6
// "print key fields side-by-side", §8 S5).
type RunComparison struct {
	BaselineRunID string        `json:"baseline_run_id"`
	CurrentRunID  string        `json:"current_run_id"`
	Changes       []FieldChange `json:"changes"`
	Regressions   int           `json:"regressions"`
	Improvements  int           `json:"improvements"`
}

// LoadSummary reads a test_summary.json from an archive directory (or a
// path directly to the file).
func LoadSummary(path string) (*TestSummary, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, "test_summary.json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var s TestSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}

// Compare computes a RunComparison between two archived runs' summaries,
// higher-is-better for max_successful_qps and lower-is-better for
// duration, mirroring the teacher's addChange higherIsWorse split.
func Compare(baseline, current *TestSummary) *RunComparison {
	c := &RunComparison{BaselineRunID: baseline.RunID, CurrentRunID: current.RunID}

	addChange(c, "max_successful_qps", float64(baseline.MaxSuccessfulQPS), float64(current.MaxSuccessfulQPS), false)
	addChange(c, "duration_minutes", baseline.DurationMinutes, current.DurationMinutes, true)
	addChange(c, "bottleneck_detected", boolToF(baseline.BottleneckDetected), boolToF(current.BottleneckDetected), true)

	for _, ch := range c.Changes {
		switch ch.Direction {
		case "regression":
			c.Regressions++
		case "improvement":
			c.Improvements++
		}
	}
	return c
}

// FormatComparison renders c as the side-by-side text the compare
// operation prints (spec §4.6 "print key fields side-by-side"), grounded
// on the teacher's diff.FormatDiff layout.
func FormatComparison(c *RunComparison) string {
	var sb strings.Builder
	sb.WriteString("=== Run Comparison ===\n")
	sb.WriteString(fmt.Sprintf("Baseline: %s\n", c.BaselineRunID))
	sb.WriteString(fmt.Sprintf("Current:  %s\n\n", c.CurrentRunID))
	sb.WriteString(fmt.Sprintf("Regressions: %d, Improvements: %d\n\n", c.Regressions, c.Improvements))
	for _, ch := range c.Changes {
		sb.WriteString(fmt.Sprintf("  [%s] %s: %.2f -> %.2f (%+.1f%%) %s\n",
			strings.ToUpper(ch.Significance), ch.Field, ch.Baseline, ch.Current, ch.DeltaPct, ch.Direction))
	}
	return sb.String()
}

func boolToF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func addChange(c *RunComparison, field string, oldVal, newVal float64, higherIsWorse bool) {
	delta := newVal - oldVal
	deltaPct := 0.0
	if oldVal != 0 {
		deltaPct = (delta / math.Abs(oldVal)) * 100
	}

	direction := "unchanged"
	if higherIsWorse {
		switch {
		case deltaPct > 5:
			direction = "regression"
		case deltaPct < -5:
			direction = "improvement"
		}
	} else {
		switch {
		case deltaPct < -5:
			direction = "regression"
		case deltaPct > 5:
			direction = "improvement"
		}
	}

	significance := "low"
	absPct := math.Abs(deltaPct)
	switch {
	case absPct >= 50:
		significance = "high"
	case absPct >= 20:
		significance = "medium"
	}

	c.Changes = append(c.Changes, FieldChange{
		Field: field, Baseline: oldVal, Current: newVal,
		Delta: delta, DeltaPct: deltaPct,
		Direction: direction, Significance: significance,
	})
}
