package archive

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareHigherQPSIsImprovement(t *testing.T) {
	baseline := &TestSummary{RunID: "run_1", MaxSuccessfulQPS: 1000, DurationMinutes: 2}
	current := &TestSummary{RunID: "run_2", MaxSuccessfulQPS: 2000, DurationMinutes: 2}

	cmp := Compare(baseline, current)
	require.Equal(t, 1, cmp.Improvements)
	require.Equal(t, 0, cmp.Regressions)

	var qpsChange *FieldChange
	for i := range cmp.Changes {
		if cmp.Changes[i].Field == "max_successful_qps" {
			qpsChange = &cmp.Changes[i]
		}
	}
	require.NotNil(t, qpsChange)
	require.Equal(t, "improvement", qpsChange.Direction)
	require.Equal(t, "high", qpsChange.Significance)
}

func TestCompareLowerQPSIsRegression(t *testing.T) {
	baseline := &TestSummary{RunID: "run_1", MaxSuccessfulQPS: 2000}
	current := &TestSummary{RunID: "run_2", MaxSuccessfulQPS: 1000}

	cmp := Compare(baseline, current)
	require.Equal(t, 1, cmp.Regressions)
}

func TestCompareWithinThresholdIsUnchanged(t *testing.T) {
	baseline := &TestSummary{RunID: "run_1", MaxSuccessfulQPS: 1000}
	current := &TestSummary{RunID: "run_2", MaxSuccessfulQPS: 1020}

	cmp := Compare(baseline, current)
	require.Equal(t, 0, cmp.Regressions)
	require.Equal(t, 0, cmp.Improvements)
}

func TestCompareLongerDurationIsRegression(t *testing.T) {
	baseline := &TestSummary{RunID: "run_1", DurationMinutes: 10}
	current := &TestSummary{RunID: "run_2", DurationMinutes: 20}

	cmp := Compare(baseline, current)
	require.Equal(t, 1, cmp.Regressions)
}

func TestFormatComparisonIncludesBothRunIDs(t *testing.T) {
	baseline := &TestSummary{RunID: "run_1", MaxSuccessfulQPS: 1000}
	current := &TestSummary{RunID: "run_2", MaxSuccessfulQPS: 1500}
	out := FormatComparison(Compare(baseline, current))
	require.Contains(t, out, "run_1")
	require.Contains(t, out, "run_2")
	require.Contains(t, out, "max_successful_qps")
}

func TestLoadSummaryAcceptsArchiveDirOrDirectFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "test_summary.json"), `{"run_id":"run_x","max_successful_qps":500}`)

	s, err := LoadSummary(root)
	require.NoError(t, err)
	require.Equal(t, "run_x", s.RunID)

	s2, err := LoadSummary(filepath.Join(root, "test_summary.json"))
	require.NoError(t, err)
	require.Equal(t, "run_x", s2.RunID)
}

func TestLoadSummaryMissingFileErrors(t *testing.T) {
	_, err := LoadSummary(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
