package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadHistoryIndexMissingFileIsEmpty(t *testing.T) {
	idx, err := LoadHistoryIndex(filepath.Join(t.TempDir(), "test_history.json"))
	require.NoError(t, err)
	require.Equal(t, 0, idx.TotalTests)
	require.Empty(t, idx.LatestRun)
}

func TestHistoryIndexAppendPersistsAndIncrements(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_history.json")
	idx, err := LoadHistoryIndex(path)
	require.NoError(t, err)

	require.NoError(t, idx.Append(HistoryEntry{RunID: "run_1", Dir: "run_001_run_1"}))
	require.NoError(t, idx.Append(HistoryEntry{RunID: "run_2", Dir: "run_002_run_2"}))

	require.Equal(t, 2, idx.TotalTests)
	require.Equal(t, "run_2", idx.LatestRun)

	reloaded, err := LoadHistoryIndex(path)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.TotalTests)
	require.Equal(t, "run_2", reloaded.LatestRun)
	require.Len(t, reloaded.Tests, 2)
}

func TestHistoryIndexRemoveKeepsOnlyListed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_history.json")
	idx, err := LoadHistoryIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.Append(HistoryEntry{RunID: "run_1", Dir: "run_001_run_1"}))
	require.NoError(t, idx.Append(HistoryEntry{RunID: "run_2", Dir: "run_002_run_2"}))
	require.NoError(t, idx.Append(HistoryEntry{RunID: "run_3", Dir: "run_003_run_3"}))

	require.NoError(t, idx.Remove(map[string]bool{"run_002_run_2": true, "run_003_run_3": true}))
	require.Equal(t, 2, idx.TotalTests)
	require.Equal(t, "run_3", idx.LatestRun)
}

func TestHistoryIndexRemoveAllClearsLatestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_history.json")
	idx, err := LoadHistoryIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.Append(HistoryEntry{RunID: "run_1", Dir: "run_001_run_1"}))

	require.NoError(t, idx.Remove(map[string]bool{}))
	require.Equal(t, 0, idx.TotalTests)
	require.Empty(t, idx.LatestRun)
}

func TestRebuildFromDiskReconstructsFromSummaries(t *testing.T) {
	root := t.TempDir()
	archivesRoot := filepath.Join(root, "archives")
	require.NoError(t, os.MkdirAll(filepath.Join(archivesRoot, "run_001_run_a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(archivesRoot, "run_002_run_b"), 0o755))

	writeFile(t, filepath.Join(archivesRoot, "run_001_run_a", "test_summary.json"), `{
		"run_id": "run_a", "mode": "quick", "max_successful_qps": 1500,
		"bottleneck_detected": false, "end_time": "2026-01-01T00:00:00Z"
	}`)
	writeFile(t, filepath.Join(archivesRoot, "run_002_run_b", "test_summary.json"), `{
		"run_id": "run_b", "mode": "standard", "max_successful_qps": 2500,
		"bottleneck_detected": true, "end_time": "2026-01-02T00:00:00Z"
	}`)

	historyPath := filepath.Join(root, "test_history.json")
	idx, err := RebuildFromDisk(historyPath, archivesRoot)
	require.NoError(t, err)
	require.Equal(t, 2, idx.TotalTests)
	require.Equal(t, "run_b", idx.LatestRun)
	require.FileExists(t, historyPath)
}

func TestRebuildFromDiskSkipsDirsMissingSummary(t *testing.T) {
	root := t.TempDir()
	archivesRoot := filepath.Join(root, "archives")
	require.NoError(t, os.MkdirAll(filepath.Join(archivesRoot, "run_001_run_a"), 0o755))

	idx, err := RebuildFromDisk(filepath.Join(root, "test_history.json"), archivesRoot)
	require.NoError(t, err)
	require.Equal(t, 0, idx.TotalTests)
}

func TestNextRunIndexUsesHighestExistingPrefix(t *testing.T) {
	idx := &TestHistoryIndex{Tests: []HistoryEntry{
		{Dir: "run_001_run_a"},
		{Dir: "run_007_run_g"},
		{Dir: "run_003_run_c"},
	}}
	require.Equal(t, 8, nextRunIndex(idx))
}

func TestNextRunIndexEmptyIndexStartsAtOne(t *testing.T) {
	require.Equal(t, 1, nextRunIndex(&TestHistoryIndex{}))
}
