package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// HistoryEntry is one run's line in the TestHistoryIndex (spec §4.6 step
// 6, §6 file 7).
type HistoryEntry struct {
	RunID              string `json:"run_id"`
	Dir                string `json:"dir"`
	Mode               string `json:"mode"`
	CompletedAtUnix    int64  `json:"completed_at"`
	BottleneckDetected bool   `json:"bottleneck_detected"`
	MaxSuccessfulQPS   int    `json:"max_successful_qps"`
}

// TestHistoryIndex is test_history.json at the data root: the
// append-only ledger of every archived run (spec §6 file 7).
type TestHistoryIndex struct {
	TotalTests int            `json:"total_tests"`
	LatestRun  string         `json:"latest_run"`
	Tests      []HistoryEntry `json:"tests"`

	mu   sync.Mutex `json:"-"`
	path string
}

// LoadHistoryIndex reads the index at path, returning an empty index if
// the file does not yet exist (the first run in a fresh data root).
func LoadHistoryIndex(path string) (*TestHistoryIndex, error) {
	idx := &TestHistoryIndex{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("parse history index: %w", err)
	}
	idx.path = path
	return idx, nil
}

// Append adds entry to the index and persists it (spec §4.6 step 6:
// increment total_tests, set latest_run). Write-temp-then-rename keeps
// the index readable mid-write, mirroring every other snapshot file in
// this repo (output.WriteJSONAtomic's contract).
func (idx *TestHistoryIndex) Append(entry HistoryEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.Tests = append(idx.Tests, entry)
	idx.TotalTests = len(idx.Tests)
	idx.LatestRun = entry.RunID
	return idx.persistLocked()
}

// Remove drops every entry whose Dir is not in keep, renumbers the
// totals, and persists — used by Cleanup after deleting archive
// directories from disk (spec §4.6 "rebuild the TestHistoryIndex from
// disk by rescanning archives" is implemented one level up in
// RebuildFromDisk; Remove is the in-memory counterpart when the caller
// already knows which directories survived).
func (idx *TestHistoryIndex) Remove(keep map[string]bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	kept := idx.Tests[:0]
	for _, t := range idx.Tests {
		if keep[t.Dir] {
			kept = append(kept, t)
		}
	}
	idx.Tests = kept
	idx.TotalTests = len(idx.Tests)
	if idx.TotalTests > 0 {
		idx.LatestRun = idx.Tests[idx.TotalTests-1].RunID
	} else {
		idx.LatestRun = ""
	}
	return idx.persistLocked()
}

func (idx *TestHistoryIndex) persistLocked() error {
	dir := filepath.Dir(idx.path)
	tmp, err := os.CreateTemp(dir, ".tmp-history-*")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(idx); err != nil {
		tmp.Close()
		return fmt.Errorf("encode history index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp history file: %w", err)
	}
	return os.Rename(tmpPath, idx.path)
}

// RebuildFromDisk reconstructs the index by rescanning archivesRoot for
// run_NNN_<ts> directories and their test_summary.json files, ignoring
// whatever the in-memory index currently holds (spec §4.6: "rebuild the
// TestHistoryIndex from disk by rescanning archives" after Cleanup
// deletes directories). Entries are sorted by directory name, the same
// order Cleanup uses to decide what is "most recent".
func RebuildFromDisk(historyPath, archivesRoot string) (*TestHistoryIndex, error) {
	entries, err := os.ReadDir(archivesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return &TestHistoryIndex{path: historyPath}, nil
		}
		return nil, fmt.Errorf("scan archives root: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run_") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	idx := &TestHistoryIndex{path: historyPath}
	for _, d := range dirs {
		summaryPath := filepath.Join(archivesRoot, d, "test_summary.json")
		data, err := os.ReadFile(summaryPath)
		if err != nil {
			continue // archive missing its summary, skip rather than fail the whole rebuild
		}
		var s TestSummary
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		idx.Tests = append(idx.Tests, HistoryEntry{
			RunID:              s.RunID,
			Dir:                d,
			Mode:               s.Mode,
			CompletedAtUnix:    s.EndTime.Unix(),
			BottleneckDetected: s.BottleneckDetected,
			MaxSuccessfulQPS:   s.MaxSuccessfulQPS,
		})
	}
	idx.TotalTests = len(idx.Tests)
	if idx.TotalTests > 0 {
		idx.LatestRun = idx.Tests[idx.TotalTests-1].RunID
	}
	if err := idx.persistLocked(); err != nil {
		return nil, err
	}
	return idx, nil
}

// nextRunIndex computes the next numeric run index (spec §4.6 step 1) by
// taking the highest "run_NNN_" prefix already present in the index,
// regardless of entry order.
func nextRunIndex(idx *TestHistoryIndex) int {
	max := 0
	for _, t := range idx.Tests {
		n := parseRunIndex(t.Dir)
		if n > max {
			max = n
		}
	}
	return max + 1
}

func parseRunIndex(dir string) int {
	parts := strings.SplitN(dir, "_", 3)
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return n
}
