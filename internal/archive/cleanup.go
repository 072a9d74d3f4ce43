package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	Kept    []string
	Removed []string
}

// Cleanup keeps the most recent keepN archive directories (sorted by
// directory name, which embeds the numeric run index and so sorts
// chronologically) and deletes the rest, then rebuilds the
// TestHistoryIndex from what remains on disk (spec §4.6: "keep the most
// recent N (default 10); delete older archives by directory name sort.
// After delete, rebuild the TestHistoryIndex from disk by rescanning
// archives").
func Cleanup(archivesRoot, historyPath string, keepN int) (CleanupResult, *TestHistoryIndex, error) {
	entries, err := os.ReadDir(archivesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return CleanupResult{}, &TestHistoryIndex{}, nil
		}
		return CleanupResult{}, nil, fmt.Errorf("scan archives root: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run_") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	var result CleanupResult
	if len(dirs) <= keepN {
		result.Kept = dirs
	} else {
		cut := len(dirs) - keepN
		result.Removed = dirs[:cut]
		result.Kept = dirs[cut:]
		for _, d := range result.Removed {
			if err := os.RemoveAll(filepath.Join(archivesRoot, d)); err != nil {
				return result, nil, fmt.Errorf("remove archive %s: %w", d, err)
			}
		}
	}

	idx, err := RebuildFromDisk(historyPath, archivesRoot)
	if err != nil {
		return result, nil, fmt.Errorf("rebuild history index: %w", err)
	}
	return result, idx, nil
}
