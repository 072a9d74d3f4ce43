package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/detector"
	"github.com/benchhouse/nodebench/internal/output"
)

// Archiver seals a finished run's artifacts into a numbered directory
// under the archives root and records it in the TestHistoryIndex (spec
// §4.6). Each step is written to tolerate re-running (a source file
// already moved, a destination directory already present) so a crashed
// archive pass can be retried without hand cleanup.
type Archiver struct {
	cfg     config.Config
	history *TestHistoryIndex
}

func NewArchiver(cfg config.Config, history *TestHistoryIndex) *Archiver {
	return &Archiver{cfg: cfg, history: history}
}

// SealInput names the ephemeral per-run artifacts a finished run left
// behind, all of which Seal moves (not copies) into the archive except
// where noted.
type SealInput struct {
	RunID            string
	Mode             config.BenchmarkMode
	RPCMode          config.RPCMode
	Schedule         config.Schedule
	StartedAt        time.Time
	EndedAt          time.Time
	MaxSuccessfulQPS int
	Verdict          *detector.BottleneckVerdict

	PerformanceCSVs []string // performance_<ts>.csv files (and their rotations, if any)
	OverheadCSVs    []string // monitoring_overhead_<ts>.csv files
	LevelResults    []string // load-gen per-level result JSON files -> vegeta_results/
	LogFiles        []string // process logs -> logs/
	EventLogPath    string   // bottleneck_events.jsonl, moved alongside the CSVs

	VerdictPath        string // current terminal verdict snapshot, if any -> stats/
	DataLossStatsPath  string // data-loss statistics snapshot, if any -> stats/
	BottleneckStatusPath string // last qps_status.json, if any -> stats/

	// SnapshotFiles are the ephemeral shared-memory snapshot files (spec
	// §4.6 step 7) to delete once everything above has been moved.
	SnapshotFiles []string
}

// Seal executes spec §4.6 steps 1-7 and returns the computed summary.
func (a *Archiver) Seal(in SealInput) (TestSummary, error) {
	runDir := filepath.Join(a.cfg.Paths.ArchivesRoot, fmt.Sprintf("run_%03d_%s", nextRunIndex(a.history), in.RunID))

	for _, sub := range []string{"logs", "stats", "vegeta_results"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return TestSummary{}, fmt.Errorf("create archive subdir %s: %w", sub, err)
		}
	}

	moveAll := func(paths []string, destDir string) error {
		for _, p := range paths {
			if p == "" {
				continue
			}
			if err := moveFile(p, filepath.Join(destDir, filepath.Base(p))); err != nil {
				return err
			}
		}
		return nil
	}

	if err := moveAll(in.PerformanceCSVs, runDir); err != nil {
		return TestSummary{}, err
	}
	if err := moveAll(in.OverheadCSVs, runDir); err != nil {
		return TestSummary{}, err
	}
	if err := moveAll(in.LevelResults, filepath.Join(runDir, "vegeta_results")); err != nil {
		return TestSummary{}, err
	}
	if err := moveAll(in.LogFiles, filepath.Join(runDir, "logs")); err != nil {
		return TestSummary{}, err
	}
	if in.EventLogPath != "" {
		if err := moveFile(in.EventLogPath, filepath.Join(runDir, filepath.Base(in.EventLogPath))); err != nil {
			return TestSummary{}, err
		}
	}

	// Step 4: verdict/data-loss/status snapshots are copied, not moved —
	// they may still be read by a live dashboard until the next tick
	// overwrites them.
	for _, p := range []string{in.VerdictPath, in.DataLossStatsPath, in.BottleneckStatusPath} {
		if p == "" {
			continue
		}
		if err := copyFile(p, filepath.Join(runDir, "stats", filepath.Base(p))); err != nil {
			return TestSummary{}, err
		}
	}

	sizeMB, err := dirSizesMB(runDir)
	if err != nil {
		return TestSummary{}, fmt.Errorf("measure archive size: %w", err)
	}

	summary := BuildSummary(in.RunID, in.Mode, in.RPCMode, in.Schedule, in.StartedAt, in.EndedAt, in.MaxSuccessfulQPS, in.Verdict, sizeMB)
	summaryPath := filepath.Join(runDir, "test_summary.json")
	if err := output.WriteJSONAtomic(summary, summaryPath); err != nil {
		return TestSummary{}, fmt.Errorf("write test summary: %w", err)
	}

	entry := HistoryEntry{
		RunID:              in.RunID,
		Dir:                filepath.Base(runDir),
		Mode:               string(in.Mode),
		CompletedAtUnix:    in.EndedAt.Unix(),
		BottleneckDetected: summary.BottleneckDetected,
		MaxSuccessfulQPS:   in.MaxSuccessfulQPS,
	}
	if err := a.history.Append(entry); err != nil {
		return summary, fmt.Errorf("append history index: %w", err)
	}

	// Step 7: clean up the ephemeral shared-snapshot files now that the
	// archive holds everything of lasting value.
	for _, p := range in.SnapshotFiles {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return summary, fmt.Errorf("remove snapshot file %s: %w", p, err)
		}
	}

	return summary, nil
}

func moveFile(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil // already moved, tolerate a retried Seal
	}
	if err := os.Rename(src, dst); err != nil {
		// Rename fails across filesystems (e.g. archives root on a
		// different mount); fall back to copy+remove.
		if err := copyFile(src, dst); err != nil {
			return err
		}
		return os.Remove(src)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

// dirSizesMB measures each immediate subdirectory of root in megabytes,
// the per-subdirectory breakdown spec §4.6 step 5 asks for.
func dirSizesMB(root string) (map[string]float64, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var total int64
		sub := filepath.Join(root, e.Name())
		err := filepath.Walk(sub, func(_ string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				total += info.Size()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out[e.Name()] = float64(total) / (1024 * 1024)
	}
	return out, nil
}
