// benchhouse ramps a blockchain node's RPC load through a configured
// QPS schedule, watches a multi-source monitoring pipeline for the
// first confirmed resource, RPC-quality, or node-health bottleneck, and
// archives every run's artifacts for later comparison.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benchhouse/nodebench/internal/archive"
	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/ebpf"
	"github.com/benchhouse/nodebench/internal/output"
	"github.com/benchhouse/nodebench/internal/platform"
	"github.com/benchhouse/nodebench/internal/runctx"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

// run builds and executes the root command, returning the documented
// exit code (spec §6: 0 success, 1 run-time error, 2 invalid arguments,
// 3 pre-check failure) rather than calling os.Exit directly, so main
// stays a one-line wrapper.
func run() int {
	rootCmd := &cobra.Command{
		Use:     "benchhouse",
		Short:   "Blockchain node benchmark harness",
		Version: version,
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newCompareCmd(),
		newCleanupCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}

func exitCodeFor(err error) int {
	if _, ok := err.(*config.ConfigError); ok {
		return 3
	}
	if _, ok := err.(*argError); ok {
		return 2
	}
	return 1
}

// argError marks a cobra argument-validation failure, mapped to exit
// code 2 (spec §6) rather than the blanket exit-1 a bare RunE error gets
// from cobra's default handling.
type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

func newRunCmd() *cobra.Command {
	var (
		quick, standard, intensive bool
		rpcMixed                   bool
		initialQPS, maxQPS, stepQPS int
		durationSec                 int
		quiet                       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the QPS ramp benchmark",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := resolveMode(quick, standard, intensive)
			if err != nil {
				return err
			}

			cfg := config.FromEnv()
			cfg = platform.Probe(cfg)
			cfg.Mode = mode
			if rpcMixed {
				cfg.RPCMode = config.RPCMixed
			}

			schedule := config.GetSchedule(cfg.Schedules, mode)
			if initialQPS > 0 {
				schedule.InitialQPS = initialQPS
			}
			if maxQPS > 0 {
				schedule.MaxQPS = maxQPS
			}
			if stepQPS > 0 {
				schedule.StepQPS = stepQPS
			}
			if durationSec > 0 {
				schedule.DurationPerStep = time.Duration(durationSec) * time.Second
			}
			cfg.Schedules = map[config.BenchmarkMode]config.Schedule{mode: schedule}

			progress := output.NewProgress(!quiet)
			progress.Log("capabilities: %s", ebpf.FormatCapabilities(ebpf.Detect()))

			runID := fmt.Sprintf("run_%d", time.Now().Unix())
			r, err := runctx.New(cfg, runID, progress)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			summary, err := r.Execute(ctx)
			if err != nil {
				return err
			}
			progress.Log("run complete: max_successful_qps=%d bottleneck=%v", summary.MaxSuccessfulQPS, summary.BottleneckDetected)
			return output.WriteJSONStdout(summary)
		},
	}

	cmd.Flags().BoolVar(&quick, "quick", false, "Quick schedule (default)")
	cmd.Flags().BoolVar(&standard, "standard", false, "Standard schedule")
	cmd.Flags().BoolVar(&intensive, "intensive", false, "Intensive schedule with auto-stop on confirmed bottleneck")
	cmd.Flags().BoolVar(&rpcMixed, "mixed", false, "Issue a mix of RPC methods instead of a single method")
	cmd.Flags().IntVar(&initialQPS, "initial-qps", 0, "Override the schedule's initial QPS")
	cmd.Flags().IntVar(&maxQPS, "max-qps", 0, "Override the schedule's max QPS")
	cmd.Flags().IntVar(&stepQPS, "step-qps", 0, "Override the schedule's QPS step")
	cmd.Flags().IntVar(&durationSec, "duration", 0, "Override the schedule's seconds per level")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	return cmd
}

func resolveMode(quick, standard, intensive bool) (config.BenchmarkMode, error) {
	count := 0
	mode := config.ModeQuick
	if quick {
		count++
		mode = config.ModeQuick
	}
	if standard {
		count++
		mode = config.ModeStandard
	}
	if intensive {
		count++
		mode = config.ModeIntensive
	}
	if count > 1 {
		return "", &argError{msg: "--quick, --standard, and --intensive are mutually exclusive"}
	}
	return mode, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the live status of the current run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			path := filepath.Join(cfg.Paths.RunRoot, "qps_status.json")
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read status file: %w", err)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func newCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <baseline-archive> <current-archive>",
		Short: "Compare two archived runs' test_summary.json files",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return &argError{msg: "compare requires exactly two archive paths"}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			baseline, err := archive.LoadSummary(args[0])
			if err != nil {
				return err
			}
			current, err := archive.LoadSummary(args[1])
			if err != nil {
				return err
			}
			cmp := archive.Compare(baseline, current)
			fmt.Print(archive.FormatComparison(cmp))
			return nil
		},
	}
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var keepN int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete archives older than the most recent N",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if keepN <= 0 {
				keepN = cfg.KeepArchives
			}
			historyPath := filepath.Join(filepath.Dir(cfg.Paths.ArchivesRoot), "test_history.json")
			result, _, err := archive.Cleanup(cfg.Paths.ArchivesRoot, historyPath, keepN)
			if err != nil {
				return err
			}
			fmt.Printf("kept %d archives, removed %d\n", len(result.Kept), len(result.Removed))
			return nil
		},
	}
	cmd.Flags().IntVar(&keepN, "keep", 0, "Number of most recent archives to keep (default: configured KeepArchives)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the benchhouse version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
