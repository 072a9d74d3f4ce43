// Package runctx wires one benchmark run's components together: it
// builds the Samplers, Aggregator, Detector and Ramp Controller from a
// config.Config, drives the shared Clock, feeds every tick's row to the
// Detector, and seals the run with the Archiver once the Controller
// returns. This is the coordinator the Ramp Controller's
// Detector.Verdict() polling design (spec §9) depends on: runctx is the
// one place that calls Detector.Evaluate, exactly once per real tick.
package runctx

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benchhouse/nodebench/internal/archive"
	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/detector"
	"github.com/benchhouse/nodebench/internal/ebpf"
	"github.com/benchhouse/nodebench/internal/loadgen"
	"github.com/benchhouse/nodebench/internal/metrics"
	"github.com/benchhouse/nodebench/internal/output"
	"github.com/benchhouse/nodebench/internal/ramp"
	"github.com/benchhouse/nodebench/internal/rpcclient"
	"github.com/benchhouse/nodebench/internal/sampler"
)

// Run owns every component for one benchmark run and the goroutines that
// connect them (spec §5: one task per Clock/sampler/Aggregator/Detector/
// Controller, connected by channels and typed calls, never a shared
// mutable map).
type Run struct {
	cfg      config.Config
	runID    string
	timestamp string
	progress *output.Progress

	clk        *clock.Clock
	aggregator *metrics.Aggregator
	detector   *detector.Detector
	eventLog   *detector.EventLog
	controller *ramp.Controller
	devices    []*sampler.DeviceSampler

	history  *archive.TestHistoryIndex
	archiver *archive.Archiver
}

// New constructs every component for one run from cfg, probing eBPF
// capabilities once (spec §9) and opening the history index the
// Archiver will append to at the end.
func New(cfg config.Config, runID string, progress *output.Progress) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC().Format("20060102T150405Z")
	caps := ebpf.Detect()

	schema := metrics.Schema{HasENA: cfg.ENAEnabled}
	for _, d := range cfg.Devices {
		schema.DeviceNames = append(schema.DeviceNames, d.Name)
		_ = d
	}

	devices := make([]*sampler.DeviceSampler, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, sampler.NewDeviceSampler(cfg.ProcRoot, cfg.SysRoot, d, caps))
	}

	var ena *sampler.ENASampler
	if cfg.ENAEnabled {
		ena = sampler.NewENASampler(cfg.SysRoot, cfg.NetworkInterface)
	}

	loadGenState := sampler.NewLoadGenState()
	httpClient := &http.Client{Timeout: 3 * time.Second}
	nodeClient := rpcclient.New(cfg.NodeRPCEndpoint, httpClient, rpcclient.DefaultRetryPolicy())
	mainnetClient := rpcclient.New(cfg.MainnetRPCEndpoint, httpClient, rpcclient.DefaultRetryPolicy())

	var runnerPID int
	var runnerPIDMu sync.Mutex
	overhead := sampler.NewOverheadSampler(cfg.ProcRoot, cfg.SysRoot, cfg.MonitorProcessPatterns, cfg.NodeProcessPatterns, cfg.Devices, func() []int {
		runnerPIDMu.Lock()
		defer runnerPIDMu.Unlock()
		if runnerPID == 0 {
			return nil
		}
		return []int{runnerPID}
	})

	agg := metrics.New(
		cfg, schema, timestamp,
		sampler.NewCPUSampler(cfg.ProcRoot),
		sampler.NewMemorySampler(cfg.ProcRoot),
		devices,
		sampler.NewNetworkSampler(cfg.ProcRoot, cfg.NetworkInterface, cfg.NetworkBandwidth),
		ena,
		overhead,
		sampler.NewNodeRPCSampler(nodeClient, cfg.NodeHealthMethod, cfg.NodeHeightMethod),
		sampler.NewMainnetRPCSampler(mainnetClient, cfg.NodeHeightMethod, cfg.MainnetCacheTTL),
		sampler.NewLoadGenProgressSampler(loadGenState),
		progress,
	)

	det := detector.New(cfg)

	if err := os.MkdirAll(cfg.Paths.RunRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create run root: %w", err)
	}
	eventLog, err := detector.OpenEventLog(filepath.Join(cfg.Paths.RunRoot, "bottleneck_events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	schedule := config.GetSchedule(cfg.Schedules, cfg.Mode)
	runner := loadgen.NewRunner(cfg.Paths.LoadGenBinary, cfg.Paths.TargetsFile)
	controller := ramp.NewController(cfg, runID, schedule, runner, loadGenState, det, progress)
	controller.OnPID(func(pid int) {
		runnerPIDMu.Lock()
		defer runnerPIDMu.Unlock()
		runnerPID = pid
	})

	if err := os.MkdirAll(cfg.Paths.ArchivesRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create archives root: %w", err)
	}
	historyPath := filepath.Join(filepath.Dir(cfg.Paths.ArchivesRoot), "test_history.json")
	history, err := archive.LoadHistoryIndex(historyPath)
	if err != nil {
		return nil, fmt.Errorf("load history index: %w", err)
	}

	return &Run{
		cfg: cfg, runID: runID, timestamp: timestamp, progress: progress,
		clk:        clock.New(cfg.TickInterval),
		aggregator: agg,
		detector:   det,
		eventLog:   eventLog,
		controller: controller,
		devices:    devices,
		history:    history,
		archiver:   archive.NewArchiver(cfg, history),
	}, nil
}

// Execute drives the full run lifecycle: opens the Aggregator, starts the
// Clock, feeds every tick to the Aggregator and then the Detector,
// drives the Ramp Controller through the schedule, and seals the run in
// the Archiver once the Controller returns or the Detector confirms a
// bottleneck (whichever comes first cancels the other's context, spec §5
// "a single stop signal... broadcast... on Detector-confirmed
// bottleneck").
func (r *Run) Execute(ctx context.Context) (archive.TestSummary, error) {
	startedAt := time.Now()

	if err := r.aggregator.Open(); err != nil {
		return archive.TestSummary{}, fmt.Errorf("open aggregator: %w", err)
	}
	defer r.aggregator.Close()
	defer r.eventLog.Close()
	for _, d := range r.devices {
		defer d.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tickCh := r.clk.Subscribe()

	var clockWG sync.WaitGroup
	clockWG.Add(1)
	go func() {
		defer clockWG.Done()
		r.clk.Run(runCtx)
	}()

	var tickWG sync.WaitGroup
	tickWG.Add(1)
	go func() {
		defer tickWG.Done()
		for tick := range tickCh {
			row, err := r.aggregator.HandleTick(runCtx, tick)
			if err != nil {
				if r.progress != nil {
					r.progress.Log("tick %d: %v", tick.Seq, err)
				}
				continue
			}
			eval := r.detector.Evaluate(row)
			if eval.Event != nil {
				if err := r.eventLog.Append(eval.Event); err != nil && r.progress != nil {
					r.progress.Log("event log append failed: %v", err)
				}
			}
			if eval.Verdict != nil {
				if r.progress != nil {
					r.progress.Log("bottleneck confirmed: %s", eval.StopReason)
				}
				cancel() // propagates to the Ramp Controller's ctx.Err() / sleepOrCancel checks
			}
		}
	}()

	levels, runErr := r.controller.Run(runCtx, nil)

	cancel()
	clockWG.Wait()
	tickWG.Wait()

	endedAt := time.Now()

	summary, sealErr := r.seal(startedAt, endedAt, levels)
	if runErr != nil {
		return summary, runErr
	}
	return summary, sealErr
}

func (r *Run) seal(startedAt, endedAt time.Time, levels []ramp.LevelResult) (archive.TestSummary, error) {
	var levelResultPaths []string
	for i := range levels {
		levelResultPaths = append(levelResultPaths, filepath.Join(r.cfg.Paths.RunRoot, fmt.Sprintf("level_%03d_result.json", i)))
	}

	in := archive.SealInput{
		RunID: r.runID, Mode: r.cfg.Mode, RPCMode: r.cfg.RPCMode,
		Schedule:         config.GetSchedule(r.cfg.Schedules, r.cfg.Mode),
		StartedAt:        startedAt,
		EndedAt:          endedAt,
		MaxSuccessfulQPS: r.controller.MaxSuccessfulQPS(),
		Verdict:          r.detector.Verdict(),

		PerformanceCSVs: []string{r.aggregator.CSVPath()},
		OverheadCSVs:    []string{r.aggregator.OverheadCSVPath()},
		LevelResults:    levelResultPaths,
		EventLogPath:    filepath.Join(r.cfg.Paths.RunRoot, "bottleneck_events.jsonl"),

		BottleneckStatusPath: filepath.Join(r.cfg.Paths.RunRoot, "qps_status.json"),

		SnapshotFiles: []string{
			filepath.Join(r.cfg.Paths.SnapshotDir, "metrics_latest.json"),
			filepath.Join(r.cfg.Paths.RunRoot, "performance_latest.csv"),
		},
	}
	return r.archiver.Seal(in)
}
