package ramp

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/detector"
	"github.com/benchhouse/nodebench/internal/loadgen"
	"github.com/benchhouse/nodebench/internal/output"
	"github.com/benchhouse/nodebench/internal/sampler"
)

// Status is the live progress document published to qps_status.json each
// level transition (spec §4.5/§6), the in-process report consumed by
// external dashboards — never read back by the controller itself (spec
// §9 Open Question 3: the real stop signal is ctx cancellation, not a
// round-trip through this file).
type Status struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	State      RunState  `json:"state"`
	Status     string    `json:"status"` // "running" | "completed" | "bottleneck detected"
	CurrentQPS int       `json:"current_qps"`
	MaxQPS     int       `json:"max_qps"`
	LevelIndex int       `json:"level_index"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Message    string    `json:"message,omitempty"`

	MaxSuccessfulQPS int                        `json:"max_successful_qps"`
	Verdict          *detector.BottleneckVerdict `json:"verdict,omitempty"`
}

// LevelResult is one QPS level's outcome: the load generator's own
// report and whether the gate (spec §4.5 step 5) judged it a success.
// StoppedRun is set on the level whose completion coincided with the
// Detector reaching a Confirmed verdict (spec §4.5 step 7).
type LevelResult struct {
	QPS        int
	Result     loadgen.Result
	GateOK     bool
	StoppedRun bool
}

// Controller drives the schedule defined in spec §4.5: warmup, invoke the
// load generator at the level's QPS, gate success/failure, cooldown,
// advance — stopping early either because a non-intensive level failed
// (step 6) or because an armed Detector reached Confirmed (step 7).
type Controller struct {
	cfg      config.Config
	runID    string
	schedule config.Schedule
	runner   *loadgen.Runner
	state    *sampler.LoadGenState
	det      *detector.Detector

	statusPath string
	progress   *output.Progress
	onPID      func(pid int)

	runState         RunState
	maxSuccessfulQPS int
}

func NewController(cfg config.Config, runID string, schedule config.Schedule, runner *loadgen.Runner, state *sampler.LoadGenState, det *detector.Detector, progress *output.Progress) *Controller {
	return &Controller{
		cfg: cfg, runID: runID, schedule: schedule, runner: runner, state: state, det: det,
		statusPath: filepath.Join(cfg.Paths.RunRoot, "qps_status.json"),
		progress:   progress,
		runState:   StateWarming,
	}
}

// OnPID registers a callback invoked with the load generator's PID as
// soon as each level's process starts, letting a caller fold it into its
// own process-monitoring accounting (e.g. the OverheadSampler's monitor
// group) for the level's duration.
func (c *Controller) OnPID(fn func(pid int)) { c.onPID = fn }

// transition validates and applies a state change, mirroring the
// reference pack's CanTransition-guarded assignment.
func (c *Controller) transition(to RunState) error {
	if !CanTransition(c.runState, to) {
		return fmt.Errorf("invalid run state transition %s -> %s", c.runState, to)
	}
	c.runState = to
	return nil
}

// AfterLevel is invoked once a level's gate has been judged, with the
// Aggregator's most recent row already folded into det by the caller.
// It lets the caller run any extra bookkeeping per level (e.g. archiving
// the level's result file) before Run decides whether to advance.
type AfterLevel func(lr LevelResult) error

// Run steps through every QPS level in the schedule until max QPS is
// reached, a non-intensive level fails its gate (spec §4.5 step 6), the
// Detector reaches Confirmed on an intensive/auto-stop-armed run (step
// 7), or ctx is cancelled.
func (c *Controller) Run(ctx context.Context, afterLevel AfterLevel) ([]LevelResult, error) {
	if err := c.runner.Preflight(); err != nil {
		return nil, &config.ConfigError{Msg: err.Error()}
	}

	var results []LevelResult
	startedAt := time.Now()
	var finalVerdict *detector.BottleneckVerdict

	for level, qps := 0, c.schedule.InitialQPS; qps <= c.schedule.MaxQPS; level, qps = level+1, qps+c.schedule.StepQPS {
		if err := c.transition(StateWarming); err != nil {
			return results, err
		}
		c.publishStatus(startedAt, qps, level, "running", "", nil)
		if c.schedule.WarmupDuration > 0 {
			if err := sleepOrCancel(ctx, c.schedule.WarmupDuration); err != nil {
				c.transition(StateAborted)
				return results, err
			}
		}

		if err := c.transition(StateRunning); err != nil {
			return results, err
		}
		c.state.Update(qps, 0, 0, true, 100, 0)
		if c.progress != nil {
			c.progress.Log("ramp level %d: %d qps for %s", level, qps, c.schedule.DurationPerStep)
		}

		resultPath := filepath.Join(c.cfg.Paths.RunRoot, fmt.Sprintf("level_%03d_result.json", level))
		genResult, _, err := c.runner.Run(ctx, qps, c.schedule.DurationPerStep, resultPath, c.onPID)
		if c.onPID != nil {
			c.onPID(0) // level's process has exited; clear it from the monitor group
		}
		if err != nil {
			c.transition(StateFailed)
			return results, fmt.Errorf("level %d (qps=%d): %w", level, qps, err)
		}
		c.state.Update(qps, genResult.MeanMs(), genResult.P99Ms(), true, genResult.SuccessRatePct(), genResult.ErrorRatePct())

		// Gate (spec §4.5 step 5): a level succeeds iff success rate and
		// mean latency both clear their thresholds.
		gateOK := genResult.SuccessRatePct() >= c.cfg.Thresholds.RPCSuccessRatePct &&
			genResult.MeanMs() <= c.cfg.Thresholds.RPCLatencyMs
		if gateOK {
			c.maxSuccessfulQPS = qps
			if c.det != nil {
				c.det.ObserveSuccessfulLevel(qps)
			}
		}

		lr := LevelResult{QPS: qps, Result: genResult, GateOK: gateOK}

		if afterLevel != nil {
			if err := afterLevel(lr); err != nil {
				c.transition(StateFailed)
				return results, err
			}
		}
		results = append(results, lr)

		stop := ctx.Err() != nil

		// Step 6: non-intensive modes stop the ramp on the first failed
		// level instead of continuing to the schedule's max QPS.
		if !gateOK && !c.schedule.AutoStopArmed {
			stop = true
		}

		// Step 7: intensive mode with auto-stop armed consults the
		// Detector; only a Confirmed verdict stops the ramp early. The
		// Detector is fed every tick concurrently by the runctx
		// coordinator off the Aggregator's rows (spec §9: a direct typed
		// call rather than the source's status-file polling cycle), so by
		// the time a level finishes its verdict — if any — is already set.
		if c.schedule.AutoStopArmed && c.det != nil {
			if v := c.det.Verdict(); v != nil {
				stop = true
				lr.StoppedRun = true
				finalVerdict = v
			}
		}

		if err := c.transition(StateCooldown); err != nil {
			return results, err
		}
		if c.schedule.CooldownDur > 0 {
			if err := sleepOrCancel(ctx, c.schedule.CooldownDur); err != nil {
				c.transition(StateAborted)
				return results, err
			}
		}

		if stop {
			c.transition(StateStopping)
			c.transition(StateCompleted)
			break
		}
	}

	if c.runState == StateCooldown {
		c.transition(StateStopping)
		c.transition(StateCompleted)
	}

	if finalVerdict != nil {
		c.publishStatus(startedAt, 0, len(results), "bottleneck detected", "", finalVerdict)
	} else {
		c.publishStatus(startedAt, 0, len(results), "completed", "", nil)
	}
	return results, nil
}

// MaxSuccessfulQPS returns the highest QPS level whose gate passed.
func (c *Controller) MaxSuccessfulQPS() int { return c.maxSuccessfulQPS }

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (c *Controller) publishStatus(startedAt time.Time, qps, levelIndex int, status, message string, verdict *detector.BottleneckVerdict) {
	st := Status{
		RunID:            c.runID,
		Mode:             string(c.cfg.Mode),
		State:            c.runState,
		Status:           status,
		CurrentQPS:       qps,
		MaxQPS:           c.schedule.MaxQPS,
		LevelIndex:       levelIndex,
		StartedAt:        startedAt,
		UpdatedAt:        time.Now(),
		Message:          message,
		MaxSuccessfulQPS: c.maxSuccessfulQPS,
		Verdict:          verdict,
	}
	if err := output.WriteJSONAtomic(st, c.statusPath); err != nil && c.progress != nil {
		c.progress.Log("status publish failed: %v", err)
	}
}
