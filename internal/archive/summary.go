// Package archive implements the Run Archiver from spec §4.6: sealing a
// finished run's artifacts into a numbered archive directory, writing
// test_summary.json, and maintaining the append-only TestHistoryIndex.
package archive

import (
	"strings"
	"time"

	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/detector"
)

// ScheduleSummary records the schedule parameters a run was driven with,
// embedded in test_summary.json for later reference (spec §4.6 step 5).
type ScheduleSummary struct {
	InitialQPS int    `json:"initial_qps"`
	MaxQPS     int    `json:"max_qps"`
	StepQPS    int    `json:"step_qps"`
	DurationPerStepSec float64 `json:"duration_per_step_seconds"`
}

// TestSummary is the test_summary.json document an archived run carries
// (spec §4.6 step 5, §6 file 6).
type TestSummary struct {
	RunID            string          `json:"run_id"`
	Mode             string          `json:"mode"`
	RPCMode          string          `json:"rpc_mode"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time"`
	DurationMinutes  float64         `json:"duration_minutes"`
	MaxSuccessfulQPS int             `json:"max_successful_qps"`
	BottleneckDetected bool          `json:"bottleneck_detected"`
	// BottleneckTypes and BottleneckValues correspond by index: entry i's
	// human-readable type name and its measured value (spec §4.6 step 5).
	BottleneckTypes  []string        `json:"bottleneck_types"`
	BottleneckValues []float64       `json:"bottleneck_values"`
	BottleneckSummary string         `json:"bottleneck_summary"`
	Schedule         ScheduleSummary `json:"schedule"`
	SizeMBBySubdir   map[string]float64 `json:"size_mb_by_subdir"`
	Status           string          `json:"status"` // completed_successfully | completed_with_bottleneck | aborted
}

// BuildSummary assembles a TestSummary from a finished run's inputs. A
// nil verdict produces a no-bottleneck summary ("none"); otherwise the
// verdict's reasons/observed values populate the by-index bottleneck
// lists (spec §8 S5's "none" vs "RPC_Latency,RPC_Success_Rate" example).
func BuildSummary(
	runID string,
	mode config.BenchmarkMode,
	rpcMode config.RPCMode,
	schedule config.Schedule,
	startedAt, endedAt time.Time,
	maxSuccessfulQPS int,
	verdict *detector.BottleneckVerdict,
	sizeMB map[string]float64,
) TestSummary {
	s := TestSummary{
		RunID:            runID,
		Mode:             string(mode),
		RPCMode:          string(rpcMode),
		StartTime:        startedAt,
		EndTime:          endedAt,
		DurationMinutes:  endedAt.Sub(startedAt).Minutes(),
		MaxSuccessfulQPS: maxSuccessfulQPS,
		Schedule: ScheduleSummary{
			InitialQPS:         schedule.InitialQPS,
			MaxQPS:             schedule.MaxQPS,
			StepQPS:            schedule.StepQPS,
			DurationPerStepSec: schedule.DurationPerStep.Seconds(),
		},
		SizeMBBySubdir: sizeMB,
		Status:         "completed_successfully",
	}

	if verdict == nil {
		s.BottleneckSummary = "none"
		return s
	}

	s.BottleneckDetected = true
	s.Status = "completed_with_bottleneck"
	s.BottleneckTypes = append([]string(nil), verdict.Reasons...)
	s.BottleneckValues = append([]float64(nil), verdict.ObservedValues...)
	s.BottleneckSummary = humanSummary(verdict.Reasons)
	return s
}

func humanSummary(reasons []string) string {
	if len(reasons) == 0 {
		return "none"
	}
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ","
		}
		out += humanizeReason(r)
	}
	return out
}

// acronymTokens are reason-string tokens that read as acronyms rather
// than title-cased words in spec §8 S5's example output ("RPC_Latency",
// not "Rpc_Latency").
var acronymTokens = map[string]string{
	"rpc": "RPC",
	"cpu": "CPU",
}

// humanizeReason title-cases a detector.BottleneckKind-shaped reason
// string into the human-readable form spec §8 S5 shows
// ("RPC_Latency,RPC_Success_Rate").
func humanizeReason(r string) string {
	var tokens []string
	var cur []byte
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = nil
		}
	}
	for i := 0; i < len(r); i++ {
		c := r[i]
		if c == '_' || c == ':' {
			flush()
			continue
		}
		cur = append(cur, c)
	}
	flush()

	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += "_"
		}
		if acr, ok := acronymTokens[strings.ToLower(t)]; ok {
			out += acr
			continue
		}
		out += titleCase(t)
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	b := []byte(strings.ToLower(s))
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 32
	}
	return string(b)
}
