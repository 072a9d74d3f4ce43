// Package detector implements the Bottleneck Decision Engine from spec
// §4.4: a fixed table of resource/RPC-quality/node-health predicates,
// fused each tick by the four-scenario decision logic (A-Resource/A-RPC/
// B/C/D) into a single Normal→Suspected→Confirmed state machine, and a
// terminal BottleneckVerdict persisted exactly once per run.
//
// The per-predicate threshold table and its consecutive-breach counter
// are grounded on the reference pack's stopconditions.Evaluator
// (sustainCounts keyed by condition ID, reset to zero the instant a tick
// does not breach) — collapsed from that evaluator's generic comparator/
// sliding-time-window design down to this spec's fixed five-branch
// decision function and simple "K consecutive ticks" rule, since §4.4
// needs no sliding window. One counter is shared by the A-RPC and B
// scenarios; it is not kept per classification.
package detector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/metrics"
)

// BottleneckKind enumerates the fixed sum type from SPEC_FULL §4.4 (the
// redesign flag replacing the source's string-keyed, eval-parsed
// bottleneck types): Cpu | Memory | DeviceIOPS(dev) | DeviceThroughput(dev)
// | DeviceLatency(dev) | Network | RPCSuccessRate | RPCLatency |
// RPCErrorRate | NodeUnhealthy.
type BottleneckKind string

const (
	KindCPU              BottleneckKind = "cpu"
	KindMemory           BottleneckKind = "memory"
	KindDeviceIOPS       BottleneckKind = "device_iops"
	KindDeviceThroughput BottleneckKind = "device_throughput"
	KindDeviceLatency    BottleneckKind = "device_latency"
	KindNetwork          BottleneckKind = "network"
	KindRPCSuccessRate   BottleneckKind = "rpc_success_rate"
	KindRPCLatency       BottleneckKind = "rpc_latency"
	KindRPCErrorRate     BottleneckKind = "rpc_error_rate"
	KindNodeUnhealthy    BottleneckKind = "node_unhealthy"
)

// Severity is the three-level escalation from the predicate table (spec
// §4.4): resource predicates default to medium, and CPU and memory
// escalate to high past a second, harder threshold; device latency, the
// two "necessary" RPC predicates, RPC error rate and node-unhealthy are
// high from the first trip. No predicate reports low.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func maxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Classification is the four-way outcome from spec §4.4's decision
// table: a Confirmed verdict is always exactly one of these.
type Classification string

const (
	ClassResourceExceeded Classification = "ResourceExceeded"
	ClassRPCQuality       Classification = "RPCQuality"
	ClassNodeUnhealthy    Classification = "NodeUnhealthy"
	ClassComposite        Classification = "Composite"
)

// State is a classification stream's position in the Normal→Suspected→
// Confirmed machine (spec §4.4). Suspected carries the current
// consecutive-breach count; Confirmed is terminal until the Detector is
// reset for a new run.
type State string

const (
	StateNormal    State = "Normal"
	StateSuspected State = "Suspected"
	StateConfirmed State = "Confirmed"
)

// TriggeredPredicate is one predicate's measured/threshold pair inside a
// BottleneckEvent (spec §3 BottleneckEvent).
type TriggeredPredicate struct {
	Kind      BottleneckKind `json:"kind"`
	Device    string         `json:"device,omitempty"`
	Observed  float64        `json:"observed"`
	Threshold float64        `json:"threshold"`
	Severity  Severity       `json:"severity"`
}

// BottleneckEvent is one tick's append-only record to the JSONL event
// stream (spec §3/§6 file 4): timestamp, QPS at detection, overall
// severity, the triggered predicates, and the tick's classification.
type BottleneckEvent struct {
	TimestampUnix int64                 `json:"timestamp"`
	QPS           int                   `json:"qps"`
	Severity      Severity              `json:"severity"`
	Triggered     []TriggeredPredicate  `json:"triggered"`
	Classification Classification       `json:"classification"`
}

// AnalysisWindow is the short interval preserved around detection time
// for post-hoc inspection (spec §3/§4.4, GLOSSARY).
type AnalysisWindow struct {
	StartUnix int64 `json:"start"`
	EndUnix   int64 `json:"end"`
	WidthSec  int64 `json:"width_seconds"`
}

// SystemSnapshot is the point-in-time context embedded in the terminal
// verdict (spec §3 BottleneckVerdict "snapshot of system context").
type SystemSnapshot struct {
	CPUUsagePct    float64 `json:"cpu_usage_pct"`
	MemUsagePct    float64 `json:"mem_usage_pct"`
	NetworkMbps    float64 `json:"network_total_mbps"`
	BlockHeightDiff int64  `json:"block_height_diff"`
}

// BottleneckVerdict is the terminal object from spec §3: at most one per
// run, produced exactly once by Evaluate the tick a classification
// stream reaches Confirmed.
type BottleneckVerdict struct {
	DetectionTimeUnix      int64          `json:"detection_time"`
	MaxSuccessfulQPS       int            `json:"max_successful_qps"`
	BottleneckQPS          int            `json:"bottleneck_qps"`
	Reasons                []string       `json:"reasons"`
	// ObservedValues carries each Reasons entry's own measured reading,
	// by index (spec §4.6 step 5: test_summary.json's bottleneck_values
	// must be "their measured values", not a shared constant) — a
	// node_unhealthy reason's observed value is the block height diff
	// that tripped it, not a predicate threshold ratio.
	ObservedValues         []float64      `json:"observed_values"`
	Severity               Severity       `json:"severity"`
	Classification         Classification `json:"classification"`
	ConsecutiveConfirmations int          `json:"consecutive_confirmations"`
	AnalysisWindow         AnalysisWindow `json:"analysis_window"`
	Context                SystemSnapshot `json:"context"`
}

// Evaluation is Evaluate's per-tick return value: the event to append (if
// any predicate triggered or the node is unhealthy), whether the ramp
// should stop and why, and — once — the terminal Verdict.
type Evaluation struct {
	Event      *BottleneckEvent
	ShouldStop bool
	StopReason string
	Verdict    *BottleneckVerdict // non-nil exactly once, the tick a stream is Confirmed
}

// predicate evaluates one named condition against a MetricsRow.
type predicate struct {
	kind       BottleneckKind
	device     string
	threshold  float64
	severityAt func(observed float64) Severity
	evaluate   func(row metrics.MetricsRow, dev metrics.DeviceFields) (observed float64, breach bool)
}

// Detector holds the consecutive-breach counters and the emitted-once
// guard across ticks. Every method takes mu, so concurrent calls are
// serialized; the Aggregator/Controller drive Evaluate synchronously, one
// tick at a time (spec §4.4 is a per-tick synchronous step).
type Detector struct {
	cfg config.Config
	mu  sync.Mutex

	// consecutive tracks the A-RPC and B-composite streams' run of
	// breaching ticks; reset to 0 on any non-breaching (D) or pure
	// resource (A-Resource, false-positive) tick.
	consecutive int
	state       State

	declared bool // true once a Verdict has been produced (idempotence, spec §8 property 6)
	verdict  *BottleneckVerdict

	unhealthySince time.Time
	maxSuccessfulQPS int
}

func New(cfg config.Config) *Detector {
	return &Detector{cfg: cfg, state: StateNormal}
}

// ObserveSuccessfulLevel records a QPS level the Ramp Controller judged
// successful (spec §4.5 step 5), so the eventual verdict's
// MaxSuccessfulQPS reflects the highest level reached before the
// bottleneck, not just the level active at detection.
func (d *Detector) ObserveSuccessfulLevel(qps int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if qps > d.maxSuccessfulQPS {
		d.maxSuccessfulQPS = qps
	}
}

// Verdict returns the persisted terminal verdict, if any.
func (d *Detector) Verdict() *BottleneckVerdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verdict
}

// Evaluate runs the full predicate table against one tick's row and
// applies the four-scenario decision logic. Calling Evaluate again after
// a Verdict has already been declared is a no-op that returns a nil
// Verdict with ShouldStop set (idempotence, spec §8 property 6); the
// persisted verdict stays available from Verdict(). The Detector does
// not keep evaluating once Confirmed is terminal for the run.
func (d *Detector) Evaluate(row metrics.MetricsRow) Evaluation {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.declared {
		return Evaluation{Verdict: nil, ShouldStop: true, StopReason: "already confirmed"}
	}

	preds := d.buildPredicates(row)

	var triggered []TriggeredPredicate
	resourceBreach := false
	rpcBreach := false
	overallSeverity := SeverityLow

	for _, p := range preds {
		observed, breach := p.evaluate(row, deviceByName(row.Devices, p.device))
		if !breach {
			continue
		}
		sev := p.severityAt(observed)
		overallSeverity = maxSeverity(overallSeverity, sev)
		triggered = append(triggered, TriggeredPredicate{
			Kind: p.kind, Device: p.device, Observed: observed, Threshold: p.threshold, Severity: sev,
		})
		switch p.kind {
		case KindRPCSuccessRate, KindRPCLatency, KindRPCErrorRate:
			rpcBreach = true
		default:
			resourceBreach = true
		}
	}

	nodeUnhealthy := d.nodeUnhealthy(row)
	if nodeUnhealthy {
		overallSeverity = maxSeverity(overallSeverity, SeverityHigh)
	}

	sort.Slice(triggered, func(i, j int) bool { return triggered[i].Kind < triggered[j].Kind })

	var class Classification
	var advance bool // this tick counts toward the consecutive-confirmation streak
	var immediate bool // Scenario C: confirm without waiting for K (spec §4.4)

	switch {
	case nodeUnhealthy && (resourceBreach || rpcBreach):
		// Scenario B: resource or RPC symptom plus node-unhealth
		// corroboration — composite, requires K consecutive ticks.
		class = ClassComposite
		advance = true
	case nodeUnhealthy:
		// Scenario C: node failure alone, no resource/RPC symptom —
		// declared immediately, no K-tick wait (spec §4.4 #4).
		class = ClassNodeUnhealthy
		immediate = true
	case rpcBreach:
		// Scenario A-RPC: RPC quality is itself the bottleneck,
		// regardless of node health — necessary, requires K consecutive.
		class = ClassRPCQuality
		advance = true
	case resourceBreach:
		// Scenario A-Resource: resource predicate alone with a healthy
		// node is the false positive iostat can produce — reset, do not
		// advance toward confirmation (spec §4.4 #1).
		d.consecutive = 0
		d.state = StateNormal
	default:
		// Scenario D: nothing tripped.
		d.consecutive = 0
		d.state = StateNormal
	}

	ev := Evaluation{}
	if len(triggered) > 0 || nodeUnhealthy {
		event := &BottleneckEvent{
			TimestampUnix:  row.TimestampUnix,
			QPS:            row.LoadGen.CurrentQPS,
			Severity:       overallSeverity,
			Triggered:      triggered,
			Classification: class,
		}
		ev.Event = event
	}

	if immediate {
		d.state = StateConfirmed
		d.declared = true
		verdict := d.buildVerdict(row, class, overallSeverity, triggered, 1)
		d.verdict = verdict
		ev.Verdict = verdict
		ev.ShouldStop = true
		ev.StopReason = string(class)
		return ev
	}

	if advance {
		d.consecutive++
		if d.consecutive >= d.cfg.ConsecutiveK {
			d.state = StateConfirmed
			d.declared = true
			verdict := d.buildVerdict(row, class, overallSeverity, triggered, d.consecutive)
			d.verdict = verdict
			ev.Verdict = verdict
			ev.ShouldStop = true
			ev.StopReason = string(class)
		} else {
			d.state = StateSuspected
		}
	}

	return ev
}

func (d *Detector) buildVerdict(row metrics.MetricsRow, class Classification, sev Severity, triggered []TriggeredPredicate, consecutiveN int) *BottleneckVerdict {
	reasons := make([]string, 0, len(triggered)+1)
	observed := make([]float64, 0, len(triggered)+1)
	for _, t := range triggered {
		if t.Device != "" {
			reasons = append(reasons, fmt.Sprintf("%s:%s", t.Kind, t.Device))
		} else {
			reasons = append(reasons, string(t.Kind))
		}
		observed = append(observed, t.Observed)
	}
	if class == ClassNodeUnhealthy || class == ClassComposite {
		reasons = append(reasons, string(KindNodeUnhealthy))
		observed = append(observed, float64(row.BlockHeight.Diff))
	}

	w := d.cfg.AnalysisWindow
	if w <= 0 {
		w = 30 * time.Second
	}

	return &BottleneckVerdict{
		DetectionTimeUnix: row.TimestampUnix,
		MaxSuccessfulQPS:  d.maxSuccessfulQPS,
		BottleneckQPS:     row.LoadGen.CurrentQPS,
		Reasons:           reasons,
		ObservedValues:    observed,
		Severity:          sev,
		Classification:    class,
		ConsecutiveConfirmations: consecutiveN,
		AnalysisWindow: AnalysisWindow{
			StartUnix: row.TimestampUnix - int64(w.Seconds()),
			EndUnix:   row.TimestampUnix,
			WidthSec:  int64(w.Seconds()),
		},
		Context: SystemSnapshot{
			CPUUsagePct:     row.CPU.UsagePct,
			MemUsagePct:     row.Memory.UsedPct,
			NetworkMbps:     row.Network.TotalMbps,
			BlockHeightDiff: row.BlockHeight.Diff,
		},
	}
}

// nodeUnhealthy implements spec §4.4's node-health predicate: sustained
// block_height_diff > NodeHeightDiff for > NodeSustainSeconds, OR
// local-health unhealthy across that same sustain window. The "since"
// clock resets the instant the node looks healthy again.
func (d *Detector) nodeUnhealthy(row metrics.MetricsRow) bool {
	unhealthyNow := !row.BlockHeight.LocalHealthy || row.BlockHeight.Diff > int64(d.cfg.Thresholds.NodeHeightDiff)

	if !unhealthyNow {
		d.unhealthySince = time.Time{}
		return false
	}
	if d.unhealthySince.IsZero() {
		d.unhealthySince = time.Unix(row.TimestampUnix, 0)
		return false // first unhealthy tick does not itself satisfy "sustained"
	}
	sustained := time.Unix(row.TimestampUnix, 0).Sub(d.unhealthySince).Seconds()
	return sustained > d.cfg.Thresholds.NodeSustainSeconds
}

func deviceByName(devices []metrics.DeviceFields, name string) metrics.DeviceFields {
	for _, d := range devices {
		if d.Name == name {
			return d
		}
	}
	return metrics.DeviceFields{}
}

// buildPredicates constructs the full predicate table for this tick, per
// spec §4.4's table, including the per-device predicates scoped to
// row.Devices.
func (d *Detector) buildPredicates(row metrics.MetricsRow) []predicate {
	th := d.cfg.Thresholds
	preds := []predicate{
		{
			kind: KindCPU, threshold: th.CPUWarningPct,
			severityAt: func(observed float64) Severity {
				if observed > th.CPUCriticalPct {
					return SeverityHigh
				}
				return SeverityMedium
			},
			evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
				return r.CPU.UsagePct, r.CPU.UsagePct > th.CPUWarningPct
			},
		},
		{
			kind: KindMemory, threshold: th.MemWarningPct,
			severityAt: func(observed float64) Severity {
				if observed > th.MemCriticalPct {
					return SeverityHigh
				}
				return SeverityMedium
			},
			evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
				return r.Memory.UsedPct, r.Memory.UsedPct > th.MemWarningPct
			},
		},
		{
			kind: KindNetwork, threshold: th.NetworkPct,
			severityAt: func(float64) Severity { return SeverityMedium },
			evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
				if d.cfg.NetworkBandwidth <= 0 {
					return 0, false
				}
				pct := r.Network.TotalMbps / d.cfg.NetworkBandwidth * 100
				return pct, pct > th.NetworkPct
			},
		},
		{
			kind: KindRPCSuccessRate, threshold: th.RPCSuccessRatePct,
			severityAt: func(float64) Severity { return SeverityHigh },
			evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
				if !r.LoadGen.Available {
					return 0, false
				}
				return r.LoadGen.SuccessRatePct, r.LoadGen.SuccessRatePct < th.RPCSuccessRatePct
			},
		},
		{
			kind: KindRPCErrorRate, threshold: th.RPCErrorRatePct,
			severityAt: func(float64) Severity { return SeverityHigh },
			evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
				if !r.LoadGen.Available {
					return 0, false
				}
				return r.LoadGen.ErrorRatePct, r.LoadGen.ErrorRatePct > th.RPCErrorRatePct
			},
		},
		{
			kind: KindRPCLatency, threshold: th.RPCLatencyMs,
			severityAt: func(float64) Severity { return SeverityHigh },
			evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
				if !r.LoadGen.Available {
					return 0, false
				}
				return r.LoadGen.RPCP99LatencyMs, r.LoadGen.RPCP99LatencyMs > th.RPCLatencyMs
			},
		},
	}

	for _, dev := range row.Devices {
		dev := dev
		cfgDev := deviceConfigFor(d.cfg, dev.Name)

		preds = append(preds,
			predicate{
				kind: KindDeviceIOPS, device: dev.Name, threshold: th.DeviceIOPSPct,
				severityAt: func(float64) Severity { return SeverityMedium },
				evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
					if cfgDev.BaselineIOPS <= 0 {
						return 0, false
					}
					pct := dev.AWSStandardIOPS / cfgDev.BaselineIOPS * 100
					return pct, pct > th.DeviceIOPSPct
				},
			},
			predicate{
				kind: KindDeviceThroughput, device: dev.Name, threshold: th.DeviceThroughPct,
				severityAt: func(float64) Severity { return SeverityMedium },
				evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
					if cfgDev.BaselineThroughput <= 0 {
						return 0, false
					}
					pct := dev.AWSStandardThroughput / cfgDev.BaselineThroughput * 100
					return pct, pct > th.DeviceThroughPct
				},
			},
			predicate{
				kind: KindDeviceLatency, device: dev.Name, threshold: th.DeviceLatencyMs,
				severityAt: func(float64) Severity { return SeverityHigh },
				evaluate: func(r metrics.MetricsRow, _ metrics.DeviceFields) (float64, bool) {
					maxAwait := dev.ReadAwaitMs
					if dev.WriteAwaitMs > maxAwait {
						maxAwait = dev.WriteAwaitMs
					}
					return maxAwait, maxAwait > th.DeviceLatencyMs
				},
			},
		)
	}

	return preds
}

func deviceConfigFor(cfg config.Config, name string) config.DeviceConfig {
	for _, d := range cfg.Devices {
		if d.Name == name {
			return d
		}
	}
	return config.DeviceConfig{}
}
