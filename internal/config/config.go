// Package config defines the immutable Config value passed to every
// component at construction. There is no global mutable configuration;
// components read fields off the Config they were built with.
package config

import (
	"fmt"
	"time"
)

// BenchmarkMode selects the QPS ramp schedule and whether auto-stop is armed.
type BenchmarkMode string

const (
	ModeQuick     BenchmarkMode = "quick"
	ModeStandard  BenchmarkMode = "standard"
	ModeIntensive BenchmarkMode = "intensive"
)

// RPCMode selects whether the load generator issues a single RPC method
// or a mix of methods against the target chain.
type RPCMode string

const (
	RPCSingle RPCMode = "single"
	RPCMixed  RPCMode = "mixed"
)

// VolumeType distinguishes EBS-style volumes (subject to AWS-standard IOPS
// rescaling) from instance-store volumes (pass-through).
type VolumeType string

const (
	VolumeEBS           VolumeType = "ebs"
	VolumeInstanceStore VolumeType = "instance-store"
)

// DeviceConfig describes one monitored block device and its provisioned
// performance ceiling, used as the baseline for the IOPS/throughput
// bottleneck predicates.
type DeviceConfig struct {
	Name               string
	VolumeType         VolumeType
	BaselineIOPS       float64
	BaselineThroughput float64 // MiB/s
}

// Thresholds holds every configurable predicate threshold from §4.4,
// including the CPU and memory "critical" escalation values (95) as
// explicit settings rather than constants baked into the decision logic.
// There are no settings for a +5pp or x2 escalation; no predicate applies
// one.
type Thresholds struct {
	CPUWarningPct      float64 // default 85
	CPUCriticalPct     float64 // default 95
	MemWarningPct      float64 // default 90
	MemCriticalPct     float64 // default 95
	DeviceIOPSPct      float64 // default 90 (aws_iops/baseline)
	DeviceThroughPct   float64 // default 90 (aws_throughput/baseline)
	DeviceLatencyMs    float64 // default 50 (max(r_await, w_await))
	NetworkPct         float64 // default 80 (net_total/configured bandwidth)
	RPCSuccessRatePct  float64 // default 95, necessary predicate (breach below)
	RPCLatencyMs       float64 // default 1000 (p99), necessary predicate
	RPCErrorRatePct    float64 // default 5 (breach above)
	NodeHeightDiff     float64 // default 50
	NodeSustainSeconds float64 // default 300
}

// DefaultThresholds returns the §4.4 documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarningPct:      85,
		CPUCriticalPct:     95,
		MemWarningPct:      90,
		MemCriticalPct:     95,
		DeviceIOPSPct:      90,
		DeviceThroughPct:   90,
		DeviceLatencyMs:    50,
		NetworkPct:         80,
		RPCSuccessRatePct:  95,
		RPCLatencyMs:       1000,
		RPCErrorRatePct:    5,
		NodeHeightDiff:     50,
		NodeSustainSeconds: 300,
	}
}

// Schedule describes one benchmark mode's QPS ramp.
type Schedule struct {
	InitialQPS      int
	MaxQPS          int
	StepQPS         int
	DurationPerStep time.Duration
	WarmupDuration  time.Duration
	CooldownDur     time.Duration
	AutoStopArmed   bool // true only for intensive, per §4.5
}

// DefaultSchedules returns the built-in quick/standard/intensive presets.
// Mirrors the teacher's named-profile map with graceful fallback.
func DefaultSchedules() map[BenchmarkMode]Schedule {
	return map[BenchmarkMode]Schedule{
		ModeQuick: {
			InitialQPS:      1000,
			MaxQPS:          1500,
			StepQPS:         500,
			DurationPerStep: 60 * time.Second,
			AutoStopArmed:   false,
		},
		ModeStandard: {
			InitialQPS:      1000,
			MaxQPS:          3000,
			StepQPS:         500,
			DurationPerStep: 120 * time.Second,
			AutoStopArmed:   false,
		},
		ModeIntensive: {
			InitialQPS:      1000,
			MaxQPS:          8000,
			StepQPS:         500,
			DurationPerStep: 180 * time.Second,
			WarmupDuration:  10 * time.Second,
			CooldownDur:     5 * time.Second,
			AutoStopArmed:   true,
		},
	}
}

// GetSchedule returns the schedule for mode m, falling back to standard
// for an unrecognized mode (mirrors the teacher's GetProfile fallback).
func GetSchedule(schedules map[BenchmarkMode]Schedule, m BenchmarkMode) Schedule {
	if s, ok := schedules[m]; ok {
		return s
	}
	return schedules[ModeStandard]
}

// Platform identifies the cloud environment, filled once at startup by
// internal/platform.Probe and never re-probed by any component (§9).
type Platform string

const (
	PlatformAWS   Platform = "aws"
	PlatformOther Platform = "other"
	PlatformAuto  Platform = "auto"
)

// Paths holds every filesystem root the orchestrator writes to or reads from.
type Paths struct {
	RunRoot       string // where per-run CSV/JSONL/status files live
	ArchivesRoot  string // archives/ directory
	SnapshotDir   string // ephemeral shared "latest" snapshot directory
	LogsDir       string
	TargetsFile   string // consumed by the external load generator
	LoadGenBinary string // path to the external load-gen executable
}

// Config is the immutable value passed to every component at construction.
type Config struct {
	Mode    BenchmarkMode
	RPCMode RPCMode

	TickInterval time.Duration // default 5s, §4.1

	Devices           []DeviceConfig
	NetworkInterface  string
	NetworkBandwidth  float64 // Mbps, configured link bandwidth
	ENAEnabled        bool
	Platform          Platform

	NodeRPCEndpoint    string
	MainnetRPCEndpoint string
	MainnetCacheTTL    time.Duration // default 3s, §4.2
	NodeHealthMethod   string
	NodeHeightMethod   string

	MonitorProcessPatterns []string
	NodeProcessPatterns    []string

	Thresholds Thresholds
	ConsecutiveK int           // default 3
	AnalysisWindow time.Duration // default 30s

	Schedules map[BenchmarkMode]Schedule

	Paths Paths

	// ProcRoot/SysRoot allow samplers to be pointed at a fixture tree in
	// tests, mirroring the teacher's CollectConfig.ProcRoot/SysRoot.
	ProcRoot string
	SysRoot  string

	LogLevel string

	KeepArchives int // default 10, cleanup retention
}

// Default returns a Config populated with every documented default, with
// Platform set to PlatformAuto so PlatformProbe has something to fill.
func Default() Config {
	return Config{
		Mode:         ModeQuick,
		RPCMode:      RPCSingle,
		TickInterval: 5 * time.Second,
		Devices: []DeviceConfig{
			{Name: "data0", VolumeType: VolumeEBS, BaselineIOPS: 16000, BaselineThroughput: 1000},
			{Name: "data1", VolumeType: VolumeEBS, BaselineIOPS: 16000, BaselineThroughput: 1000},
		},
		NetworkInterface:       "eth0",
		NetworkBandwidth:       10000, // 10 Gbps default
		ENAEnabled:             false,
		Platform:               PlatformAuto,
		MainnetCacheTTL:        3 * time.Second,
		NodeHealthMethod:       "health_check",
		NodeHeightMethod:       "block_height",
		MonitorProcessPatterns: []string{"benchhouse"},
		NodeProcessPatterns:    []string{"geth", "reth", "erigon"},
		Thresholds:             DefaultThresholds(),
		ConsecutiveK:           3,
		AnalysisWindow:         30 * time.Second,
		Schedules:              DefaultSchedules(),
		Paths: Paths{
			RunRoot:      "./runs/current",
			ArchivesRoot: "./archives",
			SnapshotDir:  "/dev/shm/benchhouse",
			LogsDir:      "./logs",
			TargetsFile:  "./targets.jsonl",
		},
		ProcRoot:     "/proc",
		SysRoot:      "/sys",
		LogLevel:     "info",
		KeepArchives: 10,
	}
}

// ConfigError represents a pre-check/configuration failure; the CLI maps
// this to exit code 3 per §6/§7.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Validate checks the invariants the orchestrator must refuse to start
// without: at least one device, a positive tick interval, and a non-empty
// targets file path. Existence of the targets file itself is a pre-check
// performed by the caller (it may not exist yet at config-construction
// time in tests).
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return &ConfigError{Msg: "tick interval must be positive"}
	}
	if len(c.Devices) == 0 {
		return &ConfigError{Msg: "at least one device must be configured"}
	}
	if c.Paths.TargetsFile == "" {
		return &ConfigError{Msg: "targets file path must be set"}
	}
	if c.NodeRPCEndpoint == "" {
		return &ConfigError{Msg: "node RPC endpoint must be set"}
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.Name] {
			return &ConfigError{Msg: fmt.Sprintf("duplicate device name %q", d.Name)}
		}
		seen[d.Name] = true
	}
	return nil
}
