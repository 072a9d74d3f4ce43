package config

import (
	"os"
	"strconv"
	"strings"
)

// envPrefix namespaces every environment variable this binary reads, per
// spec §6 "Configuration (environment or file)".
const envPrefix = "BENCHHOUSE_"

// FromEnv starts from Default() and overrides whatever environment
// variables are set, letting an operator configure a run without a file
// (spec §6). Device list and thresholds are the only structured values;
// everything else is a scalar override.
func FromEnv() Config {
	cfg := Default()

	if v, ok := lookupEnv("DEVICES"); ok {
		cfg.Devices = parseDevices(v)
	}
	if v, ok := lookupEnv("NETWORK_INTERFACE"); ok {
		cfg.NetworkInterface = v
	}
	if v, ok := lookupEnvFloat("NETWORK_BANDWIDTH_MBPS"); ok {
		cfg.NetworkBandwidth = v
	}
	if v, ok := lookupEnvBool("ENA_ENABLED"); ok {
		cfg.ENAEnabled = v
	}
	if v, ok := lookupEnv("PLATFORM"); ok {
		cfg.Platform = Platform(v)
	}
	if v, ok := lookupEnv("NODE_RPC_ENDPOINT"); ok {
		cfg.NodeRPCEndpoint = v
	}
	if v, ok := lookupEnv("MAINNET_RPC_ENDPOINT"); ok {
		cfg.MainnetRPCEndpoint = v
	}
	if v, ok := lookupEnv("NODE_HEALTH_METHOD"); ok {
		cfg.NodeHealthMethod = v
	}
	if v, ok := lookupEnv("NODE_HEIGHT_METHOD"); ok {
		cfg.NodeHeightMethod = v
	}
	if v, ok := lookupEnv("MONITOR_PROCESS_PATTERNS"); ok {
		cfg.MonitorProcessPatterns = strings.Split(v, ",")
	}
	if v, ok := lookupEnv("NODE_PROCESS_PATTERNS"); ok {
		cfg.NodeProcessPatterns = strings.Split(v, ",")
	}
	if v, ok := lookupEnvInt("CONSECUTIVE_K"); ok {
		cfg.ConsecutiveK = v
	}
	if v, ok := lookupEnv("RUN_ROOT"); ok {
		cfg.Paths.RunRoot = v
	}
	if v, ok := lookupEnv("ARCHIVES_ROOT"); ok {
		cfg.Paths.ArchivesRoot = v
	}
	if v, ok := lookupEnv("SNAPSHOT_DIR"); ok {
		cfg.Paths.SnapshotDir = v
	}
	if v, ok := lookupEnv("LOGS_DIR"); ok {
		cfg.Paths.LogsDir = v
	}
	if v, ok := lookupEnv("TARGETS_FILE"); ok {
		cfg.Paths.TargetsFile = v
	}
	if v, ok := lookupEnv("LOADGEN_BINARY"); ok {
		cfg.Paths.LoadGenBinary = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnvInt("KEEP_ARCHIVES"); ok {
		cfg.KeepArchives = v
	}

	applyThresholdOverrides(&cfg.Thresholds)
	return cfg
}

func applyThresholdOverrides(t *Thresholds) {
	overrides := []struct {
		key string
		dst *float64
	}{
		{"CPU_WARNING_PCT", &t.CPUWarningPct},
		{"CPU_CRITICAL_PCT", &t.CPUCriticalPct},
		{"MEM_WARNING_PCT", &t.MemWarningPct},
		{"MEM_CRITICAL_PCT", &t.MemCriticalPct},
		{"DEVICE_IOPS_PCT", &t.DeviceIOPSPct},
		{"DEVICE_THROUGHPUT_PCT", &t.DeviceThroughPct},
		{"DEVICE_LATENCY_MS", &t.DeviceLatencyMs},
		{"NETWORK_PCT", &t.NetworkPct},
		{"RPC_SUCCESS_RATE_PCT", &t.RPCSuccessRatePct},
		{"RPC_LATENCY_MS", &t.RPCLatencyMs},
		{"RPC_ERROR_RATE_PCT", &t.RPCErrorRatePct},
		{"NODE_HEIGHT_DIFF", &t.NodeHeightDiff},
		{"NODE_SUSTAIN_SECONDS", &t.NodeSustainSeconds},
	}
	for _, o := range overrides {
		if v, ok := lookupEnvFloat(o.key); ok {
			*o.dst = v
		}
	}
}

// parseDevices parses "name:type:iops:throughput,..." entries, e.g.
// "data0:ebs:16000:1000,data1:instance-store:0:0".
func parseDevices(v string) []DeviceConfig {
	var devices []DeviceConfig
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		d := DeviceConfig{Name: parts[0], VolumeType: VolumeEBS}
		if len(parts) > 1 && parts[1] != "" {
			d.VolumeType = VolumeType(parts[1])
		}
		if len(parts) > 2 {
			d.BaselineIOPS, _ = strconv.ParseFloat(parts[2], 64)
		}
		if len(parts) > 3 {
			d.BaselineThroughput, _ = strconv.ParseFloat(parts[3], 64)
		}
		devices = append(devices, d)
	}
	return devices
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupEnvBool(key string) (bool, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func lookupEnvInt(key string) (int, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func lookupEnvFloat(key string) (float64, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}
