// Package metrics defines MetricsRow/OverheadRow, the stable positional
// schemas from spec §3, and the Aggregator that assembles, writes, and
// publishes them (spec §4.3).
package metrics

import "fmt"

// CPUFields is the six-field CPU block.
type CPUFields struct {
	UsagePct  float64 // 100 - idle
	UserPct   float64
	SystemPct float64
	IOWaitPct float64
	SoftIRQPct float64
	IdlePct   float64
}

// MemoryFields is the three-field memory block.
type MemoryFields struct {
	UsedBytes  int64
	TotalBytes int64
	UsedPct    float64
}

// DeviceFields is the fixed 21-field per-device block from spec §3.
// The AWS-IOPS law (spec §8 property 2) is enforced by ComputeAWSStandard,
// not by this struct's zero value.
type DeviceFields struct {
	Name string

	ReadOpsPerSec  float64 // r/s
	WriteOpsPerSec float64 // w/s
	TotalIOPS      float64 // r_s + w_s

	ReadBytesPerSec  float64
	WriteBytesPerSec float64

	ReadAwaitMs  float64
	WriteAwaitMs float64

	QueueDepth float64
	UtilPct    float64 // iostat-style %util; can read 100% while AWS-standard IOPS is low

	MergedReadsPerSec  float64
	MergedWritesPerSec float64

	AvgReadReqSizeKiB  float64
	AvgWriteReqSizeKiB float64
	AvgIOSizeKiB       float64 // observed average I/O size across both directions

	AWSStandardIOPS       float64
	ReadThroughputMiBs    float64
	WriteThroughputMiBs   float64
	TotalThroughputMiBs   float64
	AWSStandardThroughput float64

	VolumeType string // "ebs" or "instance-store"
}

// ComputeAWSStandardIOPS applies the §4.2 formula:
//
//	aws_iops = total_iops * (avg_kib/16)   when avg_kib <= 16
//	aws_iops = total_iops                  otherwise
//
// instance-store volumes pass through unchanged. When total_iops is zero,
// avgKiB is undefined and the result is zero (per SPEC_FULL §9 Open
// Question 2 — no silent fallback to total_iops).
func ComputeAWSStandardIOPS(totalIOPS, avgKiB float64, instanceStore bool) float64 {
	if instanceStore {
		return totalIOPS
	}
	if totalIOPS == 0 {
		return 0
	}
	if avgKiB <= 0 {
		return 0
	}
	if avgKiB <= 16 {
		return totalIOPS * (avgKiB / 16)
	}
	return totalIOPS
}

// NetworkFields is the 10-field network block.
type NetworkFields struct {
	Interface  string
	RxMbps     float64
	TxMbps     float64
	TotalMbps  float64
	RxGbps     float64
	TxGbps     float64
	TotalGbps  float64
	RxPktsPerSec   float64
	TxPktsPerSec   float64
	TotalPktsPerSec float64
}

// ENAFields is the optional 6-field AWS ENA allowance block.
type ENAFields struct {
	BWInExceeded      int64
	BWOutExceeded     int64
	PPSExceeded       int64
	ConntrackExceeded int64
	LinklocalExceeded int64
	Available         int64
}

// OverheadFields is the two-field monitor-overhead block embedded in a row.
type OverheadFields struct {
	MonitorIOPS           float64
	MonitorThroughputMiBs float64
}

// BlockHeightFields is the six-field block-height block.
type BlockHeightFields struct {
	Local          int64
	Mainnet        int64
	Diff           int64
	LocalHealthy   bool
	MainnetHealthy bool
	DataLoss       bool
}

// UnknownHeight is the sentinel recorded when a height sample is unavailable.
const UnknownHeight int64 = -1

// ComputeBlockHeightFields derives Diff and DataLoss per invariant (f)/(g)
// in spec §3: diff = mainnet - local; data loss is true when either
// sample failed (Diff is then UnknownHeight), or |diff| exceeds the
// threshold, or both health flags are unhealthy.
func ComputeBlockHeightFields(local, mainnet int64, localOK, mainnetOK, localHealthy, mainnetHealthy bool, diffThreshold int64) BlockHeightFields {
	f := BlockHeightFields{
		LocalHealthy:   localHealthy,
		MainnetHealthy: mainnetHealthy,
	}

	bothFailed := !localOK && !mainnetOK
	if !localOK {
		f.Local = UnknownHeight
	} else {
		f.Local = local
	}
	if !mainnetOK {
		f.Mainnet = UnknownHeight
	} else {
		f.Mainnet = mainnet
	}

	switch {
	case bothFailed:
		f.Diff = UnknownHeight
		f.DataLoss = true
		return f
	case !localOK || !mainnetOK:
		f.Diff = UnknownHeight
		f.DataLoss = true
		return f
	}

	diff := mainnet - local
	f.Diff = diff

	exceeded := diff > diffThreshold || diff < -diffThreshold
	bothUnhealthy := !localHealthy && !mainnetHealthy
	f.DataLoss = exceeded || bothUnhealthy
	return f
}

// LoadGenFields is the three-field load-generator progress block from
// spec §3/§6's column width formula (loadgen contributes exactly 3
// columns). SuccessRatePct/ErrorRatePct/RPCP99LatencyMs are carried
// alongside for the Bottleneck Detector's RPC predicates (§4.4's "RPC
// Latency" predicate is defined on p99, not the mean the CSV column
// carries) but are deliberately NOT part of the CSV schema (Schema.Header/
// Width and Aggregator.appendRow enumerate columns explicitly and never
// reference them) — adding detector-only state here must never change
// the on-disk column count.
type LoadGenFields struct {
	CurrentQPS       int
	RPCMeanLatencyMs float64
	Available        bool

	SuccessRatePct   float64
	ErrorRatePct     float64
	RPCP99LatencyMs  float64
}

// MetricsRow is one time-aligned sample: the positionally-stable row the
// Aggregator writes to CSV (spec §3, §6 file 1).
type MetricsRow struct {
	TimestampUnix int64

	CPU    CPUFields
	Memory MemoryFields

	// Devices is ordered exactly as configured (config.Config.Devices);
	// that order is fixed for the lifetime of one physical CSV file.
	Devices []DeviceFields

	Network NetworkFields

	HasENA bool
	ENA    ENAFields

	Overhead OverheadFields

	BlockHeight BlockHeightFields

	LoadGen LoadGenFields
}

// Schema describes the column layout of a CSV file: the device name order
// and whether ENA columns are present. Every MetricsRow appended to the
// same physical file must have been produced under the same Schema (spec
// §3 invariant (a), §6 file 1 width formula).
type Schema struct {
	DeviceNames []string
	HasENA      bool
}

// Width returns the total column count per the §6 formula:
// 10 + 21*devices + 10 + (6 if ENA) + 2 + 6 + 3.
func (s Schema) Width() int {
	w := 10 + 21*len(s.DeviceNames) + 10 + 2 + 6 + 3
	if s.HasENA {
		w += 6
	}
	return w
}

// Header returns the CSV header row for this schema, in declared
// positional order. Devices are namespaced as "<field>_<device>" so the
// reader can re-bind columns by name after a file rotation (spec §4.3).
func (s Schema) Header() []string {
	h := []string{
		"timestamp",
		"cpu_usage_pct", "cpu_user_pct", "cpu_system_pct", "cpu_iowait_pct", "cpu_softirq_pct", "cpu_idle_pct",
		"mem_used_bytes", "mem_total_bytes", "mem_used_pct",
	}
	for _, d := range s.DeviceNames {
		for _, suffix := range deviceColumnSuffixes {
			h = append(h, fmt.Sprintf("%s_%s", suffix, d))
		}
	}
	h = append(h,
		"net_interface", "net_rx_mbps", "net_tx_mbps", "net_total_mbps",
		"net_rx_gbps", "net_tx_gbps", "net_total_gbps",
		"net_rx_pps", "net_tx_pps", "net_total_pps",
	)
	if s.HasENA {
		h = append(h,
			"ena_bw_in_exceeded", "ena_bw_out_exceeded", "ena_pps_exceeded",
			"ena_conntrack_exceeded", "ena_linklocal_exceeded", "ena_available",
		)
	}
	h = append(h, "monitor_iops", "monitor_throughput_mibs")
	h = append(h,
		"block_height_local", "block_height_mainnet", "block_height_diff",
		"block_height_local_healthy", "block_height_mainnet_healthy", "data_loss",
	)
	h = append(h, "loadgen_qps", "loadgen_rpc_mean_latency_ms", "loadgen_available")
	return h
}

var deviceColumnSuffixes = []string{
	"device_name",
	"read_ops_per_sec", "write_ops_per_sec", "total_iops",
	"read_bytes_per_sec", "write_bytes_per_sec",
	"read_await_ms", "write_await_ms",
	"queue_depth", "util_pct",
	"merged_reads_per_sec", "merged_writes_per_sec",
	"avg_read_req_size_kib", "avg_write_req_size_kib", "avg_io_size_kib",
	"aws_standard_iops",
	"read_throughput_mibs", "write_throughput_mibs", "total_throughput_mibs",
	"aws_standard_throughput_mibs",
	"volume_type",
}

// OverheadRow is the separate 20-field monitoring-overhead stream (spec
// §3, §6 file 3): proves the observer effect stays bounded.
type OverheadRow struct {
	TimestampUnix int64

	MonitorCPUPct     float64
	MonitorMemPct     float64
	MonitorMemMB      float64
	MonitorProcCount  int

	NodeCPUPct    float64
	NodeMemPct    float64
	NodeMemMB     float64
	NodeProcCount int

	Cores   int
	RAMGB   float64
	DiskGB  float64

	CPUUsagePct float64
	MemUsagePct float64

	MemCachedGB   float64
	MemBuffersGB  float64
	MemAnonGB     float64
	MemMappedGB   float64
	MemSharedGB   float64

	// a 20th positional field: wall-clock duration of the sample itself,
	// used to sanity-check the Overhead sampler's own latency.
	SampleLatencyMs float64
}

// OverheadHeader is the OverheadRow's declared positional header.
var OverheadHeader = []string{
	"timestamp",
	"monitor_cpu_pct", "monitor_mem_pct", "monitor_mem_mb", "monitor_proc_count",
	"node_cpu_pct", "node_mem_pct", "node_mem_mb", "node_proc_count",
	"cores", "ram_gb", "disk_gb",
	"cpu_usage_pct", "mem_usage_pct",
	"mem_cached_gb", "mem_buffers_gb", "mem_anon_gb", "mem_mapped_gb", "mem_shared_gb",
	"sample_latency_ms",
}
