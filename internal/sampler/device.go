package sampler

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/ebpf"
	"github.com/benchhouse/nodebench/internal/metrics"
)

// diskStatsRaw is the raw per-device reading from /proc/diskstats, same
// field set as the teacher's collector.diskStatsRaw, plus the merged-I/O
// counters (fields 4 and 8) the teacher's collector drops but the device
// block needs for MergedReadsPerSec/MergedWritesPerSec.
type diskStatsRaw struct {
	readOps, readMerges, readSectors     uint64
	writeOps, writeMerges, writeSectors  uint64
	ioTimeMs, weightedIOMs               uint64
}

// DeviceSampler reads /proc/diskstats for one configured device per tick,
// keeping the previous tick's raw counters to compute rates, mirroring
// the teacher's collector.DiskCollector two-point delta but driven by the
// shared clock instead of an internal sleep.
type DeviceSampler struct {
	procRoot string
	sysRoot  string
	cfg      config.DeviceConfig

	prev        diskStatsRaw
	havePrev    bool
	prevTickDur float64 // seconds, set from tick.Deadline-tick.Time of the tick that produced prev

	// ioHistogram is non-nil only when the eBPF capability probe found a
	// kernel that can run the native block I/O latency program (spec §6
	// eBPF eligibility note); nil means the sampler falls back to the
	// iostat-derived ReadAwaitMs/WriteAwaitMs averages only. No compiled
	// object file ships with this repo (see ebpf.BlockIOLatencyProgram),
	// so in practice TryLoad always fails and ioHistogram stays nil on
	// every host; this field and HasNativeIOLatency exist so a future
	// build that ships the object file gets real per-bucket latency
	// enrichment for free, without this sampler's logic changing. Until
	// then it is a load-only capability-detection hook, not a live
	// histogram reader.
	ioHistogram *ebpf.LoadedProgram
}

// NewDeviceSampler constructs a sampler for one configured device. caps
// is the process-wide, probed-once eBPF Capabilities value (spec §9: a
// single startup probe, never re-run); a kernel without CO-RE support
// leaves ioHistogram unset and the sampler reports only iostat-derived
// latency.
func NewDeviceSampler(procRoot, sysRoot string, cfg config.DeviceConfig, caps ebpf.Capabilities) *DeviceSampler {
	d := &DeviceSampler{procRoot: procRoot, sysRoot: sysRoot, cfg: cfg}
	if caps.CanLoadNative() {
		loader := ebpf.NewLoader(caps, false)
		if prog, err := loader.TryLoad(context.Background(), &ebpf.BlockIOLatencyProgram); err == nil {
			d.ioHistogram = prog
		}
		// A failed TryLoad (missing object file, attach rejected by the
		// running kernel's lockdown policy) is not fatal: the sampler
		// simply reports iostat-only latency for this device, same as a
		// tier-1 host.
	}
	return d
}

// HasNativeIOLatency reports whether this sampler's native block I/O
// latency histogram is active. It is not part of the fixed-width CSV
// schema, and the CLI does not log it.
func (d *DeviceSampler) HasNativeIOLatency() bool { return d.ioHistogram != nil }

// Close releases the native eBPF program, if one was loaded.
func (d *DeviceSampler) Close() error {
	if d.ioHistogram != nil {
		return d.ioHistogram.Close()
	}
	return nil
}

func (d *DeviceSampler) Name() string { return "device:" + d.cfg.Name }

func (d *DeviceSampler) Available() Availability {
	if _, err := os.Stat(filepath.Join(d.sysRoot, "block", d.cfg.Name)); err != nil {
		return Availability{Tier: 0, Reason: "device not present under sysfs"}
	}
	return Availability{Tier: 1}
}

func (d *DeviceSampler) Sample(ctx context.Context, tick clock.Tick) (Fields, error) {
	cur, err := d.readDiskStats()
	if err != nil {
		return metrics.DeviceFields{Name: d.cfg.Name, VolumeType: string(d.cfg.VolumeType)}, err
	}

	intervalSec := tick.Deadline.Sub(tick.Time).Seconds()
	if !d.havePrev || intervalSec <= 0 {
		d.prev = cur
		d.prevTickDur = intervalSec
		d.havePrev = true
		return metrics.DeviceFields{Name: d.cfg.Name, VolumeType: string(d.cfg.VolumeType)}, nil
	}

	fields := d.computeDelta(d.prev, cur, intervalSec)
	d.prev = cur
	d.prevTickDur = intervalSec
	return fields, nil
}

func (d *DeviceSampler) computeDelta(before, after diskStatsRaw, intervalSec float64) metrics.DeviceFields {
	readOps := float64(after.readOps - before.readOps)
	writeOps := float64(after.writeOps - before.writeOps)
	readBytes := float64(after.readSectors-before.readSectors) * 512
	writeBytes := float64(after.writeSectors-before.writeSectors) * 512
	ioTimeMs := float64(after.ioTimeMs - before.ioTimeMs)
	weightedIOMs := float64(after.weightedIOMs - before.weightedIOMs)

	totalOps := readOps + writeOps
	var avgLatencyMs float64
	if totalOps > 0 {
		avgLatencyMs = weightedIOMs / totalOps
	}

	var avgReadKiB, avgWriteKiB, avgIOKiB float64
	if readOps > 0 {
		avgReadKiB = (readBytes / 1024) / readOps
	}
	if writeOps > 0 {
		avgWriteKiB = (writeBytes / 1024) / writeOps
	}
	if totalOps > 0 {
		avgIOKiB = ((readBytes + writeBytes) / 1024) / totalOps
	}

	totalIOPS := totalOps / intervalSec
	readThroughputMiBs := readBytes / 1024 / 1024 / intervalSec
	writeThroughputMiBs := writeBytes / 1024 / 1024 / intervalSec
	totalThroughputMiBs := readThroughputMiBs + writeThroughputMiBs

	instanceStore := d.cfg.VolumeType == config.VolumeInstanceStore
	awsIOPS := metrics.ComputeAWSStandardIOPS(totalIOPS, avgIOKiB, instanceStore)

	// Throughput is passed through unchanged (spec §4.2, §3 invariant
	// (e)): only IOPS gets the 16-KiB-reference rescaling, never MiB/s.
	awsThroughput := totalThroughputMiBs

	utilPct := ioTimeMs / (intervalSec * 1000) * 100
	if utilPct > 100 {
		utilPct = 100
	}

	basePath := filepath.Join(d.sysRoot, "block", d.cfg.Name)
	queueDepth := readSysfsFloat(filepath.Join(basePath, "queue", "nr_requests"))

	return metrics.DeviceFields{
		Name: d.cfg.Name,

		ReadOpsPerSec:  readOps / intervalSec,
		WriteOpsPerSec: writeOps / intervalSec,
		TotalIOPS:      totalIOPS,

		ReadBytesPerSec:  readBytes / intervalSec,
		WriteBytesPerSec: writeBytes / intervalSec,

		ReadAwaitMs:  avgLatencyMs, // teacher's collector does not split read/write await; both report the combined weighted average
		WriteAwaitMs: avgLatencyMs,

		QueueDepth: queueDepth,
		UtilPct:    utilPct,

		MergedReadsPerSec:  float64(after.readMerges-before.readMerges) / intervalSec,
		MergedWritesPerSec: float64(after.writeMerges-before.writeMerges) / intervalSec,

		AvgReadReqSizeKiB:  avgReadKiB,
		AvgWriteReqSizeKiB: avgWriteKiB,
		AvgIOSizeKiB:       avgIOKiB,

		AWSStandardIOPS:       awsIOPS,
		ReadThroughputMiBs:    readThroughputMiBs,
		WriteThroughputMiBs:   writeThroughputMiBs,
		TotalThroughputMiBs:   totalThroughputMiBs,
		AWSStandardThroughput: awsThroughput,

		VolumeType: string(d.cfg.VolumeType),
	}
}

// readDiskStats parses /proc/diskstats for this sampler's one device,
// field-for-field identical to the teacher's collector.readDiskStats but
// scoped to a single device name and carrying the merge counters.
func (d *DeviceSampler) readDiskStats() (diskStatsRaw, error) {
	f, err := os.Open(filepath.Join(d.procRoot, "diskstats"))
	if err != nil {
		return diskStatsRaw{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 14 || fields[2] != d.cfg.Name {
			continue
		}
		parse := func(idx int) uint64 {
			v, _ := strconv.ParseUint(fields[idx], 10, 64)
			return v
		}
		return diskStatsRaw{
			readOps:      parse(3),
			readMerges:   parse(4),
			readSectors:  parse(5),
			writeOps:     parse(7),
			writeMerges:  parse(8),
			writeSectors: parse(9),
			ioTimeMs:     parse(12),
			weightedIOMs: parse(13),
		}, nil
	}
	return diskStatsRaw{}, scanner.Err()
}

func readSysfsFloat(path string) float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, _ := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	return v
}
