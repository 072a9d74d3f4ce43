package metrics

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/output"
	"github.com/benchhouse/nodebench/internal/sampler"
)

// Aggregator fans a clock.Tick out to every registered Sampler, joins
// their readings into one MetricsRow, appends it to the run's CSV file,
// and publishes the latest row as an atomic JSON snapshot.
//
// The parallel fan-out-then-join — one goroutine per sampler, a
// WaitGroup, and a mutex-guarded results map — is grounded on the
// teacher's orchestrator.Orchestrator.Run. The CSV-plus-atomic-snapshot
// write is grounded on the teacher's output.WriteJSON, generalized here
// to the write-temp-then-rename idiom used throughout this repo
// (internal/output.WriteJSONAtomic).
type Aggregator struct {
	cfg    config.Config
	schema Schema

	cpu      *sampler.CPUSampler
	memory   *sampler.MemorySampler
	devices  []*sampler.DeviceSampler
	network  *sampler.NetworkSampler
	ena      *sampler.ENASampler
	overhead *sampler.OverheadSampler
	nodeRPC  *sampler.NodeRPCSampler
	mainnet  *sampler.MainnetRPCSampler
	loadgen  *sampler.LoadGenProgressSampler

	progress *output.Progress

	csvPath      string
	snapshotPath string
	overheadPath string

	mu           sync.Mutex
	csvFile      *os.File
	csvWriter    *csv.Writer
	overheadFile *os.File
	overheadCSV  *csv.Writer
	headerWritten bool
	rowCount     int64
	missedTicks  int64
}

// New constructs an Aggregator. Callers wire in every Sampler it will
// drive; a nil sampler (e.g. ena when the platform is not AWS) is simply
// skipped each tick. runTimestamp names this run's CSV files per spec §6
// file 1/3 (performance_<ts>.csv, monitoring_overhead_<ts>.csv).
func New(
	cfg config.Config,
	schema Schema,
	runTimestamp string,
	cpu *sampler.CPUSampler,
	memory *sampler.MemorySampler,
	devices []*sampler.DeviceSampler,
	network *sampler.NetworkSampler,
	ena *sampler.ENASampler,
	overhead *sampler.OverheadSampler,
	nodeRPC *sampler.NodeRPCSampler,
	mainnet *sampler.MainnetRPCSampler,
	loadgen *sampler.LoadGenProgressSampler,
	progress *output.Progress,
) *Aggregator {
	return &Aggregator{
		cfg: cfg, schema: schema,
		cpu: cpu, memory: memory, devices: devices, network: network, ena: ena,
		overhead: overhead, nodeRPC: nodeRPC, mainnet: mainnet, loadgen: loadgen,
		progress:     progress,
		csvPath:      filepath.Join(cfg.Paths.RunRoot, fmt.Sprintf("performance_%s.csv", runTimestamp)),
		snapshotPath: filepath.Join(cfg.Paths.SnapshotDir, "metrics_latest.json"),
		overheadPath: filepath.Join(cfg.Paths.RunRoot, fmt.Sprintf("monitoring_overhead_%s.csv", runTimestamp)),
	}
}

// CSVPath returns the path of this run's performance CSV, for the
// Archiver to pick up at run end.
func (a *Aggregator) CSVPath() string { return a.csvPath }

// OverheadCSVPath returns the path of this run's overhead CSV.
func (a *Aggregator) OverheadCSVPath() string { return a.overheadPath }

// sampleResult pairs a sampler's name with its reading or error, the unit
// of work each fan-out goroutine produces (mirrors the teacher's
// orchestrator collecting *model.Result per collector).
type sampleResult struct {
	name string
	val  any
	err  error
}

// Open creates the run's CSV files and writes their headers. Must be
// called once before the first call to HandleTick.
func (a *Aggregator) Open() error {
	if err := os.MkdirAll(filepath.Dir(a.csvPath), 0o755); err != nil {
		return fmt.Errorf("create run root: %w", err)
	}
	if err := os.MkdirAll(a.cfg.Paths.SnapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	f, err := os.Create(a.csvPath)
	if err != nil {
		return fmt.Errorf("create metrics csv: %w", err)
	}
	a.csvFile = f
	a.csvWriter = csv.NewWriter(f)
	if err := a.csvWriter.Write(a.schema.Header()); err != nil {
		return fmt.Errorf("write metrics header: %w", err)
	}
	a.csvWriter.Flush()

	// Spec §6 file 2: performance_latest.csv always points at the
	// current run's CSV. Remove any stale symlink from a prior run
	// before creating this one.
	latestLink := filepath.Join(filepath.Dir(a.csvPath), "performance_latest.csv")
	_ = os.Remove(latestLink)
	if err := os.Symlink(filepath.Base(a.csvPath), latestLink); err != nil {
		return fmt.Errorf("symlink performance_latest.csv: %w", err)
	}

	of, err := os.Create(a.overheadPath)
	if err != nil {
		return fmt.Errorf("create overhead csv: %w", err)
	}
	a.overheadFile = of
	a.overheadCSV = csv.NewWriter(of)
	if err := a.overheadCSV.Write(OverheadHeader); err != nil {
		return fmt.Errorf("write overhead header: %w", err)
	}
	a.overheadCSV.Flush()

	a.headerWritten = true
	return nil
}

// Close flushes and closes both CSV files.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	if a.csvWriter != nil {
		a.csvWriter.Flush()
	}
	if a.csvFile != nil {
		if err := a.csvFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.overheadCSV != nil {
		a.overheadCSV.Flush()
	}
	if a.overheadFile != nil {
		if err := a.overheadFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RowCount returns the number of rows successfully written so far.
func (a *Aggregator) RowCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rowCount
}

// MissedTicks returns how many ticks produced no row at all (every
// sampler returned an error, or none is wired in), the basis of the
// data-loss-flag invariant in spec §3(g). HandleTick waits for every
// sampler to return; it does not cut a tick short at its deadline.
func (a *Aggregator) MissedTicks() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.missedTicks
}

// HandleTick runs every sampler concurrently for one tick, joins the
// results into a MetricsRow and an OverheadRow, appends both to their CSV
// files, and republishes the atomic snapshot. It returns the row so
// callers (the Detector, the Ramp Controller) can act on this tick's
// reading without re-reading the CSV.
func (a *Aggregator) HandleTick(ctx context.Context, tick clock.Tick) (MetricsRow, error) {
	results := make(map[string]sampleResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	run := func(name string, fn func() (any, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := fn()
			mu.Lock()
			results[name] = sampleResult{name: name, val: val, err: err}
			mu.Unlock()
		}()
	}

	if a.cpu != nil {
		run("cpu", func() (any, error) { return a.cpu.Sample(ctx, tick) })
	}
	if a.memory != nil {
		run("memory", func() (any, error) { return a.memory.Sample(ctx, tick) })
	}
	for _, d := range a.devices {
		d := d
		run(d.Name(), func() (any, error) { return d.Sample(ctx, tick) })
	}
	if a.network != nil {
		run("network", func() (any, error) { return a.network.Sample(ctx, tick) })
	}
	if a.ena != nil {
		run("ena", func() (any, error) { return a.ena.Sample(ctx, tick) })
	}
	if a.overhead != nil {
		run("overhead", func() (any, error) { return a.overhead.Sample(ctx, tick) })
	}
	if a.nodeRPC != nil {
		run("node_rpc", func() (any, error) { return a.nodeRPC.Sample(ctx, tick) })
	}
	if a.mainnet != nil {
		run("mainnet_rpc", func() (any, error) { return a.mainnet.Sample(ctx, tick) })
	}
	if a.loadgen != nil {
		run("loadgen_progress", func() (any, error) { return a.loadgen.Sample(ctx, tick) })
	}

	wg.Wait()

	row := a.buildRow(tick, results)
	overheadRow := a.buildOverheadRow(tick, results)

	a.mu.Lock()
	anySampler := false
	for _, r := range results {
		if r.err == nil {
			anySampler = true
			break
		}
	}
	if !anySampler {
		a.missedTicks++
		a.mu.Unlock()
		return row, fmt.Errorf("tick %d: every sampler failed", tick.Seq)
	}

	if err := a.appendRow(row); err != nil {
		a.mu.Unlock()
		return row, err
	}
	if err := a.appendOverheadRow(overheadRow); err != nil {
		a.mu.Unlock()
		return row, err
	}
	a.rowCount++
	a.mu.Unlock()

	if err := output.WriteJSONAtomic(row, a.snapshotPath); err != nil && a.progress != nil {
		a.progress.Log("snapshot publish failed: %v", err)
	}

	return row, nil
}

func (a *Aggregator) buildRow(tick clock.Tick, results map[string]sampleResult) MetricsRow {
	row := MetricsRow{TimestampUnix: tick.Time.Unix()}

	if r, ok := results["cpu"]; ok && r.err == nil {
		if v, ok := r.val.(CPUFields); ok {
			row.CPU = v
		}
	}
	if r, ok := results["memory"]; ok && r.err == nil {
		if v, ok := r.val.(MemoryFields); ok {
			row.Memory = v
		}
	}
	for _, name := range a.schema.DeviceNames {
		key := "device:" + name
		df := DeviceFields{Name: name}
		if r, ok := results[key]; ok && r.err == nil {
			if v, ok := r.val.(DeviceFields); ok {
				df = v
			}
		}
		row.Devices = append(row.Devices, df)
	}
	if r, ok := results["network"]; ok && r.err == nil {
		if v, ok := r.val.(NetworkFields); ok {
			row.Network = v
		}
	}
	if r, ok := results["ena"]; ok && r.err == nil {
		row.HasENA = true
		if v, ok := r.val.(ENAFields); ok {
			row.ENA = v
		}
	}
	if r, ok := results["overhead"]; ok && r.err == nil {
		if v, ok := r.val.(sampler.MonitorAndNode); ok {
			row.Overhead = OverheadFields{
				MonitorIOPS:           v.Monitor.IOPS,
				MonitorThroughputMiBs: v.Monitor.ThroughputMiBs,
			}
		}
	}

	localHeight, localOK, localHealthy := int64(0), false, false
	if r, ok := results["node_rpc"]; ok && r.err == nil {
		if v, ok := r.val.(sampler.HeightReading); ok {
			localHeight, localOK, localHealthy = v.Height, v.OK, v.Healthy
		}
	}
	mainnetHeight, mainnetOK, mainnetHealthy := int64(0), false, false
	if r, ok := results["mainnet_rpc"]; ok && r.err == nil {
		if v, ok := r.val.(sampler.HeightReading); ok {
			mainnetHeight, mainnetOK, mainnetHealthy = v.Height, v.OK, v.Healthy
		}
	}
	row.BlockHeight = ComputeBlockHeightFields(
		localHeight, mainnetHeight, localOK, mainnetOK, localHealthy, mainnetHealthy,
		int64(a.cfg.Thresholds.NodeHeightDiff),
	)

	if r, ok := results["loadgen_progress"]; ok && r.err == nil {
		if v, ok := r.val.(LoadGenFields); ok {
			row.LoadGen = v
		}
	}

	return row
}

func (a *Aggregator) buildOverheadRow(tick clock.Tick, results map[string]sampleResult) OverheadRow {
	row := OverheadRow{TimestampUnix: tick.Time.Unix()}

	var totalMemBytes int64
	if r, ok := results["memory"]; ok && r.err == nil {
		if v, ok := r.val.(MemoryFields); ok {
			row.MemUsagePct = v.UsedPct
			totalMemBytes = v.TotalBytes
		}
	}
	if r, ok := results["cpu"]; ok && r.err == nil {
		if v, ok := r.val.(CPUFields); ok {
			row.CPUUsagePct = v.UsagePct
		}
	}

	if r, ok := results["overhead"]; ok && r.err == nil {
		if v, ok := r.val.(sampler.MonitorAndNode); ok {
			row.MonitorCPUPct = v.Monitor.CPUPct
			row.MonitorMemMB = v.Monitor.MemMB
			row.MonitorProcCount = v.Monitor.ProcCount
			row.NodeCPUPct = v.Node.CPUPct
			row.NodeMemMB = v.Node.MemMB
			row.NodeProcCount = v.Node.ProcCount

			if totalMemBytes > 0 {
				totalMemMB := float64(totalMemBytes) / 1024 / 1024
				row.MonitorMemPct = v.Monitor.MemMB / totalMemMB * 100
				row.NodeMemPct = v.Node.MemMB / totalMemMB * 100
			}

			row.Cores = v.Facts.Cores
			row.RAMGB = v.Facts.RAMGB
			row.DiskGB = v.Facts.DiskGB

			row.MemCachedGB = v.Mem.CachedGB
			row.MemBuffersGB = v.Mem.BuffersGB
			row.MemAnonGB = v.Mem.AnonGB
			row.MemMappedGB = v.Mem.MappedGB
			row.MemSharedGB = v.Mem.SharedGB

			row.SampleLatencyMs = v.SampleLatencyMs
		}
	}
	return row
}

func (a *Aggregator) appendRow(row MetricsRow) error {
	rec := make([]string, 0, a.schema.Width())
	rec = append(rec, strconv.FormatInt(row.TimestampUnix, 10))
	rec = append(rec,
		f64(row.CPU.UsagePct), f64(row.CPU.UserPct), f64(row.CPU.SystemPct),
		f64(row.CPU.IOWaitPct), f64(row.CPU.SoftIRQPct), f64(row.CPU.IdlePct),
	)
	rec = append(rec,
		strconv.FormatInt(row.Memory.UsedBytes, 10),
		strconv.FormatInt(row.Memory.TotalBytes, 10),
		f64(row.Memory.UsedPct),
	)
	for _, d := range row.Devices {
		rec = append(rec,
			d.Name,
			f64(d.ReadOpsPerSec), f64(d.WriteOpsPerSec), f64(d.TotalIOPS),
			f64(d.ReadBytesPerSec), f64(d.WriteBytesPerSec),
			f64(d.ReadAwaitMs), f64(d.WriteAwaitMs),
			f64(d.QueueDepth), f64(d.UtilPct),
			f64(d.MergedReadsPerSec), f64(d.MergedWritesPerSec),
			f64(d.AvgReadReqSizeKiB), f64(d.AvgWriteReqSizeKiB), f64(d.AvgIOSizeKiB),
			f64(d.AWSStandardIOPS),
			f64(d.ReadThroughputMiBs), f64(d.WriteThroughputMiBs), f64(d.TotalThroughputMiBs),
			f64(d.AWSStandardThroughput),
			d.VolumeType,
		)
	}
	rec = append(rec,
		row.Network.Interface,
		f64(row.Network.RxMbps), f64(row.Network.TxMbps), f64(row.Network.TotalMbps),
		f64(row.Network.RxGbps), f64(row.Network.TxGbps), f64(row.Network.TotalGbps),
		f64(row.Network.RxPktsPerSec), f64(row.Network.TxPktsPerSec), f64(row.Network.TotalPktsPerSec),
	)
	if a.schema.HasENA {
		rec = append(rec,
			strconv.FormatInt(row.ENA.BWInExceeded, 10),
			strconv.FormatInt(row.ENA.BWOutExceeded, 10),
			strconv.FormatInt(row.ENA.PPSExceeded, 10),
			strconv.FormatInt(row.ENA.ConntrackExceeded, 10),
			strconv.FormatInt(row.ENA.LinklocalExceeded, 10),
			strconv.FormatInt(row.ENA.Available, 10),
		)
	}
	rec = append(rec, f64(row.Overhead.MonitorIOPS), f64(row.Overhead.MonitorThroughputMiBs))
	rec = append(rec,
		strconv.FormatInt(row.BlockHeight.Local, 10),
		strconv.FormatInt(row.BlockHeight.Mainnet, 10),
		strconv.FormatInt(row.BlockHeight.Diff, 10),
		strconv.FormatBool(row.BlockHeight.LocalHealthy),
		strconv.FormatBool(row.BlockHeight.MainnetHealthy),
		strconv.FormatBool(row.BlockHeight.DataLoss),
	)
	rec = append(rec,
		strconv.Itoa(row.LoadGen.CurrentQPS),
		f64(row.LoadGen.RPCMeanLatencyMs),
		strconv.FormatBool(row.LoadGen.Available),
	)

	if err := a.csvWriter.Write(rec); err != nil {
		return fmt.Errorf("write metrics row: %w", err)
	}
	a.csvWriter.Flush()
	return a.csvWriter.Error()
}

func (a *Aggregator) appendOverheadRow(row OverheadRow) error {
	rec := []string{
		strconv.FormatInt(row.TimestampUnix, 10),
		f64(row.MonitorCPUPct), f64(row.MonitorMemPct), f64(row.MonitorMemMB), strconv.Itoa(row.MonitorProcCount),
		f64(row.NodeCPUPct), f64(row.NodeMemPct), f64(row.NodeMemMB), strconv.Itoa(row.NodeProcCount),
		strconv.Itoa(row.Cores), f64(row.RAMGB), f64(row.DiskGB),
		f64(row.CPUUsagePct), f64(row.MemUsagePct),
		f64(row.MemCachedGB), f64(row.MemBuffersGB), f64(row.MemAnonGB), f64(row.MemMappedGB), f64(row.MemSharedGB),
		f64(row.SampleLatencyMs),
	}
	if err := a.overheadCSV.Write(rec); err != nil {
		return fmt.Errorf("write overhead row: %w", err)
	}
	a.overheadCSV.Flush()
	return a.overheadCSV.Error()
}

func f64(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
