package sampler

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/metrics"
)

// cpuTimes holds jiffies for each CPU state, identical field set to the
// teacher's collector.cpuTimes in internal/collector/cpu.go.
type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (t cpuTimes) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

// CPUSampler reads /proc/stat once per tick and reports the delta against
// the previous tick's reading, replacing the teacher's internal
// before/after sleep with a state field carried between Sample calls.
type CPUSampler struct {
	procRoot string
	prev     cpuTimes
	havePrev bool
}

// NewCPUSampler constructs a CPUSampler rooted at procRoot (e.g. "/proc",
// or a fixture directory in tests).
func NewCPUSampler(procRoot string) *CPUSampler {
	return &CPUSampler{procRoot: procRoot}
}

func (c *CPUSampler) Name() string             { return "cpu" }
func (c *CPUSampler) Available() Availability  { return AlwaysAvailable }

// Sample returns metrics.CPUFields for the interval since the previous
// tick. On the first call (no previous sample yet) it returns the zero
// value, matching the teacher's two-point-sampling convention of treating
// a missing baseline as "no data this round" rather than an error.
func (c *CPUSampler) Sample(ctx context.Context, tick clock.Tick) (Fields, error) {
	cur, err := c.readProcStat()
	if err != nil {
		return metrics.CPUFields{}, err
	}

	if !c.havePrev {
		c.prev = cur
		c.havePrev = true
		return metrics.CPUFields{}, nil
	}

	fields := computeCPUDelta(c.prev, cur)
	c.prev = cur
	return fields, nil
}

func computeCPUDelta(before, after cpuTimes) metrics.CPUFields {
	totalDelta := float64(after.total() - before.total())
	if totalDelta <= 0 {
		return metrics.CPUFields{}
	}
	idle := float64(after.idle-before.idle) / totalDelta * 100
	return metrics.CPUFields{
		UsagePct:   100 - idle,
		UserPct:    float64(after.user-before.user+after.nice-before.nice) / totalDelta * 100,
		SystemPct:  float64(after.system-before.system) / totalDelta * 100,
		IOWaitPct:  float64(after.iowait-before.iowait) / totalDelta * 100,
		SoftIRQPct: float64(after.softirq-before.softirq) / totalDelta * 100,
		IdlePct:    idle,
	}
}

// readProcStat parses /proc/stat's aggregate "cpu" line, identical field
// layout to the teacher's collector.CPUCollector.readProcStat (minus the
// per-CPU and context-switch bookkeeping the spec does not require).
func (c *CPUSampler) readProcStat() (cpuTimes, error) {
	f, err := os.Open(filepath.Join(c.procRoot, "stat"))
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 9 && fields[0] == "cpu" {
			return parseCPULine(fields), nil
		}
	}
	return cpuTimes{}, scanner.Err()
}

func parseCPULine(fields []string) cpuTimes {
	parse := func(idx int) uint64 {
		if idx >= len(fields) {
			return 0
		}
		v, _ := strconv.ParseUint(fields[idx], 10, 64)
		return v
	}
	return cpuTimes{
		user:    parse(1),
		nice:    parse(2),
		system:  parse(3),
		idle:    parse(4),
		iowait:  parse(5),
		irq:     parse(6),
		softirq: parse(7),
		steal:   parse(8),
	}
}
