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

// MemorySampler reads /proc/meminfo once per tick. Memory usage needs no
// delta against a previous reading (unlike CPU jiffies), so it is a
// stateless read, mirroring the parseMeminfo half of the teacher's
// collector.MemoryCollector.
type MemorySampler struct {
	procRoot string
}

func NewMemorySampler(procRoot string) *MemorySampler {
	return &MemorySampler{procRoot: procRoot}
}

func (m *MemorySampler) Name() string            { return "memory" }
func (m *MemorySampler) Available() Availability { return AlwaysAvailable }

func (m *MemorySampler) Sample(ctx context.Context, tick clock.Tick) (Fields, error) {
	f, err := os.Open(filepath.Join(m.procRoot, "meminfo"))
	if err != nil {
		return metrics.MemoryFields{}, err
	}
	defer f.Close()

	var totalKB, freeKB, availKB int64
	haveAvail := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), " kB"))
		val, _ := strconv.ParseInt(valStr, 10, 64)

		switch key {
		case "MemTotal":
			totalKB = val
		case "MemFree":
			freeKB = val
		case "MemAvailable":
			availKB = val
			haveAvail = true
		}
	}
	if err := scanner.Err(); err != nil {
		return metrics.MemoryFields{}, err
	}

	free := freeKB
	if haveAvail {
		free = availKB
	}
	usedKB := totalKB - free
	if usedKB < 0 {
		usedKB = 0
	}

	var usedPct float64
	if totalKB > 0 {
		usedPct = float64(usedKB) / float64(totalKB) * 100
	}

	return metrics.MemoryFields{
		UsedBytes:  usedKB * 1024,
		TotalBytes: totalKB * 1024,
		UsedPct:    usedPct,
	}, nil
}
