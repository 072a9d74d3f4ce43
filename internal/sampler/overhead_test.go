package sampler

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/config"
	"github.com/stretchr/testify/require"
)

// writeProcEntry creates a fake /proc/[pid]/{comm,stat} pair with utime,
// stime (clock ticks) and rss (pages) set at the teacher-matched offsets
// readProcTimes expects.
func writeProcEntry(t *testing.T, procRoot string, pid int, comm string, utime, stime, rss uint64) {
	t.Helper()
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))

	fields := make([]string, 30)
	for i := range fields {
		fields[i] = "0"
	}
	// fields follow the state letter "S", which readProcTimes counts as
	// index 0, so its indices 11/12/21 are 10/11/20 here.
	fields[10] = strconv.FormatUint(utime, 10)
	fields[11] = strconv.FormatUint(stime, 10)
	fields[20] = strconv.FormatUint(rss, 10)
	line := strconv.Itoa(pid) + " (" + comm + ") S " + strings.Join(fields, " ")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(line+"\n"), 0o644))
}

func TestOverheadSamplerMatchesNodeByCommPattern(t *testing.T) {
	procRoot := t.TempDir()
	writeProcEntry(t, procRoot, 500, "nodebinary", 100, 50, 1000)
	writeProcEntry(t, procRoot, 501, "unrelated", 0, 0, 0)

	s := NewOverheadSampler(procRoot, procRoot, nil, []string{"nodebinary"}, nil, nil)

	start := time.Unix(0, 0)
	_, err := s.Sample(context.Background(), clock.Tick{Seq: 1, Time: start, Deadline: start.Add(time.Second)})
	require.NoError(t, err)

	writeProcEntry(t, procRoot, 500, "nodebinary", 200, 100, 2000)
	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 2, Time: start.Add(time.Second), Deadline: start.Add(2 * time.Second)})
	require.NoError(t, err)

	mn := fields.(MonitorAndNode)
	require.Equal(t, 1, mn.Node.ProcCount)
	require.InDelta(t, 150.0, mn.Node.CPUPct, 0.01) // +150 ticks over 1s / 100 ticks-per-sec * 100
	require.InDelta(t, 2000*4096.0/1024/1024, mn.Node.MemMB, 0.01)
}

func TestOverheadSamplerChildPIDsFoldIntoMonitorGroup(t *testing.T) {
	procRoot := t.TempDir()
	called := 0
	s := NewOverheadSampler(procRoot, procRoot, nil, nil, nil, func() []int {
		called++
		return []int{999}
	})

	start := time.Unix(0, 0)
	_, err := s.Sample(context.Background(), clock.Tick{Seq: 1, Time: start, Deadline: start.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, 1, called)
}

func TestOverheadSamplerFirstTickReturnsZeroGroups(t *testing.T) {
	root := t.TempDir()
	s := NewOverheadSampler(root, root, nil, nil, nil, nil)
	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 1, Time: time.Unix(0, 0), Deadline: time.Unix(1, 0)})
	require.NoError(t, err)
	mn := fields.(MonitorAndNode)
	require.Equal(t, OverheadGroupFields{}, mn.Monitor)
	require.Equal(t, OverheadGroupFields{}, mn.Node)
}

func TestOverheadSamplerSystemFactsFromConfiguredDevices(t *testing.T) {
	sysRoot := t.TempDir()
	blockDir := filepath.Join(sysRoot, "block", "data0")
	require.NoError(t, os.MkdirAll(blockDir, 0o755))
	// 2_000_000 512-byte sectors ~= 0.954 GiB.
	require.NoError(t, os.WriteFile(filepath.Join(blockDir, "size"), []byte("2000000\n"), 0o644))

	procRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "meminfo"), []byte("MemTotal:       16777216 kB\n"), 0o644))

	devices := []config.DeviceConfig{{Name: "data0"}}
	s := NewOverheadSampler(procRoot, sysRoot, nil, nil, devices, nil)

	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 1, Time: time.Unix(0, 0), Deadline: time.Unix(1, 0)})
	require.NoError(t, err)
	mn := fields.(MonitorAndNode)
	require.Equal(t, 16.0, mn.Facts.RAMGB)
	require.InDelta(t, 0.954, mn.Facts.DiskGB, 0.01)
	require.Greater(t, mn.Facts.Cores, 0)
}
