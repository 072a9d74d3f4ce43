package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/sampler"
)

func TestAggregatorHandleTickWritesCSVRowAndSnapshot(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RunRoot = filepath.Join(root, "run")
	cfg.Paths.SnapshotDir = filepath.Join(root, "snapshot")

	schema := Schema{DeviceNames: nil}
	state := sampler.NewLoadGenState()
	state.Update(1000, 12.5, 30, true, 99, 1)

	agg := New(cfg, schema, "20260731", nil, nil, nil, nil, nil, nil, nil, nil, sampler.NewLoadGenProgressSampler(state), nil)
	require.NoError(t, agg.Open())
	defer agg.Close()

	tick := clock.Tick{Seq: 1, Time: time.Unix(1000, 0), Deadline: time.Unix(1001, 0)}
	row, err := agg.HandleTick(context.Background(), tick)
	require.NoError(t, err)
	require.Equal(t, int64(1000), row.TimestampUnix)
	require.Equal(t, 1000, row.LoadGen.CurrentQPS)
	require.Equal(t, int64(1), agg.RowCount())
	require.Equal(t, int64(0), agg.MissedTicks())

	require.NoError(t, agg.Close())

	data, err := os.ReadFile(agg.CSVPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2) // header + one row

	require.FileExists(t, filepath.Join(filepath.Dir(agg.CSVPath()), "performance_latest.csv"))
	require.FileExists(t, filepath.Join(cfg.Paths.SnapshotDir, "metrics_latest.json"))
}

func TestAggregatorHandleTickAllSamplersFailedCountsMissedTick(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RunRoot = filepath.Join(root, "run")
	cfg.Paths.SnapshotDir = filepath.Join(root, "snapshot")

	agg := New(cfg, Schema{}, "20260731", nil, nil, nil, nil, nil, nil, nil, nil, nil, nil)
	require.NoError(t, agg.Open())
	defer agg.Close()

	tick := clock.Tick{Seq: 1, Time: time.Unix(1000, 0), Deadline: time.Unix(1001, 0)}
	_, err := agg.HandleTick(context.Background(), tick)
	require.Error(t, err)
	require.Equal(t, int64(1), agg.MissedTicks())
	require.Equal(t, int64(0), agg.RowCount())
}
