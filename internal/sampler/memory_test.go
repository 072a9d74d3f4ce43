package sampler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/metrics"
	"github.com/stretchr/testify/require"
)

func writeMeminfo(t *testing.T, dir string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(content), 0o644))
}

func TestMemorySamplerPrefersMemAvailable(t *testing.T) {
	dir := t.TempDir()
	writeMeminfo(t, dir, "MemTotal:       1000000 kB\nMemFree:         100000 kB\nMemAvailable:    400000 kB\n")

	s := NewMemorySampler(dir)
	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 1})
	require.NoError(t, err)

	mem, ok := fields.(metrics.MemoryFields)
	require.True(t, ok)
	require.Equal(t, int64(1000000*1024), mem.TotalBytes)
	require.Equal(t, int64(600000*1024), mem.UsedBytes)
	require.InDelta(t, 60.0, mem.UsedPct, 0.01)
}

func TestMemorySamplerFallsBackToMemFreeWithoutMemAvailable(t *testing.T) {
	dir := t.TempDir()
	writeMeminfo(t, dir, "MemTotal:       1000000 kB\nMemFree:         250000 kB\n")

	s := NewMemorySampler(dir)
	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 1})
	require.NoError(t, err)

	mem := fields.(metrics.MemoryFields)
	require.Equal(t, int64(750000*1024), mem.UsedBytes)
}

func TestMemorySamplerMissingFile(t *testing.T) {
	s := NewMemorySampler(t.TempDir())
	_, err := s.Sample(context.Background(), clock.Tick{Seq: 1})
	require.Error(t, err)
}
