package sampler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/metrics"
	"github.com/stretchr/testify/require"
)

func writeNetDev(t *testing.T, dir string, ifaceLine string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "net"), 0o755))
	header := "Inter-|   Receive                                                |  Transmit\n" +
		" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net", "dev"), []byte(header+ifaceLine+"\n"), 0o644))
}

func tickAt(seq int64, t time.Time, interval time.Duration) clock.Tick {
	return clock.Tick{Seq: seq, Time: t, Deadline: t.Add(interval)}
}

func TestNetworkSamplerComputesRateFromDelta(t *testing.T) {
	dir := t.TempDir()
	s := NewNetworkSampler(dir, "eth0", 1000)

	start := time.Unix(1000, 0)
	writeNetDev(t, dir, " eth0: 1000 10 0 0 0 0 0 0 2000 20 0 0 0 0 0 0")
	_, err := s.Sample(context.Background(), tickAt(1, start, time.Second))
	require.NoError(t, err)

	// 1 second interval, +8000 rx bytes -> 64000 bits/sec -> 0.064 Mbps.
	writeNetDev(t, dir, " eth0: 9000 20 0 0 0 0 0 0 2000 20 0 0 0 0 0 0")
	fields, err := s.Sample(context.Background(), tickAt(2, start.Add(time.Second), time.Second))
	require.NoError(t, err)

	nf := fields.(metrics.NetworkFields)
	require.Equal(t, "eth0", nf.Interface)
	require.InDelta(t, 0.064, nf.RxMbps, 0.0001)
	require.InDelta(t, 0.0, nf.TxMbps, 0.0001)
}

func TestNetworkSamplerFirstTickHasNoRate(t *testing.T) {
	dir := t.TempDir()
	s := NewNetworkSampler(dir, "eth0", 1000)
	writeNetDev(t, dir, " eth0: 1000 10 0 0 0 0 0 0 2000 20 0 0 0 0 0 0")

	fields, err := s.Sample(context.Background(), tickAt(1, time.Unix(0, 0), time.Second))
	require.NoError(t, err)
	nf := fields.(metrics.NetworkFields)
	require.Zero(t, nf.RxMbps)
}

func TestNetworkSamplerUnknownInterface(t *testing.T) {
	dir := t.TempDir()
	s := NewNetworkSampler(dir, "eth9", 1000)
	writeNetDev(t, dir, " eth0: 1000 10 0 0 0 0 0 0 2000 20 0 0 0 0 0 0")

	_, err := s.Sample(context.Background(), tickAt(1, time.Unix(0, 0), time.Second))
	require.NoError(t, err)
}

func TestENASamplerAvailabilityRequiresSysfs(t *testing.T) {
	s := NewENASampler(t.TempDir(), "eth0")
	avail := s.Available()
	require.Equal(t, 0, avail.Tier)
}

func TestENASamplerAvailableWithStatistics(t *testing.T) {
	dir := t.TempDir()
	statsDir := filepath.Join(dir, "class", "net", "eth0", "statistics")
	require.NoError(t, os.MkdirAll(statsDir, 0o755))

	s := NewENASampler(dir, "eth0")
	require.Equal(t, 2, s.Available().Tier)
}

func TestENASamplerSampleReadsCounters(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, "class", "net", "eth0", "device")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "bw_in_allowance_exceeded"), []byte("42\n"), 0o644))

	s := NewENASampler(dir, "eth0")
	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 1})
	require.NoError(t, err)

	ena := fields.(metrics.ENAFields)
	require.Equal(t, int64(42), ena.BWInExceeded)
	require.Equal(t, int64(0), ena.BWOutExceeded)
}
