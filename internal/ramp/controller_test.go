package ramp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benchhouse/nodebench/internal/config"
	"github.com/benchhouse/nodebench/internal/loadgen"
	"github.com/benchhouse/nodebench/internal/sampler"
)

// fakeGenerator writes a shell script that always emits the given
// success rate and mean latency as its result file, mirroring the real
// load generator's JSON output contract (spec §4.5).
func fakeGenerator(t *testing.T, dir string, successPct int, meanMs float64) string {
	t.Helper()
	path := filepath.Join(dir, "fake-gen.sh")
	script := fmt.Sprintf(`#!/bin/sh
out=""
for a in "$@"; do
  case "$prev" in
    -out) out="$a" ;;
  esac
  prev="$a"
done
cat > "$out" <<EOF
{"requests":100,"status_codes":{"200":%d,"500":%d},"latencies":{"mean":%d}}
EOF
`, successPct, 100-successPct, int64(meanMs*1e6))
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func testRampConfig(t *testing.T, root string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.RunRoot = root
	cfg.Thresholds = config.DefaultThresholds()
	return cfg
}

func TestControllerRunCompletesFullScheduleOnSuccess(t *testing.T) {
	root := t.TempDir()
	targets := filepath.Join(root, "targets.txt")
	require.NoError(t, os.WriteFile(targets, []byte("GET http://localhost/\n"), 0644))

	bin := fakeGenerator(t, root, 100, 10)
	runner := loadgen.NewRunner(bin, targets)

	schedule := config.Schedule{InitialQPS: 1000, MaxQPS: 2000, StepQPS: 500, DurationPerStep: time.Millisecond}
	c := NewController(testRampConfig(t, root), "run_test", schedule, runner, sampler.NewLoadGenState(), nil, nil)

	results, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, results, 3) // 1000, 1500, 2000
	for _, r := range results {
		require.True(t, r.GateOK)
	}
	require.Equal(t, 2000, c.MaxSuccessfulQPS())

	data, err := os.ReadFile(filepath.Join(root, "qps_status.json"))
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(data, &st))
	require.Equal(t, "completed", st.Status)
}

func TestControllerRunStopsOnFirstFailedLevelWhenNotAutoStopArmed(t *testing.T) {
	root := t.TempDir()
	targets := filepath.Join(root, "targets.txt")
	require.NoError(t, os.WriteFile(targets, []byte("GET http://localhost/\n"), 0644))

	bin := fakeGenerator(t, root, 10, 10) // well below the 95% success threshold
	runner := loadgen.NewRunner(bin, targets)

	schedule := config.Schedule{InitialQPS: 1000, MaxQPS: 3000, StepQPS: 500, DurationPerStep: time.Millisecond, AutoStopArmed: false}
	c := NewController(testRampConfig(t, root), "run_test", schedule, runner, sampler.NewLoadGenState(), nil, nil)

	results, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].GateOK)
	require.Equal(t, 0, c.MaxSuccessfulQPS())
}

func TestControllerRunInvokesAfterLevelCallback(t *testing.T) {
	root := t.TempDir()
	targets := filepath.Join(root, "targets.txt")
	require.NoError(t, os.WriteFile(targets, []byte("GET http://localhost/\n"), 0644))

	bin := fakeGenerator(t, root, 100, 5)
	runner := loadgen.NewRunner(bin, targets)

	schedule := config.Schedule{InitialQPS: 1000, MaxQPS: 1000, StepQPS: 500, DurationPerStep: time.Millisecond}
	c := NewController(testRampConfig(t, root), "run_test", schedule, runner, sampler.NewLoadGenState(), nil, nil)

	var seen []LevelResult
	_, err := c.Run(context.Background(), func(lr LevelResult) error {
		seen = append(seen, lr)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.Equal(t, 1000, seen[0].QPS)
}

func TestControllerRunFailsPreflightOnMissingBinary(t *testing.T) {
	root := t.TempDir()
	runner := loadgen.NewRunner(filepath.Join(root, "missing"), filepath.Join(root, "targets.txt"))
	schedule := config.Schedule{InitialQPS: 1000, MaxQPS: 1000, StepQPS: 500, DurationPerStep: time.Millisecond}
	c := NewController(testRampConfig(t, root), "run_test", schedule, runner, sampler.NewLoadGenState(), nil, nil)

	_, err := c.Run(context.Background(), nil)
	require.Error(t, err)
	require.IsType(t, &config.ConfigError{}, err)
}
