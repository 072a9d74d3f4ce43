package loadgen

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultSuccessRatePct(t *testing.T) {
	r := Result{StatusCodes: map[string]int64{"200": 90, "500": 10}}
	require.InDelta(t, 90, r.SuccessRatePct(), 0.01)
	require.InDelta(t, 10, r.ErrorRatePct(), 0.01)
}

func TestResultSuccessRatePctNoCountersIsFullySuccessful(t *testing.T) {
	r := Result{}
	require.Equal(t, 100.0, r.SuccessRatePct())
	require.Equal(t, 0.0, r.ErrorRatePct())
}

func TestResultMeanMsConvertsFromNanoseconds(t *testing.T) {
	r := Result{Latencies: LatencyStats{MeanNs: 2_500_000}}
	require.InDelta(t, 2.5, r.MeanMs(), 0.0001)
}

func TestPreflightFailsOnMissingBinary(t *testing.T) {
	dir := t.TempDir()
	targets := filepath.Join(dir, "targets.txt")
	require.NoError(t, os.WriteFile(targets, []byte("GET http://localhost/\n"), 0644))

	r := NewRunner(filepath.Join(dir, "does-not-exist"), targets)
	require.Error(t, r.Preflight())
}

func TestPreflightFailsOnMissingTargets(t *testing.T) {
	dir := t.TempDir()
	bin := fakeScript(t, dir, "#!/bin/sh\nexit 0\n")

	r := NewRunner(bin, filepath.Join(dir, "no-targets.txt"))
	require.Error(t, r.Preflight())
}

func TestPreflightSucceedsWhenBothExist(t *testing.T) {
	dir := t.TempDir()
	bin := fakeScript(t, dir, "#!/bin/sh\nexit 0\n")
	targets := filepath.Join(dir, "targets.txt")
	require.NoError(t, os.WriteFile(targets, []byte("GET http://localhost/\n"), 0644))

	r := NewRunner(bin, targets)
	require.NoError(t, r.Preflight())
}

func TestRunParsesResultFileOnNaturalExit(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	targets := filepath.Join(dir, "targets.txt")
	require.NoError(t, os.WriteFile(targets, []byte("GET http://localhost/\n"), 0644))

	resultPath := filepath.Join(dir, "result.json")
	script := `#!/bin/sh
cat > ` + resultPath + ` <<'EOF'
{"requests":10,"status_codes":{"200":10},"latencies":{"mean":1000000}}
EOF
exit 0
`
	bin := fakeScript(t, dir, script)

	r := NewRunner(bin, targets)
	var gotPID int
	result, pid, err := r.Run(context.Background(), 100, time.Second, resultPath, func(p int) { gotPID = p })
	require.NoError(t, err)
	require.NotZero(t, pid)
	require.Equal(t, pid, gotPID)
	require.Equal(t, int64(10), result.Requests)
	require.InDelta(t, 1, result.MeanMs(), 0.0001)
}

func TestRunRespectsContextCancellation(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	targets := filepath.Join(dir, "targets.txt")
	require.NoError(t, os.WriteFile(targets, []byte("GET http://localhost/\n"), 0644))

	resultPath := filepath.Join(dir, "result.json")
	script := `#!/bin/sh
trap 'cat > ` + resultPath + ` <<EOF
{"requests":1,"status_codes":{"200":1},"latencies":{"mean":500000}}
EOF
exit 0' INT
sleep 30
`
	bin := fakeScript(t, dir, script)

	r := NewRunner(bin, targets)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, _, err := r.Run(ctx, 100, time.Minute, resultPath, nil)
	require.NoError(t, err)
	require.Less(t, time.Since(start), gracefulShutdownTimeout+2*time.Second)
	require.Equal(t, int64(1), result.Requests)
}

func fakeScript(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-loadgen.sh")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0755))
	return path
}
