package sampler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/metrics"
	"github.com/benchhouse/nodebench/internal/rpcclient"
	"github.com/stretchr/testify/require"
)

func rpcServer(t *testing.T, handler func(method string) (any, bool)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		result, ok := handler(req.Method)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": 1, "result": result}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestNodeRPCSamplerReportsHealthAndHeight(t *testing.T) {
	srv := rpcServer(t, func(method string) (any, bool) {
		switch method {
		case "health":
			return true, true
		case "height":
			return 12345, true
		}
		return nil, false
	})
	defer srv.Close()

	client := rpcclient.New(srv.URL, srv.Client(), rpcclient.RetryPolicy{MaxRetries: 0, Backoff: time.Millisecond, MaxBackoff: time.Millisecond})
	s := NewNodeRPCSampler(client, "health", "height")

	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 1})
	require.NoError(t, err)

	hr := fields.(HeightReading)
	require.True(t, hr.Healthy)
	require.True(t, hr.OK)
	require.Equal(t, int64(12345), hr.Height)
}

func TestNodeRPCSamplerReportsFailureAsUnhealthy(t *testing.T) {
	srv := rpcServer(t, func(method string) (any, bool) { return nil, false })
	defer srv.Close()

	client := rpcclient.New(srv.URL, srv.Client(), rpcclient.RetryPolicy{MaxRetries: 0, Backoff: time.Millisecond, MaxBackoff: time.Millisecond})
	s := NewNodeRPCSampler(client, "health", "height")

	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 1})
	require.NoError(t, err)

	hr := fields.(HeightReading)
	require.False(t, hr.Healthy)
	require.False(t, hr.OK)
}

func TestMainnetRPCSamplerCachesWithinTTL(t *testing.T) {
	calls := 0
	srv := rpcServer(t, func(method string) (any, bool) {
		calls++
		return 999, true
	})
	defer srv.Close()

	client := rpcclient.New(srv.URL, srv.Client(), rpcclient.RetryPolicy{MaxRetries: 0, Backoff: time.Millisecond, MaxBackoff: time.Millisecond})
	s := NewMainnetRPCSampler(client, "height", time.Hour)

	start := time.Unix(0, 0)
	_, err := s.Sample(context.Background(), clock.Tick{Seq: 1, Time: start})
	require.NoError(t, err)
	_, err = s.Sample(context.Background(), clock.Tick{Seq: 2, Time: start.Add(time.Second)})
	require.NoError(t, err)

	require.Equal(t, 1, calls)
}

func TestLoadGenProgressSamplerReflectsState(t *testing.T) {
	state := NewLoadGenState()
	state.Update(500, 12.5, 30, true, 99, 1)
	s := NewLoadGenProgressSampler(state)

	fields, err := s.Sample(context.Background(), clock.Tick{Seq: 1})
	require.NoError(t, err)

	lg := fields.(metrics.LoadGenFields)
	require.Equal(t, 500, lg.CurrentQPS)
	require.InDelta(t, 12.5, lg.RPCMeanLatencyMs, 0.001)
	require.InDelta(t, 99, lg.SuccessRatePct, 0.001)
	require.InDelta(t, 30, lg.RPCP99LatencyMs, 0.001)
}
