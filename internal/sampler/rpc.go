package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/benchhouse/nodebench/internal/clock"
	"github.com/benchhouse/nodebench/internal/metrics"
	"github.com/benchhouse/nodebench/internal/rpcclient"
)

// HeightReading is one RPC sampler's contribution to a tick's block-height
// block: its own observed height, whether the call succeeded, and the
// node's separately-polled health status.
type HeightReading struct {
	Height  int64
	OK      bool
	Healthy bool
}

// NodeRPCSampler polls the local node's health-check and block-height
// methods once per tick via rpcclient.Client.
type NodeRPCSampler struct {
	client       *rpcclient.Client
	healthMethod string
	heightMethod string
}

func NewNodeRPCSampler(client *rpcclient.Client, healthMethod, heightMethod string) *NodeRPCSampler {
	return &NodeRPCSampler{client: client, healthMethod: healthMethod, heightMethod: heightMethod}
}

func (n *NodeRPCSampler) Name() string            { return "node_rpc" }
func (n *NodeRPCSampler) Available() Availability { return AlwaysAvailable }

func (n *NodeRPCSampler) Sample(ctx context.Context, tick clock.Tick) (Fields, error) {
	healthy := n.client.HealthCheck(ctx, n.healthMethod)
	height, ok := n.client.BlockHeight(ctx, n.heightMethod)
	return HeightReading{Height: height, OK: ok, Healthy: healthy}, nil
}

// MainnetRPCSampler polls a public reference endpoint for the canonical
// chain height, cached for MainnetCacheTTL (spec §4.2: mainnet height is
// fetched much less often than the tick interval to avoid hammering a
// third-party endpoint) rather than called fresh every tick.
type MainnetRPCSampler struct {
	client       *rpcclient.Client
	heightMethod string
	ttl          time.Duration

	mu        sync.Mutex
	lastFetch time.Time
	cached    HeightReading
}

func NewMainnetRPCSampler(client *rpcclient.Client, heightMethod string, ttl time.Duration) *MainnetRPCSampler {
	return &MainnetRPCSampler{client: client, heightMethod: heightMethod, ttl: ttl}
}

func (m *MainnetRPCSampler) Name() string            { return "mainnet_rpc" }
func (m *MainnetRPCSampler) Available() Availability { return AlwaysAvailable }

func (m *MainnetRPCSampler) Sample(ctx context.Context, tick clock.Tick) (Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastFetch.IsZero() && tick.Time.Sub(m.lastFetch) < m.ttl {
		return m.cached, nil
	}

	height, ok := m.client.BlockHeight(ctx, m.heightMethod)
	m.cached = HeightReading{Height: height, OK: ok, Healthy: ok}
	m.lastFetch = tick.Time
	return m.cached, nil
}

// LoadGenProgressSampler reports the load generator's current target QPS
// and the mean RPC latency of the most recently finished level, read from an in-process pointer the
// ramp controller updates as it advances through schedule levels and as
// result files are parsed (spec §4.2 LoadGenProgressSampler — this is not
// itself an external process probe, it surfaces state the Ramp
// Controller already holds).
type LoadGenProgressSampler struct {
	state *LoadGenState
}

// LoadGenState is the shared, mutex-guarded progress the ramp controller
// writes to and this sampler reads from.
type LoadGenState struct {
	mu               sync.Mutex
	currentQPS       int
	rpcMeanLatencyMs float64
	rpcP99LatencyMs  float64
	available        bool
	successRatePct   float64
	errorRatePct     float64
}

func NewLoadGenState() *LoadGenState { return &LoadGenState{} }

// Update records the latest level's QPS target and RPC latency readings.
// successRatePct/errorRatePct should sum to 100 and come from the load
// generator's own status-code breakdown (loadgen.Result.SuccessRatePct/
// ErrorRatePct); p99LatencyMs comes from loadgen.Result.P99Ms, the value
// the Detector's RPC Latency predicate evaluates (spec §4.4: "p99 > 1000
// ms"). A caller with no readings to report yet should pass 100/0/0.
func (s *LoadGenState) Update(qps int, meanLatencyMs, p99LatencyMs float64, available bool, successRatePct, errorRatePct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentQPS = qps
	s.rpcMeanLatencyMs = meanLatencyMs
	s.rpcP99LatencyMs = p99LatencyMs
	s.available = available
	s.successRatePct = successRatePct
	s.errorRatePct = errorRatePct
}

func (s *LoadGenState) snapshot() metrics.LoadGenFields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return metrics.LoadGenFields{
		CurrentQPS:       s.currentQPS,
		RPCMeanLatencyMs: s.rpcMeanLatencyMs,
		Available:        s.available,
		SuccessRatePct:   s.successRatePct,
		ErrorRatePct:     s.errorRatePct,
		RPCP99LatencyMs:  s.rpcP99LatencyMs,
	}
}

func NewLoadGenProgressSampler(state *LoadGenState) *LoadGenProgressSampler {
	return &LoadGenProgressSampler{state: state}
}

func (l *LoadGenProgressSampler) Name() string            { return "loadgen_progress" }
func (l *LoadGenProgressSampler) Available() Availability { return AlwaysAvailable }

func (l *LoadGenProgressSampler) Sample(ctx context.Context, tick clock.Tick) (Fields, error) {
	return l.state.snapshot(), nil
}
