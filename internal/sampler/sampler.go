// Package sampler implements the per-tick Samplers from spec §4.2. Unlike
// the teacher's Collector interface (which sleeps for its own sample
// interval and does two-point sampling internally), a Sampler here is
// driven externally by a single shared clock.Clock tick: it keeps its own
// previous-sample state and computes a delta against the new reading on
// each call to Sample. This collapses the teacher's per-collector sleep
// into one process-wide tick, per spec §4.1's "one tick source fans out to
// every sampler" design.
package sampler

import (
	"context"

	"github.com/benchhouse/nodebench/internal/clock"
)

// Fields is the set of named values one Sampler produces for one tick.
// Concrete samplers return a typed struct (CPUFields, DeviceFields, ...);
// Fields is only used where a sampler is referred to generically (the
// registry, overhead accounting).
type Fields any

// Sampler is the common interface every metric source implements, mirrored
// on the teacher's Collector interface shape (Name/Category/Collect) but
// adapted to tick-driven, stateful delta sampling instead of sleep-based
// two-point sampling.
type Sampler interface {
	// Name identifies the sampler in logs and in the overhead-attribution
	// ledger.
	Name() string

	// Sample produces this tick's reading. Implementations that need a
	// previous reading to compute a delta return their zero value (and no
	// error) on the first call, exactly like the teacher's collectors
	// return an empty model.Result when a two-point delta has no prior
	// sample yet.
	Sample(ctx context.Context, tick clock.Tick) (Fields, error)
}

// Availability mirrors the teacher's Collector.Available() — a Sampler
// reports whether it can run at all on this host. The Aggregator does not
// consult it: it runs every non-nil sampler it is given on every tick.
type Availability struct {
	Tier   int
	Reason string
}

// AlwaysAvailable is returned by samplers with no host-specific
// precondition (CPU, Memory).
var AlwaysAvailable = Availability{Tier: 1}
