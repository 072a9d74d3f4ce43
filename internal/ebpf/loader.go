package ebpf

import (
	"context"
	"fmt"
	"log"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// ProgramSpec describes a native eBPF program to load.
type ProgramSpec struct {
	Name       string
	Category   string
	ObjectFile string // path to compiled .o
	MapNames   []string
	AttachTo   string // kprobe function name
	Section    string // section name in .o executable
}

// LoadedProgram represents a running BPF program.
type LoadedProgram struct {
	Spec       *ProgramSpec
	Collection *ebpf.Collection
	Link       link.Link
}

// Close cleans up resources.
func (p *LoadedProgram) Close() error {
	if p.Link != nil {
		p.Link.Close()
	}
	if p.Collection != nil {
		p.Collection.Close()
	}
	return nil
}

// Loader loads the native block-I/O latency histogram program behind a
// Capabilities gate, so callers never attempt a kprobe attach on a
// kernel too old to support it.
type Loader struct {
	caps    Capabilities
	verbose bool
}

func NewLoader(caps Capabilities, verbose bool) *Loader {
	return &Loader{caps: caps, verbose: verbose}
}

// CanLoad returns whether the system supports native eBPF loading.
func (l *Loader) CanLoad() bool {
	return l.caps.CanLoadNative()
}

// LoadError represents a BPF program load failure.
type LoadError struct {
	Program string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("BPF program %q: %v", e.Program, e.Err)
}

// BlockIOLatencyProgram is the one native program this repo loads: a
// kprobe on the block layer's I/O completion path, feeding the Device
// sampler's optional latency-histogram enrichment (spec §6's eBPF
// eligibility note). Grounded on the teacher's NativePrograms entry for
// tcpretrans, retargeted from network retransmits to block I/O since
// that is the enrichment the Device sampler actually wants.
//
// No compiled blkiolatency.o ships in this repo (building one needs a
// target-kernel BPF toolchain this module does not carry), so TryLoad
// against this spec always fails with a LoadError: on a host below tier 3
// it reports BTF/CO-RE as unavailable, and on any other host it wraps an
// "open ...: no such file" error. The capability probe and load
// attempt are still real: on a host that does ship the object file at
// this path, DeviceSampler picks it up automatically and
// HasNativeIOLatency starts returning true with no code change. Until
// then this gates only capability detection (BTF/CO-RE, kprobe attach
// eligibility) — the latency_hist map is never actually populated or
// read, and ReadAwaitMs/WriteAwaitMs stay iostat-derived.
var BlockIOLatencyProgram = ProgramSpec{
	Name:       "blk_io_latency",
	Category:   "device",
	ObjectFile: "internal/ebpf/bpf/blkiolatency.o",
	MapNames:   []string{"latency_hist"},
	AttachTo:   "blk_account_io_done",
	Section:    "kprobe/blk_account_io_done",
}

// TryLoad attempts to load a BPF program.
func (l *Loader) TryLoad(ctx context.Context, spec *ProgramSpec) (*LoadedProgram, error) {
	if !l.CanLoad() {
		return nil, &LoadError{
			Program: spec.Name,
			Err:     fmt.Errorf("BTF/CO-RE not available (kernel %s)", l.caps.KernelVersion),
		}
	}

	collSpec, err := ebpf.LoadCollectionSpec(spec.ObjectFile)
	if err != nil {
		return nil, &LoadError{Program: spec.Name, Err: fmt.Errorf("load spec: %w", err)}
	}

	coll, err := ebpf.NewCollection(collSpec)
	if err != nil {
		return nil, &LoadError{Program: spec.Name, Err: fmt.Errorf("load collection: %w", err)}
	}

	prog := coll.Programs[spec.Section]
	if prog == nil {
		for _, p := range coll.Programs {
			prog = p
			break
		}
	}
	if prog == nil {
		coll.Close()
		return nil, &LoadError{Program: spec.Name, Err: fmt.Errorf("program not found in collection")}
	}

	kp, err := link.Kprobe(spec.AttachTo, prog, nil)
	if err != nil {
		coll.Close()
		return nil, &LoadError{Program: spec.Name, Err: fmt.Errorf("attach kprobe %s: %w", spec.AttachTo, err)}
	}

	if l.verbose {
		log.Printf("[ebpf] loaded %s (kprobe: %s)", spec.Name, spec.AttachTo)
	}

	return &LoadedProgram{Spec: spec, Collection: coll, Link: kp}, nil
}
