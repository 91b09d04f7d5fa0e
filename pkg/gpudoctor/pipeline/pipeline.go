// Package pipeline runs one diagnosis cycle: collect, parse, assemble, infer.
package pipeline

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/clock"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/collector"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/config"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/inference"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/parser"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/snapshot"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// Pipeline holds everything one cycle needs. It keeps no state between runs.
type Pipeline struct {
	cfg       *config.Config
	sources   sets.Set[types.MetricSource]
	collector *collector.Collector
	registry  *parser.Registry
	engine    *inference.Engine
	clock     clock.Clock
}

// New returns a Pipeline collecting sources through e.
func New(cfg *config.Config, sources sets.Set[types.MetricSource], e utilexec.Interface, clk clock.Clock) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		sources:   sources,
		collector: collector.New(e),
		registry:  parser.NewRegistry(),
		engine:    inference.NewDefaultEngine(cfg.Rules),
		clock:     clk,
	}
}

// Specs returns the probes to run for the configured sources, with command
// and timeout overrides applied.
func (p *Pipeline) Specs() []collector.ProbeSpec {
	gpuVersion := p.cfg.FormatVersion(parser.KindAccelerator)
	seen := sets.New[collector.Probe]()
	var specs []collector.ProbeSpec
	for _, src := range sets.List(p.sources) {
		for _, probe := range collector.ProbesFor(src) {
			if seen.Has(probe) {
				continue
			}
			seen.Insert(probe)
			spec := collector.DefaultSpec(probe, gpuVersion, p.cfg.ProbeTimeout(string(probe)))
			if override, ok := p.cfg.Probes[string(probe)]; ok {
				if override.Command != "" {
					spec.Command = override.Command
				}
				if override.Args != nil {
					spec.Args = override.Args
				}
			}
			specs = append(specs, spec)
		}
	}
	return specs
}

// Run performs one cycle and returns its report. Failures of individual
// sources are reported through the snapshot's availability map.
func (p *Pipeline) Run(ctx context.Context) *types.Report {
	timestamp := p.clock.Now()
	raw := p.collector.Collect(ctx, p.Specs())
	snap := snapshot.Assemble(p.parse(timestamp, raw))
	findings := p.engine.Evaluate(snap)

	klog.V(1).InfoS("Diagnosis cycle complete",
		"accelerators", len(snap.Accelerators),
		"processes", len(snap.Processes),
		"disks", len(snap.Disks),
		"networks", len(snap.Networks),
		"findings", len(findings),
		"elapsed", p.clock.Since(timestamp))

	return &types.Report{Snapshot: *snap, Findings: findings}
}

func (p *Pipeline) parse(timestamp time.Time, raw map[collector.Probe]collector.RawOutput) snapshot.Inputs {
	version := func(kind parser.Kind) string { return p.cfg.FormatVersion(kind) }
	probe := func(pr collector.Probe) ([]byte, error) {
		out := raw[pr]
		return out.Data, out.Err
	}

	in := snapshot.Inputs{Timestamp: timestamp, Sources: p.sources}

	accel, err := p.registry.Accelerator(version(parser.KindAccelerator))
	data, adapterErr := probe(collector.ProbeGPU)
	in.Accelerators = parser.Run(accel, err, data, adapterErr)

	gpuProcs, err := p.registry.AcceleratorProcesses(version(parser.KindAcceleratorProcesses))
	data, adapterErr = probe(collector.ProbeGPUProcesses)
	in.AcceleratorProcesses = parser.Run(gpuProcs, err, data, adapterErr)

	procs, err := p.registry.ProcessTable(version(parser.KindProcessTable))
	data, adapterErr = probe(collector.ProbePS)
	in.OSProcesses = parser.Run(procs, err, data, adapterErr)

	disks, err := p.registry.Disk(version(parser.KindDisk))
	data, adapterErr = probe(collector.ProbeIostat)
	in.Disks = parser.Run(disks, err, data, adapterErr)
	cpu, err := p.registry.CPU(version(parser.KindDisk))
	in.CPU = parser.Run(cpu, err, data, adapterErr)

	nets, err := p.registry.Network(version(parser.KindNetwork))
	data, adapterErr = probe(collector.ProbeSarNet)
	in.Networks = parser.Run(nets, err, data, adapterErr)

	mem, err := p.registry.HostMemory(version(parser.KindHostMemory))
	data, adapterErr = probe(collector.ProbeFree)
	in.HostMemory = parser.Run(mem, err, data, adapterErr)

	return in
}
