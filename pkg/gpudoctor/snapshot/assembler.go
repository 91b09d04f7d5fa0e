// Package snapshot merges parser outputs into a single types.Snapshot.
//
// The assembler is purely structural: it classifies each source's
// availability, joins the accelerator and OS process listings on process id,
// and orders records deterministically. It performs no inference.
package snapshot

import (
	"fmt"
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/parser"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// Inputs is everything one assembly consumes. Outcomes for sources that are
// not in Sources are ignored.
type Inputs struct {
	Timestamp time.Time
	Sources   sets.Set[types.MetricSource]

	Accelerators         parser.Outcome[types.AcceleratorMetric]
	AcceleratorProcesses parser.Outcome[parser.AcceleratorProcess]
	OSProcesses          parser.Outcome[parser.OSProcess]
	Disks                parser.Outcome[types.DiskMetric]
	CPU                  parser.Outcome[types.CPUMetric]
	Networks             parser.Outcome[types.NetworkMetric]
	HostMemory           parser.Outcome[types.HostMemoryMetric]
}

// Assemble builds the Snapshot for one invocation cycle. The result carries
// exactly one availability entry per configured source; with no sources
// configured every known source is reported Unavailable.
func Assemble(in Inputs) *types.Snapshot {
	s := &types.Snapshot{
		SchemaVersion: types.SchemaVersion,
		Timestamp:     in.Timestamp,
		Accelerators:  []types.AcceleratorMetric{},
		Processes:     []types.ComputeProcess{},
		Disks:         []types.DiskMetric{},
		Networks:      []types.NetworkMetric{},
		Availability:  make(map[types.MetricSource]types.SourceAvailability, in.Sources.Len()),
	}

	if in.Sources.Len() == 0 {
		klog.InfoS("No metric sources configured, snapshot will be empty")
		for _, src := range types.AllSources {
			s.Availability[src] = types.UnavailableSource(types.NotConfigured, "no sources configured")
		}
		return s
	}

	if in.Sources.Has(types.SourceAccelerator) {
		avail := classify(in.Accelerators)
		s.Availability[types.SourceAccelerator] = avail
		if avail.Usable() {
			s.Accelerators = copyAccelerators(in.Accelerators.Result.Records)
		}
	}

	if in.Sources.Has(types.SourceProcessCompute) {
		s.Processes, s.Availability[types.SourceProcessCompute] = correlate(
			in.AcceleratorProcesses, in.OSProcesses, s.Accelerators)
	}

	if in.Sources.Has(types.SourceDisk) {
		avail := classify(in.Disks)
		s.Availability[types.SourceDisk] = avail
		if avail.Usable() {
			s.Disks = append(s.Disks, in.Disks.Result.Records...)
			s.CPU = hostCPU(in.CPU)
		}
	}

	if in.Sources.Has(types.SourceNetwork) {
		avail := classify(in.Networks)
		s.Availability[types.SourceNetwork] = avail
		if avail.Usable() {
			s.Networks = append(s.Networks, in.Networks.Result.Records...)
		}
	}

	if in.Sources.Has(types.SourceHostMemory) {
		avail := classify(in.HostMemory)
		s.Availability[types.SourceHostMemory] = avail
		if avail.Usable() && len(in.HostMemory.Result.Records) > 0 {
			mem := in.HostMemory.Result.Records[0]
			s.HostMemory = &mem
		}
	}

	for _, src := range sets.List(in.Sources) {
		if a := s.Availability[src]; a.State != types.Available {
			klog.V(1).InfoS("Metric source not fully available", "source", src, "state", a.State, "kind", a.Kind, "reason", a.Reason)
		}
	}
	return s
}

// classify maps one parse outcome onto an availability entry. A source whose
// every row was skipped is Unavailable; partial output is Degraded.
func classify[T any](o parser.Outcome[T]) types.SourceAvailability {
	if o.Err != nil {
		return types.UnavailableSource(types.KindOf(o.Err), o.Err.Error())
	}
	skipped, kept := o.Result.Skipped, len(o.Result.Records)
	switch {
	case skipped > 0 && kept == 0:
		return types.UnavailableSource(types.ParseRowSkipped, fmt.Sprintf("all %d rows skipped%s", skipped, firstProblem(o.Result.Problems)))
	case skipped > 0:
		return types.DegradedSource(types.ParseRowSkipped, skipped, fmt.Sprintf("%d rows skipped%s", skipped, firstProblem(o.Result.Problems)))
	}
	return types.AvailableSource()
}

func firstProblem(problems []string) string {
	if len(problems) == 0 {
		return ""
	}
	return ": " + problems[0]
}

// hostCPU takes the avg-cpu summary riding on the disk probe. Its problems
// are logged; they do not change the Disk source's availability.
func hostCPU(o parser.Outcome[types.CPUMetric]) *types.CPUMetric {
	if o.Err != nil {
		klog.V(1).InfoS("Host CPU summary unavailable", "err", o.Err)
		return nil
	}
	if o.Result.Skipped > 0 {
		klog.V(2).InfoS("Skipped avg-cpu rows", "count", o.Result.Skipped, "problems", o.Result.Problems)
	}
	if len(o.Result.Records) == 0 {
		return nil
	}
	cpu := o.Result.Records[len(o.Result.Records)-1]
	return &cpu
}

// copyAccelerators orders devices by index. Duplicate indices keep the first
// row seen.
func copyAccelerators(in []types.AcceleratorMetric) []types.AcceleratorMetric {
	out := make([]types.AcceleratorMetric, 0, len(in))
	seen := sets.New[int]()
	for _, m := range in {
		if seen.Has(m.Index) {
			klog.V(2).InfoS("Dropping duplicate accelerator row", "index", m.Index)
			continue
		}
		seen.Insert(m.Index)
		if m.ThrottleReasons != nil {
			m.ThrottleReasons = append([]string(nil), m.ThrottleReasons...)
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
