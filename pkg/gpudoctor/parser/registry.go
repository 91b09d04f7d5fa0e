package parser

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// DefaultVersions is the format version assumed for each kind when the
// configuration gives no hint.
var DefaultVersions = map[Kind]string{
	KindAccelerator:          NvidiaSMICSVv2,
	KindAcceleratorProcesses: NvidiaSMICSVv2,
	KindProcessTable:         ProcpsTable,
	KindDisk:                 Sysstat12,
	KindNetwork:              SysstatSarDev,
	KindHostMemory:           ProcpsFree3310,
	KindCPU:                  Sysstat12,
}

// Registry holds the parser variants for every kind, keyed by format version.
type Registry struct {
	accelerators map[string]Parser[types.AcceleratorMetric]
	gpuProcesses map[string]Parser[AcceleratorProcess]
	osProcesses  map[string]Parser[OSProcess]
	disks        map[string]Parser[types.DiskMetric]
	networks     map[string]Parser[types.NetworkMetric]
	hostMemory   map[string]Parser[types.HostMemoryMetric]
	cpus         map[string]Parser[types.CPUMetric]
}

// NewRegistry returns a Registry holding every built-in parser.
func NewRegistry() *Registry {
	r := &Registry{
		accelerators: make(map[string]Parser[types.AcceleratorMetric]),
		gpuProcesses: make(map[string]Parser[AcceleratorProcess]),
		osProcesses:  make(map[string]Parser[OSProcess]),
		disks:        make(map[string]Parser[types.DiskMetric]),
		networks:     make(map[string]Parser[types.NetworkMetric]),
		hostMemory:   make(map[string]Parser[types.HostMemoryMetric]),
		cpus:         make(map[string]Parser[types.CPUMetric]),
	}
	for _, v := range []string{NvidiaSMICSVv1, NvidiaSMICSVv2} {
		register(r.accelerators, NewNvidiaSMIDevices(v))
		register(r.gpuProcesses, NewNvidiaSMIProcesses(v))
	}
	register(r.osProcesses, NewProcpsTable())
	for _, v := range []string{Sysstat10, Sysstat12} {
		register(r.disks, NewIostatExtended(v))
		register(r.cpus, NewIostatCPU(v))
	}
	register(r.networks, NewSarDev())
	for _, v := range []string{ProcpsFreeLegacy, ProcpsFree3310} {
		register(r.hostMemory, NewFreeBytes(v))
	}
	return r
}

func register[T any](m map[string]Parser[T], p Parser[T]) {
	m[p.Version()] = p
}

func lookup[T any](m map[string]Parser[T], kind Kind, version string) (Parser[T], error) {
	if version == "" {
		version = DefaultVersions[kind]
	}
	if p, ok := m[version]; ok {
		return p, nil
	}
	return nil, &types.SourceError{
		Kind:  types.ParseFormatUnsupported,
		Probe: string(kind),
		Err:   fmt.Errorf("%w: no %s parser for version %q (known: %v)", types.ErrFormatUnsupported, kind, version, versions(m)),
	}
}

func versions[T any](m map[string]Parser[T]) []string {
	return sets.List(sets.KeySet(m))
}

// Accelerator returns the device parser for version ("" selects the default).
func (r *Registry) Accelerator(version string) (Parser[types.AcceleratorMetric], error) {
	return lookup(r.accelerators, KindAccelerator, version)
}

// AcceleratorProcesses returns the compute-apps parser for version.
func (r *Registry) AcceleratorProcesses(version string) (Parser[AcceleratorProcess], error) {
	return lookup(r.gpuProcesses, KindAcceleratorProcesses, version)
}

// ProcessTable returns the OS process listing parser for version.
func (r *Registry) ProcessTable(version string) (Parser[OSProcess], error) {
	return lookup(r.osProcesses, KindProcessTable, version)
}

// Disk returns the block device parser for version.
func (r *Registry) Disk(version string) (Parser[types.DiskMetric], error) {
	return lookup(r.disks, KindDisk, version)
}

// Network returns the interface throughput parser for version.
func (r *Registry) Network(version string) (Parser[types.NetworkMetric], error) {
	return lookup(r.networks, KindNetwork, version)
}

// HostMemory returns the host memory parser for version.
func (r *Registry) HostMemory(version string) (Parser[types.HostMemoryMetric], error) {
	return lookup(r.hostMemory, KindHostMemory, version)
}

// CPU returns the avg-cpu parser for the disk format version.
func (r *Registry) CPU(diskVersion string) (Parser[types.CPUMetric], error) {
	return lookup(r.cpus, KindCPU, diskVersion)
}

// Versions lists the registered format versions for kind. KindCPU has no
// versions of its own.
func (r *Registry) Versions(kind Kind) []string {
	switch kind {
	case KindAccelerator:
		return versions(r.accelerators)
	case KindAcceleratorProcesses:
		return versions(r.gpuProcesses)
	case KindProcessTable:
		return versions(r.osProcesses)
	case KindDisk:
		return versions(r.disks)
	case KindNetwork:
		return versions(r.networks)
	case KindHostMemory:
		return versions(r.hostMemory)
	}
	return nil
}

// Outcome is what the assembler receives for one raw source: either a parse
// Result or the error (adapter failure or unsupported format) that prevented it.
type Outcome[T any] struct {
	Result Result[T]
	Err    error
}

// Run parses raw with p, folding an adapter failure or a missing parser into
// the Outcome so callers never branch on error paths.
func Run[T any](p Parser[T], lookupErr error, raw []byte, adapterErr error) Outcome[T] {
	if adapterErr != nil {
		return Outcome[T]{Err: adapterErr}
	}
	if lookupErr != nil {
		return Outcome[T]{Err: lookupErr}
	}
	res, err := p.Parse(raw)
	if err != nil {
		return Outcome[T]{Err: err}
	}
	return Outcome[T]{Result: res}
}
