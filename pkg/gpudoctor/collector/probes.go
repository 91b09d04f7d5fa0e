package collector

import (
	"strings"
	"time"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/parser"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// Probe names one external tool invocation.
type Probe string

const (
	ProbeGPU          Probe = "gpu"
	ProbeGPUProcesses Probe = "gpu-processes"
	ProbePS           Probe = "ps"
	ProbeIostat       Probe = "iostat"
	ProbeSarNet       Probe = "sar-net"
	ProbeFree         Probe = "free"
)

// ProbeSpec describes how to run one probe.
type ProbeSpec struct {
	Probe   Probe
	Command string
	Args    []string
	Timeout time.Duration
}

// ProbesFor lists the probes feeding src. ProcessCompute needs both the
// accelerator process list and the OS process table.
func ProbesFor(src types.MetricSource) []Probe {
	switch src {
	case types.SourceAccelerator:
		return []Probe{ProbeGPU}
	case types.SourceProcessCompute:
		return []Probe{ProbeGPUProcesses, ProbePS}
	case types.SourceDisk:
		return []Probe{ProbeIostat}
	case types.SourceNetwork:
		return []Probe{ProbeSarNet}
	case types.SourceHostMemory:
		return []Probe{ProbeFree}
	}
	return nil
}

var gpuQueryFields = []string{
	"index", "uuid", "name",
	"utilization.gpu", "utilization.memory",
	"memory.used", "memory.total",
	"temperature.gpu",
	"power.draw", "power.limit",
	"clocks.sm", "clocks.max.sm",
	"fan.speed",
	"driver_version", "display_mode",
}

// DefaultSpec returns the stock command line for p. gpuVersion selects the
// nvidia-smi field naming for the reasons column. iostat runs without -d so
// its avg-cpu report comes along with the device report.
func DefaultSpec(p Probe, gpuVersion string, timeout time.Duration) ProbeSpec {
	spec := ProbeSpec{Probe: p, Timeout: timeout}
	switch p {
	case ProbeGPU:
		fields := append([]string(nil), gpuQueryFields...)
		if gpuVersion == parser.NvidiaSMICSVv1 {
			fields = append(fields, "clocks_throttle_reasons.active")
		} else {
			// compute_cap needs driver 510 or later.
			fields = append(fields, "compute_cap", "clocks_event_reasons.active")
		}
		spec.Command = "nvidia-smi"
		spec.Args = []string{"--query-gpu=" + strings.Join(fields, ","), "--format=csv"}
	case ProbeGPUProcesses:
		spec.Command = "nvidia-smi"
		spec.Args = []string{"--query-compute-apps=gpu_uuid,pid,process_name,used_memory", "--format=csv"}
	case ProbePS:
		spec.Command = "ps"
		spec.Args = []string{"-eo", "pid,user,%cpu,%mem,rss,etime,args"}
	case ProbeIostat:
		spec.Command = "iostat"
		spec.Args = []string{"-xk", "1", "2"}
	case ProbeSarNet:
		spec.Command = "sar"
		spec.Args = []string{"-n", "DEV", "1", "1"}
	case ProbeFree:
		spec.Command = "free"
		spec.Args = []string{"-b"}
	}
	return spec
}
