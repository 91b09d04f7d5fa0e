// Package metrics exposes a report as Prometheus gauges.
package metrics

import (
	"fmt"
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

const namespace = "gpudoctor"

// Exporter holds one report's worth of gauges in a private registry. Each
// Publish replaces the previous values; readings that are unknown produce no
// sample.
type Exporter struct {
	registry *prometheus.Registry

	acceleratorUtilization *prometheus.GaugeVec
	acceleratorMemoryUsed  *prometheus.GaugeVec
	acceleratorMemoryTotal *prometheus.GaugeVec
	acceleratorTemperature *prometheus.GaugeVec
	acceleratorPowerDraw   *prometheus.GaugeVec
	acceleratorPowerLimit  *prometheus.GaugeVec
	acceleratorClock       *prometheus.GaugeVec
	acceleratorThrottle    *prometheus.GaugeVec
	processMemory          *prometheus.GaugeVec
	diskUtilization        *prometheus.GaugeVec
	diskReadBytes          *prometheus.GaugeVec
	diskWriteBytes         *prometheus.GaugeVec
	networkRxBytes         *prometheus.GaugeVec
	networkTxBytes         *prometheus.GaugeVec
	networkUtilization     *prometheus.GaugeVec
	hostMemory             *prometheus.GaugeVec
	hostCPU                *prometheus.GaugeVec
	hostCPUCount           *prometheus.GaugeVec
	sourceAvailable        *prometheus.GaugeVec
	findings               *prometheus.GaugeVec
	snapshotTimestamp      prometheus.Gauge
}

func gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewExporter creates an Exporter with all gauges registered.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),

		acceleratorUtilization: gaugeVec("accelerator", "utilization_percent", "Accelerator compute utilization in percent", "gpu", "uuid"),
		acceleratorMemoryUsed:  gaugeVec("accelerator", "memory_used_bytes", "Accelerator memory in use", "gpu", "uuid"),
		acceleratorMemoryTotal: gaugeVec("accelerator", "memory_total_bytes", "Accelerator memory capacity", "gpu", "uuid"),
		acceleratorTemperature: gaugeVec("accelerator", "temperature_celsius", "Accelerator core temperature", "gpu", "uuid"),
		acceleratorPowerDraw:   gaugeVec("accelerator", "power_draw_watts", "Accelerator power draw", "gpu", "uuid"),
		acceleratorPowerLimit:  gaugeVec("accelerator", "power_limit_watts", "Accelerator power limit", "gpu", "uuid"),
		acceleratorClock:       gaugeVec("accelerator", "sm_clock_mhz", "Accelerator SM clock", "gpu", "uuid"),
		acceleratorThrottle:    gaugeVec("accelerator", "throttle_reason_active", "Active clock throttle reasons (1 when active)", "gpu", "reason"),
		processMemory:          gaugeVec("process", "accelerator_memory_bytes", "Accelerator memory held by a compute process", "pid", "gpu", "correlation"),
		diskUtilization:        gaugeVec("disk", "utilization_percent", "Block device utilization in percent", "device"),
		diskReadBytes:          gaugeVec("disk", "read_bytes_per_second", "Block device read throughput", "device"),
		diskWriteBytes:         gaugeVec("disk", "write_bytes_per_second", "Block device write throughput", "device"),
		networkRxBytes:         gaugeVec("network", "receive_bytes_per_second", "Interface receive throughput", "interface"),
		networkTxBytes:         gaugeVec("network", "transmit_bytes_per_second", "Interface transmit throughput", "interface"),
		networkUtilization:     gaugeVec("network", "utilization_percent", "Interface utilization in percent", "interface"),
		hostMemory:             gaugeVec("host", "memory_bytes", "Host memory by kind", "kind"), // kind: total, used, available, swap_total, swap_used
		hostCPU:                gaugeVec("host", "cpu_percent", "Host CPU time by mode from iostat avg-cpu", "mode"),
		hostCPUCount:           gaugeVec("host", "cpu_count", "Logical CPUs reported by iostat"),
		sourceAvailable:        gaugeVec("", "source_available", "Metric source availability (1 for the current state)", "source", "state"),
		findings:               gaugeVec("", "findings", "Findings in the last report by label and severity", "label", "severity"),
		snapshotTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_timestamp_seconds",
			Help:      "Unix time the last snapshot was taken",
		}),
	}

	e.registry.MustRegister(
		e.acceleratorUtilization,
		e.acceleratorMemoryUsed,
		e.acceleratorMemoryTotal,
		e.acceleratorTemperature,
		e.acceleratorPowerDraw,
		e.acceleratorPowerLimit,
		e.acceleratorClock,
		e.acceleratorThrottle,
		e.processMemory,
		e.diskUtilization,
		e.diskReadBytes,
		e.diskWriteBytes,
		e.networkRxBytes,
		e.networkTxBytes,
		e.networkUtilization,
		e.hostMemory,
		e.hostCPU,
		e.hostCPUCount,
		e.sourceAvailable,
		e.findings,
		e.snapshotTimestamp,
	)
	return e
}

// Registry returns the registry holding the exporter's gauges.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		e.acceleratorUtilization, e.acceleratorMemoryUsed, e.acceleratorMemoryTotal,
		e.acceleratorTemperature, e.acceleratorPowerDraw, e.acceleratorPowerLimit,
		e.acceleratorClock, e.acceleratorThrottle, e.processMemory,
		e.diskUtilization, e.diskReadBytes, e.diskWriteBytes,
		e.networkRxBytes, e.networkTxBytes, e.networkUtilization,
		e.hostMemory, e.hostCPU, e.hostCPUCount, e.sourceAvailable, e.findings,
	}
}

func set(vec *prometheus.GaugeVec, v types.Value, labels ...string) {
	if f, ok := v.Get(); ok {
		vec.WithLabelValues(labels...).Set(f)
	}
}

// Publish replaces all gauges with the values in report.
func (e *Exporter) Publish(report *types.Report) {
	for _, vec := range e.vecs() {
		vec.Reset()
	}

	s := &report.Snapshot
	e.snapshotTimestamp.Set(float64(s.Timestamp.UnixNano()) / 1e9)

	for _, m := range s.Accelerators {
		gpu := strconv.Itoa(m.Index)
		set(e.acceleratorUtilization, m.UtilizationPercent, gpu, m.UUID)
		set(e.acceleratorMemoryUsed, m.MemoryUsedBytes, gpu, m.UUID)
		set(e.acceleratorMemoryTotal, m.MemoryTotalBytes, gpu, m.UUID)
		set(e.acceleratorTemperature, m.TemperatureC, gpu, m.UUID)
		set(e.acceleratorPowerDraw, m.PowerDrawWatts, gpu, m.UUID)
		set(e.acceleratorPowerLimit, m.PowerLimitWatts, gpu, m.UUID)
		set(e.acceleratorClock, m.ClockMHz, gpu, m.UUID)
		for _, reason := range m.ThrottleReasons {
			e.acceleratorThrottle.WithLabelValues(gpu, reason).Set(1)
		}
	}

	for _, p := range s.Processes {
		set(e.processMemory, p.AcceleratorMemoryBytes, strconv.Itoa(p.PID), strconv.Itoa(p.DeviceIndex), string(p.Correlation))
	}

	for _, d := range s.Disks {
		set(e.diskUtilization, d.UtilizationPercent, d.Device)
		set(e.diskReadBytes, d.ReadBytesPerSec, d.Device)
		set(e.diskWriteBytes, d.WriteBytesPerSec, d.Device)
	}

	for _, n := range s.Networks {
		set(e.networkRxBytes, n.RxBytesPerSec, n.Interface)
		set(e.networkTxBytes, n.TxBytesPerSec, n.Interface)
		set(e.networkUtilization, n.UtilizationPercent, n.Interface)
	}

	if m := s.HostMemory; m != nil {
		set(e.hostMemory, m.TotalBytes, "total")
		set(e.hostMemory, m.UsedBytes, "used")
		set(e.hostMemory, m.AvailableBytes, "available")
		set(e.hostMemory, m.SwapTotalBytes, "swap_total")
		set(e.hostMemory, m.SwapUsedBytes, "swap_used")
	}

	if c := s.CPU; c != nil {
		set(e.hostCPU, c.UserPercent, "user")
		set(e.hostCPU, c.SystemPercent, "system")
		set(e.hostCPU, c.IOWaitPercent, "iowait")
		set(e.hostCPU, c.StealPercent, "steal")
		set(e.hostCPU, c.IdlePercent, "idle")
		set(e.hostCPUCount, c.Count)
	}

	for src, a := range s.Availability {
		for _, state := range []types.AvailabilityState{types.Available, types.Degraded, types.Unavailable} {
			v := 0.0
			if a.State == state {
				v = 1
			}
			e.sourceAvailable.WithLabelValues(string(src), string(state)).Set(v)
		}
	}

	for _, f := range report.Findings {
		e.findings.WithLabelValues(string(f.Label), f.Severity.String()).Inc()
	}

	klog.V(3).InfoS("Published report metrics", "accelerators", len(s.Accelerators), "findings", len(report.Findings))
}

// WriteTextfile writes the current gauges to path atomically, for the
// node_exporter textfile collector.
func (e *Exporter) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, e.registry); err != nil {
		return fmt.Errorf("failed to write textfile %s: %w", path, err)
	}
	return nil
}

// WriteTo writes the current gauges in the Prometheus text format.
func (e *Exporter) WriteTo(w io.Writer) error {
	families, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
