package inference

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/config"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// usable gates every rule: absence of data is not evidence of a problem.
func usable(s *types.Snapshot, r Rule) bool {
	if s.Usable(r.Sources()...) {
		return true
	}
	klog.V(3).InfoS("Rule skipped, required source unusable", "rule", r.Name(), "sources", r.Sources())
	return false
}

func deviceSubject(index int) string {
	return fmt.Sprintf("gpu%d", index)
}

// ThermalThrottling fires when a device runs hot and below its boost clock.
type ThermalThrottling struct {
	Config config.ThermalRuleConfig
}

func (r *ThermalThrottling) Name() types.Label { return types.LabelThermalThrottling }

func (r *ThermalThrottling) Sources() []types.MetricSource {
	return []types.MetricSource{types.SourceAccelerator}
}

// boostClock resolves the reference clock for a device: the per-device
// setting, then the configured default, then the device's reported maximum.
func (r *ThermalThrottling) boostClock(m types.AcceleratorMetric) (float64, bool) {
	if mhz, ok := r.Config.BoostClockMHz[m.Index]; ok && mhz > 0 {
		return mhz, true
	}
	if r.Config.DefaultBoostClockMHz > 0 {
		return r.Config.DefaultBoostClockMHz, true
	}
	return m.MaxClockMHz.Get()
}

func (r *ThermalThrottling) Evaluate(s *types.Snapshot, _ []types.Finding) (types.Finding, bool) {
	if !usable(s, r) {
		return types.Finding{}, false
	}
	f := types.Finding{Severity: types.SeverityCritical}
	var reasons []string
	for _, m := range s.Accelerators {
		temp, ok := m.TemperatureC.Get()
		if !ok || temp <= r.Config.TemperatureHighC {
			continue
		}
		clock, ok := m.ClockMHz.Get()
		if !ok {
			continue
		}
		boost, ok := r.boostClock(m)
		if !ok {
			continue
		}
		deficit := boost - clock
		if deficit <= r.Config.MinClockDeficitMHz || deficit <= 0 {
			continue
		}
		subject := deviceSubject(m.Index)
		f.Devices = append(f.Devices, m.Index)
		f.Evidence = append(f.Evidence,
			types.Evidence{Subject: subject, Metric: "temperature", Value: temp, Unit: "C"},
			types.Evidence{Subject: subject, Metric: "clock", Value: clock, Unit: "MHz"},
			types.Evidence{Subject: subject, Metric: "boostClock", Value: boost, Unit: "MHz"},
			types.Evidence{Subject: subject, Metric: "clockDeficit", Value: deficit, Unit: "MHz"},
		)
		reasons = append(reasons, fmt.Sprintf("%s at %.0fC (threshold %.0fC) running %.0f MHz below its %.0f MHz boost clock",
			subject, temp, r.Config.TemperatureHighC, deficit, boost))
	}
	if len(f.Devices) == 0 {
		return types.Finding{}, false
	}
	f.Rationale = strings.Join(reasons, "; ") + ": the device is likely thermally throttled, check cooling and airflow"
	return f, true
}

// PowerCapped fires when a device draws at its power limit or reports an
// active software power cap.
type PowerCapped struct {
	Config config.PowerRuleConfig
}

func (r *PowerCapped) Name() types.Label { return types.LabelPowerCapped }

func (r *PowerCapped) Sources() []types.MetricSource {
	return []types.MetricSource{types.SourceAccelerator}
}

func (r *PowerCapped) Evaluate(s *types.Snapshot, _ []types.Finding) (types.Finding, bool) {
	if !usable(s, r) {
		return types.Finding{}, false
	}
	f := types.Finding{Severity: types.SeverityWarning}
	var reasons []string
	for _, m := range s.Accelerators {
		subject := deviceSubject(m.Index)
		capped := r.Config.UseThrottleMask && m.HasThrottleReason(types.ThrottleSWPowerCap)
		var evidence []types.Evidence
		draw, okDraw := m.PowerDrawWatts.Get()
		limit, okLimit := m.PowerLimitWatts.Get()
		if okDraw && okLimit && limit > 0 {
			ratio := draw / limit
			if ratio >= r.Config.DrawLimitRatio {
				capped = true
			}
			evidence = append(evidence,
				types.Evidence{Subject: subject, Metric: "powerDraw", Value: draw, Unit: "W"},
				types.Evidence{Subject: subject, Metric: "powerLimit", Value: limit, Unit: "W"},
				types.Evidence{Subject: subject, Metric: "powerDrawRatio", Value: ratio},
			)
		}
		if !capped {
			continue
		}
		if m.HasThrottleReason(types.ThrottleSWPowerCap) {
			evidence = append(evidence, types.Evidence{Subject: subject, Metric: types.ThrottleSWPowerCap, Value: 1})
		}
		f.Devices = append(f.Devices, m.Index)
		f.Evidence = append(f.Evidence, evidence...)
		if okDraw && okLimit {
			reasons = append(reasons, fmt.Sprintf("%s drawing %.0f W of a %.0f W limit", subject, draw, limit))
		} else {
			reasons = append(reasons, fmt.Sprintf("%s reports an active software power cap", subject))
		}
	}
	if len(f.Devices) == 0 {
		return types.Finding{}, false
	}
	f.Rationale = strings.Join(reasons, "; ") + ": clocks are being held back by the power limit"
	return f, true
}

// MemoryPressure fires when a device's memory is nearly full.
type MemoryPressure struct {
	Config config.MemoryRuleConfig
}

func (r *MemoryPressure) Name() types.Label { return types.LabelMemoryPressure }

func (r *MemoryPressure) Sources() []types.MetricSource {
	return []types.MetricSource{types.SourceAccelerator}
}

func (r *MemoryPressure) Evaluate(s *types.Snapshot, _ []types.Finding) (types.Finding, bool) {
	if !usable(s, r) {
		return types.Finding{}, false
	}
	f := types.Finding{Severity: types.SeverityWarning}
	var reasons []string
	for _, m := range s.Accelerators {
		ratio, ok := m.MemoryUsedRatio().Get()
		if !ok || ratio <= r.Config.UsedRatio {
			continue
		}
		subject := deviceSubject(m.Index)
		f.Devices = append(f.Devices, m.Index)
		f.Evidence = append(f.Evidence,
			types.Evidence{Subject: subject, Metric: "memoryUsedRatio", Value: ratio},
			types.Evidence{Subject: subject, Metric: "memoryUsed", Value: m.MemoryUsedBytes.Or(0), Unit: "B"},
			types.Evidence{Subject: subject, Metric: "memoryTotal", Value: m.MemoryTotalBytes.Or(0), Unit: "B"},
		)
		reasons = append(reasons, fmt.Sprintf("%s memory %.1f%% used (threshold %.1f%%)", subject, ratio*100, r.Config.UsedRatio*100))
	}
	if len(f.Devices) == 0 {
		return types.Finding{}, false
	}
	f.Rationale = strings.Join(reasons, "; ") + ": allocations may fail or fall back to smaller batches"
	return f, true
}

// HostMemoryPressure fires when little host RAM is left available.
type HostMemoryPressure struct {
	Config config.HostMemoryRuleConfig
}

func (r *HostMemoryPressure) Name() types.Label { return types.LabelHostMemoryPressure }

func (r *HostMemoryPressure) Sources() []types.MetricSource {
	return []types.MetricSource{types.SourceHostMemory}
}

func (r *HostMemoryPressure) Evaluate(s *types.Snapshot, _ []types.Finding) (types.Finding, bool) {
	if !usable(s, r) || s.HostMemory == nil {
		return types.Finding{}, false
	}
	ratio, ok := s.HostMemory.AvailableRatio().Get()
	if !ok || ratio >= r.Config.MinAvailableRatio {
		return types.Finding{}, false
	}
	evidence := []types.Evidence{
		{Subject: "host", Metric: "memoryAvailableRatio", Value: ratio},
		{Subject: "host", Metric: "memoryAvailable", Value: s.HostMemory.AvailableBytes.Or(0), Unit: "B"},
	}
	if swap, ok := s.HostMemory.SwapUsedBytes.Get(); ok && swap > 0 {
		evidence = append(evidence, types.Evidence{Subject: "host", Metric: "swapUsed", Value: swap, Unit: "B"})
	}
	return types.Finding{
		Severity: types.SeverityWarning,
		Rationale: fmt.Sprintf("only %.1f%% of host memory is available (threshold %.1f%%): data loaders may be swapping or close to the OOM killer",
			ratio*100, r.Config.MinAvailableRatio*100),
		Evidence: evidence,
	}, true
}

// idleAccelerators returns devices whose utilization is known and below
// threshold, with their evidence.
func idleAccelerators(s *types.Snapshot, threshold float64) ([]int, []types.Evidence) {
	var devices []int
	var evidence []types.Evidence
	for _, m := range s.Accelerators {
		util, ok := m.UtilizationPercent.Get()
		if !ok || util >= threshold {
			continue
		}
		devices = append(devices, m.Index)
		evidence = append(evidence, types.Evidence{Subject: deviceSubject(m.Index), Metric: "utilization", Value: util, Unit: "%"})
	}
	return devices, evidence
}

// DiskBound fires when a disk is saturated while an accelerator sits idle.
type DiskBound struct {
	Config config.DiskRuleConfig
}

func (r *DiskBound) Name() types.Label { return types.LabelDiskBound }

func (r *DiskBound) Sources() []types.MetricSource {
	return []types.MetricSource{types.SourceDisk, types.SourceAccelerator}
}

func (r *DiskBound) Evaluate(s *types.Snapshot, _ []types.Finding) (types.Finding, bool) {
	if !usable(s, r) {
		return types.Finding{}, false
	}
	var busy []string
	var evidence []types.Evidence
	for _, d := range s.Disks {
		util, ok := d.UtilizationPercent.Get()
		if !ok || util <= r.Config.UtilizationPercent {
			continue
		}
		busy = append(busy, fmt.Sprintf("%s at %.0f%%", d.Device, util))
		evidence = append(evidence, types.Evidence{Subject: d.Device, Metric: "utilization", Value: util, Unit: "%"})
	}
	if len(busy) == 0 {
		return types.Finding{}, false
	}
	devices, idle := idleAccelerators(s, r.Config.AcceleratorIdlePercent)
	if len(devices) == 0 {
		return types.Finding{}, false
	}
	return types.Finding{
		Severity: types.SeverityWarning,
		Rationale: fmt.Sprintf("disk %s utilized (threshold %.0f%%) while %d accelerator(s) are below %.0f%% utilization: the input pipeline may be I/O-bound",
			strings.Join(busy, ", "), r.Config.UtilizationPercent, len(devices), r.Config.AcceleratorIdlePercent),
		Devices:  devices,
		Evidence: append(append(evidence, idle...), hostIOWait(s)...),
	}, true
}

// hostIOWait cites the avg-cpu iowait share when iostat reported it.
func hostIOWait(s *types.Snapshot) []types.Evidence {
	if s.CPU == nil {
		return nil
	}
	iowait, ok := s.CPU.IOWaitPercent.Get()
	if !ok {
		return nil
	}
	return []types.Evidence{{Subject: "host", Metric: "iowait", Value: iowait, Unit: "%"}}
}

// NetworkBound fires when an interface is saturated while an accelerator sits
// idle.
type NetworkBound struct {
	Config config.NetworkRuleConfig
}

func (r *NetworkBound) Name() types.Label { return types.LabelNetworkBound }

func (r *NetworkBound) Sources() []types.MetricSource {
	return []types.MetricSource{types.SourceNetwork, types.SourceAccelerator}
}

func (r *NetworkBound) Evaluate(s *types.Snapshot, _ []types.Finding) (types.Finding, bool) {
	if !usable(s, r) {
		return types.Finding{}, false
	}
	var busy []string
	var evidence []types.Evidence
	for _, n := range s.Networks {
		util, ok := n.UtilizationPercent.Get()
		if !ok || util <= r.Config.UtilizationPercent {
			continue
		}
		busy = append(busy, fmt.Sprintf("%s at %.0f%%", n.Interface, util))
		evidence = append(evidence, types.Evidence{Subject: n.Interface, Metric: "utilization", Value: util, Unit: "%"})
		if rx, ok := n.RxBytesPerSec.Get(); ok {
			evidence = append(evidence, types.Evidence{Subject: n.Interface, Metric: "rx", Value: rx, Unit: "B/s"})
		}
	}
	if len(busy) == 0 {
		return types.Finding{}, false
	}
	devices, idle := idleAccelerators(s, r.Config.AcceleratorIdlePercent)
	if len(devices) == 0 {
		return types.Finding{}, false
	}
	return types.Finding{
		Severity: types.SeverityWarning,
		Rationale: fmt.Sprintf("interface %s utilized (threshold %.0f%%) while %d accelerator(s) are below %.0f%% utilization: remote data or collective traffic may be the bottleneck",
			strings.Join(busy, ", "), r.Config.UtilizationPercent, len(devices), r.Config.AcceleratorIdlePercent),
		Devices:  devices,
		Evidence: append(evidence, idle...),
	}, true
}

// LowUtilizationWithProcess fires when a device with a live compute process
// is nearly idle.
type LowUtilizationWithProcess struct {
	Config config.LowUtilizationRuleConfig
}

func (r *LowUtilizationWithProcess) Name() types.Label { return types.LabelLowUtilizationWithProc }

func (r *LowUtilizationWithProcess) Sources() []types.MetricSource {
	return []types.MetricSource{types.SourceAccelerator, types.SourceProcessCompute}
}

func (r *LowUtilizationWithProcess) Evaluate(s *types.Snapshot, _ []types.Finding) (types.Finding, bool) {
	if !usable(s, r) {
		return types.Finding{}, false
	}
	pidsByDevice := make(map[int][]int)
	for _, p := range s.Processes {
		if p.DeviceUnresolved || p.DeviceIndex < 0 {
			continue
		}
		pidsByDevice[p.DeviceIndex] = append(pidsByDevice[p.DeviceIndex], p.PID)
	}

	f := types.Finding{Severity: types.SeverityInfo}
	var reasons []string
	for _, m := range s.Accelerators {
		pids := pidsByDevice[m.Index]
		if len(pids) == 0 {
			continue
		}
		util, ok := m.UtilizationPercent.Get()
		if !ok || util >= r.Config.NearZeroPercent {
			continue
		}
		subject := deviceSubject(m.Index)
		pids = sets.List(sets.New(pids...))
		f.Devices = append(f.Devices, m.Index)
		f.Evidence = append(f.Evidence,
			types.Evidence{Subject: subject, Metric: "utilization", Value: util, Unit: "%"},
			types.Evidence{Subject: subject, Metric: "computeProcesses", Value: float64(len(pids))},
		)
		reasons = append(reasons, fmt.Sprintf("%s at %.0f%% utilization with compute process(es) %s", subject, util, joinInts(pids)))
	}
	if len(f.Devices) == 0 {
		return types.Finding{}, false
	}
	f.Rationale = strings.Join(reasons, "; ") + ": work may be stalled on the host side (data loading or CPU preprocessing)"
	return f, true
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}
