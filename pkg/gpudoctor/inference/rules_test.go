package inference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/config"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

func defaultRules() config.RulesConfig {
	return config.RulesConfig{
		Thermal:        config.ThermalRuleConfig{Enabled: true, TemperatureHighC: 85},
		Power:          config.PowerRuleConfig{Enabled: true, DrawLimitRatio: 0.98, UseThrottleMask: true},
		Memory:         config.MemoryRuleConfig{Enabled: true, UsedRatio: 0.95},
		HostMemory:     config.HostMemoryRuleConfig{Enabled: true, MinAvailableRatio: 0.10},
		Disk:           config.DiskRuleConfig{Enabled: true, UtilizationPercent: 90, AcceleratorIdlePercent: 10},
		Network:        config.NetworkRuleConfig{Enabled: true, UtilizationPercent: 90, AcceleratorIdlePercent: 10},
		LowUtilization: config.LowUtilizationRuleConfig{Enabled: true, NearZeroPercent: 5},
	}
}

func available(sources ...types.MetricSource) map[types.MetricSource]types.SourceAvailability {
	out := make(map[types.MetricSource]types.SourceAvailability)
	for _, s := range sources {
		out[s] = types.AvailableSource()
	}
	return out
}

func healthyGPU(index int) types.AcceleratorMetric {
	return types.AcceleratorMetric{
		Index:              index,
		UtilizationPercent: types.Known(95),
		MemoryUsedBytes:    types.Known(10 << 30),
		MemoryTotalBytes:   types.Known(40 << 30),
		TemperatureC:       types.Known(60),
		PowerDrawWatts:     types.Known(200),
		PowerLimitWatts:    types.Known(400),
		ClockMHz:           types.Known(1410),
		MaxClockMHz:        types.Known(1410),
	}
}

func snapshotWith(accels ...types.AcceleratorMetric) *types.Snapshot {
	return &types.Snapshot{
		Timestamp:    time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
		Accelerators: accels,
		Availability: available(types.AllSources...),
	}
}

func labels(findings []types.Finding) []types.Label {
	out := make([]types.Label, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Label)
	}
	return out
}

func TestThermalThrottlingScenario(t *testing.T) {
	gpu := healthyGPU(0)
	gpu.TemperatureC = types.Known(89)
	gpu.ClockMHz = types.Known(1110)
	cfg := defaultRules().Thermal
	cfg.BoostClockMHz = map[int]float64{0: 1410}

	f, fired := (&ThermalThrottling{Config: cfg}).Evaluate(snapshotWith(gpu, healthyGPU(1)), nil)
	require.True(t, fired)
	assert.Equal(t, types.SeverityCritical, f.Severity)
	assert.Equal(t, []int{0}, f.Devices)
	assert.Contains(t, f.Evidence, types.Evidence{Subject: "gpu0", Metric: "clockDeficit", Value: 300, Unit: "MHz"})
	assert.Contains(t, f.Evidence, types.Evidence{Subject: "gpu0", Metric: "temperature", Value: 89, Unit: "C"})
}

func TestThermalThrottlingBoostClock(t *testing.T) {
	hot := healthyGPU(0)
	hot.TemperatureC = types.Known(90)
	hot.ClockMHz = types.Known(1300)
	hot.MaxClockMHz = types.Known(1410)

	tests := []struct {
		name  string
		cfg   func(*config.ThermalRuleConfig)
		gpu   func(*types.AcceleratorMetric)
		fires bool
	}{
		{name: "reported max clock", fires: true},
		{
			name: "default boost below current clock",
			cfg:  func(c *config.ThermalRuleConfig) { c.DefaultBoostClockMHz = 1300 },
		},
		{
			name: "per-device boost wins over default",
			cfg: func(c *config.ThermalRuleConfig) {
				c.DefaultBoostClockMHz = 1300
				c.BoostClockMHz = map[int]float64{0: 1500}
			},
			fires: true,
		},
		{
			name: "deficit within tolerance",
			cfg:  func(c *config.ThermalRuleConfig) { c.MinClockDeficitMHz = 150 },
		},
		{
			name: "no boost reference",
			gpu:  func(m *types.AcceleratorMetric) { m.MaxClockMHz = types.Unknown },
		},
		{
			name: "unknown temperature",
			gpu:  func(m *types.AcceleratorMetric) { m.TemperatureC = types.Unknown },
		},
		{
			name: "at threshold",
			gpu:  func(m *types.AcceleratorMetric) { m.TemperatureC = types.Known(85) },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultRules().Thermal
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			gpu := hot
			if tc.gpu != nil {
				tc.gpu(&gpu)
			}
			_, fired := (&ThermalThrottling{Config: cfg}).Evaluate(snapshotWith(gpu), nil)
			assert.Equal(t, tc.fires, fired)
		})
	}
}

func TestPowerCapped(t *testing.T) {
	atLimit := healthyGPU(0)
	atLimit.PowerDrawWatts = types.Known(399)
	masked := healthyGPU(1)
	masked.PowerDrawWatts = types.Unknown
	masked.ThrottleReasons = []string{types.ThrottleSWPowerCap}

	f, fired := (&PowerCapped{Config: defaultRules().Power}).Evaluate(snapshotWith(atLimit, masked, healthyGPU(2)), nil)
	require.True(t, fired)
	assert.Equal(t, types.SeverityWarning, f.Severity)
	assert.Equal(t, []int{0, 1}, f.Devices)

	cfg := defaultRules().Power
	cfg.UseThrottleMask = false
	f, fired = (&PowerCapped{Config: cfg}).Evaluate(snapshotWith(masked), nil)
	assert.False(t, fired)
	assert.Empty(t, f.Devices)
}

func TestMemoryPressure(t *testing.T) {
	full := healthyGPU(1)
	full.MemoryUsedBytes = types.Known(39 << 30)
	unknownTotal := healthyGPU(2)
	unknownTotal.MemoryUsedBytes = types.Known(39 << 30)
	unknownTotal.MemoryTotalBytes = types.Unknown

	f, fired := (&MemoryPressure{Config: defaultRules().Memory}).Evaluate(snapshotWith(healthyGPU(0), full, unknownTotal), nil)
	require.True(t, fired)
	assert.Equal(t, []int{1}, f.Devices)
	assert.Equal(t, types.SeverityWarning, f.Severity)
	assert.InDelta(t, 0.975, f.Evidence[0].Value, 1e-9)
}

func TestHostMemoryPressure(t *testing.T) {
	s := snapshotWith()
	r := &HostMemoryPressure{Config: defaultRules().HostMemory}

	_, fired := r.Evaluate(s, nil)
	assert.False(t, fired, "no host memory record")

	s.HostMemory = &types.HostMemoryMetric{TotalBytes: types.Known(100), AvailableBytes: types.Known(5), SwapUsedBytes: types.Known(7)}
	f, fired := r.Evaluate(s, nil)
	require.True(t, fired)
	assert.Empty(t, f.Devices)
	assert.Len(t, f.Evidence, 3)

	s.HostMemory.AvailableBytes = types.Known(50)
	_, fired = r.Evaluate(s, nil)
	assert.False(t, fired)
}

func TestDiskBoundScenario(t *testing.T) {
	gpu := healthyGPU(0)
	gpu.UtilizationPercent = types.Known(4)
	s := snapshotWith(gpu)
	s.Disks = []types.DiskMetric{{Device: "nvme0n1", UtilizationPercent: types.Known(97)}}

	f, fired := (&DiskBound{Config: defaultRules().Disk}).Evaluate(s, nil)
	require.True(t, fired)
	assert.Equal(t, types.SeverityWarning, f.Severity)
	assert.Equal(t, []int{0}, f.Devices)
	assert.Contains(t, f.Evidence, types.Evidence{Subject: "nvme0n1", Metric: "utilization", Value: 97, Unit: "%"})
	assert.Contains(t, f.Evidence, types.Evidence{Subject: "gpu0", Metric: "utilization", Value: 4, Unit: "%"})
	assert.Len(t, f.Evidence, 2, "no host iowait without an avg-cpu report")
}

func TestDiskBoundCitesHostIOWait(t *testing.T) {
	gpu := healthyGPU(0)
	gpu.UtilizationPercent = types.Known(4)

	tests := []struct {
		name string
		cpu  *types.CPUMetric
		want []types.Evidence
	}{
		{"no report", nil, nil},
		{"iowait unknown", &types.CPUMetric{IOWaitPercent: types.Unknown}, nil},
		{"iowait known", &types.CPUMetric{IOWaitPercent: types.Known(38.75)}, []types.Evidence{{Subject: "host", Metric: "iowait", Value: 38.75, Unit: "%"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := snapshotWith(gpu)
			s.Disks = []types.DiskMetric{{Device: "nvme0n1", UtilizationPercent: types.Known(97)}}
			s.CPU = tt.cpu

			f, fired := (&DiskBound{Config: defaultRules().Disk}).Evaluate(s, nil)
			require.True(t, fired, "iowait never decides whether the rule fires")
			if tt.want == nil {
				assert.Len(t, f.Evidence, 2)
				return
			}
			assert.Equal(t, tt.want, f.Evidence[2:])
		})
	}
}

func TestDiskBoundNeedsBothSides(t *testing.T) {
	busyGPU := healthyGPU(0)
	idleGPU := healthyGPU(0)
	idleGPU.UtilizationPercent = types.Known(4)
	unknownUtil := healthyGPU(0)
	unknownUtil.UtilizationPercent = types.Unknown

	tests := []struct {
		name string
		gpu  types.AcceleratorMetric
		disk types.Value
	}{
		{name: "accelerator busy", gpu: busyGPU, disk: types.Known(97)},
		{name: "disk quiet", gpu: idleGPU, disk: types.Known(50)},
		{name: "disk utilization unknown", gpu: idleGPU, disk: types.Unknown},
		{name: "accelerator utilization unknown", gpu: unknownUtil, disk: types.Known(97)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := snapshotWith(tc.gpu)
			s.Disks = []types.DiskMetric{{Device: "sda", UtilizationPercent: tc.disk}}
			_, fired := (&DiskBound{Config: defaultRules().Disk}).Evaluate(s, nil)
			assert.False(t, fired)
		})
	}
}

func TestNetworkBound(t *testing.T) {
	gpu := healthyGPU(0)
	gpu.UtilizationPercent = types.Known(2)
	s := snapshotWith(gpu)
	s.Networks = []types.NetworkMetric{
		{Interface: "lo", RxBytesPerSec: types.Known(10), UtilizationPercent: types.Known(0)},
		{Interface: "eth0", RxBytesPerSec: types.Known(1.2e9), UtilizationPercent: types.Known(94)},
		{Interface: "ib0", RxBytesPerSec: types.Known(1e9)},
	}

	f, fired := (&NetworkBound{Config: defaultRules().Network}).Evaluate(s, nil)
	require.True(t, fired)
	assert.Equal(t, []int{0}, f.Devices)
	assert.Contains(t, f.Rationale, "eth0")
	assert.NotContains(t, f.Rationale, "ib0")
}

func TestLowUtilizationWithProcess(t *testing.T) {
	idle := healthyGPU(0)
	idle.UtilizationPercent = types.Known(0)
	idleNoProc := healthyGPU(1)
	idleNoProc.UtilizationPercent = types.Known(0)
	s := snapshotWith(idle, idleNoProc, healthyGPU(2))
	s.Processes = []types.ComputeProcess{
		{PID: 42, DeviceIndex: 0},
		{PID: 42, DeviceIndex: 0},
		{PID: 77, DeviceIndex: 2},
		{PID: 99, DeviceIndex: -1, DeviceUnresolved: true},
	}

	f, fired := (&LowUtilizationWithProcess{Config: defaultRules().LowUtilization}).Evaluate(s, nil)
	require.True(t, fired)
	assert.Equal(t, types.SeverityInfo, f.Severity)
	assert.Equal(t, []int{0}, f.Devices)
	assert.Contains(t, f.Evidence, types.Evidence{Subject: "gpu0", Metric: "computeProcesses", Value: 1})
}

func TestRulesDoNotFireOnUnavailableSources(t *testing.T) {
	hot := healthyGPU(0)
	hot.TemperatureC = types.Known(95)
	hot.ClockMHz = types.Known(900)
	hot.UtilizationPercent = types.Known(0)
	hot.MemoryUsedBytes = hot.MemoryTotalBytes
	hot.ThrottleReasons = []string{types.ThrottleSWPowerCap}

	base := func() *types.Snapshot {
		s := snapshotWith(hot)
		s.Processes = []types.ComputeProcess{{PID: 1, DeviceIndex: 0}}
		s.Disks = []types.DiskMetric{{Device: "sda", UtilizationPercent: types.Known(99)}}
		s.Networks = []types.NetworkMetric{{Interface: "eth0", UtilizationPercent: types.Known(99)}}
		s.HostMemory = &types.HostMemoryMetric{TotalBytes: types.Known(100), AvailableBytes: types.Known(1)}
		return s
	}

	engine := NewDefaultEngine(defaultRules())
	require.Len(t, engine.Evaluate(base()), 7, "every rule fires on the fully available snapshot")

	for _, rule := range engine.rules {
		for _, src := range rule.Sources() {
			t.Run(string(rule.Name())+"/"+string(src), func(t *testing.T) {
				s := base()
				s.Availability[src] = types.UnavailableSource(types.ToolTimeout, "timed out")
				_, fired := rule.Evaluate(s, nil)
				assert.False(t, fired)
			})
		}
	}
}
