package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

type recordingRule struct {
	label   types.Label
	fire    bool
	earlier []types.Finding
}

func (r *recordingRule) Name() types.Label             { return r.label }
func (r *recordingRule) Sources() []types.MetricSource { return []types.MetricSource{types.SourceDisk} }

func (r *recordingRule) Evaluate(_ *types.Snapshot, earlier []types.Finding) (types.Finding, bool) {
	r.earlier = append([]types.Finding(nil), earlier...)
	return types.Finding{Severity: types.SeverityInfo}, r.fire
}

func TestEngineOrderAndDefaults(t *testing.T) {
	engine := NewDefaultEngine(defaultRules())
	assert.Equal(t, []types.Label{
		types.LabelThermalThrottling,
		types.LabelPowerCapped,
		types.LabelMemoryPressure,
		types.LabelHostMemoryPressure,
		types.LabelDiskBound,
		types.LabelNetworkBound,
		types.LabelLowUtilizationWithProc,
	}, engine.Rules())

	cfg := defaultRules()
	cfg.Power.Enabled = false
	cfg.Network.Enabled = false
	assert.NotContains(t, NewDefaultEngine(cfg).Rules(), types.LabelPowerCapped)
	assert.Len(t, NewDefaultEngine(cfg).Rules(), 5)
}

func TestEngineFillsLabelAndSourcesAndPassesEarlier(t *testing.T) {
	first := &recordingRule{label: "first", fire: true}
	silent := &recordingRule{label: "silent"}
	last := &recordingRule{label: "last", fire: true}

	findings := NewEngine(first, silent, last).Evaluate(snapshotWith())
	assert.Equal(t, []types.Label{"first", "last"}, labels(findings))
	assert.Equal(t, []types.MetricSource{types.SourceDisk}, findings[0].Sources)
	assert.Empty(t, first.earlier)
	assert.Len(t, last.earlier, 1)
	assert.Equal(t, types.Label("first"), last.earlier[0].Label)
}

type appendingRule struct {
	grown []types.Finding
}

func (r *appendingRule) Name() types.Label             { return "appending" }
func (r *appendingRule) Sources() []types.MetricSource { return []types.MetricSource{types.SourceDisk} }

func (r *appendingRule) Evaluate(_ *types.Snapshot, earlier []types.Finding) (types.Finding, bool) {
	r.grown = append(earlier, types.Finding{Label: "injected"})
	return types.Finding{Severity: types.SeverityInfo}, true
}

func TestEngineEarlierFindingsAreNotShared(t *testing.T) {
	greedy := &appendingRule{}
	rules := []Rule{
		&recordingRule{label: "a", fire: true},
		&recordingRule{label: "b", fire: true},
		&recordingRule{label: "c", fire: true},
		greedy,
		&recordingRule{label: "d", fire: true},
	}

	findings := NewEngine(rules...).Evaluate(snapshotWith())
	assert.Equal(t, []types.Label{"a", "b", "c", "appending", "d"}, labels(findings))
	if assert.Len(t, greedy.grown, 4) {
		assert.Equal(t, types.Label("injected"), greedy.grown[3].Label)
	}
}

func TestEngineKeepsOverlappingFindings(t *testing.T) {
	gpu := healthyGPU(0)
	gpu.TemperatureC = types.Known(92)
	gpu.ClockMHz = types.Known(1000)
	gpu.PowerDrawWatts = types.Known(400)
	gpu.MemoryUsedBytes = types.Known(39.5 * (1 << 30))

	findings := NewDefaultEngine(defaultRules()).Evaluate(snapshotWith(gpu))
	assert.Equal(t, []types.Label{
		types.LabelThermalThrottling,
		types.LabelPowerCapped,
		types.LabelMemoryPressure,
	}, labels(findings))
	for _, f := range findings {
		assert.Equal(t, []int{0}, f.Devices)
	}
}

func TestAcceleratorTimeoutSuppressesDependentRules(t *testing.T) {
	s := snapshotWith()
	s.Availability[types.SourceAccelerator] = types.UnavailableSource(types.ToolTimeout, "nvidia-smi timed out")
	s.Disks = []types.DiskMetric{{Device: "sda", UtilizationPercent: types.Known(99)}}
	s.Networks = []types.NetworkMetric{{Interface: "eth0", UtilizationPercent: types.Known(99)}}
	s.HostMemory = &types.HostMemoryMetric{TotalBytes: types.Known(100), AvailableBytes: types.Known(1)}

	findings := NewDefaultEngine(defaultRules()).Evaluate(s)
	assert.Equal(t, []types.Label{types.LabelHostMemoryPressure}, labels(findings))
}

func TestEngineEmpty(t *testing.T) {
	findings := NewEngine().Evaluate(snapshotWith())
	assert.NotNil(t, findings)
	assert.Empty(t, findings)
}
