// Package inference evaluates diagnostic rules over a Snapshot.
package inference

import (
	"k8s.io/klog/v2"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/config"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// Rule is a pure predicate over a Snapshot. earlier holds the findings already
// produced in this evaluation; rules may read them but the built-in rules do
// not.
type Rule interface {
	Name() types.Label
	Sources() []types.MetricSource
	Evaluate(s *types.Snapshot, earlier []types.Finding) (types.Finding, bool)
}

// Engine runs an ordered list of rules.
type Engine struct {
	rules []Rule
}

// NewEngine returns an Engine that evaluates rules in the given order.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// NewDefaultEngine builds the built-in rules from cfg in their fixed order,
// leaving out disabled ones: thermal, power, accelerator memory, host memory,
// disk, network, then low utilization.
func NewDefaultEngine(cfg config.RulesConfig) *Engine {
	var rules []Rule
	if cfg.Thermal.Enabled {
		rules = append(rules, &ThermalThrottling{Config: cfg.Thermal})
	}
	if cfg.Power.Enabled {
		rules = append(rules, &PowerCapped{Config: cfg.Power})
	}
	if cfg.Memory.Enabled {
		rules = append(rules, &MemoryPressure{Config: cfg.Memory})
	}
	if cfg.HostMemory.Enabled {
		rules = append(rules, &HostMemoryPressure{Config: cfg.HostMemory})
	}
	if cfg.Disk.Enabled {
		rules = append(rules, &DiskBound{Config: cfg.Disk})
	}
	if cfg.Network.Enabled {
		rules = append(rules, &NetworkBound{Config: cfg.Network})
	}
	if cfg.LowUtilization.Enabled {
		rules = append(rules, &LowUtilizationWithProcess{Config: cfg.LowUtilization})
	}
	return NewEngine(rules...)
}

// Rules returns the rule names in evaluation order.
func (e *Engine) Rules() []types.Label {
	names := make([]types.Label, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name())
	}
	return names
}

// Evaluate returns the findings for s in rule order. Findings are never
// suppressed or merged.
func (e *Engine) Evaluate(s *types.Snapshot) []types.Finding {
	findings := []types.Finding{}
	for _, r := range e.rules {
		// Capacity is clipped so a rule appending to earlier cannot write
		// into the engine's slice.
		f, fired := r.Evaluate(s, findings[:len(findings):len(findings)])
		if !fired {
			continue
		}
		if f.Label == "" {
			f.Label = r.Name()
		}
		if f.Sources == nil {
			f.Sources = r.Sources()
		}
		klog.V(2).InfoS("Rule fired", "rule", r.Name(), "severity", f.Severity, "devices", f.Devices)
		findings = append(findings, f)
	}
	return findings
}
