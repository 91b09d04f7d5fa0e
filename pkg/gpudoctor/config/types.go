package config

import (
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/parser"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// Config holds all configuration for one gpudoctor invocation
type Config struct {
	Sources SourcesConfig          `yaml:"sources"`
	Probes  map[string]ProbeConfig `yaml:"probes"` // Per-probe overrides, keyed by probe name
	Rules   RulesConfig            `yaml:"rules"`
	Output  OutputConfig           `yaml:"output"`
}

// SourcesConfig selects which metric sources are collected and how their
// output is interpreted
type SourcesConfig struct {
	Enabled        []string          `yaml:"enabled"`        // Metric source names; empty collects nothing
	FormatVersions map[string]string `yaml:"formatVersions"` // Parser kind -> format version hint
	Timeout        time.Duration     `yaml:"timeout"`        // Default per-probe timeout
}

// ProbeConfig overrides how a single external tool is run
type ProbeConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// RulesConfig holds the enable flag and thresholds of every inference rule
type RulesConfig struct {
	Thermal        ThermalRuleConfig        `yaml:"thermal"`
	Power          PowerRuleConfig          `yaml:"power"`
	Memory         MemoryRuleConfig         `yaml:"memory"`
	HostMemory     HostMemoryRuleConfig     `yaml:"hostMemory"`
	Disk           DiskRuleConfig           `yaml:"disk"`
	Network        NetworkRuleConfig        `yaml:"network"`
	LowUtilization LowUtilizationRuleConfig `yaml:"lowUtilization"`
}

// ThermalRuleConfig configures the thermal-throttling rule
type ThermalRuleConfig struct {
	Enabled              bool            `yaml:"enabled"`
	TemperatureHighC     float64         `yaml:"temperatureHighC"`
	DefaultBoostClockMHz float64         `yaml:"defaultBoostClockMHz"` // 0 uses the device's reported max clock
	BoostClockMHz        map[int]float64 `yaml:"boostClockMHz"`        // Per device index
	MinClockDeficitMHz   float64         `yaml:"minClockDeficitMHz"`
}

// PowerRuleConfig configures the power-capped rule
type PowerRuleConfig struct {
	Enabled         bool    `yaml:"enabled"`
	DrawLimitRatio  float64 `yaml:"drawLimitRatio"`
	UseThrottleMask bool    `yaml:"useThrottleMask"` // Also fire on an active sw_power_cap reason
}

// MemoryRuleConfig configures the accelerator memory-pressure rule
type MemoryRuleConfig struct {
	Enabled   bool    `yaml:"enabled"`
	UsedRatio float64 `yaml:"usedRatio"`
}

// HostMemoryRuleConfig configures the host-memory-pressure rule
type HostMemoryRuleConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MinAvailableRatio float64 `yaml:"minAvailableRatio"`
}

// DiskRuleConfig configures the disk-bound rule
type DiskRuleConfig struct {
	Enabled                bool    `yaml:"enabled"`
	UtilizationPercent     float64 `yaml:"utilizationPercent"`
	AcceleratorIdlePercent float64 `yaml:"acceleratorIdlePercent"`
}

// NetworkRuleConfig configures the network-bound rule
type NetworkRuleConfig struct {
	Enabled                bool    `yaml:"enabled"`
	UtilizationPercent     float64 `yaml:"utilizationPercent"`
	AcceleratorIdlePercent float64 `yaml:"acceleratorIdlePercent"`
}

// LowUtilizationRuleConfig configures the low-utilization-with-process rule
type LowUtilizationRuleConfig struct {
	Enabled         bool    `yaml:"enabled"`
	NearZeroPercent float64 `yaml:"nearZeroPercent"`
}

// OutputConfig selects what is written after a cycle
type OutputConfig struct {
	Verbose      bool   `yaml:"verbose"`
	JSON         bool   `yaml:"json"`
	Prometheus   bool   `yaml:"prometheus"`   // Print the exposition format instead of tables
	TextfilePath string `yaml:"textfilePath"` // node_exporter textfile collector output
	SQLitePath   string `yaml:"sqlitePath"`
	// Retention drops stored reports older than this after each save; zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// EnabledSources returns the configured source set.
func (c *Config) EnabledSources() (sets.Set[types.MetricSource], error) {
	out := sets.New[types.MetricSource]()
	var errs []error
	for _, name := range c.Sources.Enabled {
		src, err := types.ParseMetricSource(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Insert(src)
	}
	return out, utilerrors.NewAggregate(errs)
}

// ProbeTimeout returns the timeout for probe, falling back to the source default.
func (c *Config) ProbeTimeout(probe string) time.Duration {
	if p, ok := c.Probes[probe]; ok && p.Timeout > 0 {
		return p.Timeout
	}
	return c.Sources.Timeout
}

// FormatVersion returns the version hint for kind, or "" for the parser default.
func (c *Config) FormatVersion(kind parser.Kind) string {
	return c.Sources.FormatVersions[string(kind)]
}

// SetRuleEnabled toggles the rule producing label.
func (c *Config) SetRuleEnabled(label types.Label, enabled bool) error {
	switch label {
	case types.LabelThermalThrottling:
		c.Rules.Thermal.Enabled = enabled
	case types.LabelPowerCapped:
		c.Rules.Power.Enabled = enabled
	case types.LabelMemoryPressure:
		c.Rules.Memory.Enabled = enabled
	case types.LabelHostMemoryPressure:
		c.Rules.HostMemory.Enabled = enabled
	case types.LabelDiskBound:
		c.Rules.Disk.Enabled = enabled
	case types.LabelNetworkBound:
		c.Rules.Network.Enabled = enabled
	case types.LabelLowUtilizationWithProc:
		c.Rules.LowUtilization.Enabled = enabled
	default:
		return fmt.Errorf("unknown rule %q", label)
	}
	return nil
}

// Validate performs validation of the configuration and reports every problem
// found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.EnabledSources(); err != nil {
		errs = append(errs, err)
	}
	if c.Sources.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("default probe timeout must be positive"))
	}

	registry := parser.NewRegistry()
	for kind, version := range c.Sources.FormatVersions {
		known := registry.Versions(parser.Kind(kind))
		if known == nil {
			errs = append(errs, fmt.Errorf("format version given for unknown parser kind %q", kind))
			continue
		}
		if !sets.New(known...).Has(version) {
			errs = append(errs, fmt.Errorf("unknown %s format version %q (known: %v)", kind, version, known))
		}
	}

	if c.Output.Retention < 0 {
		errs = append(errs, fmt.Errorf("report retention must not be negative"))
	}

	for name, p := range c.Probes {
		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("timeout for probe %s must not be negative", name))
		}
	}

	r := c.Rules
	if r.Thermal.TemperatureHighC <= 0 {
		errs = append(errs, fmt.Errorf("thermal temperature threshold must be positive"))
	}
	if r.Thermal.MinClockDeficitMHz < 0 {
		errs = append(errs, fmt.Errorf("thermal minimum clock deficit must not be negative"))
	}
	for idx, mhz := range r.Thermal.BoostClockMHz {
		if mhz <= 0 {
			errs = append(errs, fmt.Errorf("boost clock for device %d must be positive", idx))
		}
	}
	errs = appendRatio(errs, "power draw/limit ratio", r.Power.DrawLimitRatio)
	errs = appendRatio(errs, "memory used ratio", r.Memory.UsedRatio)
	errs = appendRatio(errs, "host memory available ratio", r.HostMemory.MinAvailableRatio)
	errs = appendPercent(errs, "disk utilization threshold", r.Disk.UtilizationPercent)
	errs = appendPercent(errs, "disk rule accelerator idle threshold", r.Disk.AcceleratorIdlePercent)
	errs = appendPercent(errs, "network utilization threshold", r.Network.UtilizationPercent)
	errs = appendPercent(errs, "network rule accelerator idle threshold", r.Network.AcceleratorIdlePercent)
	errs = appendPercent(errs, "near-zero utilization threshold", r.LowUtilization.NearZeroPercent)

	if c.Output.JSON && c.Output.Prometheus {
		errs = append(errs, fmt.Errorf("json and prometheus output are mutually exclusive"))
	}

	return utilerrors.NewAggregate(errs)
}

func appendRatio(errs []error, name string, v float64) []error {
	if v <= 0 || v > 1 {
		return append(errs, fmt.Errorf("%s must be in (0, 1], got %g", name, v))
	}
	return errs
}

func appendPercent(errs []error, name string, v float64) []error {
	if v <= 0 || v > 100 {
		return append(errs, fmt.Errorf("%s must be in (0, 100], got %g", name, v))
	}
	return errs
}
