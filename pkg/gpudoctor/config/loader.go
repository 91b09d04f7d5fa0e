package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

const envPrefix = "GPUDOCTOR_"

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Load builds the configuration from an optional .env file, the process
// environment and an optional YAML file. Variables already set in the
// environment win over the .env file; values in the YAML file win over both.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := fromEnv()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"sources", cfg.Sources.Enabled,
		"timeout", cfg.Sources.Timeout,
		"formatVersions", cfg.Sources.FormatVersions,
		"temperatureHighC", cfg.Rules.Thermal.TemperatureHighC,
		"diskUtilizationPercent", cfg.Rules.Disk.UtilizationPercent)

	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Sources: SourcesConfig{
			Enabled:        getListOrDefault("SOURCES", sourceNames(types.AllSources)),
			FormatVersions: loadSuffixedEnv("FORMAT_"),
			Timeout:        getDurationOrDefault("TIMEOUT", 10*time.Second),
		},
		Probes: loadProbeConfig(),
		Rules: RulesConfig{
			Thermal: ThermalRuleConfig{
				Enabled:              getBoolOrDefault("RULE_THERMAL_ENABLED", true),
				TemperatureHighC:     getFloatOrDefault("TEMPERATURE_HIGH_C", 85),
				DefaultBoostClockMHz: getFloatOrDefault("BOOST_CLOCK_MHZ", 0),
				BoostClockMHz:        loadBoostClocks(),
				MinClockDeficitMHz:   getFloatOrDefault("MIN_CLOCK_DEFICIT_MHZ", 0),
			},
			Power: PowerRuleConfig{
				Enabled:         getBoolOrDefault("RULE_POWER_ENABLED", true),
				DrawLimitRatio:  getFloatOrDefault("POWER_DRAW_LIMIT_RATIO", 0.98),
				UseThrottleMask: getBoolOrDefault("POWER_USE_THROTTLE_MASK", true),
			},
			Memory: MemoryRuleConfig{
				Enabled:   getBoolOrDefault("RULE_MEMORY_ENABLED", true),
				UsedRatio: getFloatOrDefault("MEMORY_USED_RATIO", 0.95),
			},
			HostMemory: HostMemoryRuleConfig{
				Enabled:           getBoolOrDefault("RULE_HOST_MEMORY_ENABLED", true),
				MinAvailableRatio: getFloatOrDefault("HOST_MEMORY_AVAILABLE_RATIO", 0.10),
			},
			Disk: DiskRuleConfig{
				Enabled:                getBoolOrDefault("RULE_DISK_ENABLED", true),
				UtilizationPercent:     getFloatOrDefault("DISK_UTIL_PERCENT", 90),
				AcceleratorIdlePercent: getFloatOrDefault("ACCELERATOR_LOW_UTIL_PERCENT", 10),
			},
			Network: NetworkRuleConfig{
				Enabled:                getBoolOrDefault("RULE_NETWORK_ENABLED", true),
				UtilizationPercent:     getFloatOrDefault("NETWORK_UTIL_PERCENT", 90),
				AcceleratorIdlePercent: getFloatOrDefault("ACCELERATOR_LOW_UTIL_PERCENT", 10),
			},
			LowUtilization: LowUtilizationRuleConfig{
				Enabled:         getBoolOrDefault("RULE_LOW_UTILIZATION_ENABLED", true),
				NearZeroPercent: getFloatOrDefault("NEAR_ZERO_UTIL_PERCENT", 5),
			},
		},
		Output: OutputConfig{
			Verbose:      getBoolOrDefault("VERBOSE", false),
			JSON:         getBoolOrDefault("JSON", false),
			Prometheus:   getBoolOrDefault("PROMETHEUS", false),
			TextfilePath: getEnvOrDefault("TEXTFILE_PATH", ""),
			SQLitePath:   getEnvOrDefault("SQLITE_PATH", ""),
			Retention:    getDurationOrDefault("RETENTION", 0),
		},
	}
}

// loadFile overlays the YAML file at path onto cfg. Keys absent from the file
// keep their current values.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func sourceNames(sources []types.MetricSource) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, string(s))
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getListOrDefault reads a comma separated list. An explicitly empty variable
// yields an empty list.
func getListOrDefault(key string, defaultValue []string) []string {
	strValue, set := os.LookupEnv(envPrefix + key)
	if !set {
		return defaultValue
	}
	out := []string{}
	for _, part := range strings.Split(strValue, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(envPrefix + key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", envPrefix+key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(envPrefix + key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", envPrefix+key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(envPrefix + key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", envPrefix+key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

// loadSuffixedEnv collects GPUDOCTOR_<prefix><NAME>=value variables into a map
// keyed by the lowercased, dash separated name.
// Format: GPUDOCTOR_FORMAT_DISK=sysstat-10
func loadSuffixedEnv(prefix string) map[string]string {
	out := make(map[string]string)
	for _, env := range os.Environ() {
		name, value, found := strings.Cut(env, "=")
		if !found || !strings.HasPrefix(name, envPrefix+prefix) || value == "" {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, envPrefix+prefix), "_", "-"))
		out[key] = value
	}
	return out
}

// loadProbeConfig loads per-probe overrides from environment variables
// Format: GPUDOCTOR_PROBE_COMMAND_SAR_NET=/usr/local/bin/sar
//
//	GPUDOCTOR_PROBE_TIMEOUT_GPU=5s
func loadProbeConfig() map[string]ProbeConfig {
	probes := make(map[string]ProbeConfig)
	for name, command := range loadSuffixedEnv("PROBE_COMMAND_") {
		p := probes[name]
		p.Command = command
		probes[name] = p
	}
	for name, raw := range loadSuffixedEnv("PROBE_TIMEOUT_") {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			klog.V(2).InfoS("Invalid probe timeout, ignoring", "probe", name, "value", raw)
			continue
		}
		p := probes[name]
		p.Timeout = timeout
		probes[name] = p
	}
	return probes
}

// loadBoostClocks parses per-device boost clocks.
// Format: GPUDOCTOR_DEVICE_BOOST_CLOCK_MHZ=0:1410,1:1530
func loadBoostClocks() map[int]float64 {
	clocks := make(map[int]float64)
	for _, part := range strings.Split(os.Getenv(envPrefix+"DEVICE_BOOST_CLOCK_MHZ"), ",") {
		idx, mhz, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			continue
		}
		i, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		if f, err := strconv.ParseFloat(mhz, 64); err == nil && f > 0 {
			clocks[i] = f
		}
	}
	return clocks
}
