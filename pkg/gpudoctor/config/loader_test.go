package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/parser"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	sources, err := cfg.EnabledSources()
	require.NoError(t, err)
	assert.Equal(t, len(types.AllSources), sources.Len())
	assert.Equal(t, 10*time.Second, cfg.Sources.Timeout)
	assert.Equal(t, 85.0, cfg.Rules.Thermal.TemperatureHighC)
	assert.Equal(t, 0.95, cfg.Rules.Memory.UsedRatio)
	assert.Equal(t, 90.0, cfg.Rules.Disk.UtilizationPercent)
	assert.Equal(t, 10.0, cfg.Rules.Disk.AcceleratorIdlePercent)
	assert.Equal(t, 5.0, cfg.Rules.LowUtilization.NearZeroPercent)
	assert.True(t, cfg.Rules.Thermal.Enabled)
	assert.Empty(t, cfg.FormatVersion(parser.KindDisk))
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("GPUDOCTOR_SOURCES", "accelerator, disk")
	t.Setenv("GPUDOCTOR_TIMEOUT", "3s")
	t.Setenv("GPUDOCTOR_TEMPERATURE_HIGH_C", "80")
	t.Setenv("GPUDOCTOR_DISK_UTIL_PERCENT", "not-a-number")
	t.Setenv("GPUDOCTOR_RULE_NETWORK_ENABLED", "false")
	t.Setenv("GPUDOCTOR_FORMAT_DISK", "sysstat-10")
	t.Setenv("GPUDOCTOR_FORMAT_ACCELERATOR_PROCESSES", "nvidia-smi-csv-v1")
	t.Setenv("GPUDOCTOR_PROBE_TIMEOUT_SAR_NET", "30s")
	t.Setenv("GPUDOCTOR_PROBE_COMMAND_GPU", "/opt/nvidia/bin/nvidia-smi")
	t.Setenv("GPUDOCTOR_DEVICE_BOOST_CLOCK_MHZ", "0:1410, 1:1530,bad,2:x")
	t.Setenv("GPUDOCTOR_RETENTION", "168h")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	sources, err := cfg.EnabledSources()
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.MetricSource{types.SourceAccelerator, types.SourceDisk}, sources.UnsortedList())
	assert.Equal(t, 80.0, cfg.Rules.Thermal.TemperatureHighC)
	assert.Equal(t, 90.0, cfg.Rules.Disk.UtilizationPercent, "invalid value falls back to default")
	assert.False(t, cfg.Rules.Network.Enabled)
	assert.Equal(t, parser.Sysstat10, cfg.FormatVersion(parser.KindDisk))
	assert.Equal(t, parser.NvidiaSMICSVv1, cfg.FormatVersion(parser.KindAcceleratorProcesses))
	assert.Equal(t, 30*time.Second, cfg.ProbeTimeout("sar-net"))
	assert.Equal(t, 3*time.Second, cfg.ProbeTimeout("iostat"))
	assert.Equal(t, "/opt/nvidia/bin/nvidia-smi", cfg.Probes["gpu"].Command)
	assert.Equal(t, map[int]float64{0: 1410, 1: 1530}, cfg.Rules.Thermal.BoostClockMHz)
	assert.Equal(t, 168*time.Hour, cfg.Output.Retention)
}

func TestLoadFromEnvEmptySources(t *testing.T) {
	t.Setenv("GPUDOCTOR_SOURCES", "")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	sources, err := cfg.EnabledSources()
	require.NoError(t, err)
	assert.Zero(t, sources.Len())
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpudoctor.yaml")
	content := `
sources:
  enabled: [accelerator, network]
  formatVersions:
    network: sysstat
rules:
  thermal:
    temperatureHighC: 83
    boostClockMHz:
      0: 1980
  disk:
    enabled: false
output:
  sqlitePath: /var/lib/gpudoctor/history.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("GPUDOCTOR_TEMPERATURE_HIGH_C", "70")
	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"accelerator", "network"}, cfg.Sources.Enabled)
	assert.Equal(t, 83.0, cfg.Rules.Thermal.TemperatureHighC, "file wins over environment")
	assert.Equal(t, 1980.0, cfg.Rules.Thermal.BoostClockMHz[0])
	assert.False(t, cfg.Rules.Disk.Enabled)
	assert.True(t, cfg.Rules.Memory.Enabled, "keys absent from the file keep their defaults")
	assert.Equal(t, 0.95, cfg.Rules.Memory.UsedRatio)
	assert.Equal(t, "/var/lib/gpudoctor/history.db", cfg.Output.SQLitePath)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"), "")
	assert.Error(t, err)

	unknownKey := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknownKey, []byte("sources:\n  enabeld: [disk]\n"), 0644))
	_, err = Load(unknownKey, "")
	assert.Error(t, err, "misspelled keys are rejected")

	_, err = Load("", filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GPUDOCTOR_MEMORY_USED_RATIO=0.9\nGPUDOCTOR_NEAR_ZERO_UTIL_PERCENT=2\n"), 0644))
	// Already-set variables win over the file.
	t.Setenv("GPUDOCTOR_NEAR_ZERO_UTIL_PERCENT", "3")
	// godotenv sets variables process-wide.
	t.Cleanup(func() { os.Unsetenv("GPUDOCTOR_MEMORY_USED_RATIO") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, 3.0, cfg.Rules.LowUtilization.NearZeroPercent)
	assert.Equal(t, 0.9, cfg.Rules.Memory.UsedRatio)
}
