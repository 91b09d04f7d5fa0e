package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		wantErr     bool
		errContains []string
	}{
		{
			name:   "defaults",
			modify: func(*Config) {},
		},
		{
			name: "unknown source",
			modify: func(c *Config) {
				c.Sources.Enabled = append(c.Sources.Enabled, "gpu")
			},
			wantErr:     true,
			errContains: []string{`unknown metric source "gpu"`},
		},
		{
			name: "unknown format version",
			modify: func(c *Config) {
				c.Sources.FormatVersions = map[string]string{"disk": "sysstat-99"}
			},
			wantErr:     true,
			errContains: []string{`unknown disk format version "sysstat-99"`},
		},
		{
			name: "cpu follows the disk version",
			modify: func(c *Config) {
				c.Sources.FormatVersions = map[string]string{"cpu": "sysstat-12"}
			},
			wantErr:     true,
			errContains: []string{`unknown parser kind "cpu"`},
		},
		{
			name: "negative retention",
			modify: func(c *Config) {
				c.Output.Retention = -time.Hour
			},
			wantErr:     true,
			errContains: []string{"retention must not be negative"},
		},
		{
			name: "unknown parser kind",
			modify: func(c *Config) {
				c.Sources.FormatVersions = map[string]string{"gpu": "x"}
			},
			wantErr:     true,
			errContains: []string{`unknown parser kind "gpu"`},
		},
		{
			name: "conflicting output formats",
			modify: func(c *Config) {
				c.Output.JSON = true
				c.Output.Prometheus = true
			},
			wantErr:     true,
			errContains: []string{"mutually exclusive"},
		},
		{
			name: "every problem is reported",
			modify: func(c *Config) {
				c.Sources.Timeout = 0
				c.Rules.Memory.UsedRatio = 1.5
				c.Rules.Disk.UtilizationPercent = 0
			},
			wantErr: true,
			errContains: []string{
				"default probe timeout must be positive",
				"memory used ratio must be in (0, 1]",
				"disk utilization threshold must be in (0, 100]",
			},
		},
		{
			name: "non-positive boost clock",
			modify: func(c *Config) {
				c.Rules.Thermal.BoostClockMHz = map[int]float64{3: 0}
			},
			wantErr:     true,
			errContains: []string{"boost clock for device 3"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.modify(cfg)
			err := cfg.Validate()
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tc.errContains {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not contain %q", err.Error(), want)
				}
			}
		})
	}
}

func TestSetRuleEnabled(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.SetRuleEnabled(types.LabelDiskBound, false))
	require.NoError(t, cfg.SetRuleEnabled(types.LabelPowerCapped, false))
	assert.False(t, cfg.Rules.Disk.Enabled)
	assert.False(t, cfg.Rules.Power.Enabled)
	assert.True(t, cfg.Rules.Thermal.Enabled)

	assert.Error(t, cfg.SetRuleEnabled("gpu-on-fire", false))
}
