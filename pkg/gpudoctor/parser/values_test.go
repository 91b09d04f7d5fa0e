package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		headerUnit string
		expected   types.Value
	}{
		{name: "bare number", field: "42", expected: types.Known(42)},
		{name: "zero is known", field: "0", expected: types.Known(0)},
		{name: "inline percent", field: "45 %", headerUnit: "%", expected: types.Known(45)},
		{name: "inline MiB", field: "2 MiB", headerUnit: "MiB", expected: types.Known(2 << 20)},
		{name: "header MiB", field: "2", headerUnit: "MiB", expected: types.Known(2 << 20)},
		{name: "watts", field: "250.50 W", headerUnit: "W", expected: types.Known(250.5)},
		{name: "N/A", field: "N/A", expected: types.Unknown},
		{name: "bracketed N/A", field: "[N/A]", headerUnit: "W", expected: types.Unknown},
		{name: "not supported", field: "[Not Supported]", expected: types.Unknown},
		{name: "permissions", field: "[Insufficient Permissions]", expected: types.Unknown},
		{name: "garbage", field: "abc", expected: types.Unknown},
		{name: "nan", field: "nan", expected: types.Unknown},
		{name: "NaN with unit", field: "NaN %", headerUnit: "%", expected: types.Unknown},
		{name: "inf", field: "inf", expected: types.Unknown},
		{name: "signed Inf", field: "+Inf W", expected: types.Unknown},
		{name: "empty", field: "", expected: types.Unknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseValue(tc.field, tc.headerUnit))
		})
	}
}

func TestParseElapsed(t *testing.T) {
	tests := map[string]types.Value{
		"05":         types.Known(5),
		"01:05":      types.Known(65),
		"01:00:05":   types.Known(3605),
		"2-00:00:01": types.Known(2*86400 + 1),
		"3600":       types.Known(3600),
		"-":          types.Unknown,
		"1:x":        types.Unknown,
		"nan":        types.Unknown,
		"inf-00:01":  types.Unknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseElapsed(in), "parseElapsed(%q)", in)
	}
}

func TestParseScaledRejectsNonFinite(t *testing.T) {
	assert.Equal(t, types.Known(2048), parseScaled("2", 1024))
	for _, field := range []string{"nan", "-nan", "inf", "-Inf", "Infinity"} {
		assert.Equal(t, types.Unknown, parseScaled(field, 1), "parseScaled(%q)", field)
	}
}

func TestParseDisksWithNaNSerialise(t *testing.T) {
	raw := []byte(`Device            r/s     rkB/s   r_await     w/s     wkB/s   w_await  aqu-sz  %util
nvme0n1          0.00      0.00      nan    0.00      0.00      nan    0.00    nan
`)
	p, err := NewRegistry().Disk(Sysstat12)
	require.NoError(t, err)
	res, err := p.Parse(raw)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Zero(t, res.Skipped)

	disk := res.Records[0]
	assert.False(t, disk.UtilizationPercent.IsKnown())
	assert.False(t, disk.AwaitMillis.IsKnown())
	assert.Equal(t, types.Known(0), disk.ReadOpsPerSec)

	data, err := json.Marshal(disk)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"utilizationPercent":null`)

	var back types.DiskMetric
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, disk, back)
}

func TestDecodeThrottleReasons(t *testing.T) {
	assert.Nil(t, decodeThrottleReasons("0x0000000000000000"))
	assert.Nil(t, decodeThrottleReasons("[N/A]"))
	assert.Nil(t, decodeThrottleReasons("zz"))
	assert.Equal(t,
		[]string{types.ThrottleSWPowerCap, types.ThrottleHWSlowdown, types.ThrottleHWThermalSlowdown},
		decodeThrottleReasons("0x000000000000004C"))
}
