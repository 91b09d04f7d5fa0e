package parser

import (
	"math"
	"strconv"
	"strings"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// sentinels are the "no reading" spellings used by hardware query tools.
var sentinels = map[string]bool{
	"":                           true,
	"-":                          true,
	"n/a":                        true,
	"[n/a]":                      true,
	"not supported":              true,
	"[not supported]":            true,
	"unknown error":              true,
	"[unknown error]":            true,
	"insufficient permissions":   true,
	"[insufficient permissions]": true,
	"err!":                       true,
	"[gpu requires reset]":       true,
	"not active":                 true,
	"[not found]":                true,
}

// isSentinel reports whether s spells an absent reading.
func isSentinel(s string) bool {
	return sentinels[strings.ToLower(strings.TrimSpace(s))]
}

// parseFloat parses a finite number. Tools print nan or inf when a counter
// could not be sampled; those are missing readings.
func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// unitFactors normalise sizes to bytes. Percent, watts, MHz and degrees are
// already in their canonical unit and map to 1.
var unitFactors = map[string]float64{
	"":     1,
	"%":    1,
	"w":    1,
	"mhz":  1,
	"c":    1,
	"b":    1,
	"kib":  1 << 10,
	"mib":  1 << 20,
	"gib":  1 << 30,
	"kb":   1 << 10,
	"mb":   1 << 20,
	"gb":   1 << 30,
	"kb/s": 1 << 10,
	"mb/s": 1 << 20,
}

// parseValue parses a numeric field, tolerating a trailing unit ("45 %",
// "1024 MiB") and converting it with the unit from the value or, failing that,
// from headerUnit. Sentinels and unparseable text yield types.Unknown.
func parseValue(field, headerUnit string) types.Value {
	field = strings.TrimSpace(field)
	if isSentinel(field) {
		return types.Unknown
	}
	number, unit := field, headerUnit
	if i := strings.IndexByte(field, ' '); i > 0 {
		number, unit = field[:i], strings.TrimSpace(field[i+1:])
	}
	f, ok := parseFloat(number)
	if !ok {
		return types.Unknown
	}
	factor, ok := unitFactors[strings.ToLower(unit)]
	if !ok {
		factor = 1
	}
	return types.Known(f * factor)
}

// parseScaled parses a bare number and multiplies it by factor.
func parseScaled(field string, factor float64) types.Value {
	field = strings.TrimSpace(field)
	if isSentinel(field) {
		return types.Unknown
	}
	f, ok := parseFloat(field)
	if !ok {
		return types.Unknown
	}
	return types.Known(f * factor)
}

// parseElapsed parses ps etime ([[dd-]hh:]mm:ss) or etimes (seconds) output.
func parseElapsed(field string) types.Value {
	field = strings.TrimSpace(field)
	if isSentinel(field) {
		return types.Unknown
	}
	var days float64
	if d, rest, found := strings.Cut(field, "-"); found {
		n, ok := parseFloat(d)
		if !ok {
			return types.Unknown
		}
		days, field = n, rest
	}
	var seconds float64
	for _, part := range strings.Split(field, ":") {
		n, ok := parseFloat(part)
		if !ok {
			return types.Unknown
		}
		seconds = seconds*60 + n
	}
	return types.Known(days*86400 + seconds)
}
