package parser

import (
	"strings"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// SysstatSarDev is the `sar -n DEV <interval> <count>` layout. %ifutil is only
// printed by sysstat 10.1 and later and is optional.
const SysstatSarDev = "sysstat"

type sarDev struct{}

// NewSarDev returns the network interface throughput parser. The "Average:"
// block is preferred; without one the last sample block is used.
func NewSarDev() Parser[types.NetworkMetric] {
	return sarDev{}
}

func (sarDev) Kind() Kind      { return KindNetwork }
func (sarDev) Version() string { return SysstatSarDev }

func (sarDev) Parse(raw []byte) (Result[types.NetworkMetric], error) {
	var res Result[types.NetworkMetric]
	if isBlank(raw) {
		return res, nil
	}

	type block struct {
		average bool
		tail    []string // header tokens from IFACE onwards
		rows    [][]string
		line    []int
	}
	var blocks []*block
	var current *block
	for n, line := range lines(raw) {
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			current = nil
			continue
		}
		if i := indexOf(tokens, "IFACE"); i >= 0 {
			current = &block{average: tokens[0] == "Average:", tail: tokens[i:]}
			blocks = append(blocks, current)
			continue
		}
		if current != nil {
			current.rows = append(current.rows, tokens)
			current.line = append(current.line, n+1)
		}
	}
	if len(blocks) == 0 {
		return res, unsupported(KindNetwork, SysstatSarDev, "no IFACE header found")
	}
	chosen := blocks[len(blocks)-1]
	for _, b := range blocks {
		if b.average {
			chosen = b
		}
	}

	h := wsHeader(chosen.tail)
	for _, need := range []string{"rxkb/s", "txkb/s"} {
		if _, ok := h.lookup(need); !ok {
			return res, unsupported(KindNetwork, SysstatSarDev, "header lacks %s", need)
		}
	}

	seen := make(map[string]int)
	for i, row := range chosen.rows {
		// The time prefix varies ("Average:", "12:00:01", "12:00:01 AM"), so
		// align the row to the header from the right.
		start := len(row) - len(chosen.tail)
		if start < 0 {
			res.skip("line %d: truncated row", chosen.line[i])
			continue
		}
		tail := row[start:]
		value := func(name string, factor float64) types.Value {
			s, ok := h.field(tail, name)
			if !ok {
				return types.Unknown
			}
			return parseScaled(s, factor)
		}
		metric := types.NetworkMetric{
			Interface:          tail[0],
			RxBytesPerSec:      value("rxkb/s", 1024),
			TxBytesPerSec:      value("txkb/s", 1024),
			UtilizationPercent: value("%ifutil", 1),
		}
		if !metric.RxBytesPerSec.IsKnown() && !metric.TxBytesPerSec.IsKnown() {
			res.skip("line %d: no throughput for %s", chosen.line[i], tail[0])
			continue
		}
		if j, dup := seen[metric.Interface]; dup {
			res.Records[j] = metric
			continue
		}
		seen[metric.Interface] = len(res.Records)
		res.Records = append(res.Records, metric)
	}
	return res, nil
}

func indexOf(tokens []string, want string) int {
	for i, t := range tokens {
		if t == want {
			return i
		}
	}
	return -1
}
