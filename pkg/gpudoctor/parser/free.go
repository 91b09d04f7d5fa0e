package parser

import (
	"strings"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// procps `free -b` layouts. procps-ng 3.3.10 replaced the buffers and cached
// columns with buff/cache and available and dropped the -/+ buffers/cache row.
const (
	ProcpsFreeLegacy = "procps-legacy"
	ProcpsFree3310   = "procps-3.3.10"
)

type freeBytes struct {
	version string
}

// NewFreeBytes returns the host memory parser for `free -b`.
func NewFreeBytes(version string) Parser[types.HostMemoryMetric] {
	return &freeBytes{version: version}
}

func (p *freeBytes) Kind() Kind      { return KindHostMemory }
func (p *freeBytes) Version() string { return p.version }

func (p *freeBytes) Parse(raw []byte) (Result[types.HostMemoryMetric], error) {
	var res Result[types.HostMemoryMetric]
	if isBlank(raw) {
		return res, nil
	}

	var h header
	var mem, swap, adjusted []string
	for n, line := range lines(raw) {
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		if h == nil {
			if tokens[0] != "total" {
				return res, unsupported(KindHostMemory, p.version, "first line is not a free header")
			}
			h = wsHeader(tokens)
			if err := p.checkHeader(h); err != nil {
				return res, err
			}
			continue
		}
		switch {
		case tokens[0] == "Mem:":
			mem = tokens[1:]
		case tokens[0] == "Swap:":
			swap = tokens[1:]
		case tokens[0] == "-/+" && len(tokens) >= 3:
			adjusted = tokens[2:]
		default:
			res.skip("line %d: unexpected row %q", n+1, tokens[0])
		}
	}
	if h == nil {
		return res, unsupported(KindHostMemory, p.version, "no header")
	}

	field := func(row []string, name string) types.Value {
		s, ok := h.field(row, name)
		if !ok {
			return types.Unknown
		}
		return parseScaled(s, 1)
	}

	if mem == nil {
		return res, nil
	}
	metric := types.HostMemoryMetric{
		TotalBytes: field(mem, "total"),
		UsedBytes:  field(mem, "used"),
	}
	if !metric.TotalBytes.IsKnown() {
		res.skip("Mem row has no total")
		return res, nil
	}
	if p.version == ProcpsFree3310 {
		metric.AvailableBytes = field(mem, "available")
	} else {
		metric.AvailableBytes = legacyAvailable(field(mem, "free"), field(mem, "buffers"), field(mem, "cached"))
		// The -/+ row holds used and free net of buffers and cache.
		if len(adjusted) >= 2 {
			metric.UsedBytes = parseScaled(adjusted[0], 1)
			metric.AvailableBytes = parseScaled(adjusted[1], 1)
		}
	}
	if swap != nil {
		metric.SwapTotalBytes = field(swap, "total")
		metric.SwapUsedBytes = field(swap, "used")
	}
	res.Records = append(res.Records, metric)
	return res, nil
}

func (p *freeBytes) checkHeader(h header) error {
	switch p.version {
	case ProcpsFree3310:
		if _, ok := h.lookup("available"); !ok {
			return unsupported(KindHostMemory, p.version, "header lacks available")
		}
	default:
		for _, need := range []string{"buffers", "cached"} {
			if _, ok := h.lookup(need); !ok {
				return unsupported(KindHostMemory, p.version, "header lacks %s", need)
			}
		}
	}
	return nil
}

func legacyAvailable(free, buffers, cached types.Value) types.Value {
	f, ok1 := free.Get()
	b, ok2 := buffers.Get()
	c, ok3 := cached.Get()
	if !ok1 || !ok2 || !ok3 {
		return types.Unknown
	}
	return types.Known(f + b + c)
}
