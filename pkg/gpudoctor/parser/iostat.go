package parser

import (
	"strconv"
	"strings"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// sysstat iostat -xk layouts. sysstat 12 dropped await and avgqu-sz in
// favour of per-direction r_await/w_await and aqu-sz, and reordered columns.
const (
	Sysstat10 = "sysstat-10"
	Sysstat12 = "sysstat-12"
)

type iostatColumns struct {
	// signature must be present in the header for this version to apply.
	signature string
	queue     string
}

var iostatVersions = map[string]iostatColumns{
	Sysstat10: {signature: "avgqu-sz", queue: "avgqu-sz"},
	Sysstat12: {signature: "aqu-sz", queue: "aqu-sz"},
}

type iostatExtended struct {
	version string
	cols    iostatColumns
}

// NewIostatExtended returns the parser for `iostat -xk <interval> <count>`.
// When the output holds several reports the last one is used; the first
// report covers the time since boot.
func NewIostatExtended(version string) Parser[types.DiskMetric] {
	return &iostatExtended{version: version, cols: iostatVersions[version]}
}

func (p *iostatExtended) Kind() Kind      { return KindDisk }
func (p *iostatExtended) Version() string { return p.version }

func (p *iostatExtended) Parse(raw []byte) (Result[types.DiskMetric], error) {
	var res Result[types.DiskMetric]
	if isBlank(raw) {
		return res, nil
	}

	type report struct {
		h    header
		rows [][]string
		line []int
	}
	var reports []*report
	var current *report
	for n, line := range lines(raw) {
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			current = nil
			continue
		}
		if strings.TrimSuffix(tokens[0], ":") == "Device" {
			current = &report{h: wsHeader(tokens)}
			reports = append(reports, current)
			continue
		}
		if current != nil {
			current.rows = append(current.rows, tokens)
			current.line = append(current.line, n+1)
		}
	}
	if len(reports) == 0 {
		return res, unsupported(KindDisk, p.version, "no Device header found")
	}
	last := reports[len(reports)-1]
	if _, ok := last.h.lookup(p.cols.signature); !ok {
		return res, unsupported(KindDisk, p.version, "header lacks %s", p.cols.signature)
	}

	for i, row := range last.rows {
		if len(row) < 2 {
			res.skip("line %d: truncated row", last.line[i])
			continue
		}
		disk, ok := p.record(last.h, row)
		if !ok {
			res.skip("line %d: no numeric fields for %s", last.line[i], row[0])
			continue
		}
		res.Records = append(res.Records, disk)
	}
	return res, nil
}

func (p *iostatExtended) record(h header, row []string) (types.DiskMetric, bool) {
	value := func(name string, factor float64) types.Value {
		s, ok := h.field(row, name)
		if !ok {
			return types.Unknown
		}
		return parseScaled(s, factor)
	}
	disk := types.DiskMetric{
		Device:             row[0],
		ReadOpsPerSec:      value("r/s", 1),
		WriteOpsPerSec:     value("w/s", 1),
		ReadBytesPerSec:    value("rkb/s", 1024),
		WriteBytesPerSec:   value("wkb/s", 1024),
		UtilizationPercent: value("%util", 1),
		QueueLength:        value(p.cols.queue, 1),
	}
	if p.version == Sysstat10 {
		disk.AwaitMillis = value("await", 1)
	} else {
		disk.AwaitMillis = weightedAwait(disk.ReadOpsPerSec, value("r_await", 1), disk.WriteOpsPerSec, value("w_await", 1))
	}
	if !disk.ReadOpsPerSec.IsKnown() && !disk.WriteOpsPerSec.IsKnown() && !disk.UtilizationPercent.IsKnown() {
		return types.DiskMetric{}, false
	}
	return disk, true
}

// weightedAwait recombines per-direction latencies into the single await
// figure older sysstat printed.
func weightedAwait(reads, readAwait, writes, writeAwait types.Value) types.Value {
	r, okR := reads.Get()
	ra, okRA := readAwait.Get()
	w, okW := writes.Get()
	wa, okWA := writeAwait.Get()
	if !okR || !okRA || !okW || !okWA {
		return types.Unknown
	}
	if r+w == 0 {
		return types.Known(0)
	}
	return types.Known((r*ra + w*wa) / (r + w))
}

type iostatCPU struct {
	version string
}

// NewIostatCPU returns the parser for the avg-cpu report iostat prints unless
// -d is given. The logical CPU count is read from the banner. Output without
// an avg-cpu report parses to no records.
func NewIostatCPU(version string) Parser[types.CPUMetric] {
	return &iostatCPU{version: version}
}

func (p *iostatCPU) Kind() Kind      { return KindCPU }
func (p *iostatCPU) Version() string { return p.version }

func (p *iostatCPU) Parse(raw []byte) (Result[types.CPUMetric], error) {
	var res Result[types.CPUMetric]
	if isBlank(raw) {
		return res, nil
	}

	count := types.Unknown
	var h header
	var last *types.CPUMetric
	for n, line := range lines(raw) {
		tokens := strings.Fields(line)
		switch {
		case len(tokens) == 0:
			h = nil
		case tokens[0] == "avg-cpu:":
			h = wsHeader(tokens[1:])
		case h != nil:
			if len(tokens) != len(h) {
				res.skip("line %d: %d fields for %d avg-cpu columns", n+1, len(tokens), len(h))
			} else {
				m := cpuRecord(h, tokens)
				last = &m
			}
			h = nil
		case !count.IsKnown():
			count = bannerCPUCount(tokens)
		}
	}
	// The last report covers the sampling interval.
	if last != nil {
		last.Count = count
		res.Records = append(res.Records, *last)
	}
	return res, nil
}

func cpuRecord(h header, row []string) types.CPUMetric {
	value := func(name string) types.Value {
		s, ok := h.field(row, name)
		if !ok {
			return types.Unknown
		}
		return parseScaled(s, 1)
	}
	return types.CPUMetric{
		UserPercent:   value("%user"),
		SystemPercent: value("%system"),
		IOWaitPercent: value("%iowait"),
		StealPercent:  value("%steal"),
		IdlePercent:   value("%idle"),
	}
}

// bannerCPUCount reads the "(32 CPU)" suffix of the sysstat banner.
func bannerCPUCount(tokens []string) types.Value {
	for i := 1; i < len(tokens); i++ {
		if tokens[i] != "CPU)" || !strings.HasPrefix(tokens[i-1], "(") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(tokens[i-1], "(")); err == nil && n > 0 {
			return types.Known(float64(n))
		}
	}
	return types.Unknown
}
