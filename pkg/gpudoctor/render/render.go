// Package render prints a report as terminal tables.
package render

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

const (
	notAvailable = "N/A"

	commandWidth        = 20
	verboseCommandWidth = 75
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	throttleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	noteStyle     = lipgloss.NewStyle().Faint(true)
)

// Options controls how much of a report is shown.
type Options struct {
	// Verbose adds throttle reasons, the full availability table, and
	// finding evidence.
	Verbose bool
}

// Report writes a one-line machine summary, every configured source's
// section, and then findings.
func Report(w io.Writer, r *types.Report, opts Options) error {
	s := &r.Snapshot
	sections := []string{summary(s)}

	if configured(s, types.SourceAccelerator) {
		sections = append(sections, accelerators(s, opts))
	}
	if configured(s, types.SourceProcessCompute) {
		sections = append(sections, processes(s, opts))
	}
	if configured(s, types.SourceHostMemory) {
		sections = append(sections, hostMemory(s))
	}
	if configured(s, types.SourceDisk) {
		sections = append(sections, hostCPU(s), disks(s))
	}
	if configured(s, types.SourceNetwork) {
		sections = append(sections, networks(s))
	}
	sections = append(sections, availability(s, opts))
	sections = append(sections, findings(r.Findings, opts))

	var out []string
	for _, section := range sections {
		if section != "" {
			out = append(out, section)
		}
	}
	_, err := io.WriteString(w, strings.Join(out, "\n\n")+"\n")
	return err
}

func configured(s *types.Snapshot, src types.MetricSource) bool {
	_, ok := s.Availability[src]
	return ok
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func unavailableNote(s *types.Snapshot, src types.MetricSource) string {
	a := s.AvailabilityOf(src)
	if a.Usable() {
		return ""
	}
	return noteStyle.Render(sourceNote(src, a))
}

func sourceNote(src types.MetricSource, a types.SourceAvailability) string {
	if a.Reason == "" {
		return fmt.Sprintf("%s %s", src, a)
	}
	return fmt.Sprintf("%s %s: %s", src, a, a.Reason)
}

// summary names the driver, the logical CPU count and total RAM. Parts whose
// source is missing are left out.
func summary(s *types.Snapshot) string {
	var parts []string
	for _, m := range s.Accelerators {
		if m.DriverVersion != "" {
			parts = append(parts, "Driver Version "+m.DriverVersion)
			break
		}
	}
	if s.CPU != nil && s.CPU.Count.IsKnown() {
		parts = append(parts, "CPUs "+withUnit(s.CPU.Count, "", 0))
	}
	if s.HostMemory != nil && s.HostMemory.TotalBytes.IsKnown() {
		parts = append(parts, "RAM "+byteSize(s.HostMemory.TotalBytes))
	}
	return strings.Join(parts, " | ")
}

func accelerators(s *types.Snapshot, opts Options) string {
	if note := unavailableNote(s, types.SourceAccelerator); note != "" {
		return note
	}
	if len(s.Accelerators) == 0 {
		return "No accelerators found"
	}

	headers := []string{"IDX", "NAME", "TEMP", "POWER", "UTILIZATIONS", "MEMORY", "CLOCK"}
	if opts.Verbose {
		headers = append(headers, "CAP", "DISPLAY", "FAN", "PROCESSES")
	}
	t := newTable(headers...)

	pids := map[int][]string{}
	for _, p := range s.Processes {
		pids[p.DeviceIndex] = append(pids[p.DeviceIndex], strconv.Itoa(p.PID))
	}

	var throttled []string
	for _, m := range s.Accelerators {
		row := []string{
			strconv.Itoa(m.Index),
			m.Name,
			withUnit(m.TemperatureC, "°C", 0),
			withUnit(m.PowerDrawWatts, "W", 0) + "/" + withUnit(m.PowerLimitWatts, "W", 0),
			"GPU " + withUnit(m.UtilizationPercent, "%", 0) + " VRAM " + withUnit(m.MemoryUtilizationPercent, "%", 0),
			byteSize(m.MemoryUsedBytes) + "/" + byteSize(m.MemoryTotalBytes),
			withUnit(m.ClockMHz, "MHz", 0) + "/" + withUnit(m.MaxClockMHz, "MHz", 0),
		}
		if opts.Verbose {
			row = append(row, orNA(m.ComputeCapability), orNA(m.DisplayMode), withUnit(m.FanPercent, "%", 0), strings.Join(pids[m.Index], ","))
		}
		t.Row(row...)

		if len(m.ThrottleReasons) > 0 {
			throttled = append(throttled, throttleStyle.Render(
				fmt.Sprintf("GPU %d is throttling due to: %s", m.Index, strings.Join(m.ThrottleReasons, ", "))))
		}
	}

	out := t.String()
	if opts.Verbose && len(throttled) > 0 {
		out += "\n" + strings.Join(throttled, "\n")
	}
	return out
}

func processes(s *types.Snapshot, opts Options) string {
	note := unavailableNote(s, types.SourceProcessCompute)
	if note != "" && len(s.Processes) == 0 {
		return note
	}
	if len(s.Processes) == 0 {
		return "No compute processes running on GPU"
	}

	width := commandWidth
	if opts.Verbose {
		width = verboseCommandWidth
	}

	t := newTable("PID", "GPU", "USER", "UTILIZATIONS", "VRAM", "ELAPSED", "COMMAND")
	for _, p := range s.Processes {
		gpu := strconv.Itoa(p.DeviceIndex)
		if p.DeviceUnresolved {
			gpu = notAvailable
		}
		command := p.Command
		if command == "" {
			command = p.Name
		}
		user := p.User
		if p.OSMetricsUnavailable {
			user = notAvailable
		}
		t.Row(
			strconv.Itoa(p.PID),
			gpu,
			user,
			"CPU "+withUnit(p.CPUPercent, "%", 1)+" RAM "+withUnit(p.MemoryPercent, "%", 1),
			byteSize(p.AcceleratorMemoryBytes),
			elapsed(p.ElapsedSeconds),
			truncate(command, width),
		)
	}

	out := t.String()
	if note := degradedNote(s, types.SourceProcessCompute); note != "" {
		out += "\n" + note
	}
	return out
}

func hostMemory(s *types.Snapshot) string {
	if note := unavailableNote(s, types.SourceHostMemory); note != "" {
		return note
	}
	m := s.HostMemory
	if m == nil {
		return ""
	}
	return fmt.Sprintf("RAM %s used / %s total (%s available) | Swap %s / %s",
		byteSize(m.UsedBytes), byteSize(m.TotalBytes), byteSize(m.AvailableBytes),
		byteSize(m.SwapUsedBytes), byteSize(m.SwapTotalBytes))
}

func hostCPU(s *types.Snapshot) string {
	c := s.CPU
	if c == nil {
		return ""
	}
	return fmt.Sprintf("CPU user %s | system %s | iowait %s | steal %s | idle %s",
		withUnit(c.UserPercent, "%", 1), withUnit(c.SystemPercent, "%", 1),
		withUnit(c.IOWaitPercent, "%", 1), withUnit(c.StealPercent, "%", 1),
		withUnit(c.IdlePercent, "%", 1))
}

func disks(s *types.Snapshot) string {
	if note := unavailableNote(s, types.SourceDisk); note != "" {
		return note
	}
	if len(s.Disks) == 0 {
		return "No block devices found"
	}
	t := newTable("DEVICE", "UTIL", "READ", "WRITE", "R/S", "W/S", "QUEUE", "AWAIT")
	for _, d := range s.Disks {
		t.Row(
			d.Device,
			withUnit(d.UtilizationPercent, "%", 1),
			rate(d.ReadBytesPerSec),
			rate(d.WriteBytesPerSec),
			withUnit(d.ReadOpsPerSec, "", 1),
			withUnit(d.WriteOpsPerSec, "", 1),
			withUnit(d.QueueLength, "", 2),
			withUnit(d.AwaitMillis, "ms", 2),
		)
	}
	return t.String()
}

func networks(s *types.Snapshot) string {
	if note := unavailableNote(s, types.SourceNetwork); note != "" {
		return note
	}
	if len(s.Networks) == 0 {
		return "No network interfaces found"
	}
	t := newTable("INTERFACE", "RX", "TX", "UTIL")
	for _, n := range s.Networks {
		t.Row(n.Interface, rate(n.RxBytesPerSec), rate(n.TxBytesPerSec), withUnit(n.UtilizationPercent, "%", 2))
	}
	return t.String()
}

func degradedNote(s *types.Snapshot, src types.MetricSource) string {
	a := s.AvailabilityOf(src)
	if a.State != types.Degraded {
		return ""
	}
	return noteStyle.Render(sourceNote(src, a))
}

// availability lists every configured source in verbose mode and is empty
// otherwise; non-verbose output already notes unusable sources inline.
func availability(s *types.Snapshot, opts Options) string {
	if !opts.Verbose || len(s.Availability) == 0 {
		return ""
	}
	sources := make([]string, 0, len(s.Availability))
	for src := range s.Availability {
		sources = append(sources, string(src))
	}
	sort.Strings(sources)

	t := newTable("SOURCE", "STATE", "KIND", "SKIPPED", "REASON")
	for _, src := range sources {
		a := s.Availability[types.MetricSource(src)]
		t.Row(src, string(a.State), string(a.Kind), strconv.Itoa(a.SkippedRows), a.Reason)
	}
	return t.String()
}

func findings(fs []types.Finding, opts Options) string {
	if len(fs) == 0 {
		return "No bottlenecks detected"
	}
	lines := make([]string, 0, len(fs))
	for _, f := range fs {
		lines = append(lines, fmt.Sprintf("%s %s: %s", severityStyle(f.Severity).Render("["+strings.ToUpper(f.Severity.String())+"]"), f.Label, f.Rationale))
		if !opts.Verbose {
			continue
		}
		for _, e := range f.Evidence {
			lines = append(lines, "    "+e.String())
		}
	}
	return strings.Join(lines, "\n")
}

func severityStyle(s types.Severity) lipgloss.Style {
	switch s {
	case types.SeverityCritical:
		return criticalStyle
	case types.SeverityWarning:
		return warningStyle
	}
	return infoStyle
}

func withUnit(v types.Value, unit string, precision int) string {
	f, ok := v.Get()
	if !ok {
		return notAvailable
	}
	return strconv.FormatFloat(f, 'f', precision, 64) + unit
}

func byteSize(v types.Value) string {
	f, ok := v.Get()
	if !ok || f < 0 {
		return notAvailable
	}
	return humanize.IBytes(uint64(f))
}

func rate(v types.Value) string {
	if !v.IsKnown() {
		return notAvailable
	}
	return byteSize(v) + "/s"
}

func elapsed(v types.Value) string {
	f, ok := v.Get()
	if !ok {
		return notAvailable
	}
	return (time.Duration(f) * time.Second).String()
}

func orNA(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}
