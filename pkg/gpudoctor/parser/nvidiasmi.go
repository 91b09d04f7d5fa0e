package parser

import (
	"strconv"
	"strings"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// nvidia-smi format versions. Driver 535 renamed clocks_throttle_reasons.* to
// clocks_event_reasons.* and added the power.draw.{instant,average} fields.
const (
	NvidiaSMICSVv1 = "nvidia-smi-csv-v1"
	NvidiaSMICSVv2 = "nvidia-smi-csv-v2"
)

type nvidiaSMIColumns struct {
	reasons        []string
	foreignReasons []string
	powerDraw      []string
	powerLimit     []string
}

var nvidiaSMIVersions = map[string]nvidiaSMIColumns{
	NvidiaSMICSVv1: {
		reasons:        []string{"clocks_throttle_reasons.active"},
		foreignReasons: []string{"clocks_event_reasons.active"},
		powerDraw:      []string{"power.draw"},
		powerLimit:     []string{"power.limit", "enforced.power.limit"},
	},
	NvidiaSMICSVv2: {
		reasons:        []string{"clocks_event_reasons.active"},
		foreignReasons: []string{"clocks_throttle_reasons.active"},
		powerDraw:      []string{"power.draw.instant", "power.draw", "power.draw.average"},
		powerLimit:     []string{"enforced.power.limit", "power.limit"},
	},
}

var throttleReasonBits = []struct {
	bit  uint64
	name string
}{
	{0x1, types.ThrottleGPUIdle},
	{0x2, types.ThrottleApplicationsClocks},
	{0x4, types.ThrottleSWPowerCap},
	{0x8, types.ThrottleHWSlowdown},
	{0x10, types.ThrottleSyncBoost},
	{0x20, types.ThrottleSWThermalSlowdown},
	{0x40, types.ThrottleHWThermalSlowdown},
	{0x80, types.ThrottleHWPowerBrakeSlowdown},
	{0x100, types.ThrottleDisplayClockSetting},
}

// decodeThrottleReasons expands the hex bitmask nvidia-smi prints for the
// active reasons field. Sentinels and garbage decode to nil.
func decodeThrottleReasons(field string) []string {
	field = strings.ToLower(strings.TrimSpace(field))
	if isSentinel(field) {
		return nil
	}
	mask, err := strconv.ParseUint(strings.TrimPrefix(field, "0x"), 16, 64)
	if err != nil {
		return nil
	}
	var reasons []string
	for _, r := range throttleReasonBits {
		if mask&r.bit != 0 {
			reasons = append(reasons, r.name)
		}
	}
	return reasons
}

type nvidiaSMIDevices struct {
	version string
	cols    nvidiaSMIColumns
}

// NewNvidiaSMIDevices returns the parser for `nvidia-smi --query-gpu=... --format=csv`.
func NewNvidiaSMIDevices(version string) Parser[types.AcceleratorMetric] {
	return &nvidiaSMIDevices{version: version, cols: nvidiaSMIVersions[version]}
}

func (p *nvidiaSMIDevices) Kind() Kind      { return KindAccelerator }
func (p *nvidiaSMIDevices) Version() string { return p.version }

func (p *nvidiaSMIDevices) Parse(raw []byte) (Result[types.AcceleratorMetric], error) {
	var res Result[types.AcceleratorMetric]
	if isBlank(raw) {
		return res, nil
	}

	var h header
	var formatErr error
	csvRows(raw, func(line int, row []string) {
		if formatErr != nil {
			return
		}
		if h == nil {
			h = parseCSVHeader(row)
			if _, ok := h.lookup("index"); !ok {
				formatErr = unsupported(KindAccelerator, p.version, "header has no index column")
			} else if _, ok := h.lookup(p.cols.foreignReasons...); ok {
				formatErr = unsupported(KindAccelerator, p.version, "header uses a different reasons column naming")
			}
			return
		}
		metric, ok := p.record(h, row)
		if !ok {
			res.skip("line %d: no device index in %q", line, strings.Join(row, ", "))
			return
		}
		res.Records = append(res.Records, metric)
	}, func(line int, err error) {
		res.skip("line %d: %v", line, err)
	})
	if formatErr != nil {
		return Result[types.AcceleratorMetric]{}, formatErr
	}
	return res, nil
}

func (p *nvidiaSMIDevices) record(h header, row []string) (types.AcceleratorMetric, bool) {
	raw, _ := h.field(row, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return types.AcceleratorMetric{}, false
	}

	value := func(aliases ...string) types.Value {
		c, ok := h.lookup(aliases...)
		if !ok || c.index >= len(row) {
			return types.Unknown
		}
		return parseValue(row[c.index], c.unit)
	}
	text := func(aliases ...string) string {
		s, _ := h.field(row, aliases...)
		if isSentinel(s) {
			return ""
		}
		return s
	}

	metric := types.AcceleratorMetric{
		Index:                    index,
		UUID:                     text("uuid"),
		Name:                     text("name"),
		DriverVersion:            text("driver_version"),
		ComputeCapability:        text("compute_cap"),
		DisplayMode:              text("display_mode"),
		UtilizationPercent:       value("utilization.gpu"),
		MemoryUtilizationPercent: value("utilization.memory"),
		MemoryUsedBytes:          value("memory.used"),
		MemoryTotalBytes:         value("memory.total"),
		TemperatureC:             value("temperature.gpu"),
		PowerDrawWatts:           value(p.cols.powerDraw...),
		PowerLimitWatts:          value(p.cols.powerLimit...),
		ClockMHz:                 value("clocks.sm", "clocks.current.sm"),
		MaxClockMHz:              value("clocks.max.sm", "clocks.max.sm_clock"),
		FanPercent:               value("fan.speed"),
	}
	if s, ok := h.field(row, p.cols.reasons...); ok {
		metric.ThrottleReasons = decodeThrottleReasons(s)
	}
	return metric, true
}

type nvidiaSMIProcesses struct {
	version string
}

// NewNvidiaSMIProcesses returns the parser for
// `nvidia-smi --query-compute-apps=gpu_uuid,pid,process_name,used_memory --format=csv`.
// Both csv versions share the compute-apps columns.
func NewNvidiaSMIProcesses(version string) Parser[AcceleratorProcess] {
	return &nvidiaSMIProcesses{version: version}
}

func (p *nvidiaSMIProcesses) Kind() Kind      { return KindAcceleratorProcesses }
func (p *nvidiaSMIProcesses) Version() string { return p.version }

func (p *nvidiaSMIProcesses) Parse(raw []byte) (Result[AcceleratorProcess], error) {
	var res Result[AcceleratorProcess]
	if isBlank(raw) {
		return res, nil
	}

	var h header
	var formatErr error
	csvRows(raw, func(line int, row []string) {
		if formatErr != nil {
			return
		}
		if h == nil {
			h = parseCSVHeader(row)
			if _, ok := h.lookup("pid"); !ok {
				formatErr = unsupported(KindAcceleratorProcesses, p.version, "header has no pid column")
			}
			return
		}
		// Older drivers print a notice row instead of an empty table.
		if len(row) == 1 && strings.HasPrefix(strings.ToLower(row[0]), "no running") {
			return
		}
		rawPID, _ := h.field(row, "pid")
		pid, err := strconv.Atoi(rawPID)
		if err != nil || pid <= 0 {
			res.skip("line %d: bad pid %q", line, rawPID)
			return
		}
		proc := AcceleratorProcess{PID: pid}
		if s, ok := h.field(row, "gpu_uuid"); ok && !isSentinel(s) {
			proc.DeviceUUID = s
		}
		if s, ok := h.field(row, "process_name", "name"); ok && !isSentinel(s) {
			proc.Name = s
		}
		if c, ok := h.lookup("used_gpu_memory", "used_memory"); ok && c.index < len(row) {
			proc.UsedMemoryBytes = parseValue(row[c.index], c.unit)
		}
		res.Records = append(res.Records, proc)
	}, func(line int, err error) {
		res.skip("line %d: %v", line, err)
	})
	if formatErr != nil {
		return Result[AcceleratorProcess]{}, formatErr
	}
	return res, nil
}
