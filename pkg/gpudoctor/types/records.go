package types

// AcceleratorMetric is one physical device's reading. Memory is in bytes,
// temperature in degrees Celsius, power in watts and clocks in MHz.
type AcceleratorMetric struct {
	Index                    int      `json:"index"`
	UUID                     string   `json:"uuid,omitempty"`
	Name                     string   `json:"name,omitempty"`
	DriverVersion            string   `json:"driverVersion,omitempty"`
	ComputeCapability        string   `json:"computeCapability,omitempty"`
	DisplayMode              string   `json:"displayMode,omitempty"`
	UtilizationPercent       Value    `json:"utilizationPercent"`
	MemoryUtilizationPercent Value    `json:"memoryUtilizationPercent"`
	MemoryUsedBytes          Value    `json:"memoryUsedBytes"`
	MemoryTotalBytes         Value    `json:"memoryTotalBytes"`
	TemperatureC             Value    `json:"temperatureC"`
	PowerDrawWatts           Value    `json:"powerDrawWatts"`
	PowerLimitWatts          Value    `json:"powerLimitWatts"`
	ClockMHz                 Value    `json:"clockMHz"`
	MaxClockMHz              Value    `json:"maxClockMHz"`
	FanPercent               Value    `json:"fanPercent"`
	ThrottleReasons          []string `json:"throttleReasons,omitempty"`
}

// MemoryUsedRatio returns used/total when both are known and total is positive.
func (m AcceleratorMetric) MemoryUsedRatio() Value {
	used, ok := m.MemoryUsedBytes.Get()
	if !ok {
		return Unknown
	}
	total, ok := m.MemoryTotalBytes.Get()
	if !ok || total <= 0 {
		return Unknown
	}
	return Known(used / total)
}

// HasThrottleReason reports whether the device lists reason as active.
func (m AcceleratorMetric) HasThrottleReason(reason string) bool {
	for _, r := range m.ThrottleReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Correlation records which sides of the process join contributed to a
// ComputeProcess.
type Correlation string

const (
	CorrelatedBoth            Correlation = "both"
	CorrelatedAcceleratorOnly Correlation = "accelerator-only"
)

// ComputeProcess is an OS process holding an accelerator context, with
// accelerator-side and OS-side attributes merged on process id.
type ComputeProcess struct {
	PID int `json:"pid"`
	// DeviceIndex is -1 when DeviceUnresolved is set.
	DeviceIndex            int         `json:"deviceIndex"`
	DeviceUUID             string      `json:"deviceUUID,omitempty"`
	Name                   string      `json:"name,omitempty"`
	AcceleratorMemoryBytes Value       `json:"acceleratorMemoryBytes"`
	CPUPercent             Value       `json:"cpuPercent"`
	MemoryPercent          Value       `json:"memoryPercent"`
	ResidentBytes          Value       `json:"residentBytes"`
	ElapsedSeconds         Value       `json:"elapsedSeconds"`
	User                   string      `json:"user,omitempty"`
	Command                string      `json:"command,omitempty"`
	Correlation            Correlation `json:"correlation"`
	OSMetricsUnavailable   bool        `json:"os-metrics-unavailable"`
	DeviceUnresolved       bool        `json:"device-unresolved,omitempty"`
}

// DiskMetric is one block device's throughput over the sampling interval.
type DiskMetric struct {
	Device             string `json:"device"`
	ReadBytesPerSec    Value  `json:"readBytesPerSec"`
	WriteBytesPerSec   Value  `json:"writeBytesPerSec"`
	ReadOpsPerSec      Value  `json:"readOpsPerSec"`
	WriteOpsPerSec     Value  `json:"writeOpsPerSec"`
	UtilizationPercent Value  `json:"utilizationPercent"`
	QueueLength        Value  `json:"queueLength"`
	AwaitMillis        Value  `json:"awaitMillis"`
}

// NetworkMetric is one interface's throughput over the sampling interval.
type NetworkMetric struct {
	Interface          string `json:"interface"`
	RxBytesPerSec      Value  `json:"rxBytesPerSec"`
	TxBytesPerSec      Value  `json:"txBytesPerSec"`
	UtilizationPercent Value  `json:"utilizationPercent"`
}

// CPUMetric is the host-wide CPU time split from iostat's avg-cpu report,
// plus the logical CPU count from its banner.
type CPUMetric struct {
	Count         Value `json:"count"`
	UserPercent   Value `json:"userPercent"`
	SystemPercent Value `json:"systemPercent"`
	IOWaitPercent Value `json:"iowaitPercent"`
	StealPercent  Value `json:"stealPercent"`
	IdlePercent   Value `json:"idlePercent"`
}

// HostMemoryMetric is the host RAM and swap picture.
type HostMemoryMetric struct {
	TotalBytes     Value `json:"totalBytes"`
	UsedBytes      Value `json:"usedBytes"`
	AvailableBytes Value `json:"availableBytes"`
	SwapTotalBytes Value `json:"swapTotalBytes"`
	SwapUsedBytes  Value `json:"swapUsedBytes"`
}

// AvailableRatio returns available/total when both are known.
func (m HostMemoryMetric) AvailableRatio() Value {
	avail, ok := m.AvailableBytes.Get()
	if !ok {
		return Unknown
	}
	total, ok := m.TotalBytes.Get()
	if !ok || total <= 0 {
		return Unknown
	}
	return Known(avail / total)
}

// Throttle reasons reported by the accelerator's active clock event mask.
const (
	ThrottleGPUIdle              = "gpu_idle"
	ThrottleApplicationsClocks   = "applications_clocks_setting"
	ThrottleSWPowerCap           = "sw_power_cap"
	ThrottleHWSlowdown           = "hw_slowdown"
	ThrottleSyncBoost            = "sync_boost"
	ThrottleSWThermalSlowdown    = "sw_thermal_slowdown"
	ThrottleHWThermalSlowdown    = "hw_thermal_slowdown"
	ThrottleHWPowerBrakeSlowdown = "hw_power_brake_slowdown"
	ThrottleDisplayClockSetting  = "display_clock_setting"
)
