package types

import (
	"encoding/json"
	"fmt"
)

// Label names a bottleneck class. The set is closed but extensible: new rules
// add new labels.
type Label string

const (
	LabelThermalThrottling      Label = "thermal-throttling"
	LabelPowerCapped            Label = "power-capped"
	LabelMemoryPressure         Label = "memory-pressure"
	LabelHostMemoryPressure     Label = "host-memory-pressure"
	LabelDiskBound              Label = "disk-bound"
	LabelNetworkBound           Label = "network-bound"
	LabelLowUtilizationWithProc Label = "low-utilization-with-process"
)

// Severity is ordered: Info < Warning < Critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", str)
	}
	return nil
}

// Evidence is one metric value that contributed to a Finding, copied by value
// so the Finding outlives its Snapshot.
type Evidence struct {
	Subject string  `json:"subject"`
	Metric  string  `json:"metric"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit,omitempty"`
}

func (e Evidence) String() string {
	return fmt.Sprintf("%s %s=%g%s", e.Subject, e.Metric, e.Value, e.Unit)
}

// Finding is a labeled, severity-ranked diagnostic conclusion.
type Finding struct {
	Label     Label          `json:"label"`
	Severity  Severity       `json:"severity"`
	Rationale string         `json:"rationale"`
	Sources   []MetricSource `json:"sources"`
	// Devices lists the accelerator indices the finding refers to, if any.
	Devices  []int      `json:"devices,omitempty"`
	Evidence []Evidence `json:"evidence"`
}

// Report is the single outbound product of one invocation cycle.
type Report struct {
	Snapshot Snapshot  `json:"snapshot"`
	Findings []Finding `json:"findings"`
}
