package types

import "fmt"

// MetricSource identifies the provenance of a record and the unit of
// availability tracking.
type MetricSource string

const (
	SourceAccelerator    MetricSource = "accelerator"
	SourceProcessCompute MetricSource = "process-compute"
	SourceDisk           MetricSource = "disk"
	SourceNetwork        MetricSource = "network"
	SourceHostMemory     MetricSource = "host-memory"
)

// AllSources lists every known source in presentation order.
var AllSources = []MetricSource{
	SourceAccelerator,
	SourceProcessCompute,
	SourceDisk,
	SourceNetwork,
	SourceHostMemory,
}

// ParseMetricSource converts a configuration string into a MetricSource.
func ParseMetricSource(s string) (MetricSource, error) {
	for _, src := range AllSources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown metric source %q", s)
}

// AvailabilityState classifies how trustworthy a source's data is.
type AvailabilityState string

const (
	Available   AvailabilityState = "available"
	Degraded    AvailabilityState = "degraded"
	Unavailable AvailabilityState = "unavailable"
)

// SourceAvailability is the per-source health entry carried by every Snapshot.
type SourceAvailability struct {
	State AvailabilityState `json:"state"`
	// Kind is the failure category for Degraded and Unavailable entries.
	Kind ErrorKind `json:"kind,omitempty"`
	// Reason is a human-readable explanation for Degraded and Unavailable entries.
	Reason string `json:"reason,omitempty"`
	// SkippedRows counts rows the parsers dropped for this source.
	SkippedRows int `json:"skippedRows,omitempty"`
}

// AvailableSource returns an Available entry.
func AvailableSource() SourceAvailability {
	return SourceAvailability{State: Available}
}

// DegradedSource returns a Degraded entry for a source that produced partial data.
func DegradedSource(kind ErrorKind, skipped int, reason string) SourceAvailability {
	return SourceAvailability{State: Degraded, Kind: kind, SkippedRows: skipped, Reason: reason}
}

// UnavailableSource returns an Unavailable entry.
func UnavailableSource(kind ErrorKind, reason string) SourceAvailability {
	return SourceAvailability{State: Unavailable, Kind: kind, Reason: reason}
}

// Usable reports whether data from the source may be reasoned over.
// Degraded sources are usable; their surviving records are trustworthy.
func (a SourceAvailability) Usable() bool {
	return a.State == Available || a.State == Degraded
}

func (a SourceAvailability) String() string {
	switch a.State {
	case Available:
		return string(Available)
	case Degraded:
		return fmt.Sprintf("degraded(%d skipped)", a.SkippedRows)
	default:
		return fmt.Sprintf("unavailable(%s)", a.Kind)
	}
}
