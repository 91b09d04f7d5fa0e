package types

import "time"

// SchemaVersion is bumped whenever the serialized Snapshot shape changes.
const SchemaVersion = 1

// Snapshot is one point-in-time aggregate of every collected metric. It is
// built once by the assembler and must not be modified afterwards; it never
// references another Snapshot.
type Snapshot struct {
	SchemaVersion int       `json:"schemaVersion"`
	Timestamp     time.Time `json:"timestamp"`
	// Accelerators are ordered by ascending device index.
	Accelerators []AcceleratorMetric `json:"accelerators"`
	// Processes are ordered by ascending process id.
	Processes  []ComputeProcess  `json:"processes"`
	Disks      []DiskMetric      `json:"disks"`
	Networks   []NetworkMetric   `json:"networks"`
	HostMemory *HostMemoryMetric `json:"hostMemory,omitempty"`
	// CPU comes from the disk probe and shares the Disk source's availability.
	CPU *CPUMetric `json:"cpu,omitempty"`
	// Availability has exactly one entry per configured source.
	Availability map[MetricSource]SourceAvailability `json:"availability"`
}

// AvailabilityOf returns the entry for src. A source missing from the map was
// not configured and is reported as Unavailable.
func (s *Snapshot) AvailabilityOf(src MetricSource) SourceAvailability {
	if a, ok := s.Availability[src]; ok {
		return a
	}
	return UnavailableSource(NotConfigured, "source not configured")
}

// Usable reports whether every listed source may be reasoned over.
func (s *Snapshot) Usable(sources ...MetricSource) bool {
	for _, src := range sources {
		if !s.AvailabilityOf(src).Usable() {
			return false
		}
	}
	return true
}

// Accelerator looks up a device by index.
func (s *Snapshot) Accelerator(index int) (AcceleratorMetric, bool) {
	for _, a := range s.Accelerators {
		if a.Index == index {
			return a, true
		}
	}
	return AcceleratorMetric{}, false
}
