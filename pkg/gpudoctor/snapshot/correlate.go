package snapshot

import (
	"fmt"
	"sort"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/parser"
	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// correlate joins accelerator-side process entries with the OS process table
// on process id. OS-only processes are dropped; accelerator-only entries are
// kept and flagged. devices resolves each entry's device uuid to an index.
//
// Availability follows the accelerator side: if it is unusable the source is
// Unavailable. If only the OS side failed the source is Degraded and every
// process carries OSMetricsUnavailable.
func correlate(gpuSide parser.Outcome[parser.AcceleratorProcess], osSide parser.Outcome[parser.OSProcess], devices []types.AcceleratorMetric) ([]types.ComputeProcess, types.SourceAvailability) {
	processes := []types.ComputeProcess{}

	avail := classify(gpuSide)
	if !avail.Usable() {
		return processes, avail
	}

	osAvail := classify(osSide)
	osByPID := make(map[int]parser.OSProcess, len(osSide.Result.Records))
	if osAvail.Usable() {
		for _, p := range osSide.Result.Records {
			if _, dup := osByPID[p.PID]; !dup {
				osByPID[p.PID] = p
			}
		}
	}

	deviceByUUID := make(map[string]int, len(devices))
	for _, d := range devices {
		if d.UUID != "" {
			deviceByUUID[d.UUID] = d.Index
		}
	}

	for _, gp := range gpuSide.Result.Records {
		cp := types.ComputeProcess{
			PID:                    gp.PID,
			DeviceIndex:            -1,
			DeviceUUID:             gp.DeviceUUID,
			Name:                   gp.Name,
			AcceleratorMemoryBytes: gp.UsedMemoryBytes,
			Correlation:            types.CorrelatedAcceleratorOnly,
			OSMetricsUnavailable:   true,
		}
		if idx, ok := deviceByUUID[gp.DeviceUUID]; ok {
			cp.DeviceIndex = idx
		} else {
			cp.DeviceUnresolved = true
		}
		if op, ok := osByPID[gp.PID]; ok {
			cp.Correlation = types.CorrelatedBoth
			cp.OSMetricsUnavailable = false
			cp.CPUPercent = op.CPUPercent
			cp.MemoryPercent = op.MemoryPercent
			cp.ResidentBytes = op.ResidentBytes
			cp.ElapsedSeconds = op.ElapsedSeconds
			cp.User = op.User
			cp.Command = op.Command
		}
		processes = append(processes, cp)
	}

	// A process holding contexts on several devices appears once per device.
	// The order is total, so repeated rows collapse to the same survivor
	// whatever order the tool printed them in.
	sort.Slice(processes, func(i, j int) bool {
		a, b := processes[i], processes[j]
		if a.PID != b.PID {
			return a.PID < b.PID
		}
		if a.DeviceIndex != b.DeviceIndex {
			return a.DeviceIndex < b.DeviceIndex
		}
		if a.DeviceUUID != b.DeviceUUID {
			return a.DeviceUUID < b.DeviceUUID
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.AcceleratorMemoryBytes.Or(-1) > b.AcceleratorMemoryBytes.Or(-1)
	})
	processes = dedupeProcesses(processes)

	switch {
	case !osAvail.Usable():
		return processes, types.DegradedSource(osAvail.Kind, avail.SkippedRows,
			fmt.Sprintf("process table unavailable, OS metrics missing: %s", osAvail.Reason))
	case avail.State == types.Degraded || osAvail.State == types.Degraded:
		skipped := avail.SkippedRows + osAvail.SkippedRows
		return processes, types.DegradedSource(types.ParseRowSkipped, skipped, fmt.Sprintf("%d rows skipped", skipped))
	}
	return processes, avail
}

// dedupeProcesses drops repeated (pid, device uuid) rows from a sorted slice,
// keeping the first.
func dedupeProcesses(sorted []types.ComputeProcess) []types.ComputeProcess {
	out := sorted[:0]
	for i, p := range sorted {
		if i > 0 && p.PID == sorted[i-1].PID && p.DeviceUUID == sorted[i-1].DeviceUUID {
			continue
		}
		out = append(out, p)
	}
	return out
}
