// Package parser turns raw diagnostic tool output into typed metric records.
//
// Every parser is keyed on a (Kind, format version) pair and registered in a
// Registry; all knowledge of tool output formats lives in this package. A
// parser never fails on a single malformed row: it skips the row, counts it in
// the Result, and carries on. Only output that cannot be recognised at all
// (no usable header, a header from a different format version) is reported as
// an error, wrapping types.ErrFormatUnsupported.
package parser

import (
	"fmt"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// Kind identifies the shape of raw output a parser understands.
type Kind string

const (
	KindAccelerator          Kind = "accelerator"
	KindAcceleratorProcesses Kind = "accelerator-processes"
	KindProcessTable         Kind = "process-table"
	KindDisk                 Kind = "disk"
	KindNetwork              Kind = "network"
	KindHostMemory           Kind = "host-memory"
	// KindCPU reads the avg-cpu report in the disk probe's output and
	// follows the disk format version.
	KindCPU Kind = "cpu"
)

// maxProblems caps the per-row messages kept in a Result.
const maxProblems = 8

// Result is the output of one parse: the records that survived plus a count
// of skipped rows.
type Result[T any] struct {
	Records []T
	Skipped int
	// Problems describes the first few skipped rows.
	Problems []string
}

func (r *Result[T]) skip(format string, args ...interface{}) {
	r.Skipped++
	if len(r.Problems) < maxProblems {
		r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	}
}

// Parser converts one source's raw output into records of type T.
type Parser[T any] interface {
	Kind() Kind
	Version() string
	Parse(raw []byte) (Result[T], error)
}

// AcceleratorProcess is the accelerator-side half of a compute process.
type AcceleratorProcess struct {
	PID             int
	DeviceUUID      string
	Name            string
	UsedMemoryBytes types.Value
}

// OSProcess is the OS-side half of a compute process.
type OSProcess struct {
	PID            int
	User           string
	CPUPercent     types.Value
	MemoryPercent  types.Value
	ResidentBytes  types.Value
	ElapsedSeconds types.Value
	Command        string
}

func unsupported(kind Kind, version string, format string, args ...interface{}) error {
	return &types.SourceError{
		Kind:  types.ParseFormatUnsupported,
		Probe: string(kind),
		Err:   fmt.Errorf("%w: %s: %s", types.ErrFormatUnsupported, version, fmt.Sprintf(format, args...)),
	}
}
