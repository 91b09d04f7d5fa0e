package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy shared by adapters, parsers and the assembler.
type ErrorKind string

const (
	// ToolUnavailable means the binary is missing or not executable.
	ToolUnavailable ErrorKind = "tool-unavailable"
	// ToolTimeout means the tool did not finish within its timeout.
	ToolTimeout ErrorKind = "timeout"
	// ToolExecutionFailed means the tool exited non-zero.
	ToolExecutionFailed ErrorKind = "execution-failed"
	// ParseRowSkipped is row-local and never fatal.
	ParseRowSkipped ErrorKind = "row-skipped"
	// ParseFormatUnsupported makes the whole source unusable.
	ParseFormatUnsupported ErrorKind = "format-unsupported"
	// CorrelationGap marks a process id seen on only one side of the join.
	CorrelationGap ErrorKind = "correlation-gap"
	// NotConfigured is used when no sources were enabled at all.
	NotConfigured ErrorKind = "not-configured"
)

var (
	ErrToolUnavailable     = errors.New("tool unavailable")
	ErrToolTimeout         = errors.New("tool timed out")
	ErrToolExecutionFailed = errors.New("tool execution failed")
	ErrFormatUnsupported   = errors.New("format unsupported")
)

// SourceError is a source-level failure reported by an adapter or a parser.
type SourceError struct {
	Kind  ErrorKind
	Probe string
	Err   error
}

func (e *SourceError) Error() string {
	if e.Probe == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Probe, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err, falling back to ToolExecutionFailed
// for errors that carry no classification.
func KindOf(err error) ErrorKind {
	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return srcErr.Kind
	}
	switch {
	case errors.Is(err, ErrToolUnavailable):
		return ToolUnavailable
	case errors.Is(err, ErrToolTimeout):
		return ToolTimeout
	case errors.Is(err, ErrFormatUnsupported):
		return ParseFormatUnsupported
	}
	return ToolExecutionFailed
}
