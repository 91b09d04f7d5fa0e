// Package store persists reports outside the diagnosis core.
package store

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// WriteJSON writes report as indented JSON. Unknown readings are encoded as
// null so the output can be read back without loss.
func WriteJSON(w io.Writer, report *types.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// ReadJSON decodes a report written by WriteJSON.
func ReadJSON(r io.Reader) (*types.Report, error) {
	var report types.Report
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}
