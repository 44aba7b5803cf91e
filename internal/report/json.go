package report

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONReporter emits the canonical report serialization.
type JSONReporter struct{}

// Name implements Reporter.
func (r *JSONReporter) Name() string { return NameJSON }

// Filename implements Reporter.
func (r *JSONReporter) Filename() string { return "performance-report.json" }

// Emit implements Reporter.
func (r *JSONReporter) Emit(w io.Writer, rep *Report) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(rep)
	if encodeErr != nil {
		return fmt.Errorf("encode report: %w", encodeErr)
	}

	return nil
}
