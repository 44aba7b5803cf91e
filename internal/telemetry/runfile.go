package telemetry

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Sentinel errors for run-file handling.
var (
	// ErrRunMalformed indicates the run file is not a valid sample sequence.
	ErrRunMalformed = errors.New("malformed run data")

	// ErrNoRunFiles indicates a glob pattern matched no files.
	ErrNoRunFiles = errors.New("no run files matched")
)

//go:embed run-schema.json
var runSchemaJSON []byte

// maxReportedViolations bounds the schema violations included in one error.
const maxReportedViolations = 5

// ParseRun validates raw JSON against the run schema and decodes it into
// step samples. Samples without a context are accepted; normalization
// happens downstream.
func ParseRun(data []byte) ([]StepSample, error) {
	validationErr := validateRunData(data)
	if validationErr != nil {
		return nil, validationErr
	}

	var samples []StepSample

	unmarshalErr := json.Unmarshal(data, &samples)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunMalformed, unmarshalErr)
	}

	return samples, nil
}

// LoadRunFile reads and parses one run file.
func LoadRunFile(path string) ([]StepSample, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("read run file %s: %w", path, readErr)
	}

	samples, parseErr := ParseRun(data)
	if parseErr != nil {
		return nil, fmt.Errorf("run file %s: %w", path, parseErr)
	}

	return samples, nil
}

// LoadRunFiles expands a glob pattern and loads every matching run file,
// sorted by path for deterministic ordering. Returns ErrNoRunFiles when the
// pattern matches nothing.
func LoadRunFiles(pattern string) (map[string][]StepSample, error) {
	matches, globErr := filepath.Glob(pattern)
	if globErr != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, globErr)
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoRunFiles, pattern)
	}

	sort.Strings(matches)

	runs := make(map[string][]StepSample, len(matches))

	for _, path := range matches {
		samples, loadErr := LoadRunFile(path)
		if loadErr != nil {
			return nil, loadErr
		}

		runs[path] = samples
	}

	return runs, nil
}

// validateRunData checks raw JSON against the embedded run schema and
// reports the first few violations with their field paths.
func validateRunData(data []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(runSchemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRunMalformed, err)
	}

	if result.Valid() {
		return nil
	}

	violations := result.Errors()
	shown := violations

	if len(shown) > maxReportedViolations {
		shown = shown[:maxReportedViolations]
	}

	details := make([]string, 0, len(shown))

	for _, violation := range shown {
		details = append(details, fmt.Sprintf("%s: %s", violation.Field(), violation.Description()))
	}

	if len(violations) > maxReportedViolations {
		details = append(details, fmt.Sprintf("and %d more", len(violations)-maxReportedViolations))
	}

	return fmt.Errorf("%w: %s", ErrRunMalformed, strings.Join(details, "; "))
}
