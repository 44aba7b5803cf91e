package mcpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// Tool name constants.
const (
	ToolNameAnalyze  = "sentinel_analyze"
	ToolNameBaseline = "sentinel_baseline"
	ToolNameHealth   = "sentinel_health"
)

// Input size limits.
const (
	// MaxInlineSamples is the maximum sample count accepted by sentinel_analyze.
	MaxInlineSamples = 10000

	// defaultBaselineLimit bounds sentinel_baseline responses when the caller
	// does not set a limit.
	defaultBaselineLimit = 100
)

// Sentinel errors for tool input validation.
var (
	// ErrNoSamples indicates the samples parameter is empty.
	ErrNoSamples = errors.New("samples parameter is required and must not be empty")
	// ErrTooManySamples indicates the inline sample count exceeds the limit.
	ErrTooManySamples = errors.New("sample count exceeds maximum")
	// ErrEmptyStepText indicates a sample without step text.
	ErrEmptyStepText = errors.New("step_text is required for every sample")
	// ErrNegativeDuration indicates a sample with a negative duration.
	ErrNegativeDuration = errors.New("sample durations must not be negative")
	// ErrInvalidThreshold indicates a negative per-call threshold.
	ErrInvalidThreshold = errors.New("threshold must be positive when set")
	// ErrInvalidMaxHistory indicates a negative per-call history window.
	ErrInvalidMaxHistory = errors.New("max_history must be positive when set")
	// ErrEmptyBaselineStep indicates an inline baseline keyed by an empty step text.
	ErrEmptyBaselineStep = errors.New("baseline step texts must not be empty")
	// ErrEmptyBaselineDurations indicates an inline baseline step without durations.
	ErrEmptyBaselineDurations = errors.New("baseline steps require at least one duration")
	// ErrEmptyProjectID indicates the project_id parameter is empty.
	ErrEmptyProjectID = errors.New("project_id parameter is required and must not be empty")
	// ErrNegativeLimit indicates a negative limit parameter.
	ErrNegativeLimit = errors.New("limit must not be negative")
	// ErrStorageNotConfigured indicates a tool needing persistence ran on a
	// server started without a storage backend.
	ErrStorageNotConfigured = errors.New("storage is not configured for this server")
)

// Input types (auto-generate JSON schemas via struct tags).

// SampleInput is one measured step in a sentinel_analyze request: the flat
// wire shape of a telemetry sample. Durations are milliseconds; tags are
// accepted with or without the @ prefix.
type SampleInput struct {
	StepText string   `json:"step_text"           jsonschema:"exact step text, the baseline identity key"`
	Duration float64  `json:"duration"            jsonschema:"measured duration in milliseconds"`
	Suite    string   `json:"suite,omitempty"     jsonschema:"suite name for roll-up (default: unknown)"`
	TestFile string   `json:"test_file,omitempty" jsonschema:"feature file the step ran in"`
	TestName string   `json:"test_name,omitempty" jsonschema:"scenario or test name"`
	Tags     []string `json:"tags,omitempty"      jsonschema:"context tags (e.g. critical, smoke)"`
	JobID    string   `json:"job_id,omitempty"    jsonschema:"CI job identifier (default: local)"`
	WorkerID string   `json:"worker_id,omitempty" jsonschema:"worker identifier (default: local)"`
}

// sample converts the wire shape into a telemetry sample stamped at now.
func (in SampleInput) sample(now time.Time) telemetry.StepSample {
	return telemetry.StepSample{
		StepText:  in.StepText,
		Duration:  in.Duration,
		Timestamp: now,
		Context: &telemetry.StepContext{
			TestFile: in.TestFile,
			TestName: in.TestName,
			Suite:    in.Suite,
			Tags:     in.Tags,
			JobID:    in.JobID,
			WorkerID: in.WorkerID,
		},
	}
}

// AnalyzeInput is the input schema for the sentinel_analyze tool.
type AnalyzeInput struct {
	Samples    []SampleInput        `json:"samples"               jsonschema:"step samples to classify"`
	Baseline   map[string][]float64 `json:"baseline,omitempty"    jsonschema:"inline baseline durations keyed by step text; takes precedence over stored history"`
	ProjectID  string               `json:"project_id,omitempty"  jsonschema:"project whose stored history seeds the baselines"`
	Threshold  float64              `json:"threshold,omitempty"   jsonschema:"regression threshold in standard deviations (default: configured)"`
	MaxHistory int                  `json:"max_history,omitempty" jsonschema:"rolling window size per step (default: configured)"`
}

// BaselineInput is the input schema for the sentinel_baseline tool.
type BaselineInput struct {
	ProjectID string `json:"project_id"      jsonschema:"project whose baselines to read"`
	Step      string `json:"step,omitempty"  jsonschema:"case-insensitive substring filter on step text"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum entries returned (default: 100)"`
}

// HealthInput is the input schema for the sentinel_health tool.
type HealthInput struct{}

// Output type (used as structured output for generic AddTool).

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// Result helpers.

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}

// validateAnalyzeInput checks the sentinel_analyze parameters.
func validateAnalyzeInput(input AnalyzeInput) error {
	if len(input.Samples) == 0 {
		return ErrNoSamples
	}

	if len(input.Samples) > MaxInlineSamples {
		return fmt.Errorf("%w: %d samples (max %d)", ErrTooManySamples, len(input.Samples), MaxInlineSamples)
	}

	for _, sample := range input.Samples {
		if strings.TrimSpace(sample.StepText) == "" {
			return ErrEmptyStepText
		}

		if sample.Duration < 0 {
			return fmt.Errorf("%w: %q", ErrNegativeDuration, sample.StepText)
		}
	}

	if input.Threshold < 0 {
		return ErrInvalidThreshold
	}

	if input.MaxHistory < 0 {
		return ErrInvalidMaxHistory
	}

	return validateInlineBaseline(input.Baseline)
}

// validateInlineBaseline checks the optional seed map of sentinel_analyze.
func validateInlineBaseline(seed map[string][]float64) error {
	for stepText, durations := range seed {
		if strings.TrimSpace(stepText) == "" {
			return ErrEmptyBaselineStep
		}

		if len(durations) == 0 {
			return fmt.Errorf("%w: %q", ErrEmptyBaselineDurations, stepText)
		}
	}

	return nil
}
