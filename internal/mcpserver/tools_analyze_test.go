package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/internal/storage"
	_ "github.com/perfsentinel/perfsentinel/internal/storage/fs"
)

// testAnalysisConfig returns a deterministic configuration: trend gating off,
// stable-step filtering on, and the built-in step type ladder.
func testAnalysisConfig() *config.Config {
	return &config.Config{
		Project: config.ProjectConfig{ID: "checkout-service"},
		Analysis: config.AnalysisConfig{
			Threshold:  2.0,
			MaxHistory: 50,
			StepTypes: map[string]config.StepTypeConfig{
				"very_fast": {MaxDuration: 100, Rules: map[string]any{
					"min_percentage_change": 25.0,
					"min_absolute_slowdown": 15.0,
				}},
				"fast": {MaxDuration: 500, Rules: map[string]any{
					"min_percentage_change": 15.0,
					"min_absolute_slowdown": 35.0,
				}},
				"medium": {MaxDuration: 2000, Rules: map[string]any{
					"min_percentage_change": 10.0,
					"min_absolute_slowdown": 100.0,
				}},
				"slow": {Rules: map[string]any{
					"min_percentage_change": 5.0,
					"min_absolute_slowdown": 200.0,
				}},
			},
			GlobalRules: map[string]any{
				"min_percentage_change": 10.0,
				"min_absolute_slowdown": 50.0,
				"filter_stable_steps":   true,
				"stable_threshold":      5.0,
				"stable_min_slowdown":   25.0,
			},
			Trends: config.TrendConfig{
				Enabled:            true,
				WindowSize:         3,
				MinSignificance:    10,
				MinHistoryRequired: 6,
				OnlyUpward:         true,
			},
		},
		Reporting: config.ReportingConfig{DefaultReporters: []string{"console"}},
	}
}

// stableBaseline is a five-sample window with mean 200 and sample standard
// deviation sqrt(10).
func stableBaseline() []float64 {
	return []float64{200, 204, 196, 202, 198}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testStorage builds a filesystem-backed storage service rooted in a
// temporary directory.
func testStorage(t *testing.T, projectID string) *storage.Service {
	t.Helper()

	svc, err := storage.NewService(config.StorageOptions{
		AdapterType:   config.AdapterFilesystem,
		ProjectID:     projectID,
		BaseDirectory: t.TempDir(),
	}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(context.Background()))

	t.Cleanup(func() {
		_ = svc.Close(context.Background())
	})

	return svc
}

// resultText extracts the first text content block of a tool result.
func resultText(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)

	return text.Text
}

// decodeReport parses the JSON report out of a successful analyze result.
func decodeReport(t *testing.T, result *mcpsdk.CallToolResult) *report.Report {
	t.Helper()

	var rep report.Report

	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &rep))

	return &rep
}

func TestHandleAnalyze_InlineBaselineFlagsRegression(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerDeps{Config: testAnalysisConfig()})

	input := AnalyzeInput{
		Samples: []SampleInput{{
			StepText: "user logs in",
			Duration: 400,
			Suite:    "auth",
			Tags:     []string{"critical"},
		}},
		Baseline: map[string][]float64{"user logs in": stableBaseline()},
	}

	result, output, err := srv.handleAnalyze(context.Background(), &mcpsdk.CallToolRequest{}, input)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)
	assert.NotNil(t, output.Data)

	rep := decodeReport(t, result)
	require.Len(t, rep.Regressions, 1)
	assert.Equal(t, "user logs in", rep.Regressions[0].StepText)
	assert.InDelta(t, 200.0, rep.Regressions[0].Slowdown, 0.001)
	assert.Empty(t, rep.NewSteps)
	assert.Equal(t, 1, rep.Metadata.TotalSteps)
}

func TestHandleAnalyze_UnknownStepsAreNew(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerDeps{Config: testAnalysisConfig()})

	input := AnalyzeInput{
		Samples: []SampleInput{
			{StepText: "user opens cart", Duration: 120, Suite: "checkout"},
			{StepText: "user pays", Duration: 340, Suite: "checkout"},
		},
	}

	result, _, err := srv.handleAnalyze(context.Background(), &mcpsdk.CallToolRequest{}, input)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	rep := decodeReport(t, result)
	assert.Len(t, rep.NewSteps, 2)
	assert.Empty(t, rep.Regressions)
	assert.Equal(t, []string{"checkout"}, rep.Metadata.Suites)
}

func TestHandleAnalyze_StoredHistoryIsReadOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := testStorage(t, "checkout-service")
	require.NoError(t, svc.SeedHistory(ctx, "checkout-service", map[string][]float64{
		"user logs in": stableBaseline(),
	}))

	srv := NewServer(ServerDeps{Config: testAnalysisConfig(), Storage: svc})

	input := AnalyzeInput{
		ProjectID: "checkout-service",
		Samples:   []SampleInput{{StepText: "user logs in", Duration: 400}},
	}

	result, _, err := srv.handleAnalyze(ctx, &mcpsdk.CallToolRequest{}, input)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	rep := decodeReport(t, result)
	require.Len(t, rep.Regressions, 1)

	// The analyze tool never commits the updated history.
	doc, getErr := svc.GetHistory(ctx, "checkout-service")
	require.NoError(t, getErr)
	require.NotNil(t, doc.Step("user logs in"))
	assert.Equal(t, len(stableBaseline()), doc.Step("user logs in").SampleCount())
}

func TestHandleAnalyze_PerCallThresholdApplied(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerDeps{Config: testAnalysisConfig()})

	base := AnalyzeInput{
		Samples:  []SampleInput{{StepText: "user logs in", Duration: 400}},
		Baseline: map[string][]float64{"user logs in": stableBaseline()},
	}

	strict, _, strictErr := srv.handleAnalyze(context.Background(), &mcpsdk.CallToolRequest{}, base)
	require.NoError(t, strictErr)
	assert.Len(t, decodeReport(t, strict).Regressions, 1)

	loose := base
	loose.Threshold = 100

	looseResult, _, looseErr := srv.handleAnalyze(context.Background(), &mcpsdk.CallToolRequest{}, loose)
	require.NoError(t, looseErr)

	rep := decodeReport(t, looseResult)
	assert.Empty(t, rep.Regressions)
	assert.Len(t, rep.OK, 1)
}

func TestHandleAnalyze_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input AnalyzeInput
		want  string
	}{
		{
			name:  "empty_samples",
			input: AnalyzeInput{},
			want:  "samples parameter is required",
		},
		{
			name:  "blank_step_text",
			input: AnalyzeInput{Samples: []SampleInput{{StepText: "   ", Duration: 10}}},
			want:  "step_text is required",
		},
		{
			name:  "negative_duration",
			input: AnalyzeInput{Samples: []SampleInput{{StepText: "user pays", Duration: -5}}},
			want:  "must not be negative",
		},
		{
			name: "negative_threshold",
			input: AnalyzeInput{
				Samples:   []SampleInput{{StepText: "user pays", Duration: 10}},
				Threshold: -1,
			},
			want: "threshold must be positive",
		},
		{
			name: "negative_max_history",
			input: AnalyzeInput{
				Samples:    []SampleInput{{StepText: "user pays", Duration: 10}},
				MaxHistory: -1,
			},
			want: "max_history must be positive",
		},
		{
			name: "blank_baseline_step",
			input: AnalyzeInput{
				Samples:  []SampleInput{{StepText: "user pays", Duration: 10}},
				Baseline: map[string][]float64{" ": {1}},
			},
			want: "baseline step texts",
		},
		{
			name: "empty_baseline_durations",
			input: AnalyzeInput{
				Samples:  []SampleInput{{StepText: "user pays", Duration: 10}},
				Baseline: map[string][]float64{"user pays": {}},
			},
			want: "at least one duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := NewServer(ServerDeps{})

			result, _, err := srv.handleAnalyze(context.Background(), &mcpsdk.CallToolRequest{}, tt.input)
			require.NoError(t, err)
			require.NotNil(t, result)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleAnalyze_TooManySamples(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerDeps{})

	samples := make([]SampleInput, MaxInlineSamples+1)
	for i := range samples {
		samples[i] = SampleInput{StepText: fmt.Sprintf("step %d", i), Duration: 1}
	}

	result, _, err := srv.handleAnalyze(context.Background(), &mcpsdk.CallToolRequest{}, AnalyzeInput{Samples: samples})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "exceeds maximum")
}
