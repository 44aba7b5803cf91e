package mcpserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
)

// BaselineEntry is one step baseline in a sentinel_baseline response.
type BaselineEntry struct {
	StepText    string    `json:"stepText"`
	Average     float64   `json:"average"`
	StdDev      float64   `json:"stdDev"`
	SampleCount int       `json:"sampleCount"`
	Durations   []float64 `json:"durations"`
	Suite       string    `json:"suite,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
}

// BaselineSummary is the sentinel_baseline response payload. Steps is sorted
// by step text and truncated to the requested limit; Matched counts the
// post-filter total so callers can detect truncation.
type BaselineSummary struct {
	ProjectID  string          `json:"projectId"`
	TotalSteps int             `json:"totalSteps"`
	Matched    int             `json:"matched"`
	Steps      []BaselineEntry `json:"steps"`
}

// handleBaseline processes sentinel_baseline tool calls.
func (s *Server) handleBaseline(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input BaselineInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if strings.TrimSpace(input.ProjectID) == "" {
		return errorResult(ErrEmptyProjectID)
	}

	if input.Limit < 0 {
		return errorResult(ErrNegativeLimit)
	}

	if s.store == nil {
		return errorResult(ErrStorageNotConfigured)
	}

	doc, err := s.store.GetHistory(ctx, input.ProjectID)
	if err != nil {
		return errorResult(fmt.Errorf("load history: %w", err))
	}

	return jsonResult(summarizeBaselines(input, doc))
}

// summarizeBaselines projects the history document onto the response shape:
// filtered, sorted by step text, truncated to the limit.
func summarizeBaselines(input BaselineInput, doc *baseline.Document) BaselineSummary {
	limit := input.Limit
	if limit == 0 {
		limit = defaultBaselineLimit
	}

	filter := strings.ToLower(strings.TrimSpace(input.Step))

	matched := make([]string, 0, doc.Len())

	for stepText := range doc.Steps {
		if filter != "" && !strings.Contains(strings.ToLower(stepText), filter) {
			continue
		}

		matched = append(matched, stepText)
	}

	sort.Strings(matched)

	returned := matched
	if len(returned) > limit {
		returned = returned[:limit]
	}

	summary := BaselineSummary{
		ProjectID:  input.ProjectID,
		TotalSteps: doc.Len(),
		Matched:    len(matched),
		Steps:      make([]BaselineEntry, 0, len(returned)),
	}

	for _, stepText := range returned {
		entry := doc.Steps[stepText]
		summary.Steps = append(summary.Steps, BaselineEntry{
			StepText:    stepText,
			Average:     entry.Average,
			StdDev:      entry.StdDev,
			SampleCount: entry.SampleCount(),
			Durations:   entry.Durations,
			Suite:       entry.Context.Suite,
			Tags:        entry.Context.Tags,
			FirstSeen:   entry.FirstSeen,
			LastSeen:    entry.LastSeen,
		})
	}

	return summary
}
