package mcpserver

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/engine"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// handleAnalyze processes sentinel_analyze tool calls. The tool is read-only:
// the updated history produced by the engine is discarded, never committed.
func (s *Server) handleAnalyze(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input AnalyzeInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := validateAnalyzeInput(input)
	if err != nil {
		return errorResult(err)
	}

	cfg, cfgErr := s.analysisConfig(input)
	if cfgErr != nil {
		return errorResult(cfgErr)
	}

	now := time.Now().UTC()

	history, historyErr := s.analysisHistory(ctx, input, now)
	if historyErr != nil {
		return errorResult(historyErr)
	}

	samples := make([]telemetry.StepSample, 0, len(input.Samples))
	for _, in := range input.Samples {
		samples = append(samples, in.sample(now))
	}

	eng := &engine.Engine{Tracer: s.tracer, Metrics: s.metrics}

	result, analyzeErr := eng.Analyze(ctx, samples, history, cfg, now)
	if analyzeErr != nil {
		return errorResult(fmt.Errorf("analyze samples: %w", analyzeErr))
	}

	return jsonResult(result.Report)
}

// analysisConfig resolves the configuration one analyze call runs under: the
// server's resolved config with per-call threshold and window applied to a
// copy. The copy is shallow; effective-config resolution only reads the
// shared rule maps.
func (s *Server) analysisConfig(input AnalyzeInput) (*config.Config, error) {
	base, err := s.resolveConfig()
	if err != nil {
		return nil, err
	}

	if input.Threshold == 0 && input.MaxHistory == 0 && input.ProjectID == "" {
		return base, nil
	}

	clone := *base

	if input.Threshold > 0 {
		clone.Analysis.Threshold = input.Threshold
	}

	if input.MaxHistory > 0 {
		clone.Analysis.MaxHistory = input.MaxHistory
	}

	if input.ProjectID != "" {
		clone.Project.ID = input.ProjectID
	}

	return &clone, nil
}

// resolveConfig returns the injected configuration, loading the layered
// defaults when the server was constructed without one.
func (s *Server) resolveConfig() (*config.Config, error) {
	if s.cfg != nil {
		return s.cfg, nil
	}

	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		return nil, fmt.Errorf("resolve configuration: %w", err)
	}

	return cfg, nil
}

// analysisHistory picks the baseline source for one call: an inline seed
// wins, then the project's stored history, then an empty document.
func (s *Server) analysisHistory(ctx context.Context, input AnalyzeInput, now time.Time) (*baseline.Document, error) {
	if len(input.Baseline) > 0 {
		doc := baseline.NewDocument()
		for stepText, durations := range input.Baseline {
			doc.SetStep(stepText, baseline.NewSeededEntry(durations, now))
		}

		return doc, nil
	}

	if input.ProjectID == "" || s.store == nil {
		return baseline.NewDocument(), nil
	}

	doc, err := s.store.GetHistory(ctx, input.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	return doc, nil
}
