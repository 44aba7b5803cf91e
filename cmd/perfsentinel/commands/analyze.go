package commands

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/engine"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// AnalyzeCommand holds flags for the analyze verb.
type AnalyzeCommand struct {
	storage storageFlags

	runFile    string
	threshold  float64
	maxHistory int
	reporters  []string
	outputDir  string

	now func() time.Time
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand() *cobra.Command {
	ac := &AnalyzeCommand{now: time.Now}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify a run against the rolling baseline",
		Long: `Classify every step sample in a run file against the project's rolling
baseline, commit the rolled-forward history, and archive the run for later
aggregation.

Regressions are reported, not fatal: the exit code stays zero so pipeline
owners decide what blocks a build.`,
		RunE: ac.run,
	}

	ac.storage.register(cmd)
	ac.storage.registerSelectors(cmd)

	flags := cmd.Flags()
	flags.StringVar(&ac.runFile, "run-file", "", "Path to the run file to analyze")
	flags.Float64Var(&ac.threshold, "threshold", 0, "Override the standard deviation threshold")
	flags.IntVar(&ac.maxHistory, "max-history", 0, "Override the per-step history window")
	flags.StringSliceVar(&ac.reporters, "reporter", nil, "Reporters to emit: console, markdown, html, json")
	flags.StringVar(&ac.outputDir, "output-dir", "", "Directory for file reporters")

	_ = cmd.MarkFlagRequired("run-file")

	return cmd
}

func (ac *AnalyzeCommand) run(cmd *cobra.Command, _ []string) error {
	if err := ac.storage.requireOneSource(); err != nil {
		return err
	}

	cfg, cfgErr := ac.storage.load(config.Overrides{
		Threshold:  ac.threshold,
		MaxHistory: ac.maxHistory,
		Reporters:  ac.reporters,
		OutputDir:  ac.outputDir,
	})
	if cfgErr != nil {
		return cfgErr
	}

	samples, loadErr := telemetry.LoadRunFile(ac.runFile)
	if loadErr != nil {
		return loadErr
	}

	ctx := cmd.Context()
	logger := newCLILogger(cmd)

	service, storageErr := openStorage(ctx, cfg, logger)
	if storageErr != nil {
		return storageErr
	}
	defer closeStorage(ctx, service, logger)

	history, historyErr := service.GetHistory(ctx, cfg.Project.ID)
	if historyErr != nil {
		return historyErr
	}

	eng := &engine.Engine{}

	result, analyzeErr := eng.Analyze(ctx, samples, history, cfg, ac.now().UTC())
	if analyzeErr != nil {
		return analyzeErr
	}

	if saveErr := service.SaveHistory(ctx, cfg.Project.ID, result.UpdatedHistory); saveErr != nil {
		return saveErr
	}

	runID, archiveErr := service.SavePerformanceRun(ctx, cfg.Project.ID, samples, map[string]any{
		"source":  "analyze",
		"runFile": filepath.Base(ac.runFile),
	})
	if archiveErr != nil {
		return archiveErr
	}

	logger.Info("analysis complete",
		"project", cfg.Project.ID,
		"run_id", runID,
		"samples", len(samples),
		"regressions", len(result.Report.Regressions),
		"new_steps", len(result.Report.NewSteps))

	return emitReports(cmd.OutOrStdout(), result.Report, cfg.Reporting.DefaultReporters, cfg.Reporting.OutputDir)
}
