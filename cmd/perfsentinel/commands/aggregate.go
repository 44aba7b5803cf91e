package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/perfsentinel/perfsentinel/internal/aggregate"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/engine"
	"github.com/perfsentinel/perfsentinel/pkg/persist"
)

// AggregateCommand holds flags for the aggregate verb.
type AggregateCommand struct {
	storage storageFlags

	jobIDs      []string
	waitForJobs bool
	timeoutSec  int
	pollSec     int
	outputFile  string
	analyze     bool

	now func() time.Time
}

// NewAggregateCommand creates the aggregate command.
func NewAggregateCommand() *cobra.Command {
	agg := &AggregateCommand{now: time.Now}

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Collect archived runs across parallel jobs",
		Long: `Concatenate the archived run samples of the listed jobs into one input,
optionally waiting for every job to reach a terminal status first.

By default the command only materializes the aggregate; --analyze feeds it
through the analysis engine and commits the updated history.`,
		RunE: agg.run,
	}

	agg.storage.register(cmd)

	flags := cmd.Flags()
	flags.StringSliceVar(&agg.jobIDs, "job-ids", nil, "Job IDs to aggregate (empty aggregates every archived run)")
	flags.BoolVar(&agg.waitForJobs, "wait-for-jobs", false, "Wait for the listed jobs to finish before aggregating")
	flags.IntVar(&agg.timeoutSec, "timeout", 0, "Wait timeout in seconds (0 = default)")
	flags.IntVar(&agg.pollSec, "poll-interval", 0, "Wait polling interval in seconds (0 = default)")
	flags.StringVar(&agg.outputFile, "output-file", "", "Write the aggregated samples to this file (.json or .lz4)")
	flags.BoolVar(&agg.analyze, "analyze", false, "Analyze the aggregate and commit the updated history")

	return cmd
}

func (agg *AggregateCommand) run(cmd *cobra.Command, _ []string) error {
	if err := agg.storage.requireOneSource(); err != nil {
		return err
	}

	cfg, cfgErr := agg.storage.load(config.Overrides{})
	if cfgErr != nil {
		return cfgErr
	}

	ctx := cmd.Context()
	logger := newCLILogger(cmd)

	service, storageErr := openStorage(ctx, cfg, logger)
	if storageErr != nil {
		return storageErr
	}
	defer closeStorage(ctx, service, logger)

	coordinator := aggregate.New(service, logger)

	result, runErr := coordinator.Run(ctx, cfg.Project.ID, agg.jobIDs, aggregate.Options{
		WaitForJobs:  agg.waitForJobs,
		Timeout:      time.Duration(agg.timeoutSec) * time.Second,
		PollInterval: time.Duration(agg.pollSec) * time.Second,
	})
	if runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Aggregated %d samples (%d runs, %d jobs)\n",
		len(result.AggregatedSteps), result.RunCount, result.JobCount)

	if result.Partial {
		fmt.Fprintln(out, "Wait timed out: the aggregate may be missing late jobs")
	}

	if agg.outputFile != "" {
		// The materialized samples are a valid run file, so they can be
		// re-analyzed later or on another machine.
		codec := persist.CodecForPath(agg.outputFile)
		if saveErr := persist.SaveState(agg.outputFile, codec, result.AggregatedSteps); saveErr != nil {
			return saveErr
		}

		logger.Info("aggregate materialized", "path", agg.outputFile, "samples", len(result.AggregatedSteps))
	}

	if !agg.analyze {
		return nil
	}

	return agg.analyzeAggregate(cmd, cfg, service, result)
}

// analyzeAggregate feeds the aggregated samples through the engine and
// commits the rolled-forward history, mirroring the analyze verb.
func (agg *AggregateCommand) analyzeAggregate(
	cmd *cobra.Command,
	cfg *config.Config,
	service historyStore,
	result *aggregate.Result,
) error {
	ctx := cmd.Context()

	history, historyErr := service.GetHistory(ctx, cfg.Project.ID)
	if historyErr != nil {
		return historyErr
	}

	eng := &engine.Engine{}

	analysis, analyzeErr := eng.Analyze(ctx, result.AggregatedSteps, history, cfg, agg.now().UTC())
	if analyzeErr != nil {
		return analyzeErr
	}

	if saveErr := service.SaveHistory(ctx, cfg.Project.ID, analysis.UpdatedHistory); saveErr != nil {
		return saveErr
	}

	return emitReports(cmd.OutOrStdout(), analysis.Report, cfg.Reporting.DefaultReporters, cfg.Reporting.OutputDir)
}
