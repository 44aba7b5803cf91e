package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// SeedCommand holds flags for the seed verb.
type SeedCommand struct {
	storage  storageFlags
	runFiles string
}

// NewSeedCommand creates the seed command.
func NewSeedCommand() *cobra.Command {
	sc := &SeedCommand{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Initialize baseline history from archived runs",
		Long: `Build a fresh baseline document from a set of historical run files and
write it through the configured storage backend. Seeding replaces any
existing history for the project.`,
		RunE: sc.run,
	}

	sc.storage.register(cmd)

	cmd.Flags().StringVar(&sc.runFiles, "run-files", "", "Glob pattern of run files to seed from")

	_ = cmd.MarkFlagRequired("run-files")

	return cmd
}

func (sc *SeedCommand) run(cmd *cobra.Command, _ []string) error {
	if err := sc.storage.requireAtMostOne(); err != nil {
		return err
	}

	cfg, cfgErr := sc.storage.load(config.Overrides{})
	if cfgErr != nil {
		return cfgErr
	}

	runs, loadErr := telemetry.LoadRunFiles(sc.runFiles)
	if loadErr != nil {
		return loadErr
	}

	seed, total := collectSeed(runs)

	ctx := cmd.Context()
	logger := newCLILogger(cmd)

	service, storageErr := openStorage(ctx, cfg, logger)
	if storageErr != nil {
		return storageErr
	}
	defer closeStorage(ctx, service, logger)

	if seedErr := service.SeedHistory(ctx, cfg.Project.ID, seed); seedErr != nil {
		return seedErr
	}

	logger.Info("history seeded",
		"project", cfg.Project.ID,
		"steps", len(seed),
		"files", len(runs),
		"samples", total)

	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d steps from %d run files (%d samples)\n",
		len(seed), len(runs), total)

	return nil
}

// collectSeed flattens the loaded runs into the step -> durations seed map.
// Files are folded in path order so repeated seeding is deterministic.
func collectSeed(runs map[string][]telemetry.StepSample) (map[string][]float64, int) {
	paths := make([]string, 0, len(runs))
	for path := range runs {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	seed := make(map[string][]float64)
	total := 0

	for _, path := range paths {
		for _, sample := range runs[path] {
			seed[sample.StepText] = append(seed[sample.StepText], sample.Duration)
			total++
		}
	}

	return seed, total
}
