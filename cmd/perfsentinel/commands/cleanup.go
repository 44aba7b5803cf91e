package commands

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/perfsentinel/perfsentinel/internal/cleanup"
	"github.com/perfsentinel/perfsentinel/internal/config"
)

// CleanupCommand holds flags for the cleanup verb.
type CleanupCommand struct {
	storage storageFlags

	olderThan string
	dryRun    bool
	force     bool
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand() *cobra.Command {
	cc := &CleanupCommand{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention policy to stored state",
		Long: `Remove archived runs, job records and leftover temp files older than the
retention policy. --older-than overrides every configured age class;
--dry-run previews without deleting. Destructive passes ask for
confirmation unless --force is given.`,
		RunE: cc.run,
	}

	cc.storage.register(cmd)

	flags := cmd.Flags()
	flags.StringVar(&cc.olderThan, "older-than", "", "Age cutoff as a day count, e.g. 30d")
	flags.BoolVar(&cc.dryRun, "dry-run", false, "Report what would be removed without deleting")
	flags.BoolVar(&cc.force, "force", false, "Skip the confirmation prompt")

	return cmd
}

func (cc *CleanupCommand) run(cmd *cobra.Command, _ []string) error {
	if err := cc.storage.requireAtMostOne(); err != nil {
		return err
	}

	opts := cleanup.Options{DryRun: cc.dryRun, Force: cc.force}

	if cc.olderThan != "" {
		olderThan, parseErr := cleanup.ParseOlderThan(cc.olderThan)
		if parseErr != nil {
			return parseErr
		}

		opts.OlderThan = olderThan
	}

	cfg, cfgErr := cc.storage.load(config.Overrides{})
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

	eng := cleanup.New(service, cmd.InOrStdin(), cmd.OutOrStdout(), logger)

	result, runErr := eng.Run(ctx, cfg.Project.ID, cfg.StorageOptions().Retention, opts)
	if runErr != nil {
		// A declined prompt is an operator decision, not a failure.
		if errors.Is(runErr, cleanup.ErrAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Cleanup aborted.")

			return nil
		}

		return runErr
	}

	verb := "Removed"
	if result.DryRun {
		verb = "Would remove"
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %d runs, %d jobs and %d temp files (%s)\n",
		verb,
		result.RunsRemoved,
		result.JobsRemoved,
		result.TempFilesRemoved,
		humanize.Bytes(uint64(result.BytesReclaimed)))

	return nil
}
