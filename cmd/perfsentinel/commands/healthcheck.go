package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/storage"
)

// ErrHealthCheckFailed is returned when the backend is not healthy, so the
// process exits non-zero.
var ErrHealthCheckFailed = errors.New("health check failed")

// HealthCheckCommand holds flags for the health-check verb.
type HealthCheckCommand struct {
	storage storageFlags
}

// NewHealthCheckCommand creates the health-check command.
func NewHealthCheckCommand() *cobra.Command {
	hc := &HealthCheckCommand{}

	cmd := &cobra.Command{
		Use:   "health-check",
		Short: "Probe the configured storage backend",
		Long: `Resolve the storage configuration, connect to the backend and probe it.
Exits non-zero unless the backend reports healthy.`,
		RunE: hc.run,
	}

	hc.storage.register(cmd)

	return cmd
}

func (hc *HealthCheckCommand) run(cmd *cobra.Command, _ []string) error {
	if err := hc.storage.requireAtMostOne(); err != nil {
		return err
	}

	cfg, cfgErr := hc.storage.load(config.Overrides{})
	if cfgErr != nil {
		return cfgErr
	}

	ctx := cmd.Context()
	logger := newCLILogger(cmd)
	out := cmd.OutOrStdout()

	service, newErr := storage.NewService(cfg.StorageOptions(), logger)
	if newErr != nil {
		return newErr
	}

	if initErr := service.Initialize(ctx); initErr != nil {
		fmt.Fprintf(out, "Storage (%s): unreachable\n", service.Type())

		return fmt.Errorf("%w: %v", ErrHealthCheckFailed, initErr)
	}
	defer closeStorage(ctx, service, logger)

	status := service.HealthStatus(ctx)
	printHealth(out, status)

	if status.Status != storage.HealthHealthy {
		return fmt.Errorf("%w: %s backend is %s", ErrHealthCheckFailed, status.Type, status.Status)
	}

	return nil
}

func printHealth(out io.Writer, status storage.HealthStatus) {
	fmt.Fprintf(out, "Storage (%s): %s\n", status.Type, status.Status)

	keys := make([]string, 0, len(status.Details))
	for key := range status.Details {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		fmt.Fprintf(out, "  %s: %v\n", key, status.Details[key])
	}

	if status.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", status.Error)
	}
}
