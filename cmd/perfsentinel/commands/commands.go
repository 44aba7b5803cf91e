// Package commands implements CLI command handlers for perfsentinel.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/internal/storage"

	// Storage adapters register themselves with the resolver.
	_ "github.com/perfsentinel/perfsentinel/internal/storage/docstore"
	_ "github.com/perfsentinel/perfsentinel/internal/storage/fs"
	_ "github.com/perfsentinel/perfsentinel/internal/storage/s3store"
)

var (
	// ErrNoStorageSource is returned when a verb that requires a backend
	// got no storage source flag.
	ErrNoStorageSource = fmt.Errorf(
		"%w: exactly one of --config, --db-connection, --bucket-name or --history-file is required",
		config.ErrConfigInvalid,
	)

	// ErrAmbiguousStorageSource is returned when more than one storage
	// source flag was supplied.
	ErrAmbiguousStorageSource = fmt.Errorf(
		"%w: --config, --db-connection, --bucket-name and --history-file are mutually exclusive",
		config.ErrConfigInvalid,
	)
)

const outputDirPerm = 0o750

// historyStore is the slice of the storage contract the analyze paths use.
type historyStore interface {
	GetHistory(ctx context.Context, projectID string) (*baseline.Document, error)
	SaveHistory(ctx context.Context, projectID string, doc *baseline.Document) error
}

// storageFlags is the storage-source flag group shared by every verb that
// touches a backend. The chosen source decides the adapter: a connection
// URI selects the document store, a bucket the object store, a history
// file the filesystem, and a config file decides for itself.
type storageFlags struct {
	configFile  string
	environment string
	profile     string

	historyFile string
	connection  string
	bucketName  string
	projectID   string
}

// register binds the shared storage flags onto cmd.
func (sf *storageFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&sf.configFile, "config", "", "Path to a perfsentinel configuration file")
	flags.StringVar(&sf.historyFile, "history-file", "", "Path to a filesystem history file")
	flags.StringVar(&sf.connection, "db-connection", "", "Document store connection URI")
	flags.StringVar(&sf.bucketName, "bucket-name", "", "Object store bucket name")
	flags.StringVar(&sf.projectID, "project-id", "", "Project namespace for stored state")
}

// registerSelectors binds the configuration layering selectors onto cmd.
func (sf *storageFlags) registerSelectors(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&sf.environment, "environment", "", "Environment block to merge from the configuration")
	flags.StringVar(&sf.profile, "profile", "", "Profile block to merge from the configuration")
}

// sourceCount counts the storage source flags that were supplied.
func (sf *storageFlags) sourceCount() int {
	count := 0

	for _, value := range []string{sf.configFile, sf.connection, sf.bucketName, sf.historyFile} {
		if value != "" {
			count++
		}
	}

	return count
}

// requireOneSource enforces the strict source rule: exactly one of the
// four source flags must name where state lives.
func (sf *storageFlags) requireOneSource() error {
	switch count := sf.sourceCount(); {
	case count == 0:
		return ErrNoStorageSource
	case count > 1:
		return ErrAmbiguousStorageSource
	}

	return nil
}

// requireAtMostOne enforces the relaxed source rule for verbs where the
// implicit configuration is an acceptable fallback.
func (sf *storageFlags) requireAtMostOne() error {
	if sf.sourceCount() > 1 {
		return ErrAmbiguousStorageSource
	}

	return nil
}

// load resolves the layered configuration with the CLI overrides applied.
func (sf *storageFlags) load(overrides config.Overrides) (*config.Config, error) {
	overrides.ProjectID = sf.projectID
	overrides.HistoryFile = sf.historyFile
	overrides.Connection = sf.connection
	overrides.BucketName = sf.bucketName

	return config.Load(config.LoadOptions{
		ConfigFile:  sf.configFile,
		Environment: sf.environment,
		Profile:     sf.profile,
		Overrides:   overrides,
	})
}

// openStorage builds and initializes the storage service for the resolved
// configuration. The caller owns Close.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Service, error) {
	service, newErr := storage.NewService(cfg.StorageOptions(), logger)
	if newErr != nil {
		return nil, newErr
	}

	if initErr := service.Initialize(ctx); initErr != nil {
		return nil, initErr
	}

	return service, nil
}

// closeStorage releases the service, logging instead of failing: by the
// time Close runs the command's real outcome is already decided.
func closeStorage(ctx context.Context, service *storage.Service, logger *slog.Logger) {
	if err := service.Close(ctx); err != nil {
		logger.Warn("storage close failed", "error", err)
	}
}

// newCLILogger builds the stderr logger for one invocation. Quiet wins
// over verbose.
func newCLILogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo

	if verbose, err := cmd.Flags().GetBool("verbose"); err == nil && verbose {
		level = slog.LevelDebug
	}

	if quiet, err := cmd.Flags().GetBool("quiet"); err == nil && quiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// emitReports renders the report through every named reporter. File
// reporters land under outputDir; reporters without a filename write to
// out.
func emitReports(out io.Writer, rep *report.Report, names []string, outputDir string) error {
	reporters, err := report.NewReporters(names)
	if err != nil {
		return err
	}

	for _, reporter := range reporters {
		if reporter.Filename() == "" {
			if emitErr := reporter.Emit(out, rep); emitErr != nil {
				return fmt.Errorf("emit %s report: %w", reporter.Name(), emitErr)
			}

			continue
		}

		if emitErr := emitReportFile(reporter, rep, outputDir); emitErr != nil {
			return emitErr
		}
	}

	return nil
}

func emitReportFile(reporter report.Reporter, rep *report.Report, outputDir string) error {
	if outputDir == "" {
		outputDir = "."
	}

	if mkErr := os.MkdirAll(outputDir, outputDirPerm); mkErr != nil {
		return fmt.Errorf("create output directory %s: %w", outputDir, mkErr)
	}

	path := filepath.Join(outputDir, reporter.Filename())

	file, createErr := os.Create(path)
	if createErr != nil {
		return fmt.Errorf("create %s report: %w", reporter.Name(), createErr)
	}

	if emitErr := reporter.Emit(file, rep); emitErr != nil {
		_ = file.Close()

		return fmt.Errorf("emit %s report: %w", reporter.Name(), emitErr)
	}

	if closeErr := file.Close(); closeErr != nil {
		return fmt.Errorf("close %s report: %w", reporter.Name(), closeErr)
	}

	return nil
}
