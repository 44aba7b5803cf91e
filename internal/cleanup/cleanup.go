// Package cleanup prunes aged run archives and job records through a
// storage adapter. It parses the day-count form the CLI accepts, resolves
// the effective retention policy, and guards destructive passes behind an
// operator confirmation. The baseline history document is never a cleanup
// target; adapters enforce that themselves.
package cleanup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/storage"
)

// ErrAborted reports that the operator declined the confirmation prompt.
// Callers treat it as a clean stop, not a failure.
var ErrAborted = errors.New("cleanup aborted")

const hoursPerDay = 24

// Storage is the slice of the storage contract the engine uses.
type Storage interface {
	Cleanup(ctx context.Context, projectID string, policy config.RetentionPolicy, dryRun bool) (*storage.CleanupResult, error)
}

// Options control one retention pass.
type Options struct {
	// OlderThan, when positive, overrides every age class in the policy.
	OlderThan time.Duration

	// DryRun reports what a pass would remove without deleting anything.
	DryRun bool

	// Force skips the interactive confirmation.
	Force bool
}

// Engine runs retention passes against one storage backend and owns the
// confirmation dialogue with the operator.
type Engine struct {
	store  Storage
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// New returns an engine. Nil in/out fall back to the process streams and a
// nil logger falls back to slog.Default.
func New(store Storage, in io.Reader, out io.Writer, logger *slog.Logger) *Engine {
	if in == nil {
		in = os.Stdin
	}

	if out == nil {
		out = os.Stdout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{store: store, in: in, out: out, logger: logger}
}

// ParseOlderThan converts the CLI day-count form ("30d") into a duration.
// Only whole positive day counts are accepted.
func ParseOlderThan(raw string) (time.Duration, error) {
	digits, ok := strings.CutSuffix(raw, "d")
	if !ok {
		return 0, fmt.Errorf("%w: --older-than expects a day count like 30d, got %q", config.ErrConfigInvalid, raw)
	}

	days, parseErr := strconv.Atoi(digits)
	if parseErr != nil || days <= 0 {
		return 0, fmt.Errorf("%w: --older-than expects a positive day count like 30d, got %q", config.ErrConfigInvalid, raw)
	}

	return time.Duration(days) * hoursPerDay * time.Hour, nil
}

// Run executes one retention pass. Dry runs report without deleting.
// Destructive passes first preview the damage and ask the operator to
// confirm unless forced; a declined prompt returns ErrAborted. An empty
// preview skips the prompt, the pass then removes nothing.
func (e *Engine) Run(ctx context.Context, projectID string, policy config.RetentionPolicy, opts Options) (*storage.CleanupResult, error) {
	effective := resolvePolicy(policy, opts.OlderThan)

	if opts.DryRun {
		result, previewErr := e.store.Cleanup(ctx, projectID, effective, true)
		if previewErr != nil {
			return nil, fmt.Errorf("preview cleanup: %w", previewErr)
		}

		return result, nil
	}

	if !opts.Force {
		preview, previewErr := e.store.Cleanup(ctx, projectID, effective, true)
		if previewErr != nil {
			return nil, fmt.Errorf("preview cleanup: %w", previewErr)
		}

		if removesAnything(preview) {
			confirmed, confirmErr := e.confirm(projectID, preview)
			if confirmErr != nil {
				return nil, confirmErr
			}

			if !confirmed {
				return nil, ErrAborted
			}
		}
	}

	result, cleanupErr := e.store.Cleanup(ctx, projectID, effective, false)
	if cleanupErr != nil {
		return nil, fmt.Errorf("run cleanup: %w", cleanupErr)
	}

	e.logger.Info("cleanup finished",
		"project", projectID,
		"runs", result.RunsRemoved,
		"jobs", result.JobsRemoved,
		"tempFiles", result.TempFilesRemoved,
		"reclaimed", humanize.Bytes(uint64(result.BytesReclaimed)))

	return result, nil
}

// confirm shows the preview and reads the operator's answer. Anything but
// an explicit yes declines.
func (e *Engine) confirm(projectID string, preview *storage.CleanupResult) (bool, error) {
	fmt.Fprintf(e.out, "About to remove %d runs, %d jobs and %d temp files (%s) from project %q.\n",
		preview.RunsRemoved,
		preview.JobsRemoved,
		preview.TempFilesRemoved,
		humanize.Bytes(uint64(preview.BytesReclaimed)),
		projectID)
	fmt.Fprint(e.out, "Proceed? (y/N): ")

	line, readErr := bufio.NewReader(e.in).ReadString('\n')
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", readErr)
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes", nil
}

// resolvePolicy applies the explicit override to every age class.
func resolvePolicy(policy config.RetentionPolicy, olderThan time.Duration) config.RetentionPolicy {
	if olderThan <= 0 {
		return policy
	}

	return config.RetentionPolicy{
		MaxRunAge:          olderThan,
		MaxJobAge:          olderThan,
		MaxCompletedJobAge: olderThan,
	}
}

func removesAnything(result *storage.CleanupResult) bool {
	return result.RunsRemoved > 0 || result.JobsRemoved > 0 || result.TempFilesRemoved > 0
}
