// Package aggregate coordinates multi-job result collection: optionally
// wait for the named jobs to reach a terminal status, then concatenate
// their archived run samples into one synthetic input for the analysis
// engine. The coordinator reads runs and job records only; it never
// mutates baseline history.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perfsentinel/perfsentinel/internal/storage"
)

// Storage is the slice of the storage contract the coordinator uses.
type Storage interface {
	WaitForJobs(ctx context.Context, projectID string, jobIDs []string, opts storage.WaitOptions) (*storage.WaitResult, error)
	AggregateResults(ctx context.Context, projectID string, jobIDs []string) (*storage.AggregateResult, error)
}

// Options bound one coordination pass.
type Options struct {
	// WaitForJobs gates the coordination wait before aggregation.
	WaitForJobs bool
	// Timeout bounds the coordination wait. Zero takes the storage
	// default.
	Timeout time.Duration
	// PollInterval is the wait's polling cadence. Zero takes the storage
	// default.
	PollInterval time.Duration
}

// Result is one coordination outcome: the aggregate plus, when a wait ran,
// the observed job statuses.
type Result struct {
	storage.AggregateResult

	// Wait is nil when no coordination wait ran.
	Wait *storage.WaitResult `json:"wait,omitempty"`

	// Partial is set when the wait timed out: the aggregate may be
	// missing samples from jobs that had not finished publishing.
	Partial bool `json:"partial"`
}

// Coordinator drives wait-then-aggregate passes against one storage
// backend.
type Coordinator struct {
	store  Storage
	logger *slog.Logger
}

// New returns a coordinator. A nil logger falls back to slog.Default.
func New(store Storage, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{store: store, logger: logger}
}

// Run optionally waits for the listed jobs, then aggregates their archived
// samples. A wait timeout does not abort: aggregation proceeds over
// whatever runs are visible and the result is marked partial. Context
// cancellation and storage failures abort with no result.
func (c *Coordinator) Run(ctx context.Context, projectID string, jobIDs []string, opts Options) (*Result, error) {
	result := &Result{}

	if opts.WaitForJobs && len(jobIDs) > 0 {
		waitOpts := storage.WaitOptions{
			Timeout:      opts.Timeout,
			PollInterval: opts.PollInterval,
		}

		wait, waitErr := c.store.WaitForJobs(ctx, projectID, jobIDs, waitOpts)
		if waitErr != nil {
			return nil, fmt.Errorf("wait for jobs: %w", waitErr)
		}

		result.Wait = wait
		result.Partial = wait.TimedOut

		if wait.TimedOut {
			c.logger.Warn("job wait timed out, aggregating partial results",
				"project", projectID,
				"jobs", len(jobIDs),
				"waited", wait.WaitTime)
		}
	}

	agg, aggErr := c.store.AggregateResults(ctx, projectID, jobIDs)
	if aggErr != nil {
		return nil, fmt.Errorf("aggregate results: %w", aggErr)
	}

	result.AggregateResult = *agg

	return result, nil
}
