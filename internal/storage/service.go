package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
	"github.com/perfsentinel/perfsentinel/pkg/observability"
)

// storageTracerName identifies per-operation storage spans. The tracer
// filter drops this tracer unless verbose tracing is enabled, so the
// per-op spans cost nothing on the default path.
const storageTracerName = "perfsentinel.storage"

// FallbackEvent records one fallback from the primary adapter to the
// filesystem standby.
type FallbackEvent struct {
	// Op is the contract operation that fell back.
	Op string
	// From is the primary adapter type that failed.
	From config.AdapterType
	// Err is the primary failure that triggered the fallback.
	Err error
	// At is when the fallback happened.
	At time.Time
}

// fallbackEventBuffer bounds the Events channel; excess events are dropped
// rather than blocking storage operations.
const fallbackEventBuffer = 16

// Service wraps the configured adapter with per-operation filesystem
// fallback. When the primary fails in a retriable way and a filesystem
// location is configured, the failed operation is retried once against a
// lazily initialized filesystem adapter, and a FallbackEvent is emitted.
// Programmer errors and permanent failures surface unchanged.
//
// Service itself satisfies Adapter, so callers stay agnostic of the
// fallback layer.
type Service struct {
	opts         config.StorageOptions
	logger       *slog.Logger
	tracer       trace.Tracer
	primary      Adapter
	resolvedType config.AdapterType

	// primaryDown is set during Initialize when the primary failed
	// eligibly and the standby took over. It is not written afterwards.
	primaryDown bool

	standbyMu  sync.Mutex
	standby    Adapter
	newStandby Factory

	events chan FallbackEvent
}

// NewService constructs the adapter selected by the options and wraps it.
// A nil logger falls back to slog.Default.
func NewService(opts config.StorageOptions, logger *slog.Logger) (*Service, error) {
	primary, newErr := NewAdapter(opts)
	if newErr != nil {
		return nil, newErr
	}

	return NewServiceWithAdapter(primary, opts, logger), nil
}

// NewServiceWithAdapter wraps an explicit primary adapter. The options
// still decide whether a filesystem standby is available.
func NewServiceWithAdapter(primary Adapter, opts config.StorageOptions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		opts:         opts,
		logger:       logger,
		tracer:       otel.Tracer(storageTracerName),
		primary:      primary,
		resolvedType: primary.Type(),
		newStandby:   NewAdapter,
		events:       make(chan FallbackEvent, fallbackEventBuffer),
	}
}

// Events exposes fallback events for inspection. The channel is buffered;
// events beyond the buffer are dropped.
func (s *Service) Events() <-chan FallbackEvent {
	return s.events
}

// Initialize acquires the primary adapter. An eligible primary failure
// switches the service onto the filesystem standby for its lifetime.
func (s *Service) Initialize(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Initialize")
	defer span.End()

	initErr := s.primary.Initialize(ctx)
	if initErr == nil {
		return nil
	}

	if !eligibleForFallback(initErr) || !s.fallbackConfigured() {
		recordOpError(span, initErr)

		return initErr
	}

	if _, standbyErr := s.standbyAdapter(ctx); standbyErr != nil {
		s.logger.Warn("filesystem fallback unavailable",
			"op", "Initialize", "adapter", s.resolvedType, "error", standbyErr)
		recordOpError(span, initErr)

		return initErr
	}

	s.primaryDown = true
	s.noteFallback("Initialize", initErr)
	span.SetAttributes(attribute.Bool("storage.fallback", true))

	return nil
}

// Close releases the primary and, when built, the standby.
func (s *Service) Close(ctx context.Context) error {
	var closeErrs []error

	if !s.primaryDown {
		if closeErr := s.primary.Close(ctx); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
	}

	s.standbyMu.Lock()
	standby := s.standby
	s.standbyMu.Unlock()

	if standby != nil {
		if closeErr := standby.Close(ctx); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
	}

	return errors.Join(closeErrs...)
}

// Type reports the adapter type currently serving operations.
func (s *Service) Type() config.AdapterType {
	if s.primaryDown {
		return config.AdapterFilesystem
	}

	return s.resolvedType
}

// GetHistory implements Adapter with fallback.
func (s *Service) GetHistory(ctx context.Context, projectID string) (*baseline.Document, error) {
	return invoke(ctx, s, "GetHistory", func(ctx context.Context, a Adapter) (*baseline.Document, error) {
		return a.GetHistory(ctx, projectID)
	})
}

// SaveHistory implements Adapter with fallback.
func (s *Service) SaveHistory(ctx context.Context, projectID string, doc *baseline.Document) error {
	_, err := invoke(ctx, s, "SaveHistory", func(ctx context.Context, a Adapter) (struct{}, error) {
		return struct{}{}, a.SaveHistory(ctx, projectID, doc)
	})

	return err
}

// SeedHistory implements Adapter with fallback.
func (s *Service) SeedHistory(ctx context.Context, projectID string, seed map[string][]float64) error {
	_, err := invoke(ctx, s, "SeedHistory", func(ctx context.Context, a Adapter) (struct{}, error) {
		return struct{}{}, a.SeedHistory(ctx, projectID, seed)
	})

	return err
}

// SavePerformanceRun implements Adapter with fallback.
func (s *Service) SavePerformanceRun(ctx context.Context, projectID string, samples []telemetry.StepSample, meta map[string]any) (string, error) {
	return invoke(ctx, s, "SavePerformanceRun", func(ctx context.Context, a Adapter) (string, error) {
		return a.SavePerformanceRun(ctx, projectID, samples, meta)
	})
}

// GetPerformanceRuns implements Adapter with fallback.
func (s *Service) GetPerformanceRuns(ctx context.Context, projectID string, limit int) ([]telemetry.RunDocument, error) {
	return invoke(ctx, s, "GetPerformanceRuns", func(ctx context.Context, a Adapter) ([]telemetry.RunDocument, error) {
		return a.GetPerformanceRuns(ctx, projectID, limit)
	})
}

// AggregateResults implements Adapter with fallback.
func (s *Service) AggregateResults(ctx context.Context, projectID string, jobIDs []string) (*AggregateResult, error) {
	return invoke(ctx, s, "AggregateResults", func(ctx context.Context, a Adapter) (*AggregateResult, error) {
		return a.AggregateResults(ctx, projectID, jobIDs)
	})
}

// RegisterJob implements Adapter with fallback.
func (s *Service) RegisterJob(ctx context.Context, projectID, jobID string, info map[string]any) error {
	_, err := invoke(ctx, s, "RegisterJob", func(ctx context.Context, a Adapter) (struct{}, error) {
		return struct{}{}, a.RegisterJob(ctx, projectID, jobID, info)
	})

	return err
}

// UpdateJobStatus implements Adapter with fallback.
func (s *Service) UpdateJobStatus(ctx context.Context, projectID, jobID string, status JobStatus, meta map[string]any) error {
	_, err := invoke(ctx, s, "UpdateJobStatus", func(ctx context.Context, a Adapter) (struct{}, error) {
		return struct{}{}, a.UpdateJobStatus(ctx, projectID, jobID, status, meta)
	})

	return err
}

// GetJobInfo implements Adapter with fallback.
func (s *Service) GetJobInfo(ctx context.Context, projectID, jobID string) (*JobRecord, error) {
	return invoke(ctx, s, "GetJobInfo", func(ctx context.Context, a Adapter) (*JobRecord, error) {
		return a.GetJobInfo(ctx, projectID, jobID)
	})
}

// WaitForJobs implements Adapter. Waiting does not fall back: a timeout is
// an expected outcome, and retrying a full wait elsewhere would double the
// caller's deadline.
func (s *Service) WaitForJobs(ctx context.Context, projectID string, jobIDs []string, opts WaitOptions) (*WaitResult, error) {
	ctx, span := s.startSpan(ctx, "WaitForJobs", attribute.Int("job.count", len(jobIDs)))
	defer span.End()

	result, err := s.active().WaitForJobs(ctx, projectID, jobIDs, opts)
	if err != nil {
		recordOpError(span, err)

		return result, err
	}

	span.SetAttributes(attribute.Bool("timed_out", result.TimedOut))

	return result, nil
}

// Cleanup implements Adapter. Cleanup does not fall back: deleting from
// the standby while the primary holds the data would report misleading
// counts.
func (s *Service) Cleanup(ctx context.Context, projectID string, policy config.RetentionPolicy, dryRun bool) (*CleanupResult, error) {
	ctx, span := s.startSpan(ctx, "Cleanup", attribute.Bool("cleanup.dry_run", dryRun))
	defer span.End()

	result, err := s.active().Cleanup(ctx, projectID, policy, dryRun)
	if err != nil {
		recordOpError(span, err)
	}

	return result, err
}

// HealthStatus implements Adapter. With the standby active, its health is
// reported and the primary outage is noted in the details.
func (s *Service) HealthStatus(ctx context.Context) HealthStatus {
	if !s.primaryDown {
		return s.primary.HealthStatus(ctx)
	}

	status := s.active().HealthStatus(ctx)
	if status.Details == nil {
		status.Details = map[string]any{}
	}

	status.Details["fallbackActive"] = true
	status.Details["primaryType"] = string(s.resolvedType)

	return status
}

func (s *Service) active() Adapter {
	if s.primaryDown {
		s.standbyMu.Lock()
		defer s.standbyMu.Unlock()

		return s.standby
	}

	return s.primary
}

// invoke runs fn against the primary and retries once against the
// filesystem standby when the failure is eligible.
func invoke[T any](ctx context.Context, s *Service, op string, fn func(context.Context, Adapter) (T, error)) (T, error) {
	ctx, span := s.startSpan(ctx, op)
	defer span.End()

	if s.primaryDown {
		out, err := fn(ctx, s.active())
		if err != nil {
			recordOpError(span, err)
		}

		return out, err
	}

	out, err := fn(ctx, s.primary)
	if err == nil {
		return out, nil
	}

	if !eligibleForFallback(err) || !s.fallbackConfigured() {
		recordOpError(span, err)

		return out, err
	}

	standby, standbyErr := s.standbyAdapter(ctx)
	if standbyErr != nil {
		s.logger.Warn("filesystem fallback unavailable",
			"op", op, "adapter", s.resolvedType, "error", standbyErr)
		recordOpError(span, err)

		return out, err
	}

	s.noteFallback(op, err)
	span.SetAttributes(attribute.Bool("storage.fallback", true))

	out, err = fn(ctx, standby)
	if err != nil {
		recordOpError(span, err)
	}

	return out, err
}

// startSpan opens a per-operation span on the storage tracer. The current
// serving adapter is attached so fallback sessions are distinguishable.
func (s *Service) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("storage.adapter", string(s.Type())))

	return s.tracer.Start(ctx, "storage."+op, trace.WithAttributes(attrs...))
}

// recordOpError classifies a contract error onto the span. Sentinel
// mapping keeps trace queries aligned with the fallback eligibility rules.
func recordOpError(span trace.Span, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotInitialized), errors.Is(err, ErrJobNotFound):
		observability.RecordSpanError(span, err, observability.ErrTypeValidation, observability.ErrSourceClient)
	case errors.Is(err, ErrTimeout):
		observability.RecordSpanError(span, err, observability.ErrTypeTimeout, observability.ErrSourceDependency)
	case errors.Is(err, ErrTransient):
		observability.RecordSpanError(span, err, observability.ErrTypeDependencyUnavailable, observability.ErrSourceDependency)
	default:
		observability.RecordSpanError(span, err, observability.ErrTypeInternal, observability.ErrSourceDependency)
	}
}

// eligibleForFallback reports whether the filesystem could plausibly
// succeed where the primary failed. Programmer errors, permanent failures,
// and replacement conflicts surface unchanged.
func eligibleForFallback(err error) bool {
	if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotInitialized) {
		return false
	}

	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrConflict) {
		return false
	}

	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// fallbackConfigured reports whether a filesystem standby makes sense: the
// primary is not already the filesystem, and a location is known.
func (s *Service) fallbackConfigured() bool {
	if s.resolvedType == config.AdapterFilesystem {
		return false
	}

	return s.opts.HistoryFile != "" || s.opts.BaseDirectory != ""
}

// standbyAdapter lazily constructs and initializes the filesystem standby.
// Failures are not cached, so a later call may succeed.
func (s *Service) standbyAdapter(ctx context.Context) (Adapter, error) {
	s.standbyMu.Lock()
	defer s.standbyMu.Unlock()

	if s.standby != nil {
		return s.standby, nil
	}

	standbyOpts := s.opts
	standbyOpts.AdapterType = config.AdapterFilesystem

	standby, newErr := s.newStandby(standbyOpts)
	if newErr != nil {
		return nil, newErr
	}

	if initErr := standby.Initialize(ctx); initErr != nil {
		return nil, initErr
	}

	s.standby = standby

	return standby, nil
}

func (s *Service) noteFallback(op string, err error) {
	event := FallbackEvent{
		Op:   op,
		From: s.resolvedType,
		Err:  err,
		At:   time.Now(),
	}

	select {
	case s.events <- event:
	default:
	}

	s.logger.Warn("falling back to filesystem storage",
		"op", op, "adapter", s.resolvedType, "error", err)
}
