package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// fakeAdapter records calls and fails the operations listed in errs.
type fakeAdapter struct {
	typ       config.AdapterType
	initErr   error
	closeErr  error
	errs      map[string]error
	calls     []string
	histories map[string]*baseline.Document
	jobs      map[string]*JobRecord
	health    HealthStatus
}

func newFakeAdapter(typ config.AdapterType) *fakeAdapter {
	return &fakeAdapter{
		typ:       typ,
		errs:      map[string]error{},
		histories: map[string]*baseline.Document{},
		jobs:      map[string]*JobRecord{},
		health:    HealthStatus{Type: typ, Status: HealthHealthy},
	}
}

func (f *fakeAdapter) fail(op string, err error) {
	f.errs[op] = err
}

func (f *fakeAdapter) note(op string) error {
	f.calls = append(f.calls, op)

	return f.errs[op]
}

func (f *fakeAdapter) called(op string) bool {
	for _, call := range f.calls {
		if call == op {
			return true
		}
	}

	return false
}

func (f *fakeAdapter) Initialize(context.Context) error {
	f.calls = append(f.calls, "Initialize")

	return f.initErr
}

func (f *fakeAdapter) Close(context.Context) error {
	f.calls = append(f.calls, "Close")

	return f.closeErr
}

func (f *fakeAdapter) Type() config.AdapterType {
	return f.typ
}

func (f *fakeAdapter) GetHistory(_ context.Context, projectID string) (*baseline.Document, error) {
	if err := f.note("GetHistory"); err != nil {
		return nil, err
	}

	if doc, ok := f.histories[projectID]; ok {
		return doc, nil
	}

	return baseline.NewDocument(), nil
}

func (f *fakeAdapter) SaveHistory(_ context.Context, projectID string, doc *baseline.Document) error {
	if err := f.note("SaveHistory"); err != nil {
		return err
	}

	f.histories[projectID] = doc

	return nil
}

func (f *fakeAdapter) SeedHistory(_ context.Context, projectID string, _ map[string][]float64) error {
	if err := f.note("SeedHistory"); err != nil {
		return err
	}

	f.histories[projectID] = baseline.NewDocument()

	return nil
}

func (f *fakeAdapter) SavePerformanceRun(_ context.Context, _ string, _ []telemetry.StepSample, meta map[string]any) (string, error) {
	if err := f.note("SavePerformanceRun"); err != nil {
		return "", err
	}

	if id, ok := RunIDFromMeta(meta); ok {
		return id, nil
	}

	return "run-fake", nil
}

func (f *fakeAdapter) GetPerformanceRuns(_ context.Context, _ string, _ int) ([]telemetry.RunDocument, error) {
	if err := f.note("GetPerformanceRuns"); err != nil {
		return nil, err
	}

	return nil, nil
}

func (f *fakeAdapter) AggregateResults(_ context.Context, _ string, _ []string) (*AggregateResult, error) {
	if err := f.note("AggregateResults"); err != nil {
		return nil, err
	}

	return &AggregateResult{AggregationTimestamp: time.Now()}, nil
}

func (f *fakeAdapter) RegisterJob(_ context.Context, projectID, jobID string, _ map[string]any) error {
	if err := f.note("RegisterJob"); err != nil {
		return err
	}

	f.jobs[jobID] = &JobRecord{ProjectID: projectID, JobID: jobID, Status: StatusRegistered}

	return nil
}

func (f *fakeAdapter) UpdateJobStatus(_ context.Context, _, jobID string, status JobStatus, _ map[string]any) error {
	if err := f.note("UpdateJobStatus"); err != nil {
		return err
	}

	record, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	record.Status = status

	return nil
}

func (f *fakeAdapter) GetJobInfo(_ context.Context, _, jobID string) (*JobRecord, error) {
	if err := f.note("GetJobInfo"); err != nil {
		return nil, err
	}

	record, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	return record, nil
}

func (f *fakeAdapter) WaitForJobs(ctx context.Context, projectID string, jobIDs []string, opts WaitOptions) (*WaitResult, error) {
	if err := f.note("WaitForJobs"); err != nil {
		return nil, err
	}

	return PollJobs(ctx, jobIDs, opts, func(ctx context.Context, jobID string) (JobStatus, error) {
		record, getErr := f.GetJobInfo(ctx, projectID, jobID)
		if getErr != nil {
			return "", getErr
		}

		return record.Status, nil
	})
}

func (f *fakeAdapter) Cleanup(_ context.Context, _ string, _ config.RetentionPolicy, dryRun bool) (*CleanupResult, error) {
	if err := f.note("Cleanup"); err != nil {
		return nil, err
	}

	return &CleanupResult{DryRun: dryRun}, nil
}

func (f *fakeAdapter) HealthStatus(context.Context) HealthStatus {
	f.calls = append(f.calls, "HealthStatus")

	return f.health
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fallbackOpts() config.StorageOptions {
	return config.StorageOptions{
		AdapterType:   config.AdapterDatabase,
		ProjectID:     "web-app",
		BaseDirectory: ".perfsentinel",
		Connection:    "mongodb://localhost:27017",
	}
}

func newTestService(primary, standby *fakeAdapter, opts config.StorageOptions) *Service {
	svc := NewServiceWithAdapter(primary, opts, discardLogger())
	svc.newStandby = func(config.StorageOptions) (Adapter, error) {
		if standby == nil {
			return nil, fmt.Errorf("%w: no standby in this test", ErrPermanent)
		}

		return standby, nil
	}

	return svc
}

func drainEvent(t *testing.T, svc *Service) FallbackEvent {
	t.Helper()

	select {
	case event := <-svc.Events():
		return event
	default:
		t.Fatal("expected a fallback event")

		return FallbackEvent{}
	}
}

func TestServiceFallsBackOnTransientFailure(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	primary.fail("GetHistory", fmt.Errorf("%w: connection reset", ErrTransient))

	standby := newFakeAdapter(config.AdapterFilesystem)
	seeded := baseline.NewDocument()
	seeded.SetStep("navigate", baseline.NewSeededEntry([]float64{150, 155, 148}, time.Time{}))
	standby.histories["web-app"] = seeded

	svc := newTestService(primary, standby, fallbackOpts())
	require.NoError(t, svc.Initialize(context.Background()))

	doc, getErr := svc.GetHistory(context.Background(), "web-app")

	require.NoError(t, getErr)
	assert.Equal(t, 1, doc.Len())
	assert.True(t, standby.called("Initialize"))
	assert.True(t, standby.called("GetHistory"))

	event := drainEvent(t, svc)
	assert.Equal(t, "GetHistory", event.Op)
	assert.Equal(t, config.AdapterDatabase, event.From)
	assert.ErrorIs(t, event.Err, ErrTransient)
}

func TestServiceFallsBackOnTimeout(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterS3)
	primary.fail("SavePerformanceRun", fmt.Errorf("%w: put object", ErrTimeout))

	standby := newFakeAdapter(config.AdapterFilesystem)
	svc := newTestService(primary, standby, fallbackOpts())
	require.NoError(t, svc.Initialize(context.Background()))

	runID, saveErr := svc.SavePerformanceRun(context.Background(), "web-app", nil, map[string]any{"runId": "run-9"})

	require.NoError(t, saveErr)
	assert.Equal(t, "run-9", runID)
	assert.True(t, standby.called("SavePerformanceRun"))
}

func TestServiceDoesNotMaskProgrammerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "invalid_argument", err: fmt.Errorf("%w: empty project id", ErrInvalidArgument)},
		{name: "permanent", err: fmt.Errorf("%w: access denied", ErrPermanent)},
		{name: "conflict", err: fmt.Errorf("%w: history replaced concurrently", ErrConflict)},
		{name: "run_malformed", err: fmt.Errorf("save run: %w", telemetry.ErrRunMalformed)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			primary := newFakeAdapter(config.AdapterDatabase)
			primary.fail("SaveHistory", tt.err)

			standby := newFakeAdapter(config.AdapterFilesystem)
			svc := newTestService(primary, standby, fallbackOpts())
			require.NoError(t, svc.Initialize(context.Background()))

			saveErr := svc.SaveHistory(context.Background(), "web-app", baseline.NewDocument())

			require.Error(t, saveErr)
			assert.False(t, standby.called("SaveHistory"))

			select {
			case <-svc.Events():
				t.Fatal("programmer errors must not emit fallback events")
			default:
			}
		})
	}
}

func TestServiceNoFallbackWithoutFilesystemLocation(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	primary.fail("GetHistory", fmt.Errorf("%w: connection reset", ErrTransient))

	opts := fallbackOpts()
	opts.BaseDirectory = ""
	opts.HistoryFile = ""

	standby := newFakeAdapter(config.AdapterFilesystem)
	svc := newTestService(primary, standby, opts)
	require.NoError(t, svc.Initialize(context.Background()))

	_, getErr := svc.GetHistory(context.Background(), "web-app")

	require.ErrorIs(t, getErr, ErrTransient)
	assert.False(t, standby.called("GetHistory"))
}

func TestServiceNoFallbackFromFilesystemPrimary(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterFilesystem)
	primary.fail("GetHistory", fmt.Errorf("%w: disk error", ErrTransient))

	standby := newFakeAdapter(config.AdapterFilesystem)

	opts := fallbackOpts()
	opts.AdapterType = config.AdapterFilesystem

	svc := newTestService(primary, standby, opts)
	require.NoError(t, svc.Initialize(context.Background()))

	_, getErr := svc.GetHistory(context.Background(), "web-app")

	require.ErrorIs(t, getErr, ErrTransient)
	assert.False(t, standby.called("GetHistory"))
}

func TestServiceInitializeFallsBackForLifetime(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	primary.initErr = fmt.Errorf("%w: server selection timed out", ErrTimeout)

	standby := newFakeAdapter(config.AdapterFilesystem)
	svc := newTestService(primary, standby, fallbackOpts())

	require.NoError(t, svc.Initialize(context.Background()))
	assert.Equal(t, config.AdapterFilesystem, svc.Type())

	event := drainEvent(t, svc)
	assert.Equal(t, "Initialize", event.Op)

	_, getErr := svc.GetHistory(context.Background(), "web-app")

	require.NoError(t, getErr)
	assert.False(t, primary.called("GetHistory"))
	assert.True(t, standby.called("GetHistory"))
}

func TestServiceInitializePermanentFailureSurfaces(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterS3)
	primary.initErr = fmt.Errorf("%w: bucket missing", ErrPermanent)

	standby := newFakeAdapter(config.AdapterFilesystem)
	svc := newTestService(primary, standby, fallbackOpts())

	initErr := svc.Initialize(context.Background())

	require.ErrorIs(t, initErr, ErrPermanent)
	assert.False(t, standby.called("Initialize"))
}

func TestServiceSurvivesStandbyConstructionFailure(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	transientErr := fmt.Errorf("%w: connection reset", ErrTransient)
	primary.fail("GetHistory", transientErr)

	svc := newTestService(primary, nil, fallbackOpts())
	require.NoError(t, svc.Initialize(context.Background()))

	_, getErr := svc.GetHistory(context.Background(), "web-app")

	require.ErrorIs(t, getErr, ErrTransient)
}

func TestServiceWaitAndCleanupDoNotFallBack(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	primary.fail("WaitForJobs", fmt.Errorf("%w: connection reset", ErrTransient))
	primary.fail("Cleanup", fmt.Errorf("%w: connection reset", ErrTransient))

	standby := newFakeAdapter(config.AdapterFilesystem)
	svc := newTestService(primary, standby, fallbackOpts())
	require.NoError(t, svc.Initialize(context.Background()))

	_, waitErr := svc.WaitForJobs(context.Background(), "web-app", []string{"a"}, WaitOptions{Timeout: time.Millisecond, PollInterval: time.Millisecond})
	require.ErrorIs(t, waitErr, ErrTransient)

	_, cleanupErr := svc.Cleanup(context.Background(), "web-app", config.RetentionPolicy{}, false)
	require.ErrorIs(t, cleanupErr, ErrTransient)

	assert.False(t, standby.called("WaitForJobs"))
	assert.False(t, standby.called("Cleanup"))
}

func TestServiceCloseClosesBothAdapters(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	primary.fail("GetHistory", fmt.Errorf("%w: connection reset", ErrTransient))

	standby := newFakeAdapter(config.AdapterFilesystem)
	svc := newTestService(primary, standby, fallbackOpts())
	require.NoError(t, svc.Initialize(context.Background()))

	_, _ = svc.GetHistory(context.Background(), "web-app")

	require.NoError(t, svc.Close(context.Background()))
	assert.True(t, primary.called("Close"))
	assert.True(t, standby.called("Close"))
}

func TestServiceHealthReportsFallback(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	primary.initErr = fmt.Errorf("%w: unreachable", ErrTransient)

	standby := newFakeAdapter(config.AdapterFilesystem)
	svc := newTestService(primary, standby, fallbackOpts())
	require.NoError(t, svc.Initialize(context.Background()))

	health := svc.HealthStatus(context.Background())

	assert.Equal(t, HealthHealthy, health.Status)
	assert.Equal(t, true, health.Details["fallbackActive"])
	assert.Equal(t, string(config.AdapterDatabase), health.Details["primaryType"])
}

func TestRegisterAndNewAdapter(t *testing.T) {
	t.Parallel()

	customType := config.AdapterType("service-test-custom")

	Register(customType, func(opts config.StorageOptions) (Adapter, error) {
		return newFakeAdapter(customType), nil
	})

	adapter, newErr := NewAdapter(config.StorageOptions{AdapterType: customType})

	require.NoError(t, newErr)
	assert.Equal(t, customType, adapter.Type())
}

func TestNewAdapterUnknownType(t *testing.T) {
	t.Parallel()

	_, newErr := NewAdapter(config.StorageOptions{AdapterType: config.AdapterType("service-test-missing")})

	require.ErrorIs(t, newErr, ErrUnknownAdapter)
	assert.ErrorIs(t, newErr, ErrInvalidArgument)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	t.Parallel()

	duplicate := config.AdapterType("service-test-duplicate")

	Register(duplicate, func(config.StorageOptions) (Adapter, error) {
		return newFakeAdapter(duplicate), nil
	})

	assert.Panics(t, func() {
		Register(duplicate, func(config.StorageOptions) (Adapter, error) {
			return newFakeAdapter(duplicate), nil
		})
	})
}

// recordingTracer swaps the service onto an in-memory exporter so the
// per-op spans can be inspected.
func recordingTracer(t *testing.T, svc *Service) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	svc.tracer = tp.Tracer(storageTracerName)

	return exporter
}

func TestServiceEmitsPerOpSpans(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	svc := newTestService(primary, nil, fallbackOpts())
	exporter := recordingTracer(t, svc)

	require.NoError(t, svc.Initialize(context.Background()))

	_, getErr := svc.GetHistory(context.Background(), "web-app")
	require.NoError(t, getErr)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "storage.Initialize", spans[0].Name)
	assert.Equal(t, "storage.GetHistory", spans[1].Name)

	var adapterAttr string

	for _, attr := range spans[1].Attributes {
		if string(attr.Key) == "storage.adapter" {
			adapterAttr = attr.Value.AsString()
		}
	}

	assert.Equal(t, string(config.AdapterDatabase), adapterAttr)
}

func TestServiceSpanRecordsFallback(t *testing.T) {
	t.Parallel()

	primary := newFakeAdapter(config.AdapterDatabase)
	primary.fail("GetHistory", fmt.Errorf("%w: connection reset", ErrTransient))

	standby := newFakeAdapter(config.AdapterFilesystem)
	svc := newTestService(primary, standby, fallbackOpts())
	exporter := recordingTracer(t, svc)

	require.NoError(t, svc.Initialize(context.Background()))

	_, getErr := svc.GetHistory(context.Background(), "web-app")
	require.NoError(t, getErr)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	opSpan := spans[1]
	require.Equal(t, "storage.GetHistory", opSpan.Name)

	var fellBack bool

	for _, attr := range opSpan.Attributes {
		if string(attr.Key) == "storage.fallback" && attr.Value.AsBool() {
			fellBack = true
		}
	}

	assert.True(t, fellBack, "fallback should be visible on the op span")
}

func TestServiceSpanClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantType string
	}{
		{
			name:     "timeout",
			err:      fmt.Errorf("%w: server selection", ErrTimeout),
			wantType: "timeout",
		},
		{
			name:     "transient",
			err:      fmt.Errorf("%w: connection reset", ErrTransient),
			wantType: "dependency_unavailable",
		},
		{
			name:     "invalid_argument",
			err:      fmt.Errorf("%w: empty project id", ErrInvalidArgument),
			wantType: "validation",
		},
		{
			name:     "permanent",
			err:      fmt.Errorf("%w: access denied", ErrPermanent),
			wantType: "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			primary := newFakeAdapter(config.AdapterDatabase)
			primary.fail("SaveHistory", tt.err)

			// No standby: every failure surfaces on the span.
			opts := fallbackOpts()
			opts.BaseDirectory = ""
			opts.HistoryFile = ""

			svc := newTestService(primary, nil, opts)
			exporter := recordingTracer(t, svc)

			require.NoError(t, svc.Initialize(context.Background()))
			require.Error(t, svc.SaveHistory(context.Background(), "web-app", baseline.NewDocument()))

			spans := exporter.GetSpans()
			require.Len(t, spans, 2)

			opSpan := spans[1]
			assert.Equal(t, codes.Error, opSpan.Status.Code)

			var errType string

			for _, attr := range opSpan.Attributes {
				if string(attr.Key) == "error.type" {
					errType = attr.Value.AsString()
				}
			}

			assert.Equal(t, tt.wantType, errType)
		})
	}
}
