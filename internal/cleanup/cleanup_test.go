package cleanup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/storage"
	"github.com/perfsentinel/perfsentinel/internal/storage/fs"
)

const testProject = "web-app"

type fakeStore struct {
	preview    *storage.CleanupResult
	previewErr error
	final      *storage.CleanupResult
	finalErr   error

	previews     int
	deletions    int
	policiesSeen []config.RetentionPolicy
}

func (f *fakeStore) Cleanup(_ context.Context, _ string, policy config.RetentionPolicy, dryRun bool) (*storage.CleanupResult, error) {
	f.policiesSeen = append(f.policiesSeen, policy)

	if dryRun {
		f.previews++

		return f.preview, f.previewErr
	}

	f.deletions++

	return f.final, f.finalErr
}

func sampleResult(dryRun bool) *storage.CleanupResult {
	return &storage.CleanupResult{
		RunsRemoved:      12,
		JobsRemoved:      3,
		TempFilesRemoved: 1,
		BytesReclaimed:   2048,
		DryRun:           dryRun,
	}
}

func testPolicy() config.RetentionPolicy {
	return config.RetentionConfig{RunsDays: 30, JobsDays: 7, CompletedJobsDays: 1}.Policy()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseOlderThanConvertsDays(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]time.Duration{
		"1d":   24 * time.Hour,
		"30d":  30 * 24 * time.Hour,
		"365d": 365 * 24 * time.Hour,
	} {
		got, err := ParseOlderThan(raw)
		require.NoError(t, err, "input %q", raw)
		assert.Equal(t, want, got, "input %q", raw)
	}
}

func TestParseOlderThanRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "30", "d", "0d", "-5d", "1.5d", "30D", "30 d", "thirtyd", "7w"} {
		_, err := ParseOlderThan(raw)
		assert.ErrorIs(t, err, config.ErrConfigInvalid, "input %q", raw)
	}
}

func TestRunDryRunNeverDeletes(t *testing.T) {
	t.Parallel()

	store := &fakeStore{preview: sampleResult(true)}
	engine := New(store, strings.NewReader(""), &bytes.Buffer{}, discardLogger())

	result, err := engine.Run(context.Background(), testProject, testPolicy(), Options{DryRun: true})
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, 12, result.RunsRemoved)
	assert.Equal(t, 1, store.previews)
	assert.Zero(t, store.deletions)
}

func TestRunForceSkipsPrompt(t *testing.T) {
	t.Parallel()

	store := &fakeStore{final: sampleResult(false)}
	out := &bytes.Buffer{}
	engine := New(store, strings.NewReader(""), out, discardLogger())

	result, err := engine.Run(context.Background(), testProject, testPolicy(), Options{Force: true})
	require.NoError(t, err)

	assert.False(t, result.DryRun)
	assert.Zero(t, store.previews)
	assert.Equal(t, 1, store.deletions)
	assert.Empty(t, out.String())
}

func TestRunOlderThanOverridesEveryAgeClass(t *testing.T) {
	t.Parallel()

	store := &fakeStore{final: sampleResult(false)}
	engine := New(store, strings.NewReader(""), &bytes.Buffer{}, discardLogger())

	_, err := engine.Run(context.Background(), testProject, testPolicy(), Options{
		OlderThan: 48 * time.Hour,
		Force:     true,
	})
	require.NoError(t, err)

	require.Len(t, store.policiesSeen, 1)
	assert.Equal(t, 48*time.Hour, store.policiesSeen[0].MaxRunAge)
	assert.Equal(t, 48*time.Hour, store.policiesSeen[0].MaxJobAge)
	assert.Equal(t, 48*time.Hour, store.policiesSeen[0].MaxCompletedJobAge)
}

func TestRunKeepsConfiguredPolicyWithoutOverride(t *testing.T) {
	t.Parallel()

	store := &fakeStore{final: sampleResult(false)}
	engine := New(store, strings.NewReader(""), &bytes.Buffer{}, discardLogger())

	_, err := engine.Run(context.Background(), testProject, testPolicy(), Options{Force: true})
	require.NoError(t, err)

	require.Len(t, store.policiesSeen, 1)
	assert.Equal(t, testPolicy(), store.policiesSeen[0])
}

func TestRunPromptAcceptedProceeds(t *testing.T) {
	t.Parallel()

	for _, answer := range []string{"y\n", "Y\n", "yes\n", " y \n", "y"} {
		store := &fakeStore{preview: sampleResult(true), final: sampleResult(false)}
		out := &bytes.Buffer{}
		engine := New(store, strings.NewReader(answer), out, discardLogger())

		result, err := engine.Run(context.Background(), testProject, testPolicy(), Options{})
		require.NoError(t, err, "answer %q", answer)

		assert.False(t, result.DryRun, "answer %q", answer)
		assert.Equal(t, 1, store.previews, "answer %q", answer)
		assert.Equal(t, 1, store.deletions, "answer %q", answer)
		assert.Contains(t, out.String(), "About to remove 12 runs, 3 jobs and 1 temp files (2.0 kB)")
		assert.Contains(t, out.String(), "Proceed? (y/N): ")
	}
}

func TestRunPromptDeclinedAborts(t *testing.T) {
	t.Parallel()

	for _, answer := range []string{"\n", "n\n", "no\n", "nope\n", ""} {
		store := &fakeStore{preview: sampleResult(true), final: sampleResult(false)}
		engine := New(store, strings.NewReader(answer), &bytes.Buffer{}, discardLogger())

		_, err := engine.Run(context.Background(), testProject, testPolicy(), Options{})
		require.ErrorIs(t, err, ErrAborted, "answer %q", answer)

		assert.Equal(t, 1, store.previews, "answer %q", answer)
		assert.Zero(t, store.deletions, "answer %q", answer)
	}
}

func TestRunSkipsPromptWhenNothingToRemove(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		preview: &storage.CleanupResult{DryRun: true},
		final:   &storage.CleanupResult{},
	}
	out := &bytes.Buffer{}
	engine := New(store, strings.NewReader(""), out, discardLogger())

	result, err := engine.Run(context.Background(), testProject, testPolicy(), Options{})
	require.NoError(t, err)

	assert.False(t, result.DryRun)
	assert.Equal(t, 1, store.previews)
	assert.Equal(t, 1, store.deletions)
	assert.Empty(t, out.String())
}

func TestRunPreviewFailureAborts(t *testing.T) {
	t.Parallel()

	store := &fakeStore{previewErr: storage.ErrTransient}
	engine := New(store, strings.NewReader("y\n"), &bytes.Buffer{}, discardLogger())

	_, err := engine.Run(context.Background(), testProject, testPolicy(), Options{})
	require.ErrorIs(t, err, storage.ErrTransient)

	assert.Contains(t, err.Error(), "preview cleanup")
	assert.Zero(t, store.deletions)
}

func TestRunCleanupFailureSurfaces(t *testing.T) {
	t.Parallel()

	store := &fakeStore{finalErr: storage.ErrPermanent}
	engine := New(store, strings.NewReader(""), &bytes.Buffer{}, discardLogger())

	_, err := engine.Run(context.Background(), testProject, testPolicy(), Options{Force: true})
	require.ErrorIs(t, err, storage.ErrPermanent)

	assert.Contains(t, err.Error(), "run cleanup")
}

func TestRunAgainstFilesystemAdapter(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store := fs.New(config.StorageOptions{BaseDirectory: base})
	require.NoError(t, store.Initialize(context.Background()))

	ctx := context.Background()

	_, oldErr := store.SavePerformanceRun(ctx, testProject, nil, map[string]any{"runId": "run-old"})
	require.NoError(t, oldErr)
	_, freshErr := store.SavePerformanceRun(ctx, testProject, nil, map[string]any{"runId": "run-fresh"})
	require.NoError(t, freshErr)

	aged := time.Now().Add(-40 * 24 * time.Hour)
	oldRunPath := filepath.Join(base, testProject, "runs", "run-old.json")
	require.NoError(t, os.Chtimes(oldRunPath, aged, aged))

	tempDir := filepath.Join(base, testProject, "temp")
	require.NoError(t, os.MkdirAll(tempDir, 0o750))
	stalePath := filepath.Join(tempDir, "upload-1.json")
	require.NoError(t, os.WriteFile(stalePath, []byte(`{"torn`), 0o600))
	staleAge := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, staleAge, staleAge))

	out := &bytes.Buffer{}
	engine := New(store, strings.NewReader("y\n"), out, discardLogger())

	result, err := engine.Run(ctx, testProject, testPolicy(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RunsRemoved)
	assert.Zero(t, result.JobsRemoved)
	assert.Equal(t, 1, result.TempFilesRemoved)
	assert.Positive(t, result.BytesReclaimed)
	assert.False(t, result.DryRun)
	assert.Contains(t, out.String(), "Proceed? (y/N): ")

	_, statErr := os.Stat(oldRunPath)
	assert.True(t, os.IsNotExist(statErr))

	runs, listErr := store.GetPerformanceRuns(ctx, testProject, 0)
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-fresh", runs[0].RunID)
}
