package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/perfsentinel/perfsentinel/internal/config"
)

func TestResolveAdapterType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		options  config.StorageOptions
		expected config.AdapterType
	}{
		{
			name:     "explicit_type_wins",
			options:  config.StorageOptions{AdapterType: config.AdapterS3, Connection: "mongodb://host"},
			expected: config.AdapterS3,
		},
		{
			name:     "auto_with_connection_is_database",
			options:  config.StorageOptions{AdapterType: config.AdapterAuto, Connection: "mongodb://host"},
			expected: config.AdapterDatabase,
		},
		{
			name:     "auto_with_bucket_is_s3",
			options:  config.StorageOptions{AdapterType: config.AdapterAuto, BucketName: "perf-results"},
			expected: config.AdapterS3,
		},
		{
			name:     "connection_outranks_bucket",
			options:  config.StorageOptions{Connection: "mongodb://host", BucketName: "perf-results"},
			expected: config.AdapterDatabase,
		},
		{
			name:     "auto_without_hints_is_filesystem",
			options:  config.StorageOptions{AdapterType: config.AdapterAuto},
			expected: config.AdapterFilesystem,
		},
		{
			name:     "empty_type_behaves_like_auto",
			options:  config.StorageOptions{},
			expected: config.AdapterFilesystem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, tt.options.ResolveAdapterType())
		})
	}
}

func TestRetentionPolicy_DaysToDurations(t *testing.T) {
	t.Parallel()

	retention := config.RetentionConfig{RunsDays: 30, JobsDays: 7, CompletedJobsDays: 1}

	policy := retention.Policy()

	assert.Equal(t, 30*24*time.Hour, policy.MaxRunAge)
	assert.Equal(t, 7*24*time.Hour, policy.MaxJobAge)
	assert.Equal(t, 24*time.Hour, policy.MaxCompletedJobAge)
}

func TestRetentionPolicy_ZeroMeansKeepForever(t *testing.T) {
	t.Parallel()

	policy := config.RetentionConfig{}.Policy()

	assert.Zero(t, policy.MaxRunAge)
	assert.Zero(t, policy.MaxJobAge)
	assert.Zero(t, policy.MaxCompletedJobAge)
}

func TestStorageOptions_FlattensConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Project: config.ProjectConfig{ID: "web-app"},
		Storage: config.StorageConfig{
			AdapterType: "auto",
			Filesystem: config.FilesystemConfig{
				BaseDirectory: "/var/perf",
				HistoryFile:   "/var/perf/history.json",
			},
			Database: config.DatabaseConfig{Connection: "mongodb://host", Name: "perfsentinel"},
			S3: config.S3Config{
				BucketName: "perf-results",
				Region:     "eu-central-1",
				Prefix:     "sentinel",
				Endpoint:   "http://localhost:9000",
			},
			Retention: config.RetentionConfig{RunsDays: 14},
		},
	}

	options := cfg.StorageOptions()

	assert.Equal(t, config.AdapterAuto, options.AdapterType)
	assert.Equal(t, "web-app", options.ProjectID)
	assert.Equal(t, "/var/perf", options.BaseDirectory)
	assert.Equal(t, "/var/perf/history.json", options.HistoryFile)
	assert.Equal(t, "mongodb://host", options.Connection)
	assert.Equal(t, "perfsentinel", options.DatabaseName)
	assert.Equal(t, "perf-results", options.BucketName)
	assert.Equal(t, "eu-central-1", options.Region)
	assert.Equal(t, "sentinel", options.Prefix)
	assert.Equal(t, "http://localhost:9000", options.Endpoint)
	assert.Equal(t, 14*24*time.Hour, options.Retention.MaxRunAge)
}
