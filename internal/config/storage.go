package config

import "time"

// AdapterType names a storage adapter implementation.
type AdapterType string

// Known adapter types. Auto defers the decision to ResolveAdapterType.
const (
	AdapterAuto       AdapterType = "auto"
	AdapterFilesystem AdapterType = "filesystem"
	AdapterDatabase   AdapterType = "database"
	AdapterS3         AdapterType = "s3"
)

// hoursPerDay converts retention day counts into durations.
const hoursPerDay = 24

// StorageOptions is the flattened storage view handed to the storage
// service for adapter construction.
type StorageOptions struct {
	AdapterType     AdapterType
	ProjectID       string
	BaseDirectory   string
	HistoryFile     string
	Connection      string
	DatabaseName    string
	BucketName      string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Retention       RetentionPolicy
}

// RetentionPolicy carries the cleanup age classes as durations. Zero values
// mean "keep forever" for that class.
type RetentionPolicy struct {
	MaxRunAge          time.Duration
	MaxJobAge          time.Duration
	MaxCompletedJobAge time.Duration
}

// StorageOptions flattens the storage section plus the project id into the
// view consumed by the storage service.
func (c *Config) StorageOptions() StorageOptions {
	return StorageOptions{
		AdapterType:     AdapterType(c.Storage.AdapterType),
		ProjectID:       c.Project.ID,
		BaseDirectory:   c.Storage.Filesystem.BaseDirectory,
		HistoryFile:     c.Storage.Filesystem.HistoryFile,
		Connection:      c.Storage.Database.Connection,
		DatabaseName:    c.Storage.Database.Name,
		BucketName:      c.Storage.S3.BucketName,
		Region:          c.Storage.S3.Region,
		Prefix:          c.Storage.S3.Prefix,
		Endpoint:        c.Storage.S3.Endpoint,
		AccessKeyID:     c.Storage.S3.AccessKeyID,
		SecretAccessKey: c.Storage.S3.SecretAccessKey,
		Retention:       c.Storage.Retention.Policy(),
	}
}

// ResolveAdapterType decides the concrete adapter: an explicit non-auto
// type wins; otherwise a connection string selects database, a bucket name
// selects s3, and filesystem is the fallback.
func (o StorageOptions) ResolveAdapterType() AdapterType {
	if o.AdapterType != "" && o.AdapterType != AdapterAuto {
		return o.AdapterType
	}

	if o.Connection != "" {
		return AdapterDatabase
	}

	if o.BucketName != "" {
		return AdapterS3
	}

	return AdapterFilesystem
}

// Policy converts the configured day counts into a RetentionPolicy.
func (r RetentionConfig) Policy() RetentionPolicy {
	return RetentionPolicy{
		MaxRunAge:          time.Duration(r.RunsDays) * hoursPerDay * time.Hour,
		MaxJobAge:          time.Duration(r.JobsDays) * hoursPerDay * time.Hour,
		MaxCompletedJobAge: time.Duration(r.CompletedJobsDays) * hoursPerDay * time.Hour,
	}
}
