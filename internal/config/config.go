// Package config resolves the layered perfsentinel configuration: embedded
// defaults, user file, environment and profile overrides, CLI overrides, and
// environment-variable interpolation. It also derives the per-step effective
// configuration from step text, baseline average, and sample context.
package config

import (
	"errors"
	"fmt"
	"sort"
)

// Built-in step type names. Users may define additional types; slow is the
// unbounded fallback.
const (
	StepTypeVeryFast = "very_fast"
	StepTypeFast     = "fast"
	StepTypeMedium   = "medium"
	StepTypeSlow     = "slow"
)

// Sentinel errors for configuration validation. Each wraps ErrConfigInvalid
// so callers can classify any of them with a single errors.Is check.
var (
	// ErrConfigInvalid marks every configuration validation failure.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrInvalidThreshold indicates a non-positive analysis threshold.
	ErrInvalidThreshold = fmt.Errorf("%w: analysis.threshold must be positive", ErrConfigInvalid)

	// ErrInvalidMaxHistory indicates a non-positive history window.
	ErrInvalidMaxHistory = fmt.Errorf("%w: analysis.max_history must be positive", ErrConfigInvalid)

	// ErrMissingStepTypeRules indicates a step type without a rules mapping.
	ErrMissingStepTypeRules = fmt.Errorf("%w: every step type requires rules", ErrConfigInvalid)

	// ErrMissingConnection indicates the database adapter was selected
	// without a connection string.
	ErrMissingConnection = fmt.Errorf("%w: storage.database.connection is required for the database adapter", ErrConfigInvalid)

	// ErrNoReporters indicates an empty default reporter list.
	ErrNoReporters = fmt.Errorf("%w: reporting.default_reporters must not be empty", ErrConfigInvalid)

	// ErrUnknownAdapterType indicates an unrecognized storage.adapter_type.
	ErrUnknownAdapterType = fmt.Errorf("%w: unknown storage.adapter_type", ErrConfigInvalid)

	// ErrUnknownEnvironment indicates the selected environment is not defined.
	ErrUnknownEnvironment = fmt.Errorf("%w: unknown environment", ErrConfigInvalid)

	// ErrUnknownProfile indicates the selected profile is not defined.
	ErrUnknownProfile = fmt.Errorf("%w: unknown profile", ErrConfigInvalid)
)

// Config is the fully resolved, typed configuration. Field tags use
// mapstructure for viper unmarshalling. Raw retains the merged tree with
// unknown keys intact for round-tripping.
type Config struct {
	Project   ProjectConfig   `mapstructure:"project"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Reporting ReportingConfig `mapstructure:"reporting"`

	// Raw is the merged configuration tree before typed decoding, including
	// keys this version does not understand.
	Raw map[string]any `mapstructure:"-"`
}

// ProjectConfig namespaces all persisted state for one project.
type ProjectConfig struct {
	ID string `mapstructure:"id"`
}

// AnalysisConfig holds the statistical classification knobs.
//
// GlobalRules and the rule mappings inside overrides are kept as open maps:
// they overlay each other during effective-config resolution, and sparse
// override files must not zero out rules they do not mention. Override maps
// are decoded from the raw tree, not through viper, because their keys are
// arbitrary step texts that may contain dots.
type AnalysisConfig struct {
	Threshold      float64                   `mapstructure:"threshold"`
	MaxHistory     int                       `mapstructure:"max_history"`
	StepTypes      map[string]StepTypeConfig `mapstructure:"step_types"`
	GlobalRules    map[string]any            `mapstructure:"global_rules"`
	Trends         TrendConfig               `mapstructure:"trends"`
	StepOverrides  map[string]OverrideConfig `mapstructure:"-"`
	SuiteOverrides map[string]OverrideConfig `mapstructure:"-"`
	TagOverrides   map[string]OverrideConfig `mapstructure:"-"`
}

// StepTypeConfig classifies steps by their baseline average duration and
// carries the rule overlay for that class. MaxDuration zero means unbounded.
type StepTypeConfig struct {
	MaxDuration float64        `mapstructure:"max_duration"`
	Rules       map[string]any `mapstructure:"rules"`
}

// TrendConfig controls windowed drift detection.
type TrendConfig struct {
	Enabled            bool    `mapstructure:"enabled"             json:"enabled"`
	WindowSize         int     `mapstructure:"window_size"         json:"windowSize"`
	MinSignificance    float64 `mapstructure:"min_significance"    json:"minSignificance"`
	MinHistoryRequired int     `mapstructure:"min_history_required" json:"minHistoryRequired"`
	OnlyUpward         bool    `mapstructure:"only_upward"         json:"onlyUpward"`
}

// OverrideConfig is one suite, tag, or step override. Threshold zero means
// "keep the inherited threshold"; StepType is honored for step overrides
// only.
type OverrideConfig struct {
	StepType  string
	Threshold float64
	Rules     map[string]any
}

// StorageConfig selects and parameterizes the backing store.
type StorageConfig struct {
	AdapterType string           `mapstructure:"adapter_type"`
	Filesystem  FilesystemConfig `mapstructure:"filesystem"`
	Database    DatabaseConfig   `mapstructure:"database"`
	S3          S3Config         `mapstructure:"s3"`
	Retention   RetentionConfig  `mapstructure:"retention"`
}

// FilesystemConfig parameterizes the filesystem adapter. HistoryFile, when
// set, pins the history document path and roots runs/jobs/temp beside it.
type FilesystemConfig struct {
	BaseDirectory string `mapstructure:"base_directory"`
	HistoryFile   string `mapstructure:"history_file"`
}

// DatabaseConfig parameterizes the document-store adapter.
type DatabaseConfig struct {
	Connection string `mapstructure:"connection"`
	Name       string `mapstructure:"name"`
}

// S3Config parameterizes the object-store adapter. Endpoint is optional and
// supports S3-compatible stores; the static credential pair is only needed
// when the ambient AWS credential chain does not apply (self-hosted
// endpoints), and both values interpolate ${VAR} references.
type S3Config struct {
	BucketName      string `mapstructure:"bucket_name"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// RetentionConfig holds the age classes applied by cleanup.
type RetentionConfig struct {
	RunsDays          int `mapstructure:"runs_days"`
	JobsDays          int `mapstructure:"jobs_days"`
	CompletedJobsDays int `mapstructure:"completed_jobs_days"`
}

// ReportingConfig selects the report emitters.
type ReportingConfig struct {
	DefaultReporters []string `mapstructure:"default_reporters"`
	OutputDir        string   `mapstructure:"output_dir"`
}

// Validate checks Config invariants and returns the first failure found.
func (c *Config) Validate() error {
	if c.Analysis.Threshold <= 0 {
		return ErrInvalidThreshold
	}

	if c.Analysis.MaxHistory <= 0 {
		return ErrInvalidMaxHistory
	}

	stepTypeErr := c.validateStepTypes()
	if stepTypeErr != nil {
		return stepTypeErr
	}

	storageErr := c.validateStorage()
	if storageErr != nil {
		return storageErr
	}

	if len(c.Reporting.DefaultReporters) == 0 {
		return ErrNoReporters
	}

	return nil
}

func (c *Config) validateStepTypes() error {
	names := make([]string, 0, len(c.Analysis.StepTypes))
	for name := range c.Analysis.StepTypes {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if len(c.Analysis.StepTypes[name].Rules) == 0 {
			return fmt.Errorf("%w: step_types.%s", ErrMissingStepTypeRules, name)
		}
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch AdapterType(c.Storage.AdapterType) {
	case AdapterAuto, AdapterFilesystem, AdapterDatabase, AdapterS3:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAdapterType, c.Storage.AdapterType)
	}

	if c.StorageOptions().ResolveAdapterType() == AdapterDatabase && c.Storage.Database.Connection == "" {
		return ErrMissingConnection
	}

	return nil
}
