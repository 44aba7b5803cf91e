// Package telemetry defines the step-level telemetry wire format produced by
// test harness hooks: step samples, their execution context, and the
// validated run-file codec.
package telemetry

import (
	"strings"
	"time"
)

// Context defaults applied by NormalizeContext.
const (
	DefaultTestFile = "unknown.feature"
	DefaultTestName = "Unknown Test"
	DefaultSuite    = "unknown"
	DefaultJobID    = "local"
	DefaultWorkerID = "local"
)

// TagPrefix marks a context label as a tag.
const TagPrefix = "@"

// StepContext carries the dimensions used for rule resolution and roll-up.
type StepContext struct {
	TestFile string   `json:"testFile"`
	TestName string   `json:"testName"`
	Suite    string   `json:"suite"`
	Tags     []string `json:"tags,omitempty"`
	JobID    string   `json:"jobId"`
	WorkerID string   `json:"workerId"`
}

// StepSample is one measured step execution. StepText is the identity key
// for baselines; Duration is in milliseconds.
type StepSample struct {
	StepText  string       `json:"stepText"`
	Duration  float64      `json:"duration"`
	Timestamp time.Time    `json:"timestamp,omitzero"`
	Context   *StepContext `json:"context,omitempty"`
}

// RunDocument is one persisted execution, archived append-only by runId.
type RunDocument struct {
	RunID     string         `json:"runId"`
	ProjectID string         `json:"projectId"`
	RunData   []StepSample   `json:"runData"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NormalizeContext fills defaults for a possibly absent context and coerces
// tags into deduplicated @-prefixed labels, preserving first-seen order.
// The input is not modified.
func NormalizeContext(sctx *StepContext) StepContext {
	normalized := StepContext{
		TestFile: DefaultTestFile,
		TestName: DefaultTestName,
		Suite:    DefaultSuite,
		JobID:    DefaultJobID,
		WorkerID: DefaultWorkerID,
	}

	if sctx == nil {
		return normalized
	}

	if sctx.TestFile != "" {
		normalized.TestFile = sctx.TestFile
	}

	if sctx.TestName != "" {
		normalized.TestName = sctx.TestName
	}

	if sctx.Suite != "" {
		normalized.Suite = sctx.Suite
	}

	if sctx.JobID != "" {
		normalized.JobID = sctx.JobID
	}

	if sctx.WorkerID != "" {
		normalized.WorkerID = sctx.WorkerID
	}

	normalized.Tags = NormalizeTags(sctx.Tags)

	return normalized
}

// NormalizeTags trims each tag, prefixes it with "@" when the prefix is
// missing, and drops duplicates while preserving first-seen order.
// Empty tags are discarded. Returns nil for an empty result.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))

	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || tag == TagPrefix {
			continue
		}

		if !strings.HasPrefix(tag, TagPrefix) {
			tag = TagPrefix + tag
		}

		if _, dup := seen[tag]; dup {
			continue
		}

		seen[tag] = struct{}{}
		result = append(result, tag)
	}

	if len(result) == 0 {
		return nil
	}

	return result
}

// MergeTags unions extra tags into base, preserving base order and appending
// previously unseen tags in their given order.
func MergeTags(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}

	seen := make(map[string]struct{}, len(base)+len(extra))
	result := make([]string, 0, len(base)+len(extra))

	for _, tag := range base {
		if _, dup := seen[tag]; dup {
			continue
		}

		seen[tag] = struct{}{}
		result = append(result, tag)
	}

	for _, tag := range extra {
		if _, dup := seen[tag]; dup {
			continue
		}

		seen[tag] = struct{}{}
		result = append(result, tag)
	}

	return result
}
