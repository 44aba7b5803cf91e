// Package baseline holds the rolling per-step performance baselines: history
// entries with derived statistics, suite-level history, and the persisted
// history document that owns both.
package baseline

import (
	"time"

	"github.com/perfsentinel/perfsentinel/internal/telemetry"
	"github.com/perfsentinel/perfsentinel/pkg/alg/stats"
)

// Entry is the rolling baseline for one step text within one project.
// Durations holds the most recent samples, oldest first; Average and StdDev
// are derived from Durations after every update.
type Entry struct {
	Durations []float64             `json:"durations"`
	Average   float64               `json:"average"`
	StdDev    float64               `json:"stdDev"`
	Context   telemetry.StepContext `json:"context"`
	FirstSeen time.Time             `json:"firstSeen"`
	LastSeen  time.Time             `json:"lastSeen"`
}

// NewEntry creates a baseline entry from the first observed sample.
// The context is normalized; a single sample always has zero standard
// deviation.
func NewEntry(duration float64, seen time.Time, sctx *telemetry.StepContext) *Entry {
	return &Entry{
		Durations: []float64{duration},
		Average:   duration,
		StdDev:    0,
		Context:   telemetry.NormalizeContext(sctx),
		FirstSeen: seen,
		LastSeen:  seen,
	}
}

// NewSeededEntry rebuilds a baseline entry from pre-aggregated durations,
// computing the derived statistics once. Used when seeding history from
// archived runs.
func NewSeededEntry(durations []float64, seen time.Time) *Entry {
	owned := make([]float64, len(durations))
	copy(owned, durations)

	entry := &Entry{
		Durations: owned,
		Context:   telemetry.NormalizeContext(nil),
		FirstSeen: seen,
		LastSeen:  seen,
	}
	entry.Recompute()

	return entry
}

// Observe absorbs one new sample: appends the duration, trims the window to
// maxHistory from the front, recomputes the derived statistics, advances
// LastSeen, and unions the observed tags into the entry context. A nil
// context leaves the stored context untouched.
func (e *Entry) Observe(duration float64, seen time.Time, sctx *telemetry.StepContext, maxHistory int) {
	e.Durations = append(e.Durations, duration)

	if maxHistory > 0 && len(e.Durations) > maxHistory {
		e.Durations = e.Durations[len(e.Durations)-maxHistory:]
	}

	e.Recompute()

	if !seen.IsZero() {
		e.LastSeen = seen
	}

	if sctx == nil {
		return
	}

	normalized := telemetry.NormalizeContext(sctx)
	e.Context.Tags = telemetry.MergeTags(e.Context.Tags, normalized.Tags)
	e.Context.TestFile = normalized.TestFile
	e.Context.TestName = normalized.TestName
	e.Context.Suite = normalized.Suite
	e.Context.JobID = normalized.JobID
	e.Context.WorkerID = normalized.WorkerID
}

// Recompute rederives Average and StdDev from the current durations.
func (e *Entry) Recompute() {
	e.Average, e.StdDev = stats.MeanStdDev(e.Durations)
}

// SampleCount returns the number of retained duration samples.
func (e *Entry) SampleCount() int {
	return len(e.Durations)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}

	clone := *e
	clone.Durations = make([]float64, len(e.Durations))
	copy(clone.Durations, e.Durations)

	if e.Context.Tags != nil {
		clone.Context.Tags = make([]string, len(e.Context.Tags))
		copy(clone.Context.Tags, e.Context.Tags)
	}

	return &clone
}
