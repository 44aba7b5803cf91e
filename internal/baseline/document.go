package baseline

import (
	"encoding/json"
	"fmt"
	"time"
)

// SuiteHistoryKey is the reserved top-level key in the persisted history
// document; it can never collide with a step text used as a map key because
// entries are shape-checked on decode.
const SuiteHistoryKey = "suiteHistory"

// SuiteHistoryLimit bounds each parallel sequence in a SuiteHistory.
const SuiteHistoryLimit = 20

// SuiteHistory tracks bounded parallel sequences of per-run suite
// aggregates, used for suite-level regression detection.
type SuiteHistory struct {
	AvgDurationHistory    []float64 `json:"avgDurationHistory"`
	TotalStepsHistory     []int     `json:"totalStepsHistory"`
	RegressionRateHistory []float64 `json:"regressionRateHistory"`
	LastUpdated           time.Time `json:"lastUpdated"`
}

// Append records one run's suite aggregates and trims every parallel
// sequence to SuiteHistoryLimit entries from the front.
func (sh *SuiteHistory) Append(avgDuration float64, totalSteps int, regressionRate float64, updated time.Time) {
	sh.AvgDurationHistory = append(sh.AvgDurationHistory, avgDuration)
	sh.TotalStepsHistory = append(sh.TotalStepsHistory, totalSteps)
	sh.RegressionRateHistory = append(sh.RegressionRateHistory, regressionRate)
	sh.LastUpdated = updated

	if len(sh.AvgDurationHistory) > SuiteHistoryLimit {
		sh.AvgDurationHistory = sh.AvgDurationHistory[len(sh.AvgDurationHistory)-SuiteHistoryLimit:]
	}

	if len(sh.TotalStepsHistory) > SuiteHistoryLimit {
		sh.TotalStepsHistory = sh.TotalStepsHistory[len(sh.TotalStepsHistory)-SuiteHistoryLimit:]
	}

	if len(sh.RegressionRateHistory) > SuiteHistoryLimit {
		sh.RegressionRateHistory = sh.RegressionRateHistory[len(sh.RegressionRateHistory)-SuiteHistoryLimit:]
	}
}

// Clone returns a deep copy of the suite history.
func (sh *SuiteHistory) Clone() *SuiteHistory {
	if sh == nil {
		return nil
	}

	clone := &SuiteHistory{LastUpdated: sh.LastUpdated}

	clone.AvgDurationHistory = append(clone.AvgDurationHistory, sh.AvgDurationHistory...)
	clone.TotalStepsHistory = append(clone.TotalStepsHistory, sh.TotalStepsHistory...)
	clone.RegressionRateHistory = append(clone.RegressionRateHistory, sh.RegressionRateHistory...)

	return clone
}

// Document is the per-project history: step baselines keyed by step text,
// suite history under the reserved key, and any unknown top-level keys
// preserved verbatim for forward compatibility.
type Document struct {
	Steps        map[string]*Entry
	SuiteHistory map[string]*SuiteHistory
	Extra        map[string]json.RawMessage
}

// NewDocument returns an empty history document.
func NewDocument() *Document {
	return &Document{
		Steps:        make(map[string]*Entry),
		SuiteHistory: make(map[string]*SuiteHistory),
	}
}

// Step returns the baseline entry for stepText, or nil when absent.
func (d *Document) Step(stepText string) *Entry {
	if d == nil || d.Steps == nil {
		return nil
	}

	return d.Steps[stepText]
}

// SetStep stores the baseline entry for stepText.
func (d *Document) SetStep(stepText string, entry *Entry) {
	if d.Steps == nil {
		d.Steps = make(map[string]*Entry)
	}

	d.Steps[stepText] = entry
}

// Suite returns the suite history for suite, creating it when absent.
func (d *Document) Suite(suite string) *SuiteHistory {
	if d.SuiteHistory == nil {
		d.SuiteHistory = make(map[string]*SuiteHistory)
	}

	sh, ok := d.SuiteHistory[suite]
	if !ok {
		sh = &SuiteHistory{}
		d.SuiteHistory[suite] = sh
	}

	return sh
}

// Len returns the number of step baselines in the document.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}

	return len(d.Steps)
}

// DeepCopy returns an independent copy of the whole document. The analysis
// engine mutates only the copy; the adapter-owned original stays intact
// until the successor is committed.
func (d *Document) DeepCopy() *Document {
	if d == nil {
		return NewDocument()
	}

	clone := &Document{
		Steps:        make(map[string]*Entry, len(d.Steps)),
		SuiteHistory: make(map[string]*SuiteHistory, len(d.SuiteHistory)),
	}

	for stepText, entry := range d.Steps {
		clone.Steps[stepText] = entry.Clone()
	}

	for suite, sh := range d.SuiteHistory {
		clone.SuiteHistory[suite] = sh.Clone()
	}

	if d.Extra != nil {
		clone.Extra = make(map[string]json.RawMessage, len(d.Extra))

		for key, raw := range d.Extra {
			owned := make(json.RawMessage, len(raw))
			copy(owned, raw)
			clone.Extra[key] = owned
		}
	}

	return clone
}

// MarshalJSON flattens the document into its wire shape: step entries at the
// top level, suite history under the reserved key, unknown keys re-emitted.
func (d *Document) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(d.Steps)+len(d.Extra)+1)

	for stepText, entry := range d.Steps {
		flat[stepText] = entry
	}

	for key, raw := range d.Extra {
		flat[key] = raw
	}

	if len(d.SuiteHistory) > 0 {
		flat[SuiteHistoryKey] = d.SuiteHistory
	}

	return json.Marshal(flat)
}

// UnmarshalJSON rebuilds the document from its wire shape. A top-level value
// is a step entry when it decodes as one and carries at least one duration;
// anything else is preserved in Extra.
func (d *Document) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage

	unmarshalErr := json.Unmarshal(data, &flat)
	if unmarshalErr != nil {
		return fmt.Errorf("decode history document: %w", unmarshalErr)
	}

	d.Steps = make(map[string]*Entry, len(flat))
	d.SuiteHistory = make(map[string]*SuiteHistory)
	d.Extra = nil

	for key, raw := range flat {
		if key == SuiteHistoryKey {
			suiteErr := json.Unmarshal(raw, &d.SuiteHistory)
			if suiteErr != nil {
				return fmt.Errorf("decode %s: %w", SuiteHistoryKey, suiteErr)
			}

			continue
		}

		var entry Entry

		entryErr := json.Unmarshal(raw, &entry)
		if entryErr == nil && len(entry.Durations) > 0 {
			d.Steps[key] = &entry

			continue
		}

		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}

		d.Extra[key] = raw
	}

	return nil
}
