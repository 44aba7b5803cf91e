package engine

import (
	"fmt"
	"sort"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/pkg/levenshtein"
)

// renameHintCap bounds the rename hints carried by one report.
const renameHintCap = 3

// renameMaxDistanceRatio is the edit-distance budget for a rename hint,
// as a fraction of the longer step text.
const renameMaxDistanceRatio = 0.2

// buildRenameHints flags new steps whose text sits within a small edit
// distance of a baseline step that did not run. A reworded step orphans
// its baseline and restarts from zero history; the hint names the likely
// predecessor so the operator can reseed instead of waiting the window out.
func buildRenameHints(rep *report.Report, history *baseline.Document, acc *runAccum) {
	if history == nil || len(rep.NewSteps) == 0 {
		return
	}

	candidates := make([]string, 0, history.Len())

	for stepText := range history.Steps {
		if _, ran := acc.uniqueSteps[stepText]; !ran {
			candidates = append(candidates, stepText)
		}
	}

	if len(candidates) == 0 {
		return
	}

	// Candidate order decides distance ties.
	sort.Strings(candidates)

	lev := &levenshtein.Context{}
	hints := 0

	for _, rec := range rep.NewSteps {
		if hints == renameHintCap {
			break
		}

		match, ok := closestIdleStep(lev, rec.StepText, candidates)
		if !ok {
			continue
		}

		rep.Recommendations = append(rep.Recommendations, report.Recommendation{
			Priority: report.SeverityLow,
			Type:     "possible_rename",
			Message:  fmt.Sprintf("new step %q is close to idle baseline %q; reseed if the step was reworded", rec.StepText, match),
		})
		hints++
	}
}

// closestIdleStep returns the candidate nearest to text, if any candidate
// fits the rename budget.
func closestIdleStep(lev *levenshtein.Context, text string, candidates []string) (string, bool) {
	textLen := len([]rune(text))
	best := ""
	bestDist := -1

	for _, candidate := range candidates {
		longer := max(textLen, len([]rune(candidate)))

		budget := int(renameMaxDistanceRatio * float64(longer))
		if budget == 0 {
			continue
		}

		dist := lev.Distance(text, candidate)
		if dist > budget {
			continue
		}

		if bestDist == -1 || dist < bestDist {
			best = candidate
			bestDist = dist
		}
	}

	return best, bestDist != -1
}
