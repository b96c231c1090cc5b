// Package history selects and looks up persisted run summaries.
package history

import (
	"path/filepath"
	"time"

	"github.com/dyluth/mural/pkg/canvas"
)

// Criteria defines filtering criteria for runs.
// All filters are ANDed together - a run must match ALL criteria to pass.
type Criteria struct {
	Since       time.Time // zero = no filter
	Until       time.Time // zero = no filter
	OutcomeGlob string    // glob on the outcome, e.g. "paus*"
	Trigger     string    // exact match
}

// Matches returns true if the run matches all filter criteria.
func (c *Criteria) Matches(run *canvas.RunSummary) bool {
	if !c.Since.IsZero() && run.StartedAtMs < c.Since.UnixMilli() {
		return false
	}
	if !c.Until.IsZero() && run.StartedAtMs > c.Until.UnixMilli() {
		return false
	}

	if c.OutcomeGlob != "" {
		matched, err := filepath.Match(c.OutcomeGlob, run.Outcome)
		if err != nil || !matched {
			return false
		}
	}

	if c.Trigger != "" && run.Trigger != c.Trigger {
		return false
	}
	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() || !c.Until.IsZero() || c.OutcomeGlob != "" || c.Trigger != ""
}

// Filter returns the runs that match, preserving order.
func (c *Criteria) Filter(runs []*canvas.RunSummary) []*canvas.RunSummary {
	if !c.HasFilters() {
		return runs
	}
	out := make([]*canvas.RunSummary, 0, len(runs))
	for _, r := range runs {
		if c.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}
