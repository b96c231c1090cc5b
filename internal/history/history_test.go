package history

import (
	"errors"
	"testing"
	"time"

	"github.com/dyluth/mural/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 10, 29, 12, 0, 0, 0, time.UTC)

func runs() []*canvas.RunSummary {
	return []*canvas.RunSummary{
		{ID: "aaaaaa11-0000-0000-0000-000000000000", Trigger: "interval", Outcome: "repaired", StartedAtMs: base.Add(2 * time.Hour).UnixMilli()},
		{ID: "aaaaaa22-0000-0000-0000-000000000000", Trigger: "retry", Outcome: "paused", StartedAtMs: base.Add(time.Hour).UnixMilli()},
		{ID: "bbbbbb33-0000-0000-0000-000000000000", Trigger: "manual", Outcome: "partial", StartedAtMs: base.UnixMilli()},
	}
}

func ids(rs []*canvas.RunSummary) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID[:8]
	}
	return out
}

func TestCriteriaFilter(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		want     []string
	}{
		{"no filters", Criteria{}, []string{"aaaaaa11", "aaaaaa22", "bbbbbb33"}},
		{"since", Criteria{Since: base.Add(30 * time.Minute)}, []string{"aaaaaa11", "aaaaaa22"}},
		{"until", Criteria{Until: base.Add(time.Hour)}, []string{"aaaaaa22", "bbbbbb33"}},
		{"outcome glob", Criteria{OutcomeGlob: "pa*"}, []string{"aaaaaa22", "bbbbbb33"}},
		{"trigger", Criteria{Trigger: "manual"}, []string{"bbbbbb33"}},
		{"combined", Criteria{OutcomeGlob: "pa*", Trigger: "retry"}, []string{"aaaaaa22"}},
		{"bad glob matches nothing", Criteria{OutcomeGlob: "["}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tt.criteria.Filter(runs())))
		})
	}
}

func TestResolve(t *testing.T) {
	t.Run("unique prefix", func(t *testing.T) {
		r, err := Resolve(runs(), "bbbbbb")
		require.NoError(t, err)
		assert.Equal(t, "manual", r.Trigger)
	})

	t.Run("full id", func(t *testing.T) {
		r, err := Resolve(runs(), "aaaaaa22-0000-0000-0000-000000000000")
		require.NoError(t, err)
		assert.Equal(t, "paused", r.Outcome)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := Resolve(runs(), "aaa")
		assert.ErrorContains(t, err, "at least 6")
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := Resolve(runs(), "aaaaaa")
		var amb *AmbiguousError
		require.True(t, errors.As(err, &amb))
		assert.Len(t, amb.Matches, 2)
		assert.Contains(t, FormatAmbiguous(amb), "matches 2 runs")
	})

	t.Run("not found", func(t *testing.T) {
		_, err := Resolve(runs(), "cccccc")
		var nf *NotFoundError
		assert.True(t, errors.As(err, &nf))
	})
}
