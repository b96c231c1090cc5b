package history

import (
	"fmt"
	"strings"

	"github.com/dyluth/mural/pkg/canvas"
)

// MinShortIDLength is the minimum accepted run ID prefix.
const MinShortIDLength = 6

// NotFoundError indicates no run matched the ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no runs found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple runs matched the ID prefix.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d runs", e.ShortID, len(e.Matches))
}

// Resolve finds the run whose ID is id or starts with it. A full UUID must
// match exactly; shorter prefixes need at least MinShortIDLength characters
// and must be unique.
func Resolve(runs []*canvas.RunSummary, id string) (*canvas.RunSummary, error) {
	full := len(id) == 36 && strings.Count(id, "-") == 4
	if !full && len(id) < MinShortIDLength {
		return nil, fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(id))
	}

	var matches []*canvas.RunSummary
	for _, r := range runs {
		if r.ID == id || (!full && strings.HasPrefix(r.ID, id)) {
			matches = append(matches, r)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &NotFoundError{ShortID: id}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, &AmbiguousError{ShortID: id, Matches: ids}
	}
}

// FormatAmbiguous lists up to 10 matching IDs for the user.
func FormatAmbiguous(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Short ID '%s' matches %d runs:\n", err.ShortID, len(err.Matches))

	shown := err.Matches
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, id := range shown {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}
	return b.String()
}
