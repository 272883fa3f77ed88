package catalog

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/chronoxa/internal/apperr"
	"github.com/MrWong99/chronoxa/internal/gateway"
)

// MatchThreshold is the minimum Jaro-Winkler similarity for an event title to
// count as matching a query.
const MatchThreshold = 0.85

const resolveWindow = 30 * 24 * time.Hour

// Candidate is an event that matched a target query, with its score.
type Candidate struct {
	Event gateway.Event `json:"event"`
	Score float64       `json:"score"`
}

// Resolution is the outcome of looking up a target by query.
type Resolution struct {
	// ID is set when exactly one event matched.
	ID string

	// Candidates holds every match, best first, when more than one matched.
	Candidates []Candidate
}

// Ambiguous reports whether the user must pick among candidates.
func (r Resolution) Ambiguous() bool { return len(r.Candidates) > 1 }

// NeedsTarget reports whether call is an event operation that names no id
// but carries a query to resolve one from.
func NeedsTarget(call Call) bool {
	if call.Name != UpdateEvent && call.Name != DeleteEvent {
		return false
	}
	return call.String("id") == "" && call.String("query") != ""
}

// ResolveTarget looks for events whose title resembles query. With date it
// searches that day; otherwise today through the next 30 days.
func ResolveTarget(ctx context.Context, env *Env, calendarID, query, date string) (Resolution, error) {
	lo := StartOfDay(env.now(), env.loc())
	hi := lo.Add(resolveWindow)
	if strings.TrimSpace(date) != "" {
		d, err := ParseDate(date, env.loc())
		if err != nil {
			return Resolution{}, apperr.Invalid("", "date: %v", err)
		}
		lo, hi = d, d.AddDate(0, 0, 1)
	}

	events, err := env.Gateway.ListEvents(ctx, env.Credentials, env.calendar(calendarID), lo, hi)
	if err != nil {
		return Resolution{}, err
	}

	q := normalizeTitle(query)
	var matches []Candidate
	for _, ev := range events {
		score := similarity(normalizeTitle(ev.Title), q)
		if score >= MatchThreshold {
			matches = append(matches, Candidate{Event: ev, Score: score})
		}
	}
	slices.SortStableFunc(matches, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return a.Event.Start.Compare(b.Event.Start)
	})

	switch len(matches) {
	case 0:
		return Resolution{}, nil
	case 1:
		return Resolution{ID: matches[0].Event.ID}, nil
	default:
		return Resolution{Candidates: matches}, nil
	}
}

func normalizeTitle(s string) string {
	return strings.ToLower(TaskBase(s))
}

// similarity is Jaro-Winkler, except that a title containing the whole query
// (or vice versa) counts as a full match.
func similarity(title, query string) float64 {
	if title == "" || query == "" {
		return 0
	}
	if strings.Contains(title, query) || strings.Contains(query, title) {
		return 1
	}
	return matchr.JaroWinkler(title, query, false)
}
