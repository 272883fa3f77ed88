package catalog

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// localLayouts are datetime forms without a zone offset, read in the
// configured location.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// When is a parsed point in time. AllDay is set when the input was a bare
// date, in which case Time is midnight in the configured location.
type When struct {
	Time   time.Time
	AllDay bool
}

// ParseWhen reads s as RFC 3339 (used as is), as a local datetime without an
// offset (interpreted in loc), or as a YYYY-MM-DD date (all-day).
func ParseWhen(s string, loc *time.Location) (When, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return When{}, fmt.Errorf("empty time")
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return When{Time: t}, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return When{Time: t}, nil
		}
	}
	if t, err := time.ParseInLocation(DateLayout, s, loc); err == nil {
		return When{Time: t, AllDay: true}, nil
	}
	return When{}, fmt.Errorf("unrecognised time %q (want RFC 3339, YYYY-MM-DDTHH:MM or YYYY-MM-DD)", s)
}

// ParseDate reads a YYYY-MM-DD date as midnight in loc. Datetimes are
// accepted and truncated to their local day.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	w, err := ParseWhen(s, loc)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return StartOfDay(w.Time, loc), nil
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// IsDateOnly reports whether s is a bare YYYY-MM-DD date.
func IsDateOnly(s string) bool {
	_, err := time.Parse(DateLayout, strings.TrimSpace(s))
	return err == nil
}
