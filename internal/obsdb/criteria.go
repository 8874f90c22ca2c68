package obsdb

import (
	"fmt"
	"strings"
	"time"
)

// SelectionCriteria narrows observation queries to a window. Nil fields
// place no bound. Start bounds are inclusive, end bounds exclusive.
type SelectionCriteria struct {
	DateStart  *time.Time
	DateEnd    *time.Time
	VisitStart *int
	VisitEnd   *int
}

// SQL renders the criteria as a parameterized predicate. Placeholders are
// numbered from $next so the predicate can be appended to a query that
// already carries parameters. Empty criteria render as TRUE with no
// parameters.
func (c SelectionCriteria) SQL(next int) (string, []any) {
	var exprs []string
	var args []any
	add := func(format string, arg any) {
		exprs = append(exprs, fmt.Sprintf(format, next))
		args = append(args, arg)
		next++
	}

	if c.DateStart != nil {
		add("obs_visit.issued_at >= $%d", c.DateStart.UTC())
	}
	if c.DateEnd != nil {
		add("obs_visit.issued_at < $%d", c.DateEnd.UTC())
	}
	if c.VisitStart != nil {
		add("obs_visit.visit_id >= $%d", *c.VisitStart)
	}
	if c.VisitEnd != nil {
		add("obs_visit.visit_id < $%d", *c.VisitEnd)
	}

	if len(exprs) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(exprs, " AND ") + ")", args
}

// IsEmpty reports whether the criteria place no bound at all.
func (c SelectionCriteria) IsEmpty() bool {
	return c.DateStart == nil && c.DateEnd == nil && c.VisitStart == nil && c.VisitEnd == nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses a date given on the command line. Accepts RFC 3339 and
// the common date or date-time forms without a zone.
func ParseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}
