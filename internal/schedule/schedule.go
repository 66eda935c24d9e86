package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxOccurrencesPerDay caps schedule expansion so a malformed
// expression cannot spin the opener.
const maxOccurrencesPerDay = 1440

// Schedule is a site wake schedule: a cron expression evaluated in
// the site's local timezone. It answers the three questions the
// pipeline asks: how many wakes does a day expect, is a given wake
// one of them, and when is the next one.
type Schedule struct {
	expr string
	loc  *time.Location
	spec cron.Schedule
}

// Parse parses a cron expression with its timezone
func Parse(expr, timezone string) (*Schedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	return &Schedule{expr: expr, loc: loc, spec: spec}, nil
}

// Expr returns the original cron expression
func (s *Schedule) Expr() string {
	return s.expr
}

// Location returns the schedule's timezone
func (s *Schedule) Location() *time.Location {
	return s.loc
}

// Next returns the first scheduled wake strictly after t
func (s *Schedule) Next(t time.Time) time.Time {
	return s.spec.Next(t.In(s.loc))
}

// LocalDate formats t as the site-local calendar date (YYYY-MM-DD)
func (s *Schedule) LocalDate(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}

// DayBounds returns the site-local midnight boundaries surrounding t
func (s *Schedule) DayBounds(t time.Time) (start, end time.Time) {
	local := t.In(s.loc)
	start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	end = start.AddDate(0, 0, 1)
	return start, end
}

// Occurrences returns every scheduled wake within [start, end)
func (s *Schedule) Occurrences(start, end time.Time) []time.Time {
	var out []time.Time
	t := s.spec.Next(start.In(s.loc).Add(-time.Second))
	for !t.IsZero() && t.Before(end) && len(out) < maxOccurrencesPerDay {
		out = append(out, t)
		t = s.spec.Next(t)
	}
	return out
}

// ExpectedWakes returns the number of scheduled wakes on the
// site-local calendar day containing t.
func (s *Schedule) ExpectedWakes(t time.Time) int {
	start, end := s.DayBounds(t)
	return len(s.Occurrences(start, end))
}

// IsExpected reports whether t falls within tolerance of a scheduled
// occurrence; wakes outside every window are overage.
func (s *Schedule) IsExpected(t time.Time, tolerance time.Duration) bool {
	local := t.In(s.loc)

	prev := s.spec.Next(local.Add(-tolerance - time.Second))
	for !prev.IsZero() && !prev.After(local.Add(tolerance)) {
		d := local.Sub(prev)
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			return true
		}
		prev = s.spec.Next(prev)
	}
	return false
}

// Round describes one wake round: the half-open window between one
// scheduled occurrence and the next (the last round runs to the day
// boundary). Rounds are numbered from 1 within a day.
type Round struct {
	Number int
	Start  time.Time
	End    time.Time
}

// Rounds returns every wake round of the site-local day containing t
func (s *Schedule) Rounds(t time.Time) []Round {
	start, end := s.DayBounds(t)
	occ := s.Occurrences(start, end)

	rounds := make([]Round, 0, len(occ))
	for i, o := range occ {
		r := Round{Number: i + 1, Start: o, End: end}
		if i+1 < len(occ) {
			r.End = occ[i+1]
		}
		rounds = append(rounds, r)
	}
	return rounds
}

// LastClosedRound returns the most recent round of now's day whose
// window has fully elapsed, or false when no round has closed yet.
func (s *Schedule) LastClosedRound(now time.Time) (Round, bool) {
	local := now.In(s.loc)
	var last Round
	var found bool
	for _, r := range s.Rounds(local) {
		if !r.End.After(local) {
			last = r
			found = true
		}
	}
	return last, found
}
