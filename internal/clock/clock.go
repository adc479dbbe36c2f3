// Package clock converts between naive wall-clock timestamps interpreted in an
// IANA zone and absolute instants, and provides the zone-aware day arithmetic
// the rest of the engine depends on. No I/O.
package clock

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// NaiveLayout is the canonical naive date-time form stored on events.
	NaiveLayout = "2006-01-02T15:04:05"
	// DateLayout is the date-only form used by all-day events.
	DateLayout = "2006-01-02"

	minutesPerDay = 24 * 60
)

// absoluteSuffix matches a trailing UTC marker or explicit offset, meaning the
// string already names an instant and must not be reinterpreted.
var absoluteSuffix = regexp.MustCompile(`(Z|[+-]\d{2}:?\d{2})$`)

var naiveLayouts = []string{
	NaiveLayout,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	DateLayout,
}

// IsAbsolute reports whether the string already names an instant (trailing
// offset or UTC marker) and therefore must never be reinterpreted in a zone.
func IsAbsolute(s string) bool {
	return absoluteSuffix.MatchString(s)
}

// ToInstant interprets naive as a wall-clock time in zone and returns the
// instant it names. Strings that already carry an offset or UTC marker are
// parsed as-is; mixed-format input is auto-detected so nothing gets
// double-converted.
//
// Resolution works by iterative correction rather than a fixed offset lookup:
// start from the wall clock read as UTC, observe what that instant looks like
// in the target zone, and shift by the wall-clock difference until they agree.
// This lands on the correct instant across DST transitions; a wall time that
// does not exist (spring-forward gap) or exists twice settles on a valid
// nearby instant instead of oscillating.
func ToInstant(naive, zone string) (time.Time, error) {
	if absoluteSuffix.MatchString(naive) {
		// RFC 3339 first, then the colonless-offset variant ("+0500") the
		// suffix pattern also admits.
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700"} {
			if t, err := time.Parse(layout, naive); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("parse absolute timestamp %q: unrecognized format", naive)
	}

	wall, err := parseNaive(naive)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load zone %q: %w", zone, err)
	}

	guess := wall
	var prev time.Duration
	for i := 0; i < 4; i++ {
		delta := wall.Sub(stripZone(guess.In(loc)))
		if delta == 0 {
			break
		}
		// A delta that exactly reverses the previous shift means the wall
		// time does not exist (spring-forward gap). Resolve to the
		// transition instant so gap times still sort between the wall times
		// on either side of the gap.
		if i > 0 && delta == -prev {
			return gapTransition(guess, guess.Add(delta), loc), nil
		}
		guess = guess.Add(delta)
		prev = delta
	}
	return guess, nil
}

// gapTransition locates the offset change between two instants that straddle
// a DST gap, returning the first instant on the new offset.
func gapTransition(a, b time.Time, loc *time.Location) time.Time {
	lo, hi := a, b
	if hi.Before(lo) {
		lo, hi = hi, lo
	}
	_, loOffset := lo.In(loc).Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, offset := mid.In(loc).Zone(); offset == loOffset {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi.Truncate(time.Second)
}

// FormatNaive renders an instant as the naive wall-clock string an observer in
// zone would read. Inverse of ToInstant away from DST boundaries.
func FormatNaive(t time.Time, zone string) (string, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("load zone %q: %w", zone, err)
	}
	return t.In(loc).Format(NaiveLayout), nil
}

// DayWindow returns the half-open [midnight, next midnight) window containing
// t in zone. The window is not always 24 hours long on transition days.
func DayWindow(t time.Time, zone string) (time.Time, time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("load zone %q: %w", zone, err)
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1), nil
}

// MinutesOnDay clips [start, end) to the given day in zone and returns the
// covered span as minutes from that day's midnight, both in [0, 1440]. The
// returned span is never empty: a zero-duration event still occupies one
// minute so overlap tests and grids treat it as present. ok is false when the
// event does not touch the day at all.
func MinutesOnDay(start, end time.Time, zone string, day time.Time) (startMin, endMin int, ok bool, err error) {
	dayStart, dayEnd, err := DayWindow(day, zone)
	if err != nil {
		return 0, 0, false, err
	}
	if end.Before(start) {
		end = start
	}
	if !start.Before(dayEnd) || end.Before(dayStart) {
		return 0, 0, false, nil
	}

	startMin = clampMinutes(start.Sub(dayStart))
	endMin = clampMinutes(end.Sub(dayStart))
	if endMin <= startMin {
		endMin = startMin + 1
		if endMin > minutesPerDay {
			endMin = minutesPerDay
			startMin = minutesPerDay - 1
		}
	}
	return startMin, endMin, true, nil
}

func clampMinutes(offset time.Duration) int {
	m := int(offset / time.Minute)
	if m < 0 {
		return 0
	}
	if m > minutesPerDay {
		return minutesPerDay
	}
	return m
}

// CrossesTransition reports whether the zone's abbreviation changes within two
// hours either side of t, flagging events scheduled across a DST boundary.
// Informational only.
func CrossesTransition(t time.Time, zone string) bool {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return false
	}
	before, _ := t.Add(-2 * time.Hour).In(loc).Zone()
	at, _ := t.In(loc).Zone()
	after, _ := t.Add(2 * time.Hour).In(loc).Zone()
	return before != at || at != after
}

// ParseDate parses a date-only string into a UTC midnight value used purely
// for component arithmetic. All-day math never goes through zone conversion.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// InclusiveEnd converts an all-day exclusive end date (the day after the last
// included day) to the last included day itself, for internal comparisons.
func InclusiveEnd(endExclusive string) (string, error) {
	t, err := ParseDate(endExclusive)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, -1).Format(DateLayout), nil
}

// ExclusiveEnd is the reverse of InclusiveEnd, producing the provider-side
// exclusive end date from the last included day.
func ExclusiveEnd(endInclusive string) (string, error) {
	t, err := ParseDate(endInclusive)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, 1).Format(DateLayout), nil
}

// CoversDate reports whether day falls inside an all-day range given as start
// date and exclusive end date. Pure date-component comparison.
func CoversDate(startDate, endExclusive, day string) (bool, error) {
	s, err := ParseDate(startDate)
	if err != nil {
		return false, err
	}
	e, err := ParseDate(endExclusive)
	if err != nil {
		return false, err
	}
	d, err := ParseDate(day)
	if err != nil {
		return false, err
	}
	return !d.Before(s) && d.Before(e), nil
}

func parseNaive(s string) (time.Time, error) {
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse naive timestamp %q: unrecognized format", s)
}

// stripZone re-reads t's wall-clock components as if they were UTC, making
// wall clocks from different zones directly comparable.
func stripZone(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
