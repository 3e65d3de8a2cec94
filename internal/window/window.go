// Package window computes quota window boundaries and parses window definitions.
package window

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // anchors name IANA zones
)

// Calendar period codes.
const (
	PeriodDay   = "P1D"
	PeriodWeek  = "P1W"
	PeriodMonth = "P1M"
)

// ErrUnsupportedPeriod is returned for calendar codes other than P1D, P1W and P1M.
var ErrUnsupportedPeriod = errors.New("window: unsupported period")

// Spec describes one recurring quota window.
type Spec struct {
	ID            string // Window name used in scope keys and messages.
	LimitMicros   int64  // Ceiling per window instance.
	PeriodSeconds int64  // Fixed duration; zero when PeriodISO is used.
	PeriodISO     string // Calendar code.
	Anchor        string // "Zone:HH:mm"; blank means UTC midnight.
}

// Fixed reports whether the window has a fixed duration.
func (s Spec) Fixed() bool { return s.PeriodSeconds > 0 }

// Bounds is one window instance: Start <= t < Next.
type Bounds struct {
	Start time.Time
	Next  time.Time
}

type anchor struct {
	loc    *time.Location
	hour   int
	minute int
}

// Calculate returns the window instance containing at. A zero at means now.
func Calculate(spec Spec, at time.Time) (Bounds, error) {
	if at.IsZero() {
		at = time.Now()
	}
	a := parseAnchor(spec.Anchor)
	local := at.In(a.loc)

	if spec.PeriodSeconds > 0 {
		return fixedBounds(local, a, spec.PeriodSeconds), nil
	}

	code := strings.ToUpper(strings.TrimSpace(spec.PeriodISO))
	var start, next time.Time
	switch code {
	case PeriodDay:
		start = atAnchor(local.Year(), local.Month(), local.Day(), a)
		if local.Before(start) {
			start = start.AddDate(0, 0, -1)
		}
		next = start.AddDate(0, 0, 1)
	case PeriodWeek:
		offset := (int(local.Weekday()) + 6) % 7
		monday := local.AddDate(0, 0, -offset)
		start = atAnchor(monday.Year(), monday.Month(), monday.Day(), a)
		if local.Before(start) {
			start = start.AddDate(0, 0, -7)
		}
		next = start.AddDate(0, 0, 7)
	case PeriodMonth:
		start = atAnchor(local.Year(), local.Month(), 1, a)
		if local.Before(start) {
			start = atAnchor(local.Year(), local.Month()-1, 1, a)
		}
		next = atAnchor(start.Year(), start.Month()+1, 1, a)
	default:
		return Bounds{}, fmt.Errorf("%w: %q", ErrUnsupportedPeriod, spec.PeriodISO)
	}
	return Bounds{Start: start.UTC(), Next: next.UTC()}, nil
}

func fixedBounds(local time.Time, a anchor, seconds int64) Bounds {
	origin := atAnchor(local.Year(), local.Month(), local.Day(), a)
	if local.Before(origin) {
		origin = origin.AddDate(0, 0, -1)
	}
	period := time.Duration(seconds) * time.Second
	steps := local.Sub(origin) / period
	start := origin.Add(steps * period)
	return Bounds{Start: start.UTC(), Next: start.Add(period).UTC()}
}

func atAnchor(year int, month time.Month, day int, a anchor) time.Time {
	return time.Date(year, month, day, a.hour, a.minute, 0, 0, a.loc)
}

// parseAnchor reads "Zone:HH:mm". Anything malformed degrades to UTC midnight.
func parseAnchor(raw string) anchor {
	fallback := anchor{loc: time.UTC}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	zone, clock, ok := strings.Cut(raw, ":")
	if !ok {
		return fallback
	}
	loc, errLoad := time.LoadLocation(strings.TrimSpace(zone))
	if errLoad != nil {
		return fallback
	}
	hh, mm, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return fallback
	}
	hour, errHour := strconv.Atoi(hh)
	minute, errMinute := strconv.Atoi(mm)
	if errHour != nil || errMinute != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fallback
	}
	return anchor{loc: loc, hour: hour, minute: minute}
}
