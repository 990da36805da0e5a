// Package window implements the access-window gate for appointment chats.
//
// A conversation is only writable inside a fixed interval around the
// scheduled appointment instant (by default 30 minutes before through 30
// minutes after, both bounds inclusive). The gate is a pure computation:
// no I/O, no caching, evaluated fresh on every check. All write paths
// (message send, typing signals) must consult it immediately before acting;
// read paths never do.
package window

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Default lead and lag around the scheduled instant.
const (
	DefaultBefore = 30 * time.Minute
	DefaultAfter  = 30 * time.Minute
)

// ErrBadTimeOfDay is returned when a time-of-day string cannot be parsed.
var ErrBadTimeOfDay = errors.New("time of day must be HH:MM")

// Phase describes where "now" falls relative to the window.
type Phase string

const (
	// PhaseBefore means the window has not opened yet.
	PhaseBefore Phase = "before"
	// PhaseOpen means writes are currently permitted.
	PhaseOpen Phase = "open"
	// PhaseAfter means the window has closed.
	PhaseAfter Phase = "after"
)

// Verdict is the result of a single gate evaluation.
type Verdict struct {
	Writable bool      `json:"writable"`
	Phase    Phase     `json:"phase"`
	Opens    time.Time `json:"opens"`
	Closes   time.Time `json:"closes"`
}

// Gate computes write eligibility for a scheduled instant. The zero value is
// not usable; construct with New.
type Gate struct {
	before time.Duration
	after  time.Duration
}

// New returns a Gate with the given lead/lag. Non-positive values fall back
// to the 30-minute defaults.
func New(before, after time.Duration) Gate {
	if before <= 0 {
		before = DefaultBefore
	}
	if after <= 0 {
		after = DefaultAfter
	}
	return Gate{before: before, after: after}
}

// Default is a Gate with the standard ±30-minute window.
var Default = New(DefaultBefore, DefaultAfter)

// Check reports whether now falls inside [scheduled-before, scheduled+after].
// Both bounds are inclusive.
func (g Gate) Check(scheduled, now time.Time) Verdict {
	opens := scheduled.Add(-g.before)
	closes := scheduled.Add(g.after)

	v := Verdict{Opens: opens, Closes: closes}
	switch {
	case now.Before(opens):
		v.Phase = PhaseBefore
	case now.After(closes):
		v.Phase = PhaseAfter
	default:
		v.Phase = PhaseOpen
		v.Writable = true
	}
	return v
}

// Evaluate combines a calendar date with a wall-clock "HH:MM" string the way
// appointment records store them, then checks the window at now. The
// scheduled instant is interpreted in the location of date.
func (g Gate) Evaluate(date time.Time, timeOfDay string, now time.Time) (Verdict, error) {
	scheduled, err := At(date, timeOfDay)
	if err != nil {
		return Verdict{}, err
	}
	return g.Check(scheduled, now), nil
}

// At resolves a calendar date plus a "HH:MM" wall-clock string into the
// scheduled instant, in the location of date.
func At(date time.Time, timeOfDay string) (time.Time, error) {
	hh, mm, err := parseClock(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hh, mm, 0, 0, date.Location()), nil
}

// parseClock parses "HH:MM" (24h). Seconds are not accepted; appointment
// slots are minute-granular.
func parseClock(s string) (hh, mm int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadTimeOfDay, s)
	}
	hh, err = strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadTimeOfDay, s)
	}
	mm, err = strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadTimeOfDay, s)
	}
	return hh, mm, nil
}
