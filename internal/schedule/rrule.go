package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var rruleFreqs = map[string]bool{
	"SECONDLY": true, "MINUTELY": true, "HOURLY": true,
	"DAILY": true, "WEEKLY": true, "MONTHLY": true, "YEARLY": true,
}

// parseRRule validates and parses an RFC 5545 rule body. A leading
// "RRULE:" prefix is tolerated but not required.
func parseRRule(expr string) (*rrule.ROption, error) {
	body := strings.TrimPrefix(strings.TrimSpace(expr), "RRULE:")
	if body == "" {
		return nil, fmt.Errorf("%w: empty rrule", ErrInvalidExpression)
	}

	// Structural checks the library is lenient about.
	var haveFreq, haveCount, haveUntil bool
	for _, part := range strings.Split(body, ";") {
		k, v, found := strings.Cut(part, "=")
		if !found || v == "" {
			return nil, fmt.Errorf("%w: malformed rrule part %q", ErrInvalidExpression, part)
		}
		switch strings.ToUpper(k) {
		case "FREQ":
			haveFreq = true
			if !rruleFreqs[strings.ToUpper(v)] {
				return nil, fmt.Errorf("%w: unknown FREQ %q", ErrInvalidExpression, v)
			}
		case "INTERVAL":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("%w: INTERVAL must be an integer >= 1", ErrInvalidExpression)
			}
		case "COUNT":
			haveCount = true
		case "UNTIL":
			haveUntil = true
		}
	}
	if !haveFreq {
		return nil, fmt.Errorf("%w: rrule requires FREQ", ErrInvalidExpression)
	}
	if haveCount && haveUntil {
		return nil, fmt.Errorf("%w: COUNT and UNTIL are mutually exclusive", ErrInvalidExpression)
	}

	opt, err := rrule.StrToROption(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	for _, m := range opt.Bymonth {
		if m < 1 || m > 12 {
			return nil, fmt.Errorf("%w: BYMONTH %d out of range", ErrInvalidExpression, m)
		}
	}
	maxOrdinal := 0
	switch opt.Freq {
	case rrule.MONTHLY:
		maxOrdinal = 5
	case rrule.YEARLY:
		maxOrdinal = 53
	}
	for _, wd := range opt.Byweekday {
		n := wd.N()
		if n == 0 {
			continue
		}
		if maxOrdinal == 0 {
			return nil, fmt.Errorf("%w: BYDAY ordinals require FREQ=MONTHLY or FREQ=YEARLY", ErrInvalidExpression)
		}
		if n < -maxOrdinal || n > maxOrdinal {
			return nil, fmt.Errorf("%w: BYDAY ordinal %d out of range", ErrInvalidExpression, n)
		}
	}
	return opt, nil
}

// nextRRule generates occurrences on the wall clock of loc and localizes
// each candidate afterward. Generation runs in a DST-free frame (wall
// times rendered as UTC) so the calendar arithmetic never lands inside a
// zone transition; the gap and ambiguity rules are applied when the wall
// time is mapped back onto a real instant.
func nextRRule(expr string, loc *time.Location, anchor, after time.Time) (time.Time, bool, error) {
	opt, err := parseRRule(expr)
	if err != nil {
		return time.Time{}, false, err
	}

	opt.Dtstart = toWall(anchor.In(loc))
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	wallAfter := toWall(after.In(loc))
	for i := 0; i < 366; i++ {
		w := r.After(wallAfter, false)
		if w.IsZero() {
			return time.Time{}, false, nil
		}
		t := localizeWall(w, loc)
		if t.After(after) {
			return t.UTC(), true, nil
		}
		wallAfter = w
	}
	return time.Time{}, false, nil
}

// toWall re-renders a zoned time as the same wall clock in UTC.
func toWall(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// localizeWall maps a wall-clock time (carried in UTC) onto an instant
// in loc. An ambiguous wall clock resolves to the pre-transition
// occurrence; a non-existent wall clock resolves to the first valid
// instant after the gap.
func localizeWall(w time.Time, loc *time.Location) time.Time {
	t := time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), 0, loc)
	if sameWall(t, w) {
		for _, shift := range []time.Duration{time.Hour, 30 * time.Minute} {
			if e := t.Add(-shift); sameWall(e.In(loc), w) {
				return e
			}
		}
		return t
	}

	// The wall time fell inside a spring-forward gap and time.Date
	// normalized it. Walk forward from well before the gap to the first
	// instant whose wall clock reaches the requested one.
	u := time.Date(w.Year(), w.Month(), w.Day(), 0, 0, 0, 0, loc).Add(-2 * time.Hour)
	for i := 0; i < 48*60; i++ {
		if !toWall(u.In(loc)).Before(w) {
			return u
		}
		u = u.Add(time.Minute)
	}
	return t
}

func sameWall(t, w time.Time) bool {
	return t.Year() == w.Year() && t.Month() == w.Month() && t.Day() == w.Day() &&
		t.Hour() == w.Hour() && t.Minute() == w.Minute() && t.Second() == w.Second()
}
