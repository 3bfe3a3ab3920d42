// Package schedule evaluates task schedule expressions: POSIX cron,
// RFC 5545 recurrence rules, one-shot RFC 3339 instants, and event
// topics. Evaluation is pure: no I/O, no clock reads, deterministic for
// a given (kind, expr, zone, anchor, after) tuple.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Kind selects how a task's expression is interpreted.
type Kind string

const (
	KindCron  Kind = "cron"
	KindRRule Kind = "rrule"
	KindOnce  Kind = "once"
	KindEvent Kind = "event"
)

var (
	// ErrInvalidExpression marks a syntactically or semantically
	// malformed schedule expression.
	ErrInvalidExpression = errors.New("invalid schedule expression")

	// ErrUnknownTimezone marks a timezone that is not a valid IANA name.
	ErrUnknownTimezone = errors.New("unknown timezone")
)

// ValidKind reports whether k is a recognized schedule kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindCron, KindRRule, KindOnce, KindEvent:
		return true
	}
	return false
}

// Validate checks expr and zone for the given kind without computing an
// occurrence. Event expressions are opaque topic strings and always pass.
func Validate(kind Kind, expr, zone string) error {
	if _, err := loadZone(zone); err != nil {
		return err
	}
	switch kind {
	case KindCron:
		return validateCron(expr)
	case KindRRule:
		_, err := parseRRule(expr)
		return err
	case KindOnce:
		if _, err := time.Parse(time.RFC3339, expr); err != nil {
			return fmt.Errorf("%w: %q is not an RFC 3339 instant", ErrInvalidExpression, expr)
		}
		return nil
	case KindEvent:
		return nil
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidExpression, kind)
	}
}

// Next returns the next firing instant strictly after the given instant,
// in UTC. anchor is the instant the schedule came into existence; it
// fixes the recurrence origin for rrule COUNT/UNTIL accounting and is
// ignored for the other kinds. ok=false with a nil error means the
// schedule has no future occurrence (exhausted, past one-shot, or event).
func Next(kind Kind, expr, zone string, anchor, after time.Time) (next time.Time, ok bool, err error) {
	loc, err := loadZone(zone)
	if err != nil {
		return time.Time{}, false, err
	}
	switch kind {
	case KindCron:
		return nextCron(expr, loc, after)
	case KindRRule:
		return nextRRule(expr, loc, anchor, after)
	case KindOnce:
		t, perr := time.Parse(time.RFC3339, expr)
		if perr != nil {
			return time.Time{}, false, fmt.Errorf("%w: %q is not an RFC 3339 instant", ErrInvalidExpression, expr)
		}
		if t.After(after) {
			return t.UTC(), true, nil
		}
		return time.Time{}, false, nil
	case KindEvent:
		// Event tasks fire only on publish, never from the clock.
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidExpression, kind)
	}
}

func loadZone(zone string) (*time.Location, error) {
	if zone == "" {
		return nil, fmt.Errorf("%w: timezone is required", ErrUnknownTimezone)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, zone)
	}
	return loc, nil
}
