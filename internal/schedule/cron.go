package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

func validateCron(expr string) error {
	if len(strings.Fields(expr)) != 5 {
		return fmt.Errorf("%w: cron expression must have exactly 5 fields", ErrInvalidExpression)
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	return nil
}

// nextCron finds the next real instant in loc whose wall clock matches
// the expression. Matching instants means a wall time that does not
// exist on a spring-forward day simply never matches; the occurrence is
// skipped rather than shifted. A wall time that occurs twice on a
// fall-back day fires only on its first pass.
func nextCron(expr string, loc *time.Location, after time.Time) (time.Time, bool, error) {
	if err := validateCron(expr); err != nil {
		return time.Time{}, false, err
	}

	// POSIX cron: when both day-of-month and day-of-week are
	// restricted, a time matches if either field matches. Evaluate the
	// two single-field variants and take the earlier tick.
	fields := strings.Fields(expr)
	variants := []string{expr}
	if fields[2] != "*" && fields[4] != "*" {
		dom := make([]string, 5)
		dow := make([]string, 5)
		copy(dom, fields)
		copy(dow, fields)
		dom[4] = "*"
		dow[2] = "*"
		variants = []string{strings.Join(dom, " "), strings.Join(dow, " ")}
	}

	var best time.Time
	for _, v := range variants {
		n, ok, err := nextTick(v, loc, after)
		if err != nil {
			return time.Time{}, false, err
		}
		if ok && (best.IsZero() || n.Before(best)) {
			best = n
		}
	}
	if best.IsZero() {
		return time.Time{}, false, nil
	}
	return best.UTC(), true, nil
}

func nextTick(expr string, loc *time.Location, after time.Time) (time.Time, bool, error) {
	t := after.In(loc)
	// A repeated wall clock yields at most a couple of consecutive
	// duplicate ticks; a handful of retries is always enough.
	for i := 0; i < 4; i++ {
		n, err := gronx.NextTickAfter(expr, t, false)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		e, repeated := earlierTwin(n, loc)
		if !repeated {
			return n, true, nil
		}
		// The tick resolved to the second pass of a fall-back repeated
		// window. The occurrence belongs to the first pass; if that
		// instant is still ahead, fire there.
		if e.After(after) {
			return e, true, nil
		}
		// First pass already fired; firing again would double-run the
		// task for the same wall time.
		t = n
	}
	return time.Time{}, false, nil
}

// earlierTwin returns the instant one transition-shift before t that
// renders the same zoned wall clock, when t sits in the second pass of
// a fall-back repeated window.
func earlierTwin(t time.Time, loc *time.Location) (time.Time, bool) {
	w := t.In(loc)
	for _, shift := range []time.Duration{time.Hour, 30 * time.Minute} {
		e := t.Add(-shift)
		ew := e.In(loc)
		if ew.Year() == w.Year() && ew.YearDay() == w.YearDay() &&
			ew.Hour() == w.Hour() && ew.Minute() == w.Minute() {
			return e, true
		}
	}
	return time.Time{}, false
}
