package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/ordinaut/ordinaut/internal/testutil"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	testutil.NoError(t, err)
	return loc
}

func TestValidKind(t *testing.T) {
	for _, k := range []Kind{KindCron, KindRRule, KindOnce, KindEvent} {
		testutil.True(t, ValidKind(k), "expected %q to be valid", k)
	}
	testutil.False(t, ValidKind(Kind("interval")))
	testutil.False(t, ValidKind(Kind("")))
}

func TestValidateRejectsBadZone(t *testing.T) {
	err := Validate(KindCron, "* * * * *", "Mars/Olympus")
	testutil.True(t, errors.Is(err, ErrUnknownTimezone), "want ErrUnknownTimezone, got %v", err)

	err = Validate(KindCron, "* * * * *", "")
	testutil.True(t, errors.Is(err, ErrUnknownTimezone), "want ErrUnknownTimezone, got %v", err)
}

func TestValidateCron(t *testing.T) {
	testutil.NoError(t, Validate(KindCron, "30 2 * * *", "UTC"))
	testutil.NoError(t, Validate(KindCron, "*/15 9-17 * * 1-5", "Europe/Berlin"))

	for _, expr := range []string{"", "* * * *", "* * * * * *", "61 * * * *", "bogus"} {
		err := Validate(KindCron, expr, "UTC")
		testutil.True(t, errors.Is(err, ErrInvalidExpression), "expr %q: want ErrInvalidExpression, got %v", expr, err)
	}
}

func TestValidateOnce(t *testing.T) {
	testutil.NoError(t, Validate(KindOnce, "2025-12-25T09:00:00+02:00", "Europe/Chisinau"))
	err := Validate(KindOnce, "tomorrow", "UTC")
	testutil.True(t, errors.Is(err, ErrInvalidExpression), "want ErrInvalidExpression, got %v", err)
}

func TestValidateEventAcceptsAnyTopic(t *testing.T) {
	testutil.NoError(t, Validate(KindEvent, "orders.created", "UTC"))
	testutil.NoError(t, Validate(KindEvent, "", "UTC"))
}

func TestCronNextBasic(t *testing.T) {
	after := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	next, ok, err := Next(KindCron, "*/15 * * * *", "UTC", after, after)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	testutil.Equal(t, time.Date(2025, 8, 20, 12, 15, 0, 0, time.UTC), next)
}

func TestCronNextIsStrictlyAfter(t *testing.T) {
	// A tick landing exactly on `after` must not be returned again.
	after := time.Date(2025, 8, 20, 12, 15, 0, 0, time.UTC)
	next, ok, err := Next(KindCron, "*/15 * * * *", "UTC", after, after)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	testutil.Equal(t, time.Date(2025, 8, 20, 12, 30, 0, 0, time.UTC), next)
}

func TestCronDayOfMonthDayOfWeekUnion(t *testing.T) {
	// POSIX: with both fields restricted, either may match. Friday
	// 2025-08-01 comes before the 13th.
	after := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	next, ok, err := Next(KindCron, "0 12 13 * 5", "UTC", after, after)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	testutil.Equal(t, time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC), next)

	// Aug 8 is also a Friday and comes before the 13th.
	next, ok, err = Next(KindCron, "0 12 13 * 5", "UTC", after, next)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	testutil.Equal(t, time.Date(2025, 8, 8, 12, 0, 0, 0, time.UTC), next)
}

func TestCronSpringForwardSkipsDay(t *testing.T) {
	// Europe/Chisinau jumps 02:00 -> 03:00 on 2025-03-30; 02:30 does
	// not exist that day, so the daily task fires on the 29th and then
	// not again until the 31st.
	chisinau := mustZone(t, "Europe/Chisinau")
	after := time.Date(2025, 3, 28, 12, 0, 0, 0, chisinau)

	first, ok, err := Next(KindCron, "30 2 * * *", "Europe/Chisinau", after, after)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	testutil.Equal(t, time.Date(2025, 3, 29, 2, 30, 0, 0, chisinau).UTC(), first)

	second, ok, err := Next(KindCron, "30 2 * * *", "Europe/Chisinau", after, first)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	local := second.In(chisinau)
	testutil.Equal(t, 31, local.Day())
	testutil.Equal(t, 2, local.Hour())
	testutil.Equal(t, 30, local.Minute())
}

func TestCronFallBackFiresOnce(t *testing.T) {
	// Europe/Chisinau falls back 03:00 -> 02:00 on 2025-10-26; the wall
	// clock 02:30 occurs twice. Only the first pass fires.
	chisinau := mustZone(t, "Europe/Chisinau")
	after := time.Date(2025, 10, 25, 12, 0, 0, 0, chisinau)

	first, ok, err := Next(KindCron, "30 2 * * *", "Europe/Chisinau", after, after)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	// 02:30 EEST == 23:30 UTC the previous day.
	testutil.Equal(t, time.Date(2025, 10, 25, 23, 30, 0, 0, time.UTC), first)

	second, ok, err := Next(KindCron, "30 2 * * *", "Europe/Chisinau", after, first)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	testutil.Equal(t, 27, second.In(chisinau).Day())

	// Asking from between the two passes must not fire the repeated
	// wall clock a second time either.
	between := time.Date(2025, 10, 25, 23, 45, 0, 0, time.UTC)
	next, ok, err := Next(KindCron, "30 2 * * *", "Europe/Chisinau", after, between)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	testutil.Equal(t, 27, next.In(chisinau).Day())
}

func TestOnceFuture(t *testing.T) {
	after := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	next, ok, err := Next(KindOnce, "2025-12-25T09:00:00+02:00", "Europe/Chisinau", after, after)
	testutil.NoError(t, err)
	testutil.True(t, ok, "expected a next occurrence")
	testutil.Equal(t, time.Date(2025, 12, 25, 7, 0, 0, 0, time.UTC), next)
}

func TestOncePastHasNoOccurrence(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, ok, err := Next(KindOnce, "2025-12-25T09:00:00Z", "UTC", after, after)
	testutil.NoError(t, err)
	testutil.False(t, ok)
}

func TestEventNeverFiresFromClock(t *testing.T) {
	after := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	_, ok, err := Next(KindEvent, "orders.created", "UTC", after, after)
	testutil.NoError(t, err)
	testutil.False(t, ok)
}
