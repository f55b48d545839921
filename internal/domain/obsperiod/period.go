package obsperiod

import "time"

// Clock supplies "today" for open-ended (NONE) windows.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// Calculator derives reporting windows from a reference date.
type Calculator struct {
	clock Clock
}

func NewCalculator(clock Clock) *Calculator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Calculator{clock: clock}
}

// ComputeWindow returns the reporting window for ref:
//
//   - offset > 0: offset whole months (MONTHLY) or quarters (QUARTERLY)
//     starting at ref, ending the day before the following block starts.
//   - offset == 0: the calendar month or quarter containing ref.
//   - NONE: [ref, today] whatever the offset. Today comes from the clock, so
//     the result changes from day to day.
//
// Dates are taken in ref's location.
func (c *Calculator) ComputeWindow(ref time.Time, g Granularity, offset int) (Window, error) {
	if ref.IsZero() {
		return Window{}, invalidf("reference date is required")
	}
	if offset < 0 {
		return Window{}, invalidf("period offset must not be negative, got %d", offset)
	}
	ref = dateOf(ref)

	switch g {
	case NoPeriod:
		today := dateOf(c.clock.Now().In(ref.Location()))
		if today.Before(ref) {
			return Window{}, invalidf("reference date %s is after today (%s)",
				ref.Format(time.DateOnly), today.Format(time.DateOnly))
		}
		return Window{Start: ref, End: today}, nil

	case Monthly:
		if offset > 0 {
			return Window{Start: ref, End: addMonths(ref, offset).AddDate(0, 0, -1)}, nil
		}
		start := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, ref.Location())
		return Window{Start: start, End: start.AddDate(0, 1, -1)}, nil

	case Quarterly:
		if offset > 0 {
			return Window{Start: ref, End: addMonths(ref, 3*offset).AddDate(0, 0, -1)}, nil
		}
		first := time.Month((int(ref.Month())-1)/3*3 + 1)
		start := time.Date(ref.Year(), first, 1, 0, 0, 0, 0, ref.Location())
		return Window{Start: start, End: start.AddDate(0, 3, -1)}, nil
	}

	return Window{}, invalidf("unknown granularity %q", g)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// addMonths adds n calendar months, clamping to the last day of the target
// month (Jan 31 + 1 month = Feb 28 or 29) instead of overflowing into the
// next one as time.AddDate does.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	last := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, 0, 0, 0, 0, t.Location())
}
