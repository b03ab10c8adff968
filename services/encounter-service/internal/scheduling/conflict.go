package scheduling

import (
	"context"
	"time"
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open windows [a.Start,a.End) and
// [b.Start,b.End) intersect.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Calendar exposes a doctor's committed windows. BookedWindows returns the
// windows of every non-terminal appointment intersecting [from, to),
// excluding the appointment with excludeID (empty excludes nothing;
// reschedules must not conflict with their own current slot).
type Calendar interface {
	BookedWindows(ctx context.Context, doctorID string, from, to time.Time, excludeID string) ([]Interval, error)
}

type Checker struct {
	cal Calendar
}

func NewChecker(cal Calendar) *Checker {
	return &Checker{cal: cal}
}

// HasConflict reports whether the proposed window overlaps any non-terminal
// appointment of the doctor. A lookup error means the check did NOT run;
// callers must treat that as a failed safety check and reject the booking,
// never as "no conflict".
func (c *Checker) HasConflict(ctx context.Context, doctorID string, windowStart, windowEnd time.Time, excludeID string) (bool, error) {
	booked, err := c.cal.BookedWindows(ctx, doctorID, windowStart, windowEnd, excludeID)
	if err != nil {
		return false, err
	}
	proposed := Interval{Start: windowStart, End: windowEnd}
	for _, w := range booked {
		if Overlaps(proposed, w) {
			return true, nil
		}
	}
	return false, nil
}
