package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"
)

type staticCalendar struct {
	windows []Interval
	err     error
}

func (c *staticCalendar) BookedWindows(_ context.Context, _ string, _, _ time.Time, _ string) ([]Interval, error) {
	return c.windows, c.err
}

func at(hour, min int) time.Time {
	return time.Date(2025, 3, 1, hour, min, 0, 0, time.UTC)
}

func TestOverlapsHalfOpen(t *testing.T) {
	booked := Interval{Start: at(10, 0), End: at(10, 30)}

	cases := []struct {
		name string
		win  Interval
		want bool
	}{
		{"identical", Interval{at(10, 0), at(10, 30)}, true},
		{"partial tail", Interval{at(10, 15), at(10, 45)}, true},
		{"partial head", Interval{at(9, 45), at(10, 15)}, true},
		{"containing", Interval{at(9, 30), at(11, 0)}, true},
		{"contained", Interval{at(10, 10), at(10, 20)}, true},
		{"abutting after", Interval{at(10, 30), at(11, 0)}, false},
		{"abutting before", Interval{at(9, 30), at(10, 0)}, false},
		{"disjoint", Interval{at(12, 0), at(12, 30)}, false},
	}
	for _, tc := range cases {
		if got := Overlaps(tc.win, booked); got != tc.want {
			t.Errorf("%s: Overlaps = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHasConflict(t *testing.T) {
	checker := NewChecker(&staticCalendar{
		windows: []Interval{{Start: at(10, 0), End: at(10, 30)}},
	})

	conflict, err := checker.HasConflict(context.Background(), "doc-1", at(10, 15), at(10, 45), "")
	if err != nil {
		t.Fatalf("HasConflict: %v", err)
	}
	if !conflict {
		t.Fatal("expected conflict for overlapping window")
	}

	conflict, err = checker.HasConflict(context.Background(), "doc-1", at(10, 30), at(11, 0), "")
	if err != nil {
		t.Fatalf("HasConflict: %v", err)
	}
	if conflict {
		t.Fatal("abutting window must not conflict")
	}
}

func TestHasConflictSurfacesLookupError(t *testing.T) {
	lookupErr := errors.New("storage unavailable")
	checker := NewChecker(&staticCalendar{err: lookupErr})

	_, err := checker.HasConflict(context.Background(), "doc-1", at(10, 0), at(10, 30), "")
	if !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error to surface, got %v", err)
	}
}

func TestAvailableSlotsSkipsBusyAndPast(t *testing.T) {
	busy := []Interval{{Start: at(9, 15), End: at(9, 45)}}

	slots := AvailableSlots(at(9, 0), at(10, 0), 15*time.Minute, 15*time.Minute, busy, at(0, 0))
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Equal(at(9, 0)) || !slots[1].Equal(at(9, 45)) {
		t.Fatalf("unexpected slots: %v", slots)
	}

	slots = AvailableSlots(at(9, 0), at(10, 0), 15*time.Minute, 15*time.Minute, nil, at(9, 31))
	if len(slots) != 1 || !slots[0].Equal(at(9, 45)) {
		t.Fatalf("expected single 09:45 slot, got %v", slots)
	}
}
