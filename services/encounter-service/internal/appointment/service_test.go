package appointment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/telemedcore/encounter/libs/clockx"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/encounter-service/internal/model"
	"github.com/telemedcore/encounter/services/encounter-service/internal/outbox"
	"github.com/telemedcore/encounter/services/encounter-service/internal/scheduling"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeRepo mimics the appointments table including the exclusion constraint:
// writes are serialized and an overlapping non-terminal window is rejected
// with SchedulingConflict, so check-then-act races have exactly one winner.
type fakeRepo struct {
	mu        sync.Mutex
	appts     map[string]model.Appointment
	failWith  error
	lookupErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{appts: map[string]model.Appointment{}}
}

func (r *fakeRepo) overlapsLocked(doctorID string, start, end time.Time, excludeID string) bool {
	for _, a := range r.appts {
		if a.DoctorID != doctorID || a.Status.Terminal() || a.ID == excludeID {
			continue
		}
		if a.StartTime.Before(end) && a.EndTime().After(start) {
			return true
		}
	}
	return false
}

func (r *fakeRepo) Create(_ context.Context, appt *model.Appointment, _ outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	if r.overlapsLocked(appt.DoctorID, appt.StartTime, appt.EndTime(), "") {
		return fault.New(fault.SchedulingConflict, "doctor %s is not available in the requested window", appt.DoctorID)
	}
	r.appts[appt.ID] = *appt
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return model.Appointment{}, fault.New(fault.NotFound, "appointment %s not found", id)
	}
	return a, nil
}

func (r *fakeRepo) Update(_ context.Context, appt *model.Appointment, _ outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	if _, ok := r.appts[appt.ID]; !ok {
		return fault.New(fault.NotFound, "appointment %s not found", appt.ID)
	}
	if !appt.Status.Terminal() && r.overlapsLocked(appt.DoctorID, appt.StartTime, appt.EndTime(), appt.ID) {
		return fault.New(fault.SchedulingConflict, "doctor %s is not available in the requested window", appt.DoctorID)
	}
	r.appts[appt.ID] = *appt
	return nil
}

func (r *fakeRepo) ListByPatient(_ context.Context, patientID string, _ int) ([]model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Appointment
	for _, a := range r.appts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByDoctor(_ context.Context, doctorID string, _ int) ([]model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID {
			out = append(out, a)
		}
	}
	return out, nil
}

// BookedWindows makes the fake double as the scheduling.Calendar, so the
// service's pre-check and the constraint read the same state.
func (r *fakeRepo) BookedWindows(_ context.Context, doctorID string, from, to time.Time, excludeID string) ([]scheduling.Interval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	var windows []scheduling.Interval
	for _, a := range r.appts {
		if a.DoctorID != doctorID || a.Status.Terminal() || a.ID == excludeID {
			continue
		}
		if a.StartTime.Before(to) && a.EndTime().After(from) {
			windows = append(windows, scheduling.Interval{Start: a.StartTime, End: a.EndTime()})
		}
	}
	return windows, nil
}

func newTestService(repo *fakeRepo) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, scheduling.NewChecker(repo), clockx.NewFake(now), logger)
}

func mustCreate(t *testing.T, svc *Service, start time.Time, minutes int) model.Appointment {
	t.Helper()
	appt, err := svc.Create(context.Background(), "patient-1", "doctor-1", start, minutes, "annual check-up", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return appt
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(newFakeRepo())
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name    string
		start   time.Time
		minutes int
		reason  string
	}{
		{"start in the past", now.Add(-time.Hour), 30, "check-up"},
		{"start exactly now", now, 30, "check-up"},
		{"duration too short", future, MinDurationMinutes - 1, "check-up"},
		{"duration too long", future, MaxDurationMinutes + 1, "check-up"},
		{"empty reason", future, 30, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), "patient-1", "doctor-1", tc.start, tc.minutes, tc.reason, "")
			if fault.KindOf(err) != fault.Validation {
				t.Fatalf("got kind %v (err %v), want Validation", fault.KindOf(err), err)
			}
		})
	}
}

func TestCreateStartsPending(t *testing.T) {
	svc := newTestService(newFakeRepo())

	appt := mustCreate(t, svc, now.Add(24*time.Hour), 30)
	if appt.Status != model.AppointmentPending {
		t.Fatalf("status = %s, want %s", appt.Status, model.AppointmentPending)
	}
	if appt.ID == "" {
		t.Fatal("id not assigned")
	}
	if !appt.EndTime().Equal(appt.StartTime.Add(30 * time.Minute)) {
		t.Fatalf("end time = %v, want start + 30m", appt.EndTime())
	}
}

func TestCreateOverlapRejected(t *testing.T) {
	svc := newTestService(newFakeRepo())
	start := now.Add(24 * time.Hour)
	mustCreate(t, svc, start, 60)

	// Overlapping window for the same doctor.
	_, err := svc.Create(context.Background(), "patient-2", "doctor-1", start.Add(30*time.Minute), 30, "check-up", "")
	if fault.KindOf(err) != fault.SchedulingConflict {
		t.Fatalf("got kind %v, want SchedulingConflict", fault.KindOf(err))
	}

	// Back-to-back is fine: windows are half-open.
	if _, err := svc.Create(context.Background(), "patient-2", "doctor-1", start.Add(60*time.Minute), 30, "check-up", ""); err != nil {
		t.Fatalf("adjacent booking rejected: %v", err)
	}
}

func TestCreateFailsClosedOnCheckerError(t *testing.T) {
	repo := newFakeRepo()
	repo.lookupErr = errors.New("connection reset")
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), "patient-1", "doctor-1", now.Add(24*time.Hour), 30, "check-up", "")
	if fault.KindOf(err) != fault.DependencyUnavailable {
		t.Fatalf("got kind %v, want DependencyUnavailable", fault.KindOf(err))
	}
	if len(repo.appts) != 0 {
		t.Fatal("appointment stored despite failed conflict check")
	}
}

func TestConcurrentCreatesOneWinner(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	start := now.Add(24 * time.Hour)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), "patient-1", "doctor-1", start, 30, "check-up", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case fault.KindOf(err) == fault.SchedulingConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("wins = %d, conflicts = %d, want 1 and %d", wins, conflicts, n-1)
	}
}

func TestConfirm(t *testing.T) {
	svc := newTestService(newFakeRepo())
	appt := mustCreate(t, svc, now.Add(24*time.Hour), 30)

	got, err := svc.Confirm(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Status != model.AppointmentConfirmed {
		t.Fatalf("status = %s, want %s", got.Status, model.AppointmentConfirmed)
	}

	// Confirming again is a no-op, not an error.
	again, err := svc.Confirm(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("second Confirm: %v", err)
	}
	if again.Status != model.AppointmentConfirmed {
		t.Fatalf("status after repeat = %s", again.Status)
	}
}

func TestConfirmCancelledRejected(t *testing.T) {
	svc := newTestService(newFakeRepo())
	appt := mustCreate(t, svc, now.Add(24*time.Hour), 30)
	if _, err := svc.Cancel(context.Background(), appt.ID, "patient request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err := svc.Confirm(context.Background(), appt.ID)
	if fault.KindOf(err) != fault.PreconditionFailed {
		t.Fatalf("got kind %v, want PreconditionFailed", fault.KindOf(err))
	}
}

func TestCancelFreesTheSlot(t *testing.T) {
	svc := newTestService(newFakeRepo())
	start := now.Add(24 * time.Hour)
	appt := mustCreate(t, svc, start, 30)

	got, err := svc.Cancel(context.Background(), appt.ID, "patient request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.AppointmentCancelled || got.CancellationReason != "patient request" {
		t.Fatalf("cancelled record = %+v", got)
	}

	// The window is bookable again.
	if _, err := svc.Create(context.Background(), "patient-2", "doctor-1", start, 30, "check-up", ""); err != nil {
		t.Fatalf("rebooking a cancelled slot: %v", err)
	}
}

func TestCancelIdempotent(t *testing.T) {
	svc := newTestService(newFakeRepo())
	appt := mustCreate(t, svc, now.Add(24*time.Hour), 30)
	if _, err := svc.Cancel(context.Background(), appt.ID, "first"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := svc.Cancel(context.Background(), appt.ID, "second")
	if err != nil {
		t.Fatalf("repeat Cancel: %v", err)
	}
	if got.CancellationReason != "first" {
		t.Fatalf("repeat cancel overwrote the reason: %q", got.CancellationReason)
	}
}

func TestRescheduleRerunsConflictCheck(t *testing.T) {
	svc := newTestService(newFakeRepo())
	first := mustCreate(t, svc, now.Add(24*time.Hour), 30)
	second := mustCreate(t, svc, now.Add(26*time.Hour), 30)

	// Moving onto the other booking is rejected.
	_, err := svc.Reschedule(context.Background(), second.ID, first.StartTime)
	if fault.KindOf(err) != fault.SchedulingConflict {
		t.Fatalf("got kind %v, want SchedulingConflict", fault.KindOf(err))
	}

	// Moving within its own current window succeeds: the appointment's own
	// booking is excluded from the check.
	got, err := svc.Reschedule(context.Background(), second.ID, second.StartTime.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if got.Status != model.AppointmentRescheduled {
		t.Fatalf("status = %s, want %s", got.Status, model.AppointmentRescheduled)
	}
}

func TestRescheduleTerminalRejected(t *testing.T) {
	svc := newTestService(newFakeRepo())
	appt := mustCreate(t, svc, now.Add(24*time.Hour), 30)
	if _, err := svc.Cancel(context.Background(), appt.ID, "done"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err := svc.Reschedule(context.Background(), appt.ID, now.Add(48*time.Hour))
	if fault.KindOf(err) != fault.PreconditionFailed {
		t.Fatalf("got kind %v, want PreconditionFailed", fault.KindOf(err))
	}
}

func TestReschedulePastStartRejected(t *testing.T) {
	svc := newTestService(newFakeRepo())
	appt := mustCreate(t, svc, now.Add(24*time.Hour), 30)

	_, err := svc.Reschedule(context.Background(), appt.ID, now.Add(-time.Hour))
	if fault.KindOf(err) != fault.Validation {
		t.Fatalf("got kind %v, want Validation", fault.KindOf(err))
	}
}

func TestGetUnknown(t *testing.T) {
	svc := newTestService(newFakeRepo())

	_, err := svc.Get(context.Background(), "nope")
	if fault.KindOf(err) != fault.NotFound {
		t.Fatalf("got kind %v, want NotFound", fault.KindOf(err))
	}
}
