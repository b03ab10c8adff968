package consultation

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
)

var apptStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeRepo struct {
	mu            sync.Mutex
	byID          map[string]model.Consultation
	byAppointment map[string]string
	failCreate    error
	failUpdate    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byID:          map[string]model.Consultation{},
		byAppointment: map[string]string{},
	}
}

func (r *fakeRepo) CreateConsultation(_ context.Context, c *model.Consultation, _ outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate != nil {
		return r.failCreate
	}
	// Same guard the unique constraint on appointment_id gives us.
	if _, ok := r.byAppointment[c.AppointmentID]; ok {
		return fault.New(fault.DuplicateOperation, "consultation already exists for appointment %s", c.AppointmentID)
	}
	r.byID[c.ID] = *c
	r.byAppointment[c.AppointmentID] = c.ID
	return nil
}

func (r *fakeRepo) GetConsultation(_ context.Context, id string) (model.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return model.Consultation{}, fault.New(fault.NotFound, "consultation %s not found", id)
	}
	return c, nil
}

func (r *fakeRepo) GetConsultationByAppointment(_ context.Context, appointmentID string) (model.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAppointment[appointmentID]
	if !ok {
		return model.Consultation{}, fault.New(fault.NotFound, "no consultation for appointment %s", appointmentID)
	}
	return r.byID[id], nil
}

func (r *fakeRepo) UpdateConsultation(_ context.Context, c *model.Consultation, _ outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return r.failUpdate
	}
	if _, ok := r.byID[c.ID]; !ok {
		return fault.New(fault.NotFound, "consultation %s not found", c.ID)
	}
	r.byID[c.ID] = *c
	return nil
}

func (r *fakeRepo) ListByPatient(_ context.Context, patientID string, _ int) ([]model.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Consultation
	for _, c := range r.byID {
		if c.PatientID == patientID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByDoctor(_ context.Context, doctorID string, _ int) ([]model.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Consultation
	for _, c := range r.byID {
		if c.DoctorID == doctorID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeApptStore struct {
	mu           sync.Mutex
	appts        map[string]model.Appointment
	failComplete error
	completed    []string
}

func newFakeApptStore(appts ...model.Appointment) *fakeApptStore {
	s := &fakeApptStore{appts: map[string]model.Appointment{}}
	for _, a := range appts {
		s.appts[a.ID] = a
	}
	return s
}

func (s *fakeApptStore) Get(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, fault.New(fault.NotFound, "appointment %s not found", id)
	}
	return a, nil
}

func (s *fakeApptStore) CompleteAppointment(_ context.Context, id string, _ outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failComplete != nil {
		return s.failComplete
	}
	a, ok := s.appts[id]
	if !ok {
		return fault.New(fault.NotFound, "appointment %s not found", id)
	}
	a.Status = model.AppointmentCompleted
	s.appts[id] = a
	s.completed = append(s.completed, id)
	return nil
}

type fakeCascadeQueue struct {
	mu      sync.Mutex
	queued  []string
	failErr error
}

func (q *fakeCascadeQueue) Enqueue(_ context.Context, appointmentID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return q.failErr
	}
	q.queued = append(q.queued, appointmentID)
	return nil
}

func confirmedAppointment(id string) model.Appointment {
	return model.Appointment{
		ID:              id,
		PatientID:       "patient-1",
		DoctorID:        "doctor-1",
		StartTime:       apptStart,
		DurationMinutes: 30,
		Status:          model.AppointmentConfirmed,
		Reason:          "follow-up",
	}
}

func newTestService(repo *fakeRepo, appts *fakeApptStore, cascades *fakeCascadeQueue, now time.Time) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, appts, cascades, clockx.NewFake(now), logger)
}

func TestStartGates(t *testing.T) {
	tests := []struct {
		name      string
		status    model.AppointmentStatus
		now       time.Time
		complaint string
		wantKind  fault.Kind
	}{
		{"pending appointment", model.AppointmentPending, apptStart, "headache", fault.PreconditionFailed},
		{"cancelled appointment", model.AppointmentCancelled, apptStart, "headache", fault.PreconditionFailed},
		{"rescheduled appointment", model.AppointmentRescheduled, apptStart, "headache", fault.PreconditionFailed},
		{"before start time", model.AppointmentConfirmed, apptStart.Add(-time.Minute), "headache", fault.TooEarly},
		{"missing complaint", model.AppointmentConfirmed, apptStart, "", fault.Validation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			appt := confirmedAppointment("appt-1")
			appt.Status = tc.status
			svc := newTestService(newFakeRepo(), newFakeApptStore(appt), &fakeCascadeQueue{}, tc.now)

			_, err := svc.Start(context.Background(), "appt-1", tc.complaint)
			if fault.KindOf(err) != tc.wantKind {
				t.Fatalf("Start: got kind %v (err %v), want %v", fault.KindOf(err), err, tc.wantKind)
			}
		})
	}
}

func TestStartAtScheduledTime(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeApptStore(confirmedAppointment("appt-1")), &fakeCascadeQueue{}, apptStart)

	c, err := svc.Start(context.Background(), "appt-1", "chest pain")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Status != model.ConsultationInProgress {
		t.Fatalf("status = %s, want %s", c.Status, model.ConsultationInProgress)
	}
	if c.PatientID != "patient-1" || c.DoctorID != "doctor-1" {
		t.Fatalf("participants not copied from appointment: %+v", c)
	}
	if !c.StartTime.Equal(apptStart) {
		t.Fatalf("start time = %v, want %v", c.StartTime, apptStart)
	}
}

func TestStartUnknownAppointment(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeApptStore(), &fakeCascadeQueue{}, apptStart)

	_, err := svc.Start(context.Background(), "missing", "headache")
	if fault.KindOf(err) != fault.NotFound {
		t.Fatalf("got kind %v, want NotFound", fault.KindOf(err))
	}
}

func TestStartSecondConsultationRejected(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeApptStore(confirmedAppointment("appt-1")), &fakeCascadeQueue{}, apptStart)

	if _, err := svc.Start(context.Background(), "appt-1", "first"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := svc.Start(context.Background(), "appt-1", "second")
	if fault.KindOf(err) != fault.DuplicateOperation {
		t.Fatalf("second Start: got kind %v, want DuplicateOperation", fault.KindOf(err))
	}
}

func TestConcurrentStartsOneWinner(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeApptStore(confirmedAppointment("appt-1")), &fakeCascadeQueue{}, apptStart)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Start(context.Background(), "appt-1", "race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, dups int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case fault.KindOf(err) == fault.DuplicateOperation:
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || dups != n-1 {
		t.Fatalf("wins = %d, duplicates = %d, want 1 and %d", wins, dups, n-1)
	}
}

func TestCompleteCascadesToAppointment(t *testing.T) {
	repo := newFakeRepo()
	appts := newFakeApptStore(confirmedAppointment("appt-1"))
	cascades := &fakeCascadeQueue{}
	svc := newTestService(repo, appts, cascades, apptStart)

	c, err := svc.Start(context.Background(), "appt-1", "headache")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := svc.Complete(context.Background(), c.ID, "migraine", "rest and hydration", "recurring", "return if symptoms persist")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.CascadePending {
		t.Fatal("CascadePending = true on a healthy cascade")
	}
	if res.Consultation.Status != model.ConsultationCompleted {
		t.Fatalf("status = %s, want %s", res.Consultation.Status, model.ConsultationCompleted)
	}
	if res.Consultation.EndTime == nil {
		t.Fatal("EndTime not set on completion")
	}
	if got := appts.appts["appt-1"].Status; got != model.AppointmentCompleted {
		t.Fatalf("appointment status = %s, want %s", got, model.AppointmentCompleted)
	}
	if len(cascades.queued) != 0 {
		t.Fatalf("unexpected reconciliation tasks: %v", cascades.queued)
	}
}

func TestCompleteSurvivesCascadeFailure(t *testing.T) {
	repo := newFakeRepo()
	appts := newFakeApptStore(confirmedAppointment("appt-1"))
	cascades := &fakeCascadeQueue{}
	svc := newTestService(repo, appts, cascades, apptStart)

	c, err := svc.Start(context.Background(), "appt-1", "headache")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	appts.failComplete = errors.New("connection refused")

	res, err := svc.Complete(context.Background(), c.ID, "migraine", "rest", "", "")
	if err != nil {
		t.Fatalf("Complete must not fail on cascade errors, got %v", err)
	}
	if !res.CascadePending {
		t.Fatal("CascadePending = false after a failed cascade")
	}
	// The clinical record must be committed regardless.
	got, err := svc.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.ConsultationCompleted {
		t.Fatalf("consultation status = %s, want %s", got.Status, model.ConsultationCompleted)
	}
	if len(cascades.queued) != 1 || cascades.queued[0] != "appt-1" {
		t.Fatalf("reconciliation queue = %v, want [appt-1]", cascades.queued)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeApptStore(confirmedAppointment("appt-1")), &fakeCascadeQueue{}, apptStart)

	c, err := svc.Start(context.Background(), "appt-1", "headache")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.Complete(context.Background(), c.ID, "dx", "tx", "", ""); err != nil {
		t.Fatalf("first Complete: %v", err)
	}

	_, err = svc.Complete(context.Background(), c.ID, "dx", "tx", "", "")
	if fault.KindOf(err) != fault.PreconditionFailed {
		t.Fatalf("second Complete: got kind %v, want PreconditionFailed", fault.KindOf(err))
	}
}

func TestUpdateNotesRejectedAfterTerminal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeApptStore(confirmedAppointment("appt-1")), &fakeCascadeQueue{}, apptStart)

	c, err := svc.Start(context.Background(), "appt-1", "headache")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.UpdateNotes(context.Background(), c.ID, "patient reports improvement"); err != nil {
		t.Fatalf("UpdateNotes while in progress: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), c.ID, "call dropped"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err = svc.UpdateNotes(context.Background(), c.ID, "late edit")
	if fault.KindOf(err) != fault.PreconditionFailed {
		t.Fatalf("got kind %v, want PreconditionFailed", fault.KindOf(err))
	}
}

func TestMarkNoShow(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeApptStore(confirmedAppointment("appt-1")), &fakeCascadeQueue{}, apptStart)

	c, err := svc.Start(context.Background(), "appt-1", "headache")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := svc.MarkNoShow(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("MarkNoShow: %v", err)
	}
	if got.Status != model.ConsultationNoShow {
		t.Fatalf("status = %s, want %s", got.Status, model.ConsultationNoShow)
	}
	if got.EndTime == nil {
		t.Fatal("EndTime not set")
	}
}

func TestStorageFailureIsDependencyUnavailable(t *testing.T) {
	repo := newFakeRepo()
	repo.failCreate = errors.New("pool exhausted")
	svc := newTestService(repo, newFakeApptStore(confirmedAppointment("appt-1")), &fakeCascadeQueue{}, apptStart)

	_, err := svc.Start(context.Background(), "appt-1", "headache")
	if fault.KindOf(err) != fault.DependencyUnavailable {
		t.Fatalf("got kind %v, want DependencyUnavailable", fault.KindOf(err))
	}
}
