package prescription

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
	"github.com/telemedcore/encounter/services/prescription-service/internal/interaction"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
	"github.com/telemedcore/encounter/services/prescription-service/internal/outbox"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRepo struct {
	mu       sync.Mutex
	byID     map[string]model.Prescription
	failWith error
	events   []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[string]model.Prescription{}}
}

func (r *fakeRepo) Create(_ context.Context, p *model.Prescription, evt outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.byID[p.ID] = *p
	r.events = append(r.events, evt.EventType)
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (model.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return model.Prescription{}, fault.New(fault.NotFound, "prescription %s not found", id)
	}
	return p, nil
}

func (r *fakeRepo) Update(_ context.Context, p *model.Prescription, evt outbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; !ok {
		return fault.New(fault.NotFound, "prescription %s not found", p.ID)
	}
	r.byID[p.ID] = *p
	r.events = append(r.events, evt.EventType)
	return nil
}

func (r *fakeRepo) ExpireActiveBefore(_ context.Context, asOf time.Time, eventFor func(id string) (outbox.Event, error)) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, p := range r.byID {
		if p.Status == model.PrescriptionActive && p.ValidUntil.Before(asOf) {
			p.Status = model.PrescriptionExpired
			r.byID[id] = p
			expired = append(expired, id)
			evt, err := eventFor(id)
			if err != nil {
				return nil, err
			}
			r.events = append(r.events, evt.EventType)
		}
	}
	return expired, nil
}

func (r *fakeRepo) ListByConsultation(_ context.Context, _ string, _ int) ([]model.Prescription, error) {
	return nil, nil
}

func (r *fakeRepo) ListByPatient(_ context.Context, _ string, _ int) ([]model.Prescription, error) {
	return nil, nil
}

func (r *fakeRepo) ListByDoctor(_ context.Context, _ string, _ int) ([]model.Prescription, error) {
	return nil, nil
}

type fakeGate struct {
	refs     map[string]model.ConsultationRef
	failWith error
}

func (g *fakeGate) Verify(_ context.Context, consultationID string) (model.ConsultationRef, error) {
	if g.failWith != nil {
		return model.ConsultationRef{}, g.failWith
	}
	ref, ok := g.refs[consultationID]
	if !ok {
		return model.ConsultationRef{}, fault.New(fault.PreconditionFailed, "consultation %s does not exist", consultationID)
	}
	return ref, nil
}

func knownConsultation() *fakeGate {
	return &fakeGate{refs: map[string]model.ConsultationRef{
		"consult-1": {ID: "consult-1", PatientID: "patient-1", DoctorID: "doctor-1", Status: "completed"},
	}}
}

func newTestService(repo *fakeRepo, gate *fakeGate) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, gate, interaction.NewChecker(), clockx.NewFake(now), logger)
}

func med(name string) model.Medication {
	return model.Medication{Name: name, Dosage: "1 tablet", Frequency: "twice daily", DurationDays: 10}
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(newFakeRepo(), knownConsultation())

	badDuration := med("Amoxicillin")
	badDuration.DurationDays = 0
	noDosage := med("Amoxicillin")
	noDosage.Dosage = ""

	tests := []struct {
		name      string
		diagnosis string
		meds      []model.Medication
	}{
		{"empty diagnosis", "", []model.Medication{med("Amoxicillin")}},
		{"no medications", "strep throat", nil},
		{"zero duration", "strep throat", []model.Medication{badDuration}},
		{"missing dosage", "strep throat", []model.Medication{noDosage}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", tc.diagnosis, "", tc.meds, nil)
			if fault.KindOf(err) != fault.Validation {
				t.Fatalf("got kind %v (err %v), want Validation", fault.KindOf(err), err)
			}
		})
	}
}

func TestCreateDefaultsValidUntil(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, knownConsultation())

	p, err := svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", "strep throat", "take with food", []model.Medication{med("Amoxicillin")}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Status != model.PrescriptionActive {
		t.Fatalf("status = %s, want active", p.Status)
	}
	want := now.AddDate(0, 3, 0)
	if !p.ValidUntil.Equal(want) {
		t.Fatalf("valid_until = %v, want %v", p.ValidUntil, want)
	}
	if len(repo.events) != 1 || repo.events[0] != outbox.EventPrescriptionIssued {
		t.Fatalf("events = %v", repo.events)
	}
}

func TestCreateExplicitValidUntil(t *testing.T) {
	svc := newTestService(newFakeRepo(), knownConsultation())

	future := now.Add(30 * 24 * time.Hour)
	p, err := svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", "strep throat", "", []model.Medication{med("Amoxicillin")}, &future)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !p.ValidUntil.Equal(future) {
		t.Fatalf("valid_until = %v, want %v", p.ValidUntil, future)
	}

	past := now.Add(-time.Hour)
	_, err = svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", "strep throat", "", []model.Medication{med("Amoxicillin")}, &past)
	if fault.KindOf(err) != fault.Validation {
		t.Fatalf("past valid_until: got kind %v, want Validation", fault.KindOf(err))
	}
}

func TestCreateInteractionIsHardFailure(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, knownConsultation())

	_, err := svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", "afib",
		"", []model.Medication{med("Warfarin"), med("Aspirin")}, nil)
	if fault.KindOf(err) != fault.InteractionWarning {
		t.Fatalf("got kind %v, want InteractionWarning", fault.KindOf(err))
	}
	if len(repo.byID) != 0 {
		t.Fatal("prescription persisted despite interaction")
	}
}

func TestCreateUnknownConsultation(t *testing.T) {
	svc := newTestService(newFakeRepo(), knownConsultation())

	_, err := svc.Create(context.Background(), "doctor-1", "missing", "patient-1", "strep throat", "", []model.Medication{med("Amoxicillin")}, nil)
	if fault.KindOf(err) != fault.PreconditionFailed {
		t.Fatalf("got kind %v, want PreconditionFailed", fault.KindOf(err))
	}
}

func TestCreateGateOutageFailsClosed(t *testing.T) {
	gate := knownConsultation()
	gate.failWith = fault.Wrap(fault.DependencyUnavailable, "encounter-service unreachable", errors.New("timeout"))
	repo := newFakeRepo()
	svc := newTestService(repo, gate)

	_, err := svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", "strep throat", "", []model.Medication{med("Amoxicillin")}, nil)
	if fault.KindOf(err) != fault.DependencyUnavailable {
		t.Fatalf("got kind %v, want DependencyUnavailable", fault.KindOf(err))
	}
	if len(repo.byID) != 0 {
		t.Fatal("prescription persisted despite failed gate")
	}
}

func TestCreateWrongDoctorRejected(t *testing.T) {
	svc := newTestService(newFakeRepo(), knownConsultation())

	_, err := svc.Create(context.Background(), "doctor-2", "consult-1", "patient-1", "strep throat", "", []model.Medication{med("Amoxicillin")}, nil)
	if fault.KindOf(err) != fault.PreconditionFailed {
		t.Fatalf("got kind %v, want PreconditionFailed", fault.KindOf(err))
	}
}

func TestCancel(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, knownConsultation())

	p, err := svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", "strep throat", "", []model.Medication{med("Amoxicillin")}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := svc.Cancel(context.Background(), p.ID, "adverse reaction")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != model.PrescriptionCancelled || got.CancellationReason != "adverse reaction" {
		t.Fatalf("cancelled record = %+v", got)
	}

	// Cancelling again is a precondition failure, not idempotent success.
	_, err = svc.Cancel(context.Background(), p.ID, "again")
	if fault.KindOf(err) != fault.PreconditionFailed {
		t.Fatalf("second Cancel: got kind %v, want PreconditionFailed", fault.KindOf(err))
	}
}

func TestSweepExpirations(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, knownConsultation())

	soon := now.Add(time.Hour)
	later := now.Add(90 * 24 * time.Hour)
	pExpiring, err := svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", "strep throat", "", []model.Medication{med("Amoxicillin")}, &soon)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(context.Background(), "doctor-1", "consult-1", "patient-1", "strep throat", "", []model.Medication{med("Paracetamol")}, &later); err != nil {
		t.Fatalf("Create: %v", err)
	}

	expired, err := svc.SweepExpirations(context.Background(), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SweepExpirations: %v", err)
	}
	if len(expired) != 1 || expired[0] != pExpiring.ID {
		t.Fatalf("expired = %v, want [%s]", expired, pExpiring.ID)
	}
	got, _ := svc.Get(context.Background(), pExpiring.ID)
	if got.Status != model.PrescriptionExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	// Idempotent: a second sweep at the same instant finds nothing.
	again, err := svc.SweepExpirations(context.Background(), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second sweep expired %v, want none", again)
	}
}
