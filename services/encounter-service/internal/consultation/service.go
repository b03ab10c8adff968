// Package consultation owns the consultation state machine and the
// completion cascade back onto the appointment.
package consultation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/telemedcore/encounter/libs/clockx"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/encounter-service/internal/model"
	"github.com/telemedcore/encounter/services/encounter-service/internal/outbox"
)

// Repository is the consultation storage contract. CreateConsultation
// returns fault.DuplicateOperation when the appointment already has a
// consultation (unique constraint), the Gets return fault.NotFound.
type Repository interface {
	CreateConsultation(ctx context.Context, c *model.Consultation, evt outbox.Event) error
	GetConsultation(ctx context.Context, id string) (model.Consultation, error)
	GetConsultationByAppointment(ctx context.Context, appointmentID string) (model.Consultation, error)
	UpdateConsultation(ctx context.Context, c *model.Consultation, evt outbox.Event) error
	ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Consultation, error)
	ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Consultation, error)
}

// AppointmentStore is the slice of the appointment side this package needs:
// the gate read and the cascade write.
type AppointmentStore interface {
	Get(ctx context.Context, id string) (model.Appointment, error)
	CompleteAppointment(ctx context.Context, id string, evt outbox.Event) error
}

// CascadeQueue records cascades that failed after the consultation
// committed, for the reconciler to retry.
type CascadeQueue interface {
	Enqueue(ctx context.Context, appointmentID, consultationID string) error
}

type Service struct {
	repo     Repository
	appts    AppointmentStore
	cascades CascadeQueue
	clock    clockx.Clock
	logger   *slog.Logger
}

func NewService(repo Repository, appts AppointmentStore, cascades CascadeQueue, clock clockx.Clock, logger *slog.Logger) *Service {
	return &Service{repo: repo, appts: appts, cascades: cascades, clock: clock, logger: logger}
}

// CompleteResult reports a completion. CascadePending is true when the
// consultation committed but the appointment cascade could not, and a
// reconciliation task will retry it.
type CompleteResult struct {
	Consultation   model.Consultation
	CascadePending bool
}

func (s *Service) Start(ctx context.Context, appointmentID, chiefComplaint string) (model.Consultation, error) {
	if chiefComplaint == "" {
		return model.Consultation{}, fault.New(fault.Validation, "chief complaint is required")
	}

	appt, err := s.appts.Get(ctx, appointmentID)
	if err != nil {
		return model.Consultation{}, storeErr("load appointment", err)
	}
	if appt.Status != model.AppointmentConfirmed {
		return model.Consultation{}, fault.New(fault.PreconditionFailed, "appointment %s must be confirmed before starting a consultation (status %s)", appointmentID, appt.Status)
	}
	now := s.clock.Now()
	if now.Before(appt.StartTime) {
		return model.Consultation{}, fault.New(fault.TooEarly, "consultation cannot start before the scheduled time %s", appt.StartTime.Format(time.RFC3339))
	}

	c := model.Consultation{
		ID:             uuid.NewString(),
		AppointmentID:  appointmentID,
		PatientID:      appt.PatientID,
		DoctorID:       appt.DoctorID,
		Status:         model.ConsultationInProgress,
		StartTime:      now,
		ChiefComplaint: chiefComplaint,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	evt, err := consultationEvent(outbox.EventConsultationStarted, &c)
	if err != nil {
		return model.Consultation{}, err
	}
	// The unique constraint on appointment_id decides the winner among
	// concurrent starts; losers get DuplicateOperation from the repository.
	if err := s.repo.CreateConsultation(ctx, &c, evt); err != nil {
		return model.Consultation{}, storeErr("create consultation", err)
	}

	s.logger.Info("consultation started", "consultation_id", c.ID, "appointment_id", appointmentID)
	return c, nil
}

// Complete commits the consultation record first and only then attempts the
// appointment cascade. A failed cascade never fails the call; it is queued
// for reconciliation instead.
func (s *Service) Complete(ctx context.Context, id, diagnosis, treatment, notes, followUp string) (CompleteResult, error) {
	c, err := s.repo.GetConsultation(ctx, id)
	if err != nil {
		return CompleteResult{}, storeErr("load consultation", err)
	}
	if c.Status != model.ConsultationInProgress {
		return CompleteResult{}, fault.New(fault.PreconditionFailed, "only in-progress consultations can be completed (status %s)", c.Status)
	}

	now := s.clock.Now()
	c.Status = model.ConsultationCompleted
	c.EndTime = &now
	c.Diagnosis = diagnosis
	c.Treatment = treatment
	c.Notes = notes
	c.FollowUpInstructions = followUp
	c.UpdatedAt = now

	evt, err := consultationEvent(outbox.EventConsultationCompleted, &c)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := s.repo.UpdateConsultation(ctx, &c, evt); err != nil {
		return CompleteResult{}, storeErr("complete consultation", err)
	}

	cascadeEvt, err := cascadeEvent(&c)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := s.appts.CompleteAppointment(ctx, c.AppointmentID, cascadeEvt); err != nil {
		s.logger.Warn("appointment cascade failed; queueing reconciliation",
			"appointment_id", c.AppointmentID, "consultation_id", c.ID, "err", err)
		if qErr := s.cascades.Enqueue(ctx, c.AppointmentID, c.ID); qErr != nil {
			s.logger.Error("cascade reconciliation enqueue failed",
				"appointment_id", c.AppointmentID, "err", qErr)
		}
		return CompleteResult{Consultation: c, CascadePending: true}, nil
	}

	s.logger.Info("consultation completed", "consultation_id", c.ID, "appointment_id", c.AppointmentID)
	return CompleteResult{Consultation: c}, nil
}

func (s *Service) UpdateNotes(ctx context.Context, id, notes string) (model.Consultation, error) {
	c, err := s.repo.GetConsultation(ctx, id)
	if err != nil {
		return model.Consultation{}, storeErr("load consultation", err)
	}
	if c.Status.Terminal() {
		return model.Consultation{}, fault.New(fault.PreconditionFailed, "consultation %s is %s and can no longer be edited", id, c.Status)
	}

	c.Notes = notes
	c.UpdatedAt = s.clock.Now()
	evt, err := consultationEvent(outbox.EventConsultationUpdated, &c)
	if err != nil {
		return model.Consultation{}, err
	}
	if err := s.repo.UpdateConsultation(ctx, &c, evt); err != nil {
		return model.Consultation{}, storeErr("update consultation", err)
	}
	return c, nil
}

// Cancel marks an in-progress consultation cancelled (e.g. connection lost
// and the encounter abandoned). The appointment is left untouched.
func (s *Service) Cancel(ctx context.Context, id, reason string) (model.Consultation, error) {
	return s.terminate(ctx, id, model.ConsultationCancelled, reason)
}

// MarkNoShow records that the patient never joined.
func (s *Service) MarkNoShow(ctx context.Context, id string) (model.Consultation, error) {
	return s.terminate(ctx, id, model.ConsultationNoShow, "patient did not attend")
}

func (s *Service) terminate(ctx context.Context, id string, status model.ConsultationStatus, note string) (model.Consultation, error) {
	c, err := s.repo.GetConsultation(ctx, id)
	if err != nil {
		return model.Consultation{}, storeErr("load consultation", err)
	}
	if c.Status != model.ConsultationInProgress {
		return model.Consultation{}, fault.New(fault.PreconditionFailed, "only in-progress consultations can transition to %s (status %s)", status, c.Status)
	}

	now := s.clock.Now()
	c.Status = status
	c.EndTime = &now
	if note != "" {
		if c.Notes != "" {
			c.Notes += "\n"
		}
		c.Notes += note
	}
	c.UpdatedAt = now
	evt, err := consultationEvent(outbox.EventConsultationUpdated, &c)
	if err != nil {
		return model.Consultation{}, err
	}
	if err := s.repo.UpdateConsultation(ctx, &c, evt); err != nil {
		return model.Consultation{}, storeErr("update consultation", err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Consultation, error) {
	c, err := s.repo.GetConsultation(ctx, id)
	if err != nil {
		return model.Consultation{}, storeErr("load consultation", err)
	}
	return c, nil
}

func (s *Service) GetByAppointment(ctx context.Context, appointmentID string) (model.Consultation, error) {
	c, err := s.repo.GetConsultationByAppointment(ctx, appointmentID)
	if err != nil {
		return model.Consultation{}, storeErr("load consultation", err)
	}
	return c, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Consultation, error) {
	consults, err := s.repo.ListByPatient(ctx, patientID, limit)
	if err != nil {
		return nil, storeErr("list consultations", err)
	}
	return consults, nil
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Consultation, error) {
	consults, err := s.repo.ListByDoctor(ctx, doctorID, limit)
	if err != nil {
		return nil, storeErr("list consultations", err)
	}
	return consults, nil
}

func consultationEvent(eventType string, c *model.Consultation) (outbox.Event, error) {
	body := map[string]any{
		"consultation_id": c.ID,
		"appointment_id":  c.AppointmentID,
		"patient_id":      c.PatientID,
		"doctor_id":       c.DoctorID,
		"status":          string(c.Status),
		"start_time":      c.StartTime.UTC().Format(time.RFC3339),
	}
	if c.EndTime != nil {
		body["end_time"] = c.EndTime.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "consultation",
		AggregateID:   c.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

func cascadeEvent(c *model.Consultation) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"appointment_id":  c.AppointmentID,
		"consultation_id": c.ID,
		"status":          string(model.AppointmentCompleted),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   c.AppointmentID,
		EventType:     outbox.EventAppointmentCompleted,
		Payload:       payload,
	}, nil
}

func storeErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	if fault.KindOf(err) != fault.Unknown {
		return err
	}
	return fault.Wrap(fault.DependencyUnavailable, msg, err)
}
