// Package appointment owns the appointment state machine:
// pending -> {confirmed, cancelled, rescheduled};
// confirmed -> {cancelled, rescheduled, completed (cascade only)};
// rescheduled is re-enterable; cancelled and completed are terminal.
package appointment

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
	"github.com/telemedcore/encounter/services/encounter-service/internal/scheduling"
)

const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 120
	maxReasonLength    = 500
)

// Repository is the storage contract. Create and Update return
// fault.SchedulingConflict when the calendar constraint rejects the window,
// Get returns fault.NotFound for unknown ids; any other error is a storage
// failure the service treats as fail-closed.
type Repository interface {
	Create(ctx context.Context, appt *model.Appointment, evt outbox.Event) error
	Get(ctx context.Context, id string) (model.Appointment, error)
	Update(ctx context.Context, appt *model.Appointment, evt outbox.Event) error
	ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error)
	ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Appointment, error)
}

type Service struct {
	repo    Repository
	checker *scheduling.Checker
	clock   clockx.Clock
	logger  *slog.Logger
}

func NewService(repo Repository, checker *scheduling.Checker, clock clockx.Clock, logger *slog.Logger) *Service {
	return &Service{repo: repo, checker: checker, clock: clock, logger: logger}
}

func (s *Service) Create(ctx context.Context, patientID, doctorID string, start time.Time, durationMinutes int, reason, notes string) (model.Appointment, error) {
	now := s.clock.Now()
	if !start.After(now) {
		return model.Appointment{}, fault.New(fault.Validation, "appointment start must be in the future")
	}
	if durationMinutes < MinDurationMinutes || durationMinutes > MaxDurationMinutes {
		return model.Appointment{}, fault.New(fault.Validation, "duration must be between %d and %d minutes", MinDurationMinutes, MaxDurationMinutes)
	}
	if reason == "" || len(reason) > maxReasonLength {
		return model.Appointment{}, fault.New(fault.Validation, "reason is required and must not exceed %d characters", maxReasonLength)
	}

	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	conflict, err := s.checker.HasConflict(ctx, doctorID, start, end, "")
	if err != nil {
		// Fail closed: an unanswered conflict check is a failed check.
		return model.Appointment{}, fault.Wrap(fault.DependencyUnavailable, "conflict check failed", err)
	}
	if conflict {
		return model.Appointment{}, fault.New(fault.SchedulingConflict, "doctor %s is not available in the requested window", doctorID)
	}

	appt := model.Appointment{
		ID:              uuid.NewString(),
		PatientID:       patientID,
		DoctorID:        doctorID,
		StartTime:       start.UTC(),
		DurationMinutes: durationMinutes,
		Status:          model.AppointmentPending,
		Reason:          reason,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	evt, err := appointmentEvent(outbox.EventAppointmentRequested, &appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.repo.Create(ctx, &appt, evt); err != nil {
		return model.Appointment{}, storeErr("create appointment", err)
	}

	s.logger.Info("appointment created", "appointment_id", appt.ID, "doctor_id", doctorID, "start", appt.StartTime)
	return appt, nil
}

// Confirm is allowed from any non-terminal status. No conflict re-check
// happens here: the calendar gate runs at creation and reschedule time.
func (s *Service) Confirm(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, storeErr("load appointment", err)
	}
	if appt.Status.Terminal() {
		return model.Appointment{}, fault.New(fault.PreconditionFailed, "appointment %s is %s and cannot be confirmed", id, appt.Status)
	}
	if appt.Status == model.AppointmentConfirmed {
		return appt, nil
	}

	appt.Status = model.AppointmentConfirmed
	appt.UpdatedAt = s.clock.Now()
	evt, err := appointmentEvent(outbox.EventAppointmentConfirmed, &appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.repo.Update(ctx, &appt, evt); err != nil {
		return model.Appointment{}, storeErr("confirm appointment", err)
	}
	return appt, nil
}

// Cancel is allowed from any status except completed. Cancelling an
// already-cancelled appointment returns the current record unchanged.
func (s *Service) Cancel(ctx context.Context, id, reason string) (model.Appointment, error) {
	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, storeErr("load appointment", err)
	}
	if appt.Status == model.AppointmentCompleted {
		return model.Appointment{}, fault.New(fault.PreconditionFailed, "completed appointment %s cannot be cancelled", id)
	}
	if appt.Status == model.AppointmentCancelled {
		return appt, nil
	}

	appt.Status = model.AppointmentCancelled
	appt.CancellationReason = reason
	appt.UpdatedAt = s.clock.Now()
	evt, err := appointmentEvent(outbox.EventAppointmentCancelled, &appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.repo.Update(ctx, &appt, evt); err != nil {
		return model.Appointment{}, storeErr("cancel appointment", err)
	}
	return appt, nil
}

// Reschedule moves the window and re-runs the conflict check against the
// new slot, excluding the appointment's own current window. The calendar
// constraint backstops the same rule on the update itself.
func (s *Service) Reschedule(ctx context.Context, id string, newStart time.Time) (model.Appointment, error) {
	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, storeErr("load appointment", err)
	}
	if appt.Status.Terminal() {
		return model.Appointment{}, fault.New(fault.PreconditionFailed, "appointment %s is %s and cannot be rescheduled", id, appt.Status)
	}
	now := s.clock.Now()
	if !newStart.After(now) {
		return model.Appointment{}, fault.New(fault.Validation, "new start must be in the future")
	}

	newEnd := newStart.Add(time.Duration(appt.DurationMinutes) * time.Minute)
	conflict, err := s.checker.HasConflict(ctx, appt.DoctorID, newStart, newEnd, appt.ID)
	if err != nil {
		return model.Appointment{}, fault.Wrap(fault.DependencyUnavailable, "conflict check failed", err)
	}
	if conflict {
		return model.Appointment{}, fault.New(fault.SchedulingConflict, "doctor %s is not available in the requested window", appt.DoctorID)
	}

	appt.StartTime = newStart.UTC()
	appt.Status = model.AppointmentRescheduled
	appt.UpdatedAt = now
	evt, err := appointmentEvent(outbox.EventAppointmentRescheduled, &appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.repo.Update(ctx, &appt, evt); err != nil {
		return model.Appointment{}, storeErr("reschedule appointment", err)
	}
	return appt, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, storeErr("load appointment", err)
	}
	return appt, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Appointment, error) {
	appts, err := s.repo.ListByPatient(ctx, patientID, limit)
	if err != nil {
		return nil, storeErr("list appointments", err)
	}
	return appts, nil
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Appointment, error) {
	appts, err := s.repo.ListByDoctor(ctx, doctorID, limit)
	if err != nil {
		return nil, storeErr("list appointments", err)
	}
	return appts, nil
}

func appointmentEvent(eventType string, appt *model.Appointment) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"appointment_id":   appt.ID,
		"patient_id":       appt.PatientID,
		"doctor_id":        appt.DoctorID,
		"start_time":       appt.StartTime.UTC().Format(time.RFC3339),
		"end_time":         appt.EndTime().UTC().Format(time.RFC3339),
		"duration_minutes": appt.DurationMinutes,
		"status":           string(appt.Status),
		"reason":           appt.Reason,
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

// storeErr passes typed failures through and wraps anything else as a
// dependency failure so callers see a retryable 503, not a silent success.
func storeErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	if fault.KindOf(err) != fault.Unknown {
		return err
	}
	return fault.Wrap(fault.DependencyUnavailable, msg, err)
}
