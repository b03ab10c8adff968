// Package prescription owns the prescription lifecycle: issue with safety
// screening, cancellation, and validity expiry.
package prescription

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/telemedcore/encounter/libs/clockx"
	"github.com/telemedcore/encounter/libs/fault"
	"github.com/telemedcore/encounter/services/prescription-service/internal/model"
	"github.com/telemedcore/encounter/services/prescription-service/internal/outbox"
)

const (
	MinMedicationDays = 1
	MaxMedicationDays = 365
	// Default validity window for a new prescription, in months.
	DefaultValidityMonths = 3
)

type Repository interface {
	Create(ctx context.Context, p *model.Prescription, evt outbox.Event) error
	Get(ctx context.Context, id string) (model.Prescription, error)
	Update(ctx context.Context, p *model.Prescription, evt outbox.Event) error
	ExpireActiveBefore(ctx context.Context, asOf time.Time, eventFor func(id string) (outbox.Event, error)) ([]string, error)
	ListByConsultation(ctx context.Context, consultationID string, limit int) ([]model.Prescription, error)
	ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Prescription, error)
	ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Prescription, error)
}

// ConsultationGate confirms the referenced consultation exists.
// Implemented by the gate package (mirror + encounter-service fallback).
type ConsultationGate interface {
	Verify(ctx context.Context, consultationID string) (model.ConsultationRef, error)
}

// InteractionChecker screens a medication list. A non-nil return aborts
// issuance.
type InteractionChecker interface {
	Check(meds []model.Medication) error
}

type Service struct {
	repo         Repository
	gate         ConsultationGate
	interactions InteractionChecker
	clock        clockx.Clock
	logger       *slog.Logger
}

func NewService(repo Repository, gate ConsultationGate, interactions InteractionChecker, clock clockx.Clock, logger *slog.Logger) *Service {
	return &Service{repo: repo, gate: gate, interactions: interactions, clock: clock, logger: logger}
}

func (s *Service) Create(ctx context.Context, doctorID, consultationID, patientID, diagnosis, instructions string, meds []model.Medication, validUntil *time.Time) (model.Prescription, error) {
	if strings.TrimSpace(diagnosis) == "" {
		return model.Prescription{}, fault.New(fault.Validation, "diagnosis is required")
	}
	if len(meds) == 0 {
		return model.Prescription{}, fault.New(fault.Validation, "at least one medication is required")
	}
	for i, m := range meds {
		if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Dosage) == "" || strings.TrimSpace(m.Frequency) == "" {
			return model.Prescription{}, fault.New(fault.Validation, "medication %d needs name, dosage and frequency", i+1)
		}
		if m.DurationDays < MinMedicationDays || m.DurationDays > MaxMedicationDays {
			return model.Prescription{}, fault.New(fault.Validation, "medication %s duration must be between %d and %d days", m.Name, MinMedicationDays, MaxMedicationDays)
		}
	}

	ref, err := s.gate.Verify(ctx, consultationID)
	if err != nil {
		return model.Prescription{}, err
	}
	if ref.DoctorID != "" && ref.DoctorID != doctorID {
		return model.Prescription{}, fault.New(fault.PreconditionFailed, "only the treating doctor may prescribe for consultation %s", consultationID)
	}
	if ref.PatientID != "" {
		patientID = ref.PatientID
	}

	// Hard stop: a flagged combination is never issued.
	if err := s.interactions.Check(meds); err != nil {
		return model.Prescription{}, err
	}

	now := s.clock.Now()
	until := now.AddDate(0, DefaultValidityMonths, 0)
	if validUntil != nil {
		if !validUntil.After(now) {
			return model.Prescription{}, fault.New(fault.Validation, "valid_until must be in the future")
		}
		until = validUntil.UTC()
	}

	p := model.Prescription{
		ID:                  uuid.NewString(),
		ConsultationID:      consultationID,
		PatientID:           patientID,
		DoctorID:            doctorID,
		Status:              model.PrescriptionActive,
		PrescriptionDate:    now,
		ValidUntil:          until,
		Diagnosis:           diagnosis,
		GeneralInstructions: instructions,
		Medications:         meds,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	evt, err := prescriptionEvent(outbox.EventPrescriptionIssued, &p)
	if err != nil {
		return model.Prescription{}, err
	}
	if err := s.repo.Create(ctx, &p, evt); err != nil {
		return model.Prescription{}, storeErr("create prescription", err)
	}

	s.logger.Info("prescription issued", "prescription_id", p.ID, "consultation_id", consultationID, "medications", len(meds))
	return p, nil
}

func (s *Service) Cancel(ctx context.Context, id, reason string) (model.Prescription, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Prescription{}, storeErr("load prescription", err)
	}
	if p.Status != model.PrescriptionActive {
		return model.Prescription{}, fault.New(fault.PreconditionFailed, "only active prescriptions can be cancelled (status %s)", p.Status)
	}

	p.Status = model.PrescriptionCancelled
	p.CancellationReason = reason
	p.UpdatedAt = s.clock.Now()
	evt, err := prescriptionEvent(outbox.EventPrescriptionCancelled, &p)
	if err != nil {
		return model.Prescription{}, err
	}
	if err := s.repo.Update(ctx, &p, evt); err != nil {
		return model.Prescription{}, storeErr("cancel prescription", err)
	}
	return p, nil
}

// SweepExpirations expires every active prescription whose validity lapsed
// before asOf. Re-running with the same asOf finds nothing new.
func (s *Service) SweepExpirations(ctx context.Context, asOf time.Time) ([]string, error) {
	expired, err := s.repo.ExpireActiveBefore(ctx, asOf, func(id string) (outbox.Event, error) {
		payload, err := json.Marshal(map[string]any{
			"prescription_id": id,
			"expired_at":      asOf.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return outbox.Event{}, err
		}
		return outbox.Event{
			AggregateType: "prescription",
			AggregateID:   id,
			EventType:     outbox.EventPrescriptionExpired,
			Payload:       payload,
		}, nil
	})
	if err != nil {
		return nil, storeErr("expire prescriptions", err)
	}
	if len(expired) > 0 {
		s.logger.Info("prescriptions expired", "count", len(expired))
	}
	return expired, nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Prescription, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Prescription{}, storeErr("load prescription", err)
	}
	return p, nil
}

func (s *Service) ListByConsultation(ctx context.Context, consultationID string, limit int) ([]model.Prescription, error) {
	out, err := s.repo.ListByConsultation(ctx, consultationID, limit)
	if err != nil {
		return nil, storeErr("list prescriptions", err)
	}
	return out, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.Prescription, error) {
	out, err := s.repo.ListByPatient(ctx, patientID, limit)
	if err != nil {
		return nil, storeErr("list prescriptions", err)
	}
	return out, nil
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID string, limit int) ([]model.Prescription, error) {
	out, err := s.repo.ListByDoctor(ctx, doctorID, limit)
	if err != nil {
		return nil, storeErr("list prescriptions", err)
	}
	return out, nil
}

func prescriptionEvent(eventType string, p *model.Prescription) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"prescription_id": p.ID,
		"consultation_id": p.ConsultationID,
		"patient_id":      p.PatientID,
		"doctor_id":       p.DoctorID,
		"status":          string(p.Status),
		"valid_until":     p.ValidUntil.UTC().Format(time.RFC3339),
		"medications":     len(p.Medications),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "prescription",
		AggregateID:   p.ID,
		EventType:     eventType,
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
