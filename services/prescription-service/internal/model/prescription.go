package model

import "time"

type PrescriptionStatus string

const (
	PrescriptionActive    PrescriptionStatus = "active"
	PrescriptionCancelled PrescriptionStatus = "cancelled"
	PrescriptionCompleted PrescriptionStatus = "completed"
	PrescriptionExpired   PrescriptionStatus = "expired"
)

// Medication is one line item on a prescription. The list is stored as a
// jsonb document owned by the prescription row.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	DurationDays int    `json:"duration_days"`
	Instructions string `json:"instructions,omitempty"`
	SideEffects  string `json:"side_effects,omitempty"`
}

type Prescription struct {
	ID                  string
	ConsultationID      string
	PatientID           string
	DoctorID            string
	Status              PrescriptionStatus
	PrescriptionDate    time.Time
	ValidUntil          time.Time
	Diagnosis           string
	GeneralInstructions string
	Medications         []Medication
	CancellationReason  string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Mirror of a consultation owned by encounter-service, maintained from its
// Kafka events. Used as the local prescribing gate.
type ConsultationRef struct {
	ID        string
	PatientID string
	DoctorID  string
	Status    string
	UpdatedAt time.Time
}
