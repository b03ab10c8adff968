package model

import "time"

type ConsultationStatus string

const (
	// ConsultationScheduled is reserved for pre-created consultations; Start
	// never produces it.
	ConsultationScheduled  ConsultationStatus = "scheduled"
	ConsultationInProgress ConsultationStatus = "in_progress"
	ConsultationCompleted  ConsultationStatus = "completed"
	ConsultationCancelled  ConsultationStatus = "cancelled"
	ConsultationNoShow     ConsultationStatus = "no_show"
)

func (s ConsultationStatus) Terminal() bool {
	return s == ConsultationCompleted || s == ConsultationCancelled || s == ConsultationNoShow
}

// Consultation records the clinical encounter for exactly one appointment.
// PatientID and DoctorID are copied from the appointment at creation time
// and never re-derived afterwards.
type Consultation struct {
	ID                     string
	AppointmentID          string
	PatientID              string
	DoctorID               string
	Status                 ConsultationStatus
	StartTime              time.Time
	EndTime                *time.Time
	ChiefComplaint         string
	Diagnosis              string
	Treatment              string
	Notes                  string
	FollowUpInstructions   string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
