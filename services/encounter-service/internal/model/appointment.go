package model

import "time"

type AppointmentStatus string

const (
	AppointmentPending     AppointmentStatus = "pending"
	AppointmentConfirmed   AppointmentStatus = "confirmed"
	AppointmentCancelled   AppointmentStatus = "cancelled"
	AppointmentCompleted   AppointmentStatus = "completed"
	AppointmentRescheduled AppointmentStatus = "rescheduled"
)

// Terminal statuses admit no further transitions. Rescheduled is a normal
// non-terminal status and may be confirmed, cancelled, or rescheduled again.
func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentCancelled || s == AppointmentCompleted
}

type Appointment struct {
	ID                 string
	PatientID          string
	DoctorID           string
	StartTime          time.Time
	DurationMinutes    int
	Status             AppointmentStatus
	Reason             string
	Notes              string
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EndTime is the exclusive end of the appointment window [start, start+duration).
func (a *Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}
