// Package template renders clinical notification kinds into subject/body
// text. Payload values are plain strings produced by the emitting service.
package template

import "fmt"

// Kinds accepted by the dispatcher.
const (
	AppointmentRequested   = "appointment_requested"
	AppointmentConfirmed   = "appointment_confirmed"
	AppointmentCancelled   = "appointment_cancelled"
	AppointmentRescheduled = "appointment_rescheduled"
	ConsultationStarted    = "consultation_started"
	ConsultationCompleted  = "consultation_completed"
	PrescriptionIssued     = "prescription_issued"
)

type Message struct {
	Subject string
	Body    string
}

// Render produces the message for a template kind, or ok=false for an
// unknown kind.
func Render(kind string, payload map[string]string) (Message, bool) {
	greeting := ""
	if name := payload["recipient_name"]; name != "" {
		greeting = fmt.Sprintf("Dear %s, ", name)
	}

	switch kind {
	case AppointmentRequested:
		return Message{
			Subject: "New appointment request",
			Body:    fmt.Sprintf("%sa new appointment has been requested for %s.", greeting, payload["start_time"]),
		}, true
	case AppointmentConfirmed:
		return Message{
			Subject: "Appointment confirmed",
			Body:    fmt.Sprintf("%syour appointment on %s has been confirmed.", greeting, payload["start_time"]),
		}, true
	case AppointmentCancelled:
		return Message{
			Subject: "Appointment cancelled",
			Body:    fmt.Sprintf("%sthe appointment scheduled for %s has been cancelled.", greeting, payload["start_time"]),
		}, true
	case AppointmentRescheduled:
		return Message{
			Subject: "Appointment rescheduled",
			Body:    fmt.Sprintf("%syour appointment has been moved to %s.", greeting, payload["start_time"]),
		}, true
	case ConsultationStarted:
		return Message{
			Subject: "Consultation started",
			Body:    fmt.Sprintf("%syour consultation has started. Please join when ready.", greeting),
		}, true
	case ConsultationCompleted:
		return Message{
			Subject: "Consultation summary available",
			Body:    fmt.Sprintf("%syour consultation is complete. A summary is available in your records.", greeting),
		}, true
	case PrescriptionIssued:
		return Message{
			Subject: "New prescription",
			Body:    fmt.Sprintf("%sa new prescription has been issued for you, valid until %s.", greeting, payload["valid_until"]),
		}, true
	default:
		return Message{}, false
	}
}
