package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the encounter service.
const (
	EventAppointmentRequested   = "encounter.appointment.requested.v1"
	EventAppointmentConfirmed   = "encounter.appointment.confirmed.v1"
	EventAppointmentCancelled   = "encounter.appointment.cancelled.v1"
	EventAppointmentRescheduled = "encounter.appointment.rescheduled.v1"
	EventAppointmentCompleted   = "encounter.appointment.completed.v1"
	EventConsultationStarted    = "encounter.consultation.started.v1"
	EventConsultationCompleted  = "encounter.consultation.completed.v1"
	EventConsultationUpdated    = "encounter.consultation.updated.v1"
)
