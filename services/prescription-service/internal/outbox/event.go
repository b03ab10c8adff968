package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the prescription service.
const (
	EventPrescriptionIssued    = "prescription.issued.v1"
	EventPrescriptionCancelled = "prescription.cancelled.v1"
	EventPrescriptionExpired   = "prescription.expired.v1"
)
