package outbox

// Event is the domain event envelope appended inside the same transaction as
// the appointment mutation it describes. The Kafka topic equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the scheduler, one per successful transition.
const (
	EventAppointmentBooked    = "scheduling.appointment.booked.v1"
	EventAppointmentConfirmed = "scheduling.appointment.confirmed.v1"
	EventAppointmentCompleted = "scheduling.appointment.completed.v1"
	EventAppointmentCancelled = "scheduling.appointment.cancelled.v1"
)
