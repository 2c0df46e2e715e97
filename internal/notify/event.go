package notify

import "time"

type EventType string

const (
	EventAppointmentBooked      EventType = "appointment.booked"
	EventAppointmentRescheduled EventType = "appointment.rescheduled"
	EventAppointmentCancelled   EventType = "appointment.cancelled"
	EventTicketNotified         EventType = "queue.ticket.notified"
	EventTicketUpdated          EventType = "queue.ticket.updated"
)

// Event is a domain event emitted after a mutation commits. Events are
// ephemeral: they are handed to subscribers and never persisted here.
type Event struct {
	Type       EventType      `json:"type"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func NewEvent(t EventType, payload map[string]any) Event {
	return Event{
		Type:       t,
		Payload:    payload,
		OccurredAt: time.Now(),
	}
}
