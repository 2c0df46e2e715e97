package queue

import (
	"time"

	"github.com/google/uuid"
)

type TicketStatus string

const (
	StatusWaiting   TicketStatus = "waiting"
	StatusNotified  TicketStatus = "notified"
	StatusCancelled TicketStatus = "cancelled"
	StatusCompleted TicketStatus = "completed"
)

// Terminal reports whether the status can never change again.
func (s TicketStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Scope identifies one waitlist. A slot-scoped queue waits on a specific
// slot; a service-wide queue (nil SlotID) waits on any capacity for the
// service.
type Scope struct {
	ServiceID uuid.UUID
	SlotID    *uuid.UUID
}

// Ticket is a request to be notified when capacity frees. Within a scope
// the waiting tickets hold positions 1..n with no gaps.
type Ticket struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	ServiceID   uuid.UUID
	SlotID      *uuid.UUID
	Status      TicketStatus
	Position    int
	DesiredFrom *time.Time
	DesiredTo   *time.Time
	NotifiedAt  *time.Time
	ExpiresAt   *time.Time
	Notes       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (t *Ticket) Scope() Scope {
	return Scope{ServiceID: t.ServiceID, SlotID: t.SlotID}
}
