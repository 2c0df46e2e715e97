package booking

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotFull      SlotStatus = "full"
	SlotCancelled SlotStatus = "cancelled"
)

type HistoryEvent string

const (
	EventBooked      HistoryEvent = "booked"
	EventRescheduled HistoryEvent = "rescheduled"
	EventCancelled   HistoryEvent = "cancelled"
)

// Slot is a bookable time window. Slots are provisioned and cancelled by an
// external scheduling service; this core only reads capacity and flips the
// status between available and full.
type Slot struct {
	ID            uuid.UUID
	ServiceID     uuid.UUID
	StartAt       time.Time
	EndAt         time.Time
	Timezone      string
	Capacity      int
	BufferBefore  int // minutes
	BufferAfter   int // minutes
	Status        SlotStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Appointment struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	ServiceID     uuid.UUID
	SlotID        uuid.UUID
	QueueTicketID *uuid.UUID
	Status        AppointmentStatus
	ScheduledAt   time.Time
	Timezone      string
	Notes         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the appointment still occupies a seat on its slot.
func (a *Appointment) Active() bool {
	return a.Status != StatusCancelled
}

// History is one append-only audit row per appointment mutation.
type History struct {
	ID            int64
	AppointmentID uuid.UUID
	Event         HistoryEvent
	FromStatus    *AppointmentStatus
	ToStatus      AppointmentStatus
	Notes         *string
	CreatedAt     time.Time
}
