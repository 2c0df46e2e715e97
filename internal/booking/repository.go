package booking

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// SlotStore is the slice of the repository the SlotRegistry needs.
type SlotStore interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)

	// ActiveCount counts non-cancelled appointments on the slot, optionally
	// excluding one appointment while it is being moved away.
	ActiveCount(ctx context.Context, slotID uuid.UUID, excludeAppointment *uuid.UUID) (int, error)

	SetSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) error
}

// Repository contains all DB interactions needed by the booking engine.
// WithTx runs fn against a transaction-bound repository; every mutation of
// the engine (validate, write, audit, recompute) happens inside one such
// transaction.
type Repository interface {
	SlotStore

	WithTx(ctx context.Context, fn func(Repository) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error
	ListAppointmentsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAppointmentsBySlot(ctx context.Context, slotID uuid.UUID) ([]Appointment, error)

	// Audit trail: pure inserts, never updated or deleted.
	AppendHistory(ctx context.Context, h *History) error
	ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]History, error)
}
