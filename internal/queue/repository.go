package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTicketNotFound = errors.New("queue ticket not found")
)

// Repository contains all DB interactions needed by the queue manager.
// WithTx runs fn against a transaction-bound repository so position
// renumbering commits all-or-nothing.
type Repository interface {
	WithTx(ctx context.Context, fn func(Repository) error) error

	GetTicket(ctx context.Context, id uuid.UUID) (*Ticket, error)
	CreateTicket(ctx context.Context, t *Ticket) error
	UpdateTicket(ctx context.Context, t *Ticket) error
	SetPosition(ctx context.Context, id uuid.UUID, position int) error

	CountWaiting(ctx context.Context, scope Scope) (int, error)

	// ListWaiting returns waiting tickets in the scope ordered by
	// (position asc, created_at asc).
	ListWaiting(ctx context.Context, scope Scope) ([]Ticket, error)

	// FirstWaiting returns the lowest-position waiting ticket in the scope,
	// or ErrTicketNotFound when the queue is empty.
	FirstWaiting(ctx context.Context, scope Scope) (*Ticket, error)

	// Expiry worker
	FindExpiredNotified(ctx context.Context, now time.Time) ([]Ticket, error)

	ListByService(ctx context.Context, serviceID uuid.UUID, limit, offset int) ([]Ticket, error)
}
