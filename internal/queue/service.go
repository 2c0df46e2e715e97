package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careq/appointment-booking/internal/config"
	"github.com/careq/appointment-booking/internal/identity"
	"github.com/careq/appointment-booking/internal/notify"
	redisclient "github.com/careq/appointment-booking/internal/redis"
)

var (
	ErrForbidden         = errors.New("actor may not perform this ticket transition")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrInvalidPosition   = errors.New("position must be at least 1")
	ErrInvalidWindow     = errors.New("desired_from must not be after desired_to")
	ErrScopeBusy         = errors.New("waitlist is currently being modified, please retry")
)

type Service struct {
	repo       Repository
	locker     redisclient.Locker
	dispatcher *notify.Dispatcher
	cfg        config.Config
	log        *zap.Logger
}

func NewService(repo Repository, locker redisclient.Locker, dispatcher *notify.Dispatcher, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		locker:     locker,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
	}
}

type JoinInput struct {
	ServiceID   uuid.UUID
	SlotID      *uuid.UUID
	UserID      uuid.UUID
	DesiredFrom *time.Time
	DesiredTo   *time.Time
	Notes       *string
}

// JoinQueue appends a new waiting ticket to the end of its scope's queue.
func (s *Service) JoinQueue(ctx context.Context, in JoinInput) (*Ticket, error) {
	if in.DesiredFrom != nil && in.DesiredTo != nil && in.DesiredFrom.After(*in.DesiredTo) {
		return nil, ErrInvalidWindow
	}

	scope := Scope{ServiceID: in.ServiceID, SlotID: in.SlotID}

	var created *Ticket
	err := s.withScopeLock(ctx, scope, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			waiting, err := tx.CountWaiting(lockCtx, scope)
			if err != nil {
				return fmt.Errorf("count waiting tickets: %w", err)
			}

			t := &Ticket{
				ID:          uuid.New(),
				UserID:      in.UserID,
				ServiceID:   in.ServiceID,
				SlotID:      in.SlotID,
				Status:      StatusWaiting,
				Position:    waiting + 1,
				DesiredFrom: in.DesiredFrom,
				DesiredTo:   in.DesiredTo,
				Notes:       in.Notes,
			}
			if err := tx.CreateTicket(lockCtx, t); err != nil {
				return err
			}

			created = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// UpdateStatus applies a status transition under the scope's permission
// rules: a ticket's owner may only cancel, a privileged actor may set any
// status. Leaving the waiting set closes the position gap behind the ticket.
func (s *Service) UpdateStatus(ctx context.Context, ticketID uuid.UUID, newStatus TicketStatus, actor identity.Actor, notes *string) (*Ticket, error) {
	switch newStatus {
	case StatusWaiting, StatusNotified, StatusCancelled, StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}

	if !actor.Privileged() {
		if actor.UserID != ticket.UserID || newStatus != StatusCancelled {
			return nil, ErrForbidden
		}
	}

	var updated *Ticket
	err = s.withScopeLock(ctx, ticket.Scope(), func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			updated, err = s.transition(lockCtx, tx, ticketID, newStatus, notes)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventTicketUpdated, ticketPayload(updated)))

	return updated, nil
}

// transition applies the status change inside an open transaction. The
// caller holds the scope lock.
func (s *Service) transition(ctx context.Context, tx Repository, ticketID uuid.UUID, newStatus TicketStatus, notes *string) (*Ticket, error) {
	t, err := tx.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if t.Status == newStatus {
		return t, nil
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: ticket is %s", ErrInvalidTransition, t.Status)
	}

	wasWaiting := t.Status == StatusWaiting
	scope := t.Scope()

	switch newStatus {
	case StatusNotified:
		now := time.Now()
		expires := now.Add(s.cfg.NotificationWindow)
		t.NotifiedAt = &now
		t.ExpiresAt = &expires
	case StatusCancelled:
		t.NotifiedAt = nil
		t.ExpiresAt = nil
	case StatusWaiting:
		// re-entering the queue goes to the back of the line
		waiting, err := tx.CountWaiting(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("count waiting tickets: %w", err)
		}
		t.Position = waiting + 1
		t.NotifiedAt = nil
		t.ExpiresAt = nil
	}

	t.Status = newStatus
	if notes != nil {
		t.Notes = notes
	}

	if err := tx.UpdateTicket(ctx, t); err != nil {
		return nil, err
	}

	if wasWaiting {
		if err := s.resequence(ctx, tx, scope); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Reposition moves a waiting ticket to the requested position, clamped to
// the queue length. The waiting set stays a contiguous 1..n permutation.
func (s *Service) Reposition(ctx context.Context, ticketID uuid.UUID, desired int) (*Ticket, error) {
	if desired < 1 {
		return nil, ErrInvalidPosition
	}

	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if ticket.Status != StatusWaiting {
		return nil, fmt.Errorf("%w: only waiting tickets can be repositioned", ErrInvalidTransition)
	}

	var moved *Ticket
	err = s.withScopeLock(ctx, ticket.Scope(), func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			t, err := tx.GetTicket(lockCtx, ticketID)
			if err != nil {
				return err
			}
			if t.Status != StatusWaiting {
				return fmt.Errorf("%w: only waiting tickets can be repositioned", ErrInvalidTransition)
			}

			all, err := tx.ListWaiting(lockCtx, t.Scope())
			if err != nil {
				return fmt.Errorf("list waiting tickets: %w", err)
			}

			others := make([]Ticket, 0, len(all))
			for _, o := range all {
				if o.ID != t.ID {
					others = append(others, o)
				}
			}

			target := desired
			if max := len(others) + 1; target > max {
				target = max
			}

			for i, o := range others {
				newPos := i + 1
				if i >= target-1 {
					newPos = i + 2
				}
				if o.Position != newPos {
					if err := tx.SetPosition(lockCtx, o.ID, newPos); err != nil {
						return err
					}
				}
			}

			if t.Position != target {
				if err := tx.SetPosition(lockCtx, t.ID, target); err != nil {
					return err
				}
				t.Position = target
			}

			moved = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventTicketUpdated, ticketPayload(moved)))

	return moved, nil
}

// resequence renumbers the scope's waiting tickets 1..n, writing only rows
// whose position changed. Runs whenever a ticket leaves the waiting set.
func (s *Service) resequence(ctx context.Context, tx Repository, scope Scope) error {
	waiting, err := tx.ListWaiting(ctx, scope)
	if err != nil {
		return fmt.Errorf("list waiting tickets: %w", err)
	}

	for i, t := range waiting {
		if t.Position != i+1 {
			if err := tx.SetPosition(ctx, t.ID, i+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// PromoteNext notifies the lowest-position waiting ticket on the slot's
// queue, if any. Called when a cancellation or deletion frees capacity and
// by the expiry worker after a notification window lapses.
func (s *Service) PromoteNext(ctx context.Context, serviceID, slotID uuid.UUID) (*Ticket, error) {
	scope := Scope{ServiceID: serviceID, SlotID: &slotID}

	var promoted *Ticket
	err := s.withScopeLock(ctx, scope, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			next, err := tx.FirstWaiting(lockCtx, scope)
			if err != nil {
				if errors.Is(err, ErrTicketNotFound) {
					return nil
				}
				return fmt.Errorf("find next waiting ticket: %w", err)
			}

			promoted, err = s.transition(lockCtx, tx, next.ID, StatusNotified, nil)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if promoted == nil {
		return nil, nil
	}

	s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventTicketNotified, map[string]any{
		"ticket_id":   promoted.ID.String(),
		"user_id":     promoted.UserID.String(),
		"service_id":  promoted.ServiceID.String(),
		"slot_id":     slotID.String(),
		"notified_at": promoted.NotifiedAt,
		"expires_at":  promoted.ExpiresAt,
	}))

	return promoted, nil
}

// ExpireNotified is the expiry worker body. A notified ticket whose window
// lapsed goes back to waiting at the tail of its queue, and the window
// passes to the next ticket in line.
func (s *Service) ExpireNotified(ctx context.Context) error {
	now := time.Now()
	expired, err := s.repo.FindExpiredNotified(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired notified tickets: %w", err)
	}

	for _, t := range expired {
		var reverted *Ticket
		err := s.withScopeLock(ctx, t.Scope(), func(lockCtx context.Context) error {
			return s.repo.WithTx(lockCtx, func(tx Repository) error {
				cur, err := tx.GetTicket(lockCtx, t.ID)
				if err != nil {
					return err
				}
				// re-check under the lock, a booking may have completed it
				if cur.Status != StatusNotified || cur.ExpiresAt == nil || cur.ExpiresAt.After(now) {
					return nil
				}

				reverted, err = s.transition(lockCtx, tx, cur.ID, StatusWaiting, nil)
				return err
			})
		})
		if err != nil {
			s.log.Error("failed to expire notified ticket",
				zap.String("ticket_id", t.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if reverted == nil {
			continue
		}

		s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventTicketUpdated, ticketPayload(reverted)))

		if t.SlotID != nil {
			if _, err := s.PromoteNext(ctx, t.ServiceID, *t.SlotID); err != nil {
				s.log.Error("failed to promote after expiry",
					zap.String("ticket_id", t.ID.String()),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

// GetTicket retrieves a ticket by ID.
func (s *Service) GetTicket(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	t, err := s.repo.GetTicket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// ListByService retrieves tickets for a service, newest first.
func (s *Service) ListByService(ctx context.Context, serviceID uuid.UUID, limit, offset int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	tickets, err := s.repo.ListByService(ctx, serviceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tickets by service: %w", err)
	}
	return tickets, nil
}

func (s *Service) withScopeLock(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, redisclient.ScopeKey(scope.ServiceID, scope.SlotID), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrScopeBusy
	}
	return err
}

func ticketPayload(t *Ticket) map[string]any {
	p := map[string]any{
		"ticket_id":  t.ID.String(),
		"user_id":    t.UserID.String(),
		"service_id": t.ServiceID.String(),
		"status":     string(t.Status),
		"position":   t.Position,
	}
	if t.SlotID != nil {
		p["slot_id"] = t.SlotID.String()
	}
	return p
}
