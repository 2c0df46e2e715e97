package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careq/appointment-booking/internal/notify"
	"github.com/careq/appointment-booking/internal/queue"
	redisclient "github.com/careq/appointment-booking/internal/redis"
)

var (
	ErrCapacityExceeded  = errors.New("slot is at capacity")
	ErrSlotCancelled     = errors.New("slot is cancelled")
	ErrServiceMismatch   = errors.New("slot belongs to a different service")
	ErrInvalidTransition = errors.New("invalid appointment transition")
	ErrSlotBusy          = errors.New("slot is currently being modified, please retry")
)

// WaitlistPromoter is the queue manager hook invoked when a cancellation or
// deletion frees a seat.
type WaitlistPromoter interface {
	PromoteNext(ctx context.Context, serviceID, slotID uuid.UUID) (*queue.Ticket, error)
}

type Service struct {
	repo       Repository
	locker     redisclient.Locker
	dispatcher *notify.Dispatcher
	promoter   WaitlistPromoter
	log        *zap.Logger
}

func NewService(repo Repository, locker redisclient.Locker, dispatcher *notify.Dispatcher, promoter WaitlistPromoter, log *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		locker:     locker,
		dispatcher: dispatcher,
		promoter:   promoter,
		log:        log,
	}
}

type BookInput struct {
	ServiceID uuid.UUID
	SlotID    uuid.UUID
	UserID    uuid.UUID
	Notes     *string
}

// Book reserves a seat on a slot. The capacity check and the insert commit
// as one transaction under the slot lock, so two concurrent bookings on the
// last seat cannot both succeed.
func (s *Service) Book(ctx context.Context, in BookInput) (*Appointment, error) {
	slot, err := s.repo.GetSlot(ctx, in.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.ServiceID != in.ServiceID {
		return nil, ErrServiceMismatch
	}
	if slot.Status == SlotCancelled {
		return nil, ErrSlotCancelled
	}

	var created *Appointment

	err = s.withSlotLock(ctx, in.SlotID, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			// re-check inside the critical section
			slot, err := tx.GetSlot(lockCtx, in.SlotID)
			if err != nil {
				return err
			}
			if slot.Status == SlotCancelled {
				return ErrSlotCancelled
			}

			count, err := tx.ActiveCount(lockCtx, in.SlotID, nil)
			if err != nil {
				return fmt.Errorf("count active appointments: %w", err)
			}
			if count >= slot.Capacity {
				return ErrCapacityExceeded
			}

			appt := &Appointment{
				ID:          uuid.New(),
				UserID:      in.UserID,
				ServiceID:   in.ServiceID,
				SlotID:      in.SlotID,
				Status:      StatusScheduled,
				ScheduledAt: slot.StartAt,
				Timezone:    slot.Timezone,
				Notes:       in.Notes,
			}
			if err := tx.CreateAppointment(lockCtx, appt); err != nil {
				return err
			}

			if err := tx.AppendHistory(lockCtx, &History{
				AppointmentID: appt.ID,
				Event:         EventBooked,
				FromStatus:    nil,
				ToStatus:      StatusScheduled,
				Notes:         in.Notes,
			}); err != nil {
				return err
			}

			if _, err := NewSlotRegistry(tx).Recompute(lockCtx, in.SlotID); err != nil {
				return err
			}

			created = appt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventAppointmentBooked, appointmentPayload(created)))

	return created, nil
}

// Reschedule moves an active appointment to another slot of the same
// service. Moving to the current slot is a no-op success.
func (s *Service) Reschedule(ctx context.Context, appointmentID, newSlotID uuid.UUID, notes *string) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !appt.Active() {
		return nil, fmt.Errorf("%w: appointment is cancelled", ErrInvalidTransition)
	}
	if appt.SlotID == newSlotID {
		return appt, nil
	}

	newSlot, err := s.repo.GetSlot(ctx, newSlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if newSlot.ServiceID != appt.ServiceID {
		return nil, ErrServiceMismatch
	}
	if newSlot.Status == SlotCancelled {
		return nil, ErrSlotCancelled
	}

	var updated *Appointment

	err = s.withSlotLock(ctx, newSlotID, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			appt, err := tx.GetAppointment(lockCtx, appointmentID)
			if err != nil {
				return err
			}
			if !appt.Active() {
				return fmt.Errorf("%w: appointment is cancelled", ErrInvalidTransition)
			}
			oldSlotID := appt.SlotID

			newSlot, err := tx.GetSlot(lockCtx, newSlotID)
			if err != nil {
				return err
			}
			if newSlot.Status == SlotCancelled {
				return ErrSlotCancelled
			}

			count, err := tx.ActiveCount(lockCtx, newSlotID, nil)
			if err != nil {
				return fmt.Errorf("count active appointments: %w", err)
			}
			if count >= newSlot.Capacity {
				return ErrCapacityExceeded
			}

			appt.SlotID = newSlotID
			appt.ScheduledAt = newSlot.StartAt
			appt.Timezone = newSlot.Timezone
			if notes != nil {
				appt.Notes = notes
			}
			if err := tx.UpdateAppointment(lockCtx, appt); err != nil {
				return err
			}

			from := appt.Status
			if err := tx.AppendHistory(lockCtx, &History{
				AppointmentID: appt.ID,
				Event:         EventRescheduled,
				FromStatus:    &from,
				ToStatus:      appt.Status,
				Notes:         notes,
			}); err != nil {
				return err
			}

			reg := NewSlotRegistry(tx)
			if _, err := reg.Recompute(lockCtx, oldSlotID); err != nil {
				return err
			}
			if _, err := reg.Recompute(lockCtx, newSlotID); err != nil {
				return err
			}

			updated = appt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventAppointmentRescheduled, appointmentPayload(updated)))

	return updated, nil
}

// Cancel releases the appointment's seat. When the slot flips from full to
// available the freed seat is offered to the waitlist, and the cancellation
// event is published before the promotion's.
func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID, reason *string) error {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	if !appt.Active() {
		return fmt.Errorf("%w: appointment is already cancelled", ErrInvalidTransition)
	}
	if appt.Status == StatusCompleted {
		return fmt.Errorf("%w: appointment is completed", ErrInvalidTransition)
	}

	var (
		cancelled *Appointment
		freed     bool
	)

	err = s.withSlotLock(ctx, appt.SlotID, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			appt, err := tx.GetAppointment(lockCtx, appointmentID)
			if err != nil {
				return err
			}
			if !appt.Active() || appt.Status == StatusCompleted {
				return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, appt.Status)
			}

			from := appt.Status
			appt.Status = StatusCancelled
			if err := tx.UpdateAppointment(lockCtx, appt); err != nil {
				return err
			}

			if err := tx.AppendHistory(lockCtx, &History{
				AppointmentID: appt.ID,
				Event:         EventCancelled,
				FromStatus:    &from,
				ToStatus:      StatusCancelled,
				Notes:         reason,
			}); err != nil {
				return err
			}

			freed, err = NewSlotRegistry(tx).Recompute(lockCtx, appt.SlotID)
			if err != nil {
				return err
			}

			cancelled = appt
			return nil
		})
	})
	if err != nil {
		return err
	}

	payload := appointmentPayload(cancelled)
	if reason != nil {
		payload["reason"] = *reason
	}
	s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventAppointmentCancelled, payload))

	if freed {
		s.promote(ctx, cancelled.ServiceID, cancelled.SlotID)
	}

	return nil
}

type AdminUpdateInput struct {
	Status *AppointmentStatus
	SlotID *uuid.UUID
	Notes  *string
}

// AdminUpdate combines a status change and/or a slot move in one
// transaction with a single consolidated audit row.
func (s *Service) AdminUpdate(ctx context.Context, appointmentID uuid.UUID, in AdminUpdateInput) (*Appointment, error) {
	if in.Status != nil {
		switch *in.Status {
		case StatusScheduled, StatusConfirmed, StatusCancelled, StatusCompleted:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *in.Status)
		}
	}

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	slotChanged := in.SlotID != nil && *in.SlotID != appt.SlotID
	if slotChanged {
		newSlot, err := s.repo.GetSlot(ctx, *in.SlotID)
		if err != nil {
			return nil, fmt.Errorf("load slot: %w", err)
		}
		if newSlot.ServiceID != appt.ServiceID {
			return nil, ErrServiceMismatch
		}
		if newSlot.Status == SlotCancelled {
			return nil, ErrSlotCancelled
		}
	}

	lockSlot := appt.SlotID
	if slotChanged {
		lockSlot = *in.SlotID
	}

	var (
		updated   *Appointment
		freedOld  bool
		oldSlotID uuid.UUID
		histEvent HistoryEvent
	)

	err = s.withSlotLock(ctx, lockSlot, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			appt, err := tx.GetAppointment(lockCtx, appointmentID)
			if err != nil {
				return err
			}
			oldSlotID = appt.SlotID
			from := appt.Status

			if in.Status != nil && *in.Status != appt.Status && appt.Status != StatusScheduled && appt.Status != StatusConfirmed {
				return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, appt.Status)
			}

			if slotChanged {
				newSlot, err := tx.GetSlot(lockCtx, *in.SlotID)
				if err != nil {
					return err
				}
				if newSlot.Status == SlotCancelled {
					return ErrSlotCancelled
				}

				count, err := tx.ActiveCount(lockCtx, newSlot.ID, nil)
				if err != nil {
					return fmt.Errorf("count active appointments: %w", err)
				}
				if count >= newSlot.Capacity {
					return ErrCapacityExceeded
				}

				appt.SlotID = newSlot.ID
				appt.ScheduledAt = newSlot.StartAt
				appt.Timezone = newSlot.Timezone
			}

			if in.Status != nil {
				appt.Status = *in.Status
			}
			if in.Notes != nil {
				appt.Notes = in.Notes
			}

			if err := tx.UpdateAppointment(lockCtx, appt); err != nil {
				return err
			}

			// one consolidated audit row for whatever applied
			switch {
			case slotChanged:
				histEvent = EventRescheduled
			case appt.Status == StatusCancelled && from != StatusCancelled:
				histEvent = EventCancelled
			default:
				histEvent = EventBooked // generic "updated" marker
			}
			if err := tx.AppendHistory(lockCtx, &History{
				AppointmentID: appt.ID,
				Event:         histEvent,
				FromStatus:    &from,
				ToStatus:      appt.Status,
				Notes:         in.Notes,
			}); err != nil {
				return err
			}

			reg := NewSlotRegistry(tx)
			if slotChanged {
				freedOld, err = reg.Recompute(lockCtx, oldSlotID)
				if err != nil {
					return err
				}
				if _, err := reg.Recompute(lockCtx, appt.SlotID); err != nil {
					return err
				}
			} else {
				freedOld, err = reg.Recompute(lockCtx, appt.SlotID)
				if err != nil {
					return err
				}
			}

			updated = appt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	switch histEvent {
	case EventRescheduled:
		s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventAppointmentRescheduled, appointmentPayload(updated)))
	case EventCancelled:
		s.dispatcher.Publish(ctx, notify.NewEvent(notify.EventAppointmentCancelled, appointmentPayload(updated)))
	}

	if freedOld {
		s.promote(ctx, updated.ServiceID, oldSlotID)
	}

	return updated, nil
}

// Delete hard-deletes an appointment and its history. Privileged callers
// only; the API layer gates the route.
func (s *Service) Delete(ctx context.Context, appointmentID uuid.UUID) error {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}

	var freed bool

	err = s.withSlotLock(ctx, appt.SlotID, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			if err := tx.DeleteAppointment(lockCtx, appointmentID); err != nil {
				return err
			}

			freed, err = NewSlotRegistry(tx).Recompute(lockCtx, appt.SlotID)
			return err
		})
	})
	if err != nil {
		return err
	}

	if freed {
		s.promote(ctx, appt.ServiceID, appt.SlotID)
	}

	return nil
}

// GetAppointment retrieves an appointment by ID.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// History retrieves the appointment's audit trail, oldest first.
func (s *Service) History(ctx context.Context, appointmentID uuid.UUID) ([]History, error) {
	if _, err := s.repo.GetAppointment(ctx, appointmentID); err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}

	rows, err := s.repo.ListHistory(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return rows, nil
}

// ListByUser retrieves appointments for a user, newest first.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appointments, err := s.repo.ListAppointmentsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by user: %w", err)
	}
	return appointments, nil
}

// ListBySlot retrieves all appointments on a slot.
func (s *Service) ListBySlot(ctx context.Context, slotID uuid.UUID) ([]Appointment, error) {
	appointments, err := s.repo.ListAppointmentsBySlot(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by slot: %w", err)
	}
	return appointments, nil
}

func (s *Service) promote(ctx context.Context, serviceID, slotID uuid.UUID) {
	if s.promoter == nil {
		return
	}
	if _, err := s.promoter.PromoteNext(ctx, serviceID, slotID); err != nil {
		s.log.Error("waitlist promotion failed",
			zap.String("service_id", serviceID.String()),
			zap.String("slot_id", slotID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) withSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, redisclient.SlotKey(slotID), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBusy
	}
	return err
}

func appointmentPayload(a *Appointment) map[string]any {
	return map[string]any{
		"appointment_id": a.ID.String(),
		"user_id":        a.UserID.String(),
		"service_id":     a.ServiceID.String(),
		"slot_id":        a.SlotID.String(),
		"status":         string(a.Status),
		"scheduled_at":   a.ScheduledAt,
	}
}
