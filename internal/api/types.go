package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/careq/appointment-booking/internal/booking"
	"github.com/careq/appointment-booking/internal/queue"
)

type BookAppointmentRequest struct {
	ServiceID string  `json:"service_id" validate:"required,uuid"`
	SlotID    string  `json:"slot_id" validate:"required,uuid"`
	Notes     *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

type RescheduleRequest struct {
	SlotID string  `json:"slot_id" validate:"required,uuid"`
	Notes  *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

type CancelRequest struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=2000"`
}

type AdminUpdateRequest struct {
	Status *string `json:"status,omitempty" validate:"omitempty,oneof=scheduled confirmed cancelled completed"`
	SlotID *string `json:"slot_id,omitempty" validate:"omitempty,uuid"`
	Notes  *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

type JoinQueueRequest struct {
	ServiceID   string     `json:"service_id" validate:"required,uuid"`
	SlotID      *string    `json:"slot_id,omitempty" validate:"omitempty,uuid"`
	DesiredFrom *time.Time `json:"desired_from,omitempty"`
	DesiredTo   *time.Time `json:"desired_to,omitempty"`
	Notes       *string    `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

type UpdateTicketStatusRequest struct {
	Status string  `json:"status" validate:"required,oneof=waiting notified cancelled completed"`
	Notes  *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

type RepositionTicketRequest struct {
	Position int `json:"position" validate:"required,min=1"`
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	ServiceID   uuid.UUID  `json:"service_id"`
	SlotID      uuid.UUID  `json:"slot_id"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Timezone    string     `json:"timezone"`
	Notes       *string    `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		UserID:      a.UserID,
		ServiceID:   a.ServiceID,
		SlotID:      a.SlotID,
		Status:      string(a.Status),
		ScheduledAt: a.ScheduledAt,
		Timezone:    a.Timezone,
		Notes:       a.Notes,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

type HistoryResponse struct {
	Event      string    `json:"event"`
	FromStatus *string   `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Notes      *string   `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toHistoryResponse(h booking.History) HistoryResponse {
	resp := HistoryResponse{
		Event:     string(h.Event),
		ToStatus:  string(h.ToStatus),
		Notes:     h.Notes,
		CreatedAt: h.CreatedAt,
	}
	if h.FromStatus != nil {
		from := string(*h.FromStatus)
		resp.FromStatus = &from
	}
	return resp
}

type TicketResponse struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	ServiceID   uuid.UUID  `json:"service_id"`
	SlotID      *uuid.UUID `json:"slot_id,omitempty"`
	Status      string     `json:"status"`
	Position    int        `json:"position"`
	DesiredFrom *time.Time `json:"desired_from,omitempty"`
	DesiredTo   *time.Time `json:"desired_to,omitempty"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toTicketResponse(t *queue.Ticket) TicketResponse {
	return TicketResponse{
		ID:          t.ID,
		UserID:      t.UserID,
		ServiceID:   t.ServiceID,
		SlotID:      t.SlotID,
		Status:      string(t.Status),
		Position:    t.Position,
		DesiredFrom: t.DesiredFrom,
		DesiredTo:   t.DesiredTo,
		NotifiedAt:  t.NotifiedAt,
		ExpiresAt:   t.ExpiresAt,
		Notes:       t.Notes,
		CreatedAt:   t.CreatedAt,
	}
}
