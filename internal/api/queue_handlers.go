package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/careq/appointment-booking/internal/queue"
)

func joinQueueHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req JoinQueueRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
			return
		}

		serviceID, _ := uuid.Parse(req.ServiceID)

		in := queue.JoinInput{
			ServiceID:   serviceID,
			UserID:      GetActor(r.Context()).UserID,
			DesiredFrom: req.DesiredFrom,
			DesiredTo:   req.DesiredTo,
			Notes:       req.Notes,
		}
		if req.SlotID != nil {
			slotID, _ := uuid.Parse(*req.SlotID)
			in.SlotID = &slotID
		}

		ticket, err := svc.JoinQueue(r.Context(), in)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toTicketResponse(ticket))
	}
}

func updateTicketStatusHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req UpdateTicketStatusRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
			return
		}

		ticket, err := svc.UpdateStatus(r.Context(), id, queue.TicketStatus(req.Status), GetActor(r.Context()), req.Notes)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toTicketResponse(ticket))
	}
}

func repositionTicketHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req RepositionTicketRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
			return
		}

		ticket, err := svc.Reposition(r.Context(), id, req.Position)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toTicketResponse(ticket))
	}
}

func getTicketHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		ticket, err := svc.GetTicket(r.Context(), id)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toTicketResponse(ticket))
	}
}

func listTicketsHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		serviceID, err := uuid.Parse(q.Get("service_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
			return
		}

		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		tickets, err := svc.ListByService(r.Context(), serviceID, limit, offset)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := make([]TicketResponse, 0, len(tickets))
		for i := range tickets {
			resp = append(resp, toTicketResponse(&tickets[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrTicketNotFound):
		writeError(w, http.StatusNotFound, "ticket_not_found", err.Error())
	case errors.Is(err, queue.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrInvalidPosition), errors.Is(err, queue.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, queue.ErrScopeBusy):
		writeError(w, http.StatusConflict, "scope_busy", "waitlist is currently being modified, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
