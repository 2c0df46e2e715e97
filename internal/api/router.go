package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/careq/appointment-booking/internal/booking"
	"github.com/careq/appointment-booking/internal/queue"
)

type RouterConfig struct {
	Booking *booking.Service
	Queue   *queue.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  *zap.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(ActorMiddleware)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", bookAppointmentHandler(cfg.Booking))
		r.Get("/", listAppointmentsHandler(cfg.Booking))
		r.Get("/{id}", getAppointmentHandler(cfg.Booking))
		r.Get("/{id}/history", getAppointmentHistoryHandler(cfg.Booking))
		r.Post("/{id}/reschedule", rescheduleAppointmentHandler(cfg.Booking))
		r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Booking))

		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Patch("/{id}", adminUpdateAppointmentHandler(cfg.Booking))
			r.Delete("/{id}", deleteAppointmentHandler(cfg.Booking))
		})
	})

	r.Route("/queue/tickets", func(r chi.Router) {
		r.Post("/", joinQueueHandler(cfg.Queue))
		r.Get("/", listTicketsHandler(cfg.Queue))
		r.Get("/{id}", getTicketHandler(cfg.Queue))
		r.Patch("/{id}/status", updateTicketStatusHandler(cfg.Queue))

		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Patch("/{id}/position", repositionTicketHandler(cfg.Queue))
		})
	})

	return r
}
