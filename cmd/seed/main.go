package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careq/appointment-booking/internal/db"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS appointment_slots (
		id UUID PRIMARY KEY,
		service_id UUID NOT NULL REFERENCES services(id),
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		timezone TEXT NOT NULL,
		capacity INT NOT NULL CHECK (capacity > 0),
		buffer_before_minutes INT NOT NULL DEFAULT 0,
		buffer_after_minutes INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'available',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		service_id UUID NOT NULL REFERENCES services(id),
		slot_id UUID NOT NULL REFERENCES appointment_slots(id),
		queue_ticket_id UUID,
		status TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		timezone TEXT NOT NULL,
		notes TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_slot_active
		ON appointments (slot_id) WHERE status <> 'cancelled'`,
	`CREATE TABLE IF NOT EXISTS queue_tickets (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		service_id UUID NOT NULL REFERENCES services(id),
		slot_id UUID REFERENCES appointment_slots(id),
		status TEXT NOT NULL,
		position INT NOT NULL CHECK (position >= 1),
		desired_from TIMESTAMPTZ,
		desired_to TIMESTAMPTZ,
		notified_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		notes TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_tickets_waiting
		ON queue_tickets (service_id, slot_id, position) WHERE status = 'waiting'`,
	`CREATE TABLE IF NOT EXISTS appointment_status_history (
		id BIGSERIAL PRIMARY KEY,
		appointment_id UUID NOT NULL,
		event TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		notes TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_appointment
		ON appointment_status_history (appointment_id, created_at)`,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := createSchema(context.Background(), pool); err != nil {
		log.Fatalf("create schema: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	serviceIDs, err := seedServices(context.Background(), pool, 20)
	if err != nil {
		log.Fatalf("seed services: %v", err)
	}
	if err := seedSlots(context.Background(), pool, serviceIDs, 14); err != nil {
		log.Fatalf("seed slots: %v", err)
	}

	log.Println("seed complete")
}

func createSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	log.Println("schema ready")
	return nil
}

func seedServices(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d services", count)

	names := []string{
		"General Consultation",
		"Dermatology",
		"Cardiology",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"Physiotherapy",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := names[gofakeit.Number(0, len(names)-1)] + " - " + gofakeit.LastName()

		_, err := tx.Exec(ctx, `
			INSERT INTO services (id, name, created_at, updated_at)
			VALUES ($1, $2, now(), now())
		`, id, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("services seeded")
	return ids, nil
}

func seedSlots(ctx context.Context, pool *pgxpool.Pool, serviceIDs []uuid.UUID, days int) error {
	log.Printf("seeding slots for %d services over %d days", len(serviceIDs), days)

	const batchSize = 500
	tz := "UTC"

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, serviceID := range serviceIDs {
		for day := 0; day < days; day++ {
			base := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, day+1)

			// 9:00 to 17:00 in one-hour windows
			for hour := 9; hour < 17; hour++ {
				start := base.Add(time.Duration(hour) * time.Hour)
				capacity := gofakeit.Number(1, 4)

				_, err := tx.Exec(ctx, `
					INSERT INTO appointment_slots
						(id, service_id, start_at, end_at, timezone, capacity,
						 buffer_before_minutes, buffer_after_minutes, status, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'available', now(), now())
				`, uuid.New(), serviceID, start, start.Add(time.Hour), tz, capacity,
					gofakeit.Number(0, 15), gofakeit.Number(0, 15))
				if err != nil {
					return err
				}

				inserted++
				if inserted%batchSize == 0 {
					if err := tx.Commit(ctx); err != nil {
						return err
					}
					tx, err = pool.Begin(ctx)
					if err != nil {
						return err
					}
					log.Printf("slots seeded: %d", inserted)
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("slots seeded: %d total", inserted)
	return nil
}
