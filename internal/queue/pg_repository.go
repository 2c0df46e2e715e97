package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db   querier
	pool *pgxpool.Pool // nil when transaction-bound
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool, pool: pool}
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PgRepository{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const ticketColumns = `id, user_id, service_id, slot_id, status, position, desired_from, desired_to, notified_at, expires_at, notes, created_at, updated_at`

func scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket

	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.ServiceID,
		&t.SlotID,
		&t.Status,
		&t.Position,
		&t.DesiredFrom,
		&t.DesiredTo,
		&t.NotifiedAt,
		&t.ExpiresAt,
		&t.Notes,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}

	return &t, nil
}

func collectTickets(rows pgx.Rows) ([]Ticket, error) {
	var result []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) GetTicket(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM queue_tickets
		WHERE id = $1
	`, id)
	return scanTicket(row)
}

func (r *PgRepository) CreateTicket(ctx context.Context, t *Ticket) error {
	row := r.db.QueryRow(ctx, `
		INSERT INTO queue_tickets (id, user_id, service_id, slot_id, status, position, desired_from, desired_to, notified_at, expires_at, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.ServiceID, t.SlotID, t.Status, t.Position, t.DesiredFrom, t.DesiredTo, t.NotifiedAt, t.ExpiresAt, t.Notes)

	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("insert queue ticket: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateTicket(ctx context.Context, t *Ticket) error {
	row := r.db.QueryRow(ctx, `
		UPDATE queue_tickets
		SET status = $2,
		    position = $3,
		    notified_at = $4,
		    expires_at = $5,
		    notes = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, t.ID, t.Status, t.Position, t.NotifiedAt, t.ExpiresAt, t.Notes)

	if err := row.Scan(&t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTicketNotFound
		}
		return err
	}
	return nil
}

func (r *PgRepository) SetPosition(ctx context.Context, id uuid.UUID, position int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE queue_tickets
		SET position = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, position)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (r *PgRepository) CountWaiting(ctx context.Context, scope Scope) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM queue_tickets
		WHERE service_id = $1
		  AND slot_id IS NOT DISTINCT FROM $2
		  AND status = 'waiting'
	`, scope.ServiceID, scope.SlotID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PgRepository) ListWaiting(ctx context.Context, scope Scope) ([]Ticket, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM queue_tickets
		WHERE service_id = $1
		  AND slot_id IS NOT DISTINCT FROM $2
		  AND status = 'waiting'
		ORDER BY position ASC, created_at ASC
	`, scope.ServiceID, scope.SlotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTickets(rows)
}

func (r *PgRepository) FirstWaiting(ctx context.Context, scope Scope) (*Ticket, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM queue_tickets
		WHERE service_id = $1
		  AND slot_id IS NOT DISTINCT FROM $2
		  AND status = 'waiting'
		ORDER BY position ASC, created_at ASC
		LIMIT 1
	`, scope.ServiceID, scope.SlotID)
	return scanTicket(row)
}

func (r *PgRepository) FindExpiredNotified(ctx context.Context, now time.Time) ([]Ticket, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM queue_tickets
		WHERE status = 'notified'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTickets(rows)
}

func (r *PgRepository) ListByService(ctx context.Context, serviceID uuid.UUID, limit, offset int) ([]Ticket, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM queue_tickets
		WHERE service_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, serviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTickets(rows)
}
