package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careq/appointment-booking/internal/queue"
)

// memTicketRepo is a minimal in-memory queue.Repository, enough to drive the
// real queue service as the booking engine's waitlist promoter.
type memTicketRepo struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]*queue.Ticket
}

func newMemTicketRepo() *memTicketRepo {
	return &memTicketRepo{tickets: make(map[uuid.UUID]*queue.Ticket)}
}

func (m *memTicketRepo) WithTx(ctx context.Context, fn func(queue.Repository) error) error {
	return fn(m)
}

func (m *memTicketRepo) GetTicket(ctx context.Context, id uuid.UUID) (*queue.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, queue.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTicketRepo) CreateTicket(ctx context.Context, t *queue.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *memTicketRepo) UpdateTicket(ctx context.Context, t *queue.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.ID]; !ok {
		return queue.ErrTicketNotFound
	}
	t.UpdatedAt = time.Now()
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *memTicketRepo) SetPosition(ctx context.Context, id uuid.UUID, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return queue.ErrTicketNotFound
	}
	t.Position = position
	return nil
}

func (m *memTicketRepo) waiting(scope queue.Scope) []queue.Ticket {
	var out []queue.Ticket
	for _, t := range m.tickets {
		if t.Status != queue.StatusWaiting || t.ServiceID != scope.ServiceID {
			continue
		}
		if (t.SlotID == nil) != (scope.SlotID == nil) {
			continue
		}
		if t.SlotID != nil && *t.SlotID != *scope.SlotID {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *memTicketRepo) CountWaiting(ctx context.Context, scope queue.Scope) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting(scope)), nil
}

func (m *memTicketRepo) ListWaiting(ctx context.Context, scope queue.Scope) ([]queue.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting(scope), nil
}

func (m *memTicketRepo) FirstWaiting(ctx context.Context, scope queue.Scope) (*queue.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.waiting(scope)
	if len(w) == 0 {
		return nil, queue.ErrTicketNotFound
	}
	return &w[0], nil
}

func (m *memTicketRepo) FindExpiredNotified(ctx context.Context, now time.Time) ([]queue.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queue.Ticket
	for _, t := range m.tickets {
		if t.Status == queue.StatusNotified && t.ExpiresAt != nil && t.ExpiresAt.Before(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTicketRepo) ListByService(ctx context.Context, serviceID uuid.UUID, limit, offset int) ([]queue.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []queue.Ticket
	for _, t := range m.tickets {
		if t.ServiceID == serviceID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
