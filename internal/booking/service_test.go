package booking

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/careq/appointment-booking/internal/config"
	"github.com/careq/appointment-booking/internal/notify"
	"github.com/careq/appointment-booking/internal/queue"
)

// memRepo is an in-memory Repository. Mutations run multi-step sequences
// inside WithTx closures, so the tests need real state rather than mocks.
type memRepo struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]*Slot
	appts   map[uuid.UUID]*Appointment
	history []History
	nextID  int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		slots: make(map[uuid.UUID]*Slot),
		appts: make(map[uuid.UUID]*Appointment),
	}
}

func (m *memRepo) WithTx(ctx context.Context, fn func(Repository) error) error {
	return fn(m)
}

func (m *memRepo) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) ActiveCount(ctx context.Context, slotID uuid.UUID, excludeAppointment *uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.appts {
		if a.SlotID != slotID || !a.Active() {
			continue
		}
		if excludeAppointment != nil && a.ID == *excludeAppointment {
			continue
		}
		count++
	}
	return count, nil
}

func (m *memRepo) SetSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	s.Status = status
	return nil
}

func (m *memRepo) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) CreateAppointment(ctx context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *memRepo) UpdateAppointment(ctx context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	a.UpdatedAt = time.Now()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *memRepo) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appts[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.appts, id)
	kept := m.history[:0]
	for _, h := range m.history {
		if h.AppointmentID != id {
			kept = append(kept, h)
		}
	}
	m.history = kept
	return nil
}

func (m *memRepo) ListAppointmentsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) ListAppointmentsBySlot(ctx context.Context, slotID uuid.UUID) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.SlotID == slotID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memRepo) AppendHistory(ctx context.Context, h *History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h.ID = m.nextID
	h.CreatedAt = time.Now()
	m.history = append(m.history, *h)
	return nil
}

func (m *memRepo) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []History
	for _, h := range m.history {
		if h.AppointmentID == appointmentID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) addSlot(serviceID uuid.UUID, capacity int, status SlotStatus) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	s := &Slot{
		ID:        uuid.New(),
		ServiceID: serviceID,
		StartAt:   start,
		EndAt:     start.Add(time.Hour),
		Timezone:  "UTC",
		Capacity:  capacity,
		Status:    status,
	}
	m.slots[s.ID] = s
	return s
}

type mutexLocker struct {
	mu sync.Mutex
}

func (l *mutexLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) Handle(ctx context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type stubPromoter struct {
	mu    sync.Mutex
	calls []uuid.UUID // slot IDs
}

func (p *stubPromoter) PromoteNext(ctx context.Context, serviceID, slotID uuid.UUID) (*queue.Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, slotID)
	return nil, nil
}

func newTestService(t *testing.T) (*Service, *memRepo, *stubPromoter, *eventRecorder) {
	t.Helper()

	repo := newMemRepo()
	recorder := &eventRecorder{}
	dispatcher := notify.NewDispatcher(zap.NewNop())
	dispatcher.Subscribe(recorder)

	promoter := &stubPromoter{}
	svc := NewService(repo, &mutexLocker{}, dispatcher, promoter, zap.NewNop())
	return svc, repo, promoter, recorder
}

func TestBook_SchedulesAndFillsSlot(t *testing.T) {
	svc, repo, _, recorder := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)
	userID := uuid.New()

	appt, err := svc.Book(context.Background(), BookInput{
		ServiceID: serviceID,
		SlotID:    slot.ID,
		UserID:    userID,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, slot.StartAt, appt.ScheduledAt)
	assert.Equal(t, slot.Timezone, appt.Timezone)

	// last seat taken, slot flips to full
	got, err := repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotFull, got.Status)

	rows, err := svc.History(context.Background(), appt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, EventBooked, rows[0].Event)
	assert.Nil(t, rows[0].FromStatus)
	assert.Equal(t, StatusScheduled, rows[0].ToStatus)

	assert.Equal(t, []notify.EventType{notify.EventAppointmentBooked}, recorder.types())
}

func TestBook_SlotBelowCapacityStaysAvailable(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 3, SlotAvailable)

	_, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	got, err := repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, got.Status)
}

func TestBook_CapacityExceeded(t *testing.T) {
	svc, repo, _, recorder := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	_, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	_, err = svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// the rejected booking leaves nothing behind
	assert.Len(t, repo.appts, 1)
	assert.Equal(t, []notify.EventType{notify.EventAppointmentBooked}, recorder.types())
}

func TestBook_Rejections(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	serviceID := uuid.New()

	cancelled := repo.addSlot(serviceID, 1, SlotCancelled)
	_, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: cancelled.ID, UserID: uuid.New()})
	assert.ErrorIs(t, err, ErrSlotCancelled)

	other := repo.addSlot(uuid.New(), 1, SlotAvailable)
	_, err = svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: other.ID, UserID: uuid.New()})
	assert.ErrorIs(t, err, ErrServiceMismatch)

	_, err = svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: uuid.New(), UserID: uuid.New()})
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestBook_ConcurrentLastSeat(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Book(context.Background(), BookInput{
				ServiceID: serviceID,
				SlotID:    slot.ID,
				UserID:    uuid.New(),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var booked, rejected int
	for err := range errs {
		if err == nil {
			booked++
		} else {
			require.ErrorIs(t, err, ErrCapacityExceeded)
			rejected++
		}
	}
	assert.Equal(t, 1, booked, "exactly one booking may win the last seat")
	assert.Equal(t, attempts-1, rejected)
}

func TestReschedule_MovesSeatBetweenSlots(t *testing.T) {
	svc, repo, _, recorder := newTestService(t)
	serviceID := uuid.New()
	slotA := repo.addSlot(serviceID, 1, SlotAvailable)
	slotB := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slotA.ID, UserID: uuid.New()})
	require.NoError(t, err)

	moved, err := svc.Reschedule(context.Background(), appt.ID, slotB.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, slotB.ID, moved.SlotID)
	assert.Equal(t, slotB.StartAt, moved.ScheduledAt)

	gotA, err := repo.GetSlot(context.Background(), slotA.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, gotA.Status, "old slot releases its seat")

	gotB, err := repo.GetSlot(context.Background(), slotB.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotFull, gotB.Status, "new slot takes the seat")

	rows, err := svc.History(context.Background(), appt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, EventRescheduled, rows[1].Event)

	assert.Equal(t, []notify.EventType{
		notify.EventAppointmentBooked,
		notify.EventAppointmentRescheduled,
	}, recorder.types())
}

func TestReschedule_SameSlotIsNoop(t *testing.T) {
	svc, repo, _, recorder := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	same, err := svc.Reschedule(context.Background(), appt.ID, slot.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, same.ID)

	rows, err := svc.History(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "a no-op reschedule writes no audit row")
	assert.Equal(t, []notify.EventType{notify.EventAppointmentBooked}, recorder.types())
}

func TestReschedule_Rejections(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	foreign := repo.addSlot(uuid.New(), 1, SlotAvailable)
	_, err = svc.Reschedule(context.Background(), appt.ID, foreign.ID, nil)
	assert.ErrorIs(t, err, ErrServiceMismatch)

	full := repo.addSlot(serviceID, 1, SlotAvailable)
	_, err = svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: full.ID, UserID: uuid.New()})
	require.NoError(t, err)
	_, err = svc.Reschedule(context.Background(), appt.ID, full.ID, nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	require.NoError(t, svc.Cancel(context.Background(), appt.ID, nil))
	target := repo.addSlot(serviceID, 1, SlotAvailable)
	_, err = svc.Reschedule(context.Background(), appt.ID, target.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel_FreesSeatAndPromotesWaitlist(t *testing.T) {
	repo := newMemRepo()
	recorder := &eventRecorder{}
	dispatcher := notify.NewDispatcher(zap.NewNop())
	dispatcher.Subscribe(recorder)
	locker := &mutexLocker{}

	queueSvc := queue.NewService(newMemTicketRepo(), locker, dispatcher,
		config.Config{NotificationWindow: 30 * time.Minute}, zap.NewNop())
	svc := NewService(repo, locker, dispatcher, queueSvc, zap.NewNop())

	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	waiter := uuid.New()
	ticket, err := queueSvc.JoinQueue(context.Background(), queue.JoinInput{
		ServiceID: serviceID,
		SlotID:    &slot.ID,
		UserID:    waiter,
	})
	require.NoError(t, err)
	require.Equal(t, 1, ticket.Position)

	reason := "cannot make it"
	require.NoError(t, svc.Cancel(context.Background(), appt.ID, &reason))

	got, err := repo.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	freedSlot, err := repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, freedSlot.Status)

	promoted, err := queueSvc.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusNotified, promoted.Status)
	require.NotNil(t, promoted.ExpiresAt)

	// cancellation is announced before the promotion it caused
	assert.Equal(t, []notify.EventType{
		notify.EventAppointmentBooked,
		notify.EventAppointmentCancelled,
		notify.EventTicketNotified,
	}, recorder.types())

	rows, err := svc.History(context.Background(), appt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, EventCancelled, rows[1].Event)
	require.NotNil(t, rows[1].Notes)
	assert.Equal(t, reason, *rows[1].Notes)
}

func TestCancel_NoPromotionWhileSeatsRemain(t *testing.T) {
	svc, repo, promoter, _ := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 2, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	// the slot never filled, cancelling frees nothing new
	require.NoError(t, svc.Cancel(context.Background(), appt.ID, nil))
	assert.Empty(t, promoter.calls)
}

func TestCancel_AlreadyCancelled(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), appt.ID, nil))
	err = svc.Cancel(context.Background(), appt.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdminUpdate_CancelWritesSingleAuditRow(t *testing.T) {
	svc, repo, promoter, recorder := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	cancelled := StatusCancelled
	note := "provider closed"
	updated, err := svc.AdminUpdate(context.Background(), appt.ID, AdminUpdateInput{
		Status: &cancelled,
		Notes:  &note,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)

	rows, err := svc.History(context.Background(), appt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, EventCancelled, rows[1].Event)
	require.NotNil(t, rows[1].FromStatus)
	assert.Equal(t, StatusScheduled, *rows[1].FromStatus)

	assert.Equal(t, []notify.EventType{
		notify.EventAppointmentBooked,
		notify.EventAppointmentCancelled,
	}, recorder.types())

	assert.Equal(t, []uuid.UUID{slot.ID}, promoter.calls, "freed seat goes to the waitlist")
}

func TestAdminUpdate_SlotMove(t *testing.T) {
	svc, repo, promoter, recorder := newTestService(t)
	serviceID := uuid.New()
	slotA := repo.addSlot(serviceID, 1, SlotAvailable)
	slotB := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slotA.ID, UserID: uuid.New()})
	require.NoError(t, err)

	updated, err := svc.AdminUpdate(context.Background(), appt.ID, AdminUpdateInput{SlotID: &slotB.ID})
	require.NoError(t, err)
	assert.Equal(t, slotB.ID, updated.SlotID)

	rows, err := svc.History(context.Background(), appt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, EventRescheduled, rows[1].Event)

	assert.Contains(t, recorder.types(), notify.EventAppointmentRescheduled)
	assert.Equal(t, []uuid.UUID{slotA.ID}, promoter.calls, "the vacated slot's waitlist gets the seat")
}

func TestAdminUpdate_TerminalStatusGuard(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	completed := StatusCompleted
	_, err = svc.AdminUpdate(context.Background(), appt.ID, AdminUpdateInput{Status: &completed})
	require.NoError(t, err)

	scheduled := StatusScheduled
	_, err = svc.AdminUpdate(context.Background(), appt.ID, AdminUpdateInput{Status: &scheduled})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDelete_ErasesAppointmentAndHistory(t *testing.T) {
	svc, repo, promoter, _ := newTestService(t)
	serviceID := uuid.New()
	slot := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slot.ID, UserID: uuid.New()})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), appt.ID))

	_, err = repo.GetAppointment(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = svc.History(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	got, err := repo.GetSlot(context.Background(), slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, got.Status)
	assert.Equal(t, []uuid.UUID{slot.ID}, promoter.calls)
}

func TestHistory_OldestFirst(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	serviceID := uuid.New()
	slotA := repo.addSlot(serviceID, 1, SlotAvailable)
	slotB := repo.addSlot(serviceID, 1, SlotAvailable)

	appt, err := svc.Book(context.Background(), BookInput{ServiceID: serviceID, SlotID: slotA.ID, UserID: uuid.New()})
	require.NoError(t, err)
	_, err = svc.Reschedule(context.Background(), appt.ID, slotB.ID, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(context.Background(), appt.ID, nil))

	rows, err := svc.History(context.Background(), appt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, EventBooked, rows[0].Event)
	assert.Equal(t, EventRescheduled, rows[1].Event)
	assert.Equal(t, EventCancelled, rows[2].Event)
}
