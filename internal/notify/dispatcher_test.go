package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublish_DeliversInOrderToAllSubscribers(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var first, second []EventType
	d.Subscribe(SubscriberFunc(func(ctx context.Context, ev Event) error {
		first = append(first, ev.Type)
		return nil
	}))
	d.Subscribe(SubscriberFunc(func(ctx context.Context, ev Event) error {
		second = append(second, ev.Type)
		return nil
	}))

	d.Publish(context.Background(),
		NewEvent(EventAppointmentBooked, nil),
		NewEvent(EventAppointmentCancelled, nil),
		NewEvent(EventTicketNotified, nil),
	)

	want := []EventType{EventAppointmentBooked, EventAppointmentCancelled, EventTicketNotified}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

func TestPublish_SubscriberErrorDoesNotStopFanout(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	d.Subscribe(SubscriberFunc(func(ctx context.Context, ev Event) error {
		return errors.New("delivery failed")
	}))

	var delivered []EventType
	d.Subscribe(SubscriberFunc(func(ctx context.Context, ev Event) error {
		delivered = append(delivered, ev.Type)
		return nil
	}))

	d.Publish(context.Background(), NewEvent(EventTicketUpdated, nil))
	assert.Equal(t, []EventType{EventTicketUpdated}, delivered)
}

func TestPublish_ConcurrentPublishersStayOrderedPerBatch(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	var mu sync.Mutex
	var seen []string
	d.Subscribe(SubscriberFunc(func(ctx context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Payload["marker"].(string))
		return nil
	}))

	const publishers = 10
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.Publish(context.Background(),
				NewEvent(EventAppointmentCancelled, map[string]any{"marker": fmt.Sprintf("%d-cancel", n)}),
				NewEvent(EventTicketNotified, map[string]any{"marker": fmt.Sprintf("%d-notify", n)}),
			)
		}(i)
	}
	wg.Wait()

	require.Len(t, seen, publishers*2)

	// a batch is never interleaved with another: each cancel is immediately
	// followed by its own notify
	for i := 0; i < len(seen); i += 2 {
		cancel, notifyMark := seen[i], seen[i+1]
		assert.Equal(t, cancel[:len(cancel)-len("cancel")]+"notify", notifyMark)
	}
}

func TestNewEvent_StampsOccurrence(t *testing.T) {
	before := time.Now()
	ev := NewEvent(EventAppointmentBooked, map[string]any{"k": "v"})

	assert.Equal(t, EventAppointmentBooked, ev.Type)
	assert.Equal(t, "v", ev.Payload["k"])
	assert.False(t, ev.OccurredAt.Before(before))
	assert.False(t, ev.OccurredAt.After(time.Now()))
}
