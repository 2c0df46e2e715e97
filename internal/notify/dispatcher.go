package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Subscriber consumes published events. Handle errors are logged by the
// dispatcher and never propagated to the caller.
type Subscriber interface {
	Handle(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to subscribers in process. Publish is called
// strictly after the triggering transaction commits; a failed publish never
// rolls anything back. A single mutex keeps fan-out ordered: events produced
// by one operation reach every subscriber in generation order.
type Dispatcher struct {
	mu   sync.Mutex
	subs []Subscriber
	log  *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

func (d *Dispatcher) Subscribe(s Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, s)
}

// Publish delivers events in order. Best effort: if the process dies between
// commit and publish the events are lost, there is no outbox.
func (d *Dispatcher) Publish(ctx context.Context, events ...Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ev := range events {
		for _, s := range d.subs {
			if err := s.Handle(ctx, ev); err != nil {
				d.log.Warn("event subscriber failed",
					zap.String("event_type", string(ev.Type)),
					zap.Error(err),
				)
			}
		}
	}
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, ev Event) error

func (f SubscriberFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
