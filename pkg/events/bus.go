// Package events delivers domain events drained from the aggregates to
// in-process subscribers. Delivery is synchronous and best-effort; a
// failing handler never blocks the publishing service.
package events

import (
	"context"
	"sync"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// AllEvents subscribes a handler to every event type
const AllEvents = "*"

// Handler processes one delivered event
type Handler func(ctx context.Context, event models.DomainEvent)

// Bus fans events out to subscribers keyed by event type
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   observability.Logger
}

// NewBus creates an empty bus
func NewBus(logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type, or for every event via
// AllEvents
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers each event to its type's subscribers and to the
// wildcard subscribers. Implements the publisher seam the services expect.
func (b *Bus) Publish(ctx context.Context, evts []models.DomainEvent) {
	for _, e := range evts {
		b.mu.RLock()
		handlers := make([]Handler, 0, len(b.handlers[e.EventType()])+len(b.handlers[AllEvents]))
		handlers = append(handlers, b.handlers[e.EventType()]...)
		handlers = append(handlers, b.handlers[AllEvents]...)
		b.mu.RUnlock()

		for _, h := range handlers {
			b.deliver(ctx, h, e)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, e models.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", map[string]interface{}{
				"event_type": e.EventType(),
				"panic":      r,
			})
		}
	}()
	h(ctx, e)
}

// LoggingHandler writes one structured log line per event
func LoggingHandler(logger observability.Logger) Handler {
	return func(_ context.Context, e models.DomainEvent) {
		logger.Info(e.EventType(), e.ToDict())
	}
}
