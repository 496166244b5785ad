package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/taskmesh/taskmesh/pkg/models"
)

func TestBusRoutesByEventType(t *testing.T) {
	bus := NewBus(nil)
	var created, completed int
	bus.Subscribe("task.created", func(context.Context, models.DomainEvent) { created++ })
	bus.Subscribe("task.completed", func(context.Context, models.DomainEvent) { completed++ })

	bus.Publish(context.Background(), []models.DomainEvent{
		models.TaskCreated{TaskID: uuid.New(), OccurredAt: time.Now()},
		models.TaskCreated{TaskID: uuid.New(), OccurredAt: time.Now()},
	})

	assert.Equal(t, 2, created)
	assert.Equal(t, 0, completed)
}

func TestWildcardSubscriberSeesEverything(t *testing.T) {
	bus := NewBus(nil)
	var seen []string
	bus.Subscribe(AllEvents, func(_ context.Context, e models.DomainEvent) {
		seen = append(seen, e.EventType())
	})

	bus.Publish(context.Background(), []models.DomainEvent{
		models.TaskCreated{TaskID: uuid.New(), OccurredAt: time.Now()},
	})

	assert.Equal(t, []string{"task.created"}, seen)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)
	var delivered bool
	bus.Subscribe("task.created", func(context.Context, models.DomainEvent) { panic("boom") })
	bus.Subscribe("task.created", func(context.Context, models.DomainEvent) { delivered = true })

	bus.Publish(context.Background(), []models.DomainEvent{
		models.TaskCreated{TaskID: uuid.New(), OccurredAt: time.Now()},
	})

	assert.True(t, delivered)
}
