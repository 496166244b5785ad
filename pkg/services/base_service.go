// Package services contains the three engines of taskmesh: the
// coordination kernel (project service, assignment engine, conflict
// resolution, session sweeper), the task engine (task and subtask
// services), and the context engine (resolver, inheritance cache,
// delegation service). Services own use-case orchestration; entities own
// the domain rules.
package services

import (
	"context"

	"golang.org/x/time/rate"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// EventPublisher receives domain events drained from an aggregate after a
// successful persistence step. Delivery is a collaborator's concern.
type EventPublisher interface {
	Publish(ctx context.Context, events []models.DomainEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, []models.DomainEvent) {}

// NewNoopPublisher returns a publisher that drops every event
func NewNoopPublisher() EventPublisher {
	return noopPublisher{}
}

// ServiceConfig carries the collaborators every service shares
type ServiceConfig struct {
	Logger      observability.Logger
	Metrics     observability.MetricsClient
	RateLimiter *rate.Limiter
	Events      EventPublisher
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Logger == nil {
		c.Logger = observability.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewNoopMetricsClient()
	}
	if c.Events == nil {
		c.Events = noopPublisher{}
	}
	return c
}

// BaseService provides the shared plumbing embedded by every service
type BaseService struct {
	logger  observability.Logger
	metrics observability.MetricsClient
	limiter *rate.Limiter
	events  EventPublisher
}

func newBaseService(cfg ServiceConfig, prefix string) BaseService {
	cfg = cfg.withDefaults()
	return BaseService{
		logger:  cfg.Logger.WithPrefix(prefix),
		metrics: cfg.Metrics,
		limiter: cfg.RateLimiter,
		events:  cfg.Events,
	}
}

// checkRateLimit rejects the call when the shared limiter is exhausted.
// The rejection is transient; clients may retry.
func (s *BaseService) checkRateLimit() error {
	if s.limiter == nil || s.limiter.Allow() {
		return nil
	}
	err := apperrors.New(apperrors.CodeInternal, "rate limit exceeded, retry later")
	err.Recoverable = true
	return err
}

// publish hands drained domain events to the sink and counts them
func (s *BaseService) publish(ctx context.Context, events []models.DomainEvent) {
	if len(events) == 0 {
		return
	}
	s.events.Publish(ctx, events)
	for _, e := range events {
		s.metrics.IncrementCounterWithLabels("domain_events", 1, map[string]string{
			"event_type": e.EventType(),
		})
	}
}
