package models

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is a value-typed event recorded on an aggregate and drained
// by the use case after a successful persistence step.
type DomainEvent interface {
	EventType() string
	AggregateID() uuid.UUID
	// ToDict projects the event for serialisation onto the event bus
	ToDict() map[string]interface{}
}

// TaskCreated is emitted when a task is created
type TaskCreated struct {
	TaskID     uuid.UUID
	Title      string
	OccurredAt time.Time
}

func (e TaskCreated) EventType() string      { return "task.created" }
func (e TaskCreated) AggregateID() uuid.UUID { return e.TaskID }
func (e TaskCreated) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"event_type":  e.EventType(),
		"task_id":     e.TaskID.String(),
		"title":       e.Title,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// TaskUpdated is emitted when a task field changes
type TaskUpdated struct {
	TaskID     uuid.UUID
	FieldName  string
	OldValue   interface{}
	NewValue   interface{}
	Metadata   map[string]interface{}
	OccurredAt time.Time
}

func (e TaskUpdated) EventType() string      { return "task.updated" }
func (e TaskUpdated) AggregateID() uuid.UUID { return e.TaskID }
func (e TaskUpdated) ToDict() map[string]interface{} {
	d := map[string]interface{}{
		"event_type":  e.EventType(),
		"task_id":     e.TaskID.String(),
		"field_name":  e.FieldName,
		"old_value":   e.OldValue,
		"new_value":   e.NewValue,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if len(e.Metadata) > 0 {
		d["metadata"] = e.Metadata
	}
	return d
}

// TaskRetrieved is emitted when a task is read through the facade
type TaskRetrieved struct {
	TaskID     uuid.UUID
	OccurredAt time.Time
}

func (e TaskRetrieved) EventType() string      { return "task.retrieved" }
func (e TaskRetrieved) AggregateID() uuid.UUID { return e.TaskID }
func (e TaskRetrieved) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"event_type":  e.EventType(),
		"task_id":     e.TaskID.String(),
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// TaskDeleted is emitted when a task is deleted
type TaskDeleted struct {
	TaskID     uuid.UUID
	OccurredAt time.Time
}

func (e TaskDeleted) EventType() string      { return "task.deleted" }
func (e TaskDeleted) AggregateID() uuid.UUID { return e.TaskID }
func (e TaskDeleted) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"event_type":  e.EventType(),
		"task_id":     e.TaskID.String(),
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// ProgressUpdated is emitted when a progress snapshot is appended
type ProgressUpdated struct {
	TaskID       uuid.UUID
	ProgressType ProgressType
	Percentage   int
	OccurredAt   time.Time
}

func (e ProgressUpdated) EventType() string      { return "task.progress_updated" }
func (e ProgressUpdated) AggregateID() uuid.UUID { return e.TaskID }
func (e ProgressUpdated) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"event_type":    e.EventType(),
		"task_id":       e.TaskID.String(),
		"progress_type": string(e.ProgressType),
		"percentage":    e.Percentage,
		"occurred_at":   e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// ProgressMilestoneReached fires exactly once per milestone per task
type ProgressMilestoneReached struct {
	TaskID     uuid.UUID
	Milestone  string
	Threshold  int
	OccurredAt time.Time
}

func (e ProgressMilestoneReached) EventType() string      { return "task.milestone_reached" }
func (e ProgressMilestoneReached) AggregateID() uuid.UUID { return e.TaskID }
func (e ProgressMilestoneReached) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"event_type":  e.EventType(),
		"task_id":     e.TaskID.String(),
		"milestone":   e.Milestone,
		"threshold":   e.Threshold,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// ProgressTypeCompleted fires when a progress type first reaches 100
type ProgressTypeCompleted struct {
	TaskID       uuid.UUID
	ProgressType ProgressType
	OccurredAt   time.Time
}

func (e ProgressTypeCompleted) EventType() string      { return "task.progress_type_completed" }
func (e ProgressTypeCompleted) AggregateID() uuid.UUID { return e.TaskID }
func (e ProgressTypeCompleted) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"event_type":    e.EventType(),
		"task_id":       e.TaskID.String(),
		"progress_type": string(e.ProgressType),
		"occurred_at":   e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// eventRecorder buffers domain events on an aggregate until the use case
// drains them after persistence.
type eventRecorder struct {
	pending []DomainEvent
}

func (r *eventRecorder) record(e DomainEvent) {
	r.pending = append(r.pending, e)
}

// Pending returns the buffered events without draining them
func (r *eventRecorder) Pending() []DomainEvent {
	return r.pending
}

// DrainEvents returns and clears the buffered events
func (r *eventRecorder) DrainEvents() []DomainEvent {
	events := r.pending
	r.pending = nil
	return events
}
