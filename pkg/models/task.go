package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/errors"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusTesting    TaskStatus = "testing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// taskTransitions declares the legal status transitions. done and
// cancelled are terminal; reopening is only supported on subtasks.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:       {TaskStatusInProgress, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusReview, TaskStatusTesting, TaskStatusBlocked, TaskStatusDone, TaskStatusCancelled},
	TaskStatusReview:     {TaskStatusInProgress, TaskStatusTesting, TaskStatusBlocked, TaskStatusDone, TaskStatusCancelled},
	TaskStatusTesting:    {TaskStatusInProgress, TaskStatusReview, TaskStatusBlocked, TaskStatusDone, TaskStatusCancelled},
	TaskStatusBlocked:    {TaskStatusTodo, TaskStatusInProgress, TaskStatusReview, TaskStatusTesting, TaskStatusCancelled},
	TaskStatusDone:       {},
	TaskStatusCancelled:  {},
}

// ValidTaskStatus reports whether s is a declared status
func ValidTaskStatus(s TaskStatus) bool {
	_, ok := taskTransitions[s]
	return ok
}

// TaskPriority represents the urgency of a task
type TaskPriority string

const (
	TaskPriorityCritical TaskPriority = "critical"
	TaskPriorityUrgent   TaskPriority = "urgent"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityLow      TaskPriority = "low"
)

// ValidTaskPriority reports whether p is a declared priority
func ValidTaskPriority(p TaskPriority) bool {
	switch p {
	case TaskPriorityCritical, TaskPriorityUrgent, TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
		return true
	}
	return false
}

// ProgressState is derived from (status, overall_progress) and never set
// independently.
type ProgressState string

const (
	ProgressStateInitial    ProgressState = "initial"
	ProgressStateInProgress ProgressState = "in_progress"
	ProgressStateComplete   ProgressState = "complete"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
)

// Task is a unit of work owned by a branch. It buffers domain events which
// the use case drains after persistence.
type Task struct {
	ID       uuid.UUID  `json:"id" db:"id"`
	BranchID uuid.UUID  `json:"branch_id" db:"branch_id"`
	UserID   string     `json:"user_id" db:"user_id"`
	Title    string     `json:"title" db:"title"`
	Description string  `json:"description" db:"description"`
	Status   TaskStatus `json:"status" db:"status"`
	// PriorStatus remembers the active state to return to when blockers
	// clear
	PriorStatus *TaskStatus  `json:"prior_status,omitempty" db:"prior_status"`
	Priority    TaskPriority `json:"priority" db:"priority"`

	Details         string     `json:"details" db:"details"`
	EstimatedEffort string     `json:"estimated_effort" db:"estimated_effort"`
	DueDate         *time.Time `json:"due_date,omitempty" db:"due_date"`

	// ContextID points at the last known good resolved context; cleared by
	// content-bearing mutations
	ContextID *uuid.UUID `json:"context_id,omitempty" db:"context_id"`

	OverallProgress int           `json:"overall_progress" db:"overall_progress"`
	ProgressState   ProgressState `json:"progress_state" db:"progress_state"`

	Assignees    StringList `json:"assignees" db:"assignees"`
	Labels       StringList `json:"labels" db:"labels"`
	Dependencies UUIDList   `json:"dependencies" db:"dependencies"`

	CompletionSummary string `json:"completion_summary" db:"completion_summary"`
	TestingNotes      string `json:"testing_notes" db:"testing_notes"`

	Timestamps

	// Loaded collaborators, not stored on the task row
	Timeline   *ProgressTimeline `json:"timeline,omitempty" db:"-"`
	SubtaskIDs UUIDList          `json:"subtask_ids,omitempty" db:"-"`

	eventRecorder `json:"-" db:"-"`
}

// NewTask creates a task in todo status, validating title and description
// bounds and the assignee list against the role registry.
func NewTask(userID string, branchID uuid.UUID, title, description string, assignees []string) (*Task, error) {
	if len(title) == 0 || len(title) > maxTitleLength {
		return nil, errors.Validation("title", "title must be 1-%d characters, got %d", maxTitleLength, len(title))
	}
	if len(description) == 0 {
		return nil, errors.Validation("description", "description is required")
	}
	if len(description) > maxDescriptionLength {
		return nil, errors.Validation("description", "description must be at most %d characters, got %d", maxDescriptionLength, len(description))
	}
	if branchID == uuid.Nil {
		return nil, errors.Validation("git_branch_id", "git_branch_id is required")
	}
	normalized, err := ValidateAssigneeList(assignees)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return nil, errors.Validation("assignees", "at least one assignee is required")
	}

	t := &Task{
		ID:            uuid.New(),
		BranchID:      branchID,
		UserID:        userID,
		Title:         title,
		Description:   description,
		Status:        TaskStatusTodo,
		Priority:      TaskPriorityMedium,
		ProgressState: ProgressStateInitial,
		Assignees:     normalized,
		Timeline:      nil,
	}
	t.InitTimestamps()
	t.Timeline = NewProgressTimeline(t.ID)
	t.record(TaskCreated{TaskID: t.ID, Title: title, OccurredAt: t.CreatedAt})
	return t, nil
}

// CanTransitionTo reports whether the status machine permits moving to
// target from the current status.
func (t *Task) CanTransitionTo(target TaskStatus) bool {
	for _, allowed := range taskTransitions[t.Status] {
		if allowed == target {
			return true
		}
	}
	return false
}

// TransitionStatus moves the task through the status machine. Status-only
// updates preserve context_id. Entering blocked remembers the prior active
// state; leaving blocked must return to it (or cancel).
func (t *Task) TransitionStatus(target TaskStatus) error {
	if !ValidTaskStatus(target) {
		return errors.Validation("status", "unknown status: %q", target)
	}
	if target == t.Status {
		return nil
	}
	if !t.CanTransitionTo(target) {
		return errors.New(errors.CodeValidation, "illegal status transition %s -> %s for task %s", t.Status, target, t.ID)
	}

	old := t.Status
	if target == TaskStatusBlocked {
		prior := t.Status
		t.PriorStatus = &prior
	} else if old == TaskStatusBlocked {
		t.PriorStatus = nil
	}

	t.Status = target
	t.refreshProgressState()
	t.Touch()
	t.record(TaskUpdated{
		TaskID: t.ID, FieldName: "status",
		OldValue: string(old), NewValue: string(target),
		OccurredAt: t.UpdatedAt,
	})
	return nil
}

// Unblock returns a blocked task to the state it was in when the blocker
// was recorded.
func (t *Task) Unblock() error {
	if t.Status != TaskStatusBlocked {
		return errors.New(errors.CodeValidation, "task %s is not blocked", t.ID)
	}
	target := TaskStatusTodo
	if t.PriorStatus != nil {
		target = *t.PriorStatus
	}
	return t.TransitionStatus(target)
}

// SetPriority updates the priority. Priority-only updates preserve
// context_id.
func (t *Task) SetPriority(p TaskPriority) error {
	if !ValidTaskPriority(p) {
		return errors.Validation("priority", "unknown priority: %q", p)
	}
	if p == t.Priority {
		return nil
	}
	old := t.Priority
	t.Priority = p
	t.Touch()
	t.record(TaskUpdated{
		TaskID: t.ID, FieldName: "priority",
		OldValue: string(old), NewValue: string(p),
		OccurredAt: t.UpdatedAt,
	})
	return nil
}

// UpdateTitle changes the title and clears the context pointer
func (t *Task) UpdateTitle(title string) error {
	if len(title) == 0 || len(title) > maxTitleLength {
		return errors.Validation("title", "title must be 1-%d characters, got %d", maxTitleLength, len(title))
	}
	old := t.Title
	t.Title = title
	t.invalidateContext("title", old, title)
	return nil
}

// UpdateDescription changes the description and clears the context pointer
func (t *Task) UpdateDescription(description string) error {
	if len(description) == 0 {
		return errors.Validation("description", "description is required")
	}
	if len(description) > maxDescriptionLength {
		return errors.Validation("description", "description must be at most %d characters, got %d", maxDescriptionLength, len(description))
	}
	old := t.Description
	t.Description = description
	t.invalidateContext("description", old, description)
	return nil
}

// UpdateDetails changes the free-form details and clears the context pointer
func (t *Task) UpdateDetails(details string) {
	old := t.Details
	t.Details = details
	t.invalidateContext("details", old, details)
}

// SetEstimatedEffort records the effort estimate and clears the context
// pointer
func (t *Task) SetEstimatedEffort(effort string) {
	old := t.EstimatedEffort
	t.EstimatedEffort = effort
	t.invalidateContext("estimated_effort", old, effort)
}

// SetAssignees replaces the assignee list using the lenient normalisation
// path (unknown handles are preserved) and clears the context pointer.
func (t *Task) SetAssignees(raw []string) error {
	normalized := NormalizeAssignees(raw)
	if len(normalized) == 0 {
		return errors.Validation("assignees", "at least one assignee is required")
	}
	old := append(StringList(nil), t.Assignees...)
	t.Assignees = normalized
	t.invalidateContext("assignees", []string(old), []string(normalized))
	return nil
}

// SetLabels replaces the labels and clears the context pointer
func (t *Task) SetLabels(labels []string) {
	old := append(StringList(nil), t.Labels...)
	t.Labels = StringList(labels)
	t.invalidateContext("labels", []string(old), labels)
}

// SetDueDate changes the due date and clears the context pointer
func (t *Task) SetDueDate(due *time.Time) {
	old := t.DueDate
	t.DueDate = due
	t.invalidateContext("due_date", old, due)
}

// SetContextID records the pointer to a freshly resolved context
func (t *Task) SetContextID(id uuid.UUID) {
	t.ContextID = &id
	t.Touch()
}

// AddDependency records a same-tree dependency on another task. Self and
// immediate cycles are rejected.
func (t *Task) AddDependency(other *Task) error {
	if other.ID == t.ID {
		return errors.New(errors.CodeDependencyCycle, "task %s cannot depend on itself", t.ID)
	}
	if other.Dependencies.Contains(t.ID) {
		return errors.New(errors.CodeDependencyCycle, "dependency cycle between %s and %s", t.ID, other.ID)
	}
	if t.Dependencies.Contains(other.ID) {
		return nil
	}
	t.Dependencies = append(t.Dependencies, other.ID)
	t.invalidateContext("dependencies", nil, other.ID.String())
	return nil
}

// RecordProgress appends a snapshot to the timeline, recomputes the overall
// progress, and fires milestone and type-completion events. Appending
// progress is content-bearing and clears the context pointer.
func (t *Task) RecordProgress(s ProgressSnapshot, subtaskPercentages []int) error {
	if !ValidProgressType(s.ProgressType) {
		return errors.Validation("progress_type", "unknown progress type: %q", s.ProgressType)
	}
	if s.Percentage < 0 || s.Percentage > 100 {
		return errors.Validation("percentage", "percentage must be 0-100, got %d", s.Percentage)
	}
	if t.Timeline == nil {
		t.Timeline = NewProgressTimeline(t.ID)
	}

	previous := t.Timeline.LatestByType()[s.ProgressType]

	s.TaskID = t.ID
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	t.Timeline.Append(s)

	t.RecomputeProgress(subtaskPercentages)
	t.ContextID = nil
	t.Touch()

	t.record(ProgressUpdated{
		TaskID: t.ID, ProgressType: s.ProgressType, Percentage: s.Percentage,
		OccurredAt: t.UpdatedAt,
	})
	if previous < 100 && s.Percentage == 100 {
		t.record(ProgressTypeCompleted{TaskID: t.ID, ProgressType: s.ProgressType, OccurredAt: t.UpdatedAt})
	}
	t.emitMilestones()
	return nil
}

// RecomputeProgress derives overall_progress from the timeline and subtask
// percentages: the average of both aggregates when both exist, otherwise
// whichever exists.
func (t *Task) RecomputeProgress(subtaskPercentages []int) {
	timelineOverall := -1
	if t.Timeline != nil && len(t.Timeline.Snapshots) > 0 {
		timelineOverall = t.Timeline.Overall()
	}
	subtaskOverall := -1
	if len(subtaskPercentages) > 0 {
		sum := 0
		for _, p := range subtaskPercentages {
			sum += p
		}
		subtaskOverall = sum / len(subtaskPercentages)
	}

	switch {
	case timelineOverall >= 0 && subtaskOverall >= 0:
		t.OverallProgress = (timelineOverall + subtaskOverall) / 2
	case timelineOverall >= 0:
		t.OverallProgress = timelineOverall
	case subtaskOverall >= 0:
		t.OverallProgress = subtaskOverall
	}
	t.refreshProgressState()
}

// emitMilestones fires ProgressMilestoneReached once per milestone,
// inspecting the pending buffer to suppress duplicates within one flush.
func (t *Task) emitMilestones() {
	if t.Timeline == nil {
		return
	}
	already := make(map[string]struct{})
	for _, e := range t.Pending() {
		if m, ok := e.(ProgressMilestoneReached); ok {
			already[m.Milestone] = struct{}{}
		}
	}
	for _, name := range t.Timeline.ReachedMilestones(t.OverallProgress) {
		if _, dup := already[name]; dup {
			continue
		}
		t.record(ProgressMilestoneReached{
			TaskID: t.ID, Milestone: name, Threshold: t.Timeline.Milestones[name],
			OccurredAt: time.Now().UTC(),
		})
	}
}

// refreshProgressState derives progress_state from (status, overall)
func (t *Task) refreshProgressState() {
	t.ProgressState = DeriveProgressState(t.Status, t.OverallProgress)
}

// DeriveProgressState maps (status, overall_progress) onto the derived
// progress state.
func DeriveProgressState(status TaskStatus, overall int) ProgressState {
	switch {
	case status == TaskStatusDone:
		return ProgressStateComplete
	case overall == 0 && status == TaskStatusTodo:
		return ProgressStateInitial
	case overall > 0 || status == TaskStatusInProgress:
		// 100% alone is not complete; completion flips the status.
		return ProgressStateInProgress
	default:
		return ProgressStateInitial
	}
}

// Complete transitions the task to done. Preconditions: a non-empty
// completion summary, every subtask completed, and — when the caller
// supplies the timestamp of its last context resolution — a context that is
// not stale relative to the task's own updated_at.
func (t *Task) Complete(summary, testingNotes string, contextUpdatedAt *time.Time, allSubtasksDone bool) error {
	if summary == "" {
		return errors.New(errors.CodeMissingCompletionSummary,
			"completion_summary is required to complete task %s", t.ID)
	}
	if !allSubtasksDone {
		return errors.New(errors.CodeValidation,
			"task %s has incomplete subtasks", t.ID)
	}
	// A caller-supplied resolution timestamp is stale when the task mutated
	// after it. A cleared context pointer means a mutation already
	// invalidated whatever the caller resolved.
	if contextUpdatedAt != nil && (t.ContextID == nil || !contextUpdatedAt.After(t.UpdatedAt)) {
		lag := t.UpdatedAt.Sub(*contextUpdatedAt)
		if lag < 0 {
			lag = 0
		}
		return errors.New(errors.CodeStaleContext,
			"context for task %s is stale by %.0f seconds; record progress and retry", t.ID, lag.Seconds()).
			WithDetail("task_id", t.ID.String()).
			WithDetail("lag_seconds", lag.Seconds())
	}
	if t.Status == TaskStatusDone {
		return nil
	}
	if !t.CanTransitionTo(TaskStatusDone) {
		return errors.New(errors.CodeValidation,
			"illegal status transition %s -> done for task %s", t.Status, t.ID)
	}

	old := t.Status
	t.Status = TaskStatusDone
	t.PriorStatus = nil
	t.CompletionSummary = summary
	t.TestingNotes = testingNotes
	t.OverallProgress = 100
	t.ProgressState = ProgressStateComplete
	t.Touch()
	t.record(TaskUpdated{
		TaskID: t.ID, FieldName: "status",
		OldValue: string(old), NewValue: string(TaskStatusDone),
		Metadata:   map[string]interface{}{"completion_summary": summary},
		OccurredAt: t.UpdatedAt,
	})
	return nil
}

// MarkRetrieved records a TaskRetrieved event for the read path
func (t *Task) MarkRetrieved() {
	t.record(TaskRetrieved{TaskID: t.ID, OccurredAt: time.Now().UTC()})
}

// MarkDeleted records a TaskDeleted event before removal
func (t *Task) MarkDeleted() {
	t.record(TaskDeleted{TaskID: t.ID, OccurredAt: time.Now().UTC()})
}

// invalidateContext clears the context pointer, bumps updated_at, and
// records the field change. Content-bearing mutations route through here.
func (t *Task) invalidateContext(field string, old, new interface{}) {
	t.ContextID = nil
	t.Touch()
	t.record(TaskUpdated{
		TaskID: t.ID, FieldName: field,
		OldValue: old, NewValue: new,
		OccurredAt: t.UpdatedAt,
	})
}

// IsTerminal reports whether the task is done or cancelled
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusDone || t.Status == TaskStatusCancelled
}
