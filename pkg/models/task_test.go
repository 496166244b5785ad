package models

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/errors"
)

func newTestTask(t *testing.T) *Task {
	t.Helper()
	task, err := NewTask("user-1", uuid.New(), "Build API", "Implement the REST API", []string{"@coding-agent"})
	require.NoError(t, err)
	task.DrainEvents()
	return task
}

func TestNewTaskValidation(t *testing.T) {
	branchID := uuid.New()

	tests := []struct {
		name        string
		title       string
		description string
		assignees   []string
		wantField   string
	}{
		{"empty title", "", "desc", []string{"@coding-agent"}, "title"},
		{"title too long", strings.Repeat("x", 201), "desc", []string{"@coding-agent"}, "title"},
		{"empty description", "t", "", []string{"@coding-agent"}, "description"},
		{"description too long", "t", strings.Repeat("x", 2001), []string{"@coding-agent"}, "description"},
		{"no assignees", "t", "desc", nil, "assignees"},
		{"unknown assignee", "t", "desc", []string{"@mystery-agent"}, "assignees"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTask("user-1", branchID, tt.title, tt.description, tt.assignees)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeValidation))
			assert.Equal(t, tt.wantField, errors.AsError(err).Details["field"])
		})
	}
}

func TestNewTaskBoundaries(t *testing.T) {
	branchID := uuid.New()

	task, err := NewTask("user-1", branchID, strings.Repeat("x", 200), "desc", []string{"@coding-agent"})
	require.NoError(t, err)
	assert.Equal(t, TaskStatusTodo, task.Status)
	assert.Equal(t, ProgressStateInitial, task.ProgressState)
	assert.False(t, task.UpdatedAt.Before(task.CreatedAt))

	events := task.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "task.created", events[0].EventType())
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{TaskStatusTodo, TaskStatusInProgress, true},
		{TaskStatusTodo, TaskStatusDone, false},
		{TaskStatusInProgress, TaskStatusReview, true},
		{TaskStatusReview, TaskStatusDone, true},
		{TaskStatusTesting, TaskStatusDone, true},
		{TaskStatusDone, TaskStatusTodo, false},
		{TaskStatusCancelled, TaskStatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			task := newTestTask(t)
			task.Status = tt.from
			err := task.TransitionStatus(tt.to)
			if tt.allowed {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, task.Status)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeValidation))
				assert.Equal(t, tt.from, task.Status)
			}
		})
	}
}

func TestBlockedReturnsToPriorState(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))
	require.NoError(t, task.TransitionStatus(TaskStatusReview))

	require.NoError(t, task.TransitionStatus(TaskStatusBlocked))
	require.NotNil(t, task.PriorStatus)
	assert.Equal(t, TaskStatusReview, *task.PriorStatus)

	require.NoError(t, task.Unblock())
	assert.Equal(t, TaskStatusReview, task.Status)
	assert.Nil(t, task.PriorStatus)
}

func TestStatusOnlyUpdatePreservesContext(t *testing.T) {
	task := newTestTask(t)
	ctxID := uuid.New()
	task.SetContextID(ctxID)

	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))
	assert.NotNil(t, task.ContextID)

	require.NoError(t, task.SetPriority(TaskPriorityHigh))
	assert.NotNil(t, task.ContextID)
}

func TestContentMutationsClearContext(t *testing.T) {
	mutations := map[string]func(*Task){
		"title":       func(task *Task) { _ = task.UpdateTitle("New title") },
		"description": func(task *Task) { _ = task.UpdateDescription("New description") },
		"details":     func(task *Task) { task.UpdateDetails("notes") },
		"assignees":   func(task *Task) { _ = task.SetAssignees([]string{"@review-agent"}) },
		"labels":      func(task *Task) { task.SetLabels([]string{"backend"}) },
		"due_date":    func(task *Task) { due := time.Now().UTC(); task.SetDueDate(&due) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			task := newTestTask(t)
			task.SetContextID(uuid.New())
			mutate(task)
			assert.Nil(t, task.ContextID, "mutation %s must clear context_id", name)
		})
	}
}

func TestCompleteRequiresSummary(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))
	require.NoError(t, task.TransitionStatus(TaskStatusReview))

	err := task.Complete("", "", nil, true)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeMissingCompletionSummary))
	assert.Contains(t, err.Error(), task.ID.String())
	assert.Equal(t, TaskStatusReview, task.Status)
}

func TestCompleteHappyPath(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))
	task.DrainEvents()

	require.NoError(t, task.Complete("API built", "unit tests pass", nil, true))
	assert.Equal(t, TaskStatusDone, task.Status)
	assert.Equal(t, 100, task.OverallProgress)
	assert.Equal(t, ProgressStateComplete, task.ProgressState)
	assert.Equal(t, "API built", task.CompletionSummary)

	events := task.DrainEvents()
	require.Len(t, events, 1)
	updated, ok := events[0].(TaskUpdated)
	require.True(t, ok)
	assert.Equal(t, "status", updated.FieldName)
	assert.Equal(t, "API built", updated.Metadata["completion_summary"])
}

func TestCompleteRejectsIncompleteSubtasks(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))

	err := task.Complete("done", "", nil, false)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.Equal(t, TaskStatusInProgress, task.Status)
}

func TestCompleteStaleContext(t *testing.T) {
	task := newTestTask(t)
	task.SetContextID(uuid.New())
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))

	// Content mutation clears the context pointer.
	task.UpdateDetails("changed after resolution")
	require.Nil(t, task.ContextID)

	stale := task.UpdatedAt.Add(-time.Minute)
	err := task.Complete("done", "", &stale, true)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStaleContext))
	assert.Contains(t, err.Error(), task.ID.String())
	assert.NotEqual(t, TaskStatusDone, task.Status)
}

func TestCompleteFreshContextAccepted(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))
	task.SetContextID(uuid.New())

	fresh := task.UpdatedAt.Add(time.Second)
	require.NoError(t, task.Complete("done", "", &fresh, true))
	assert.Equal(t, TaskStatusDone, task.Status)
}

func TestAddDependencyRejectsSelfAndCycle(t *testing.T) {
	a := newTestTask(t)
	b := newTestTask(t)

	err := a.AddDependency(a)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDependencyCycle))

	require.NoError(t, a.AddDependency(b))
	err = b.AddDependency(a)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDependencyCycle))
}

func TestRecordProgressAggregation(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))
	task.DrainEvents()

	require.NoError(t, task.RecordProgress(ProgressSnapshot{
		ProgressType: ProgressTypeImplementation,
		Percentage:   60,
	}, nil))
	assert.Equal(t, 60, task.OverallProgress)
	assert.Equal(t, ProgressStateInProgress, task.ProgressState)
	assert.Nil(t, task.ContextID)

	// Subtasks at 100 average with timeline 60 -> 80.
	task.RecomputeProgress([]int{100})
	assert.Equal(t, 80, task.OverallProgress)
}

func TestRecordProgressValidation(t *testing.T) {
	task := newTestTask(t)

	err := task.RecordProgress(ProgressSnapshot{ProgressType: "sprint", Percentage: 10}, nil)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	err = task.RecordProgress(ProgressSnapshot{ProgressType: ProgressTypeGeneral, Percentage: 101}, nil)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	err = task.RecordProgress(ProgressSnapshot{ProgressType: ProgressTypeGeneral, Percentage: -1}, nil)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	assert.NoError(t, task.RecordProgress(ProgressSnapshot{ProgressType: ProgressTypeGeneral, Percentage: 0}, nil))
	assert.NoError(t, task.RecordProgress(ProgressSnapshot{ProgressType: ProgressTypeGeneral, Percentage: 100}, nil))
}

func TestMilestonesFireOnce(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))
	task.DrainEvents()

	require.NoError(t, task.RecordProgress(ProgressSnapshot{
		ProgressType: ProgressTypeImplementation, Percentage: 30,
	}, nil))
	require.NoError(t, task.RecordProgress(ProgressSnapshot{
		ProgressType: ProgressTypeImplementation, Percentage: 55,
	}, nil))

	milestones := make(map[string]int)
	for _, e := range task.DrainEvents() {
		if m, ok := e.(ProgressMilestoneReached); ok {
			milestones[m.Milestone]++
		}
	}
	assert.Equal(t, 1, milestones["quarter"], "quarter must fire exactly once")
	assert.Equal(t, 1, milestones["half"], "half must fire exactly once")
	assert.Zero(t, milestones["three_quarters"])
}

func TestProgressTypeCompletedEvent(t *testing.T) {
	task := newTestTask(t)
	require.NoError(t, task.TransitionStatus(TaskStatusInProgress))
	task.DrainEvents()

	require.NoError(t, task.RecordProgress(ProgressSnapshot{
		ProgressType: ProgressTypeTesting, Percentage: 100,
	}, nil))

	var completed []ProgressTypeCompleted
	for _, e := range task.DrainEvents() {
		if c, ok := e.(ProgressTypeCompleted); ok {
			completed = append(completed, c)
		}
	}
	require.Len(t, completed, 1)
	assert.Equal(t, ProgressTypeTesting, completed[0].ProgressType)
}

func TestDeriveProgressState(t *testing.T) {
	tests := []struct {
		status  TaskStatus
		overall int
		want    ProgressState
	}{
		{TaskStatusDone, 100, ProgressStateComplete},
		{TaskStatusTodo, 0, ProgressStateInitial},
		{TaskStatusTodo, 40, ProgressStateInProgress},
		{TaskStatusInProgress, 0, ProgressStateInProgress},
		// Full progress alone does not complete; only the done status does.
		{TaskStatusInProgress, 100, ProgressStateInProgress},
		{TaskStatusTodo, 100, ProgressStateInProgress},
		{TaskStatusReview, 0, ProgressStateInitial},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveProgressState(tt.status, tt.overall),
			"status=%s overall=%d", tt.status, tt.overall)
	}
}
