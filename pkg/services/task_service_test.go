package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

type capturedEvents struct {
	events []models.DomainEvent
}

func (c *capturedEvents) Publish(_ context.Context, events []models.DomainEvent) {
	c.events = append(c.events, events...)
}

func newTaskFixture(t *testing.T) (TaskService, *memTaskRepo, *memSubtaskRepo, *capturedEvents) {
	t.Helper()
	tasks := newMemTaskRepo()
	subtasks := newMemSubtaskRepo()
	sink := &capturedEvents{}
	svc := NewTaskService(ServiceConfig{Events: sink}, tasks, subtasks, passTx{}, nil)
	return svc, tasks, subtasks, sink
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	svc, _, _, sink := newTaskFixture(t)
	ctx := context.Background()
	branchID := uuid.New()

	task, err := svc.Create(ctx, "user-1", CreateTaskInput{
		BranchID:    branchID,
		Title:       "Build API",
		Description: "the create endpoint",
		Assignees:   []string{"@coding-agent"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, task.Status)
	assert.Equal(t, models.StringList{"@coding-agent"}, task.Assignees)

	next, err := svc.Next(ctx, "user-1", branchID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, next.Task.ID)
	assert.GreaterOrEqual(t, next.Score, 50.0)

	status := models.TaskStatusInProgress
	_, err = svc.Update(ctx, "user-1", task.ID, UpdateTaskInput{Status: &status})
	require.NoError(t, err)

	_, err = svc.AddProgress(ctx, "user-1", task.ID, ProgressInput{
		ProgressType: models.ProgressTypeImplementation,
		Percentage:   40,
		Description:  "started",
	})
	require.NoError(t, err)

	done, err := svc.Complete(ctx, "user-1", task.ID, CompleteTaskInput{CompletionSummary: "API built"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, done.Status)
	assert.Equal(t, 100, done.OverallProgress)
	assert.Equal(t, models.ProgressStateComplete, done.ProgressState)

	var types []string
	for _, e := range sink.events {
		types = append(types, e.EventType())
	}
	assert.Contains(t, types, "task.created")
	assert.Contains(t, types, "task.progress_updated")
}

func TestCompleteRequiresSummary(t *testing.T) {
	svc, _, _, _ := newTaskFixture(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "user-1", CreateTaskInput{
		BranchID:    uuid.New(),
		Title:       "Needs a summary",
		Description: "completion without a summary must be refused",
		Assignees:   []string{"@review-agent"},
	})
	require.NoError(t, err)
	status := models.TaskStatusInProgress
	_, err = svc.Update(ctx, "user-1", task.ID, UpdateTaskInput{Status: &status})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, "user-1", task.ID, CompleteTaskInput{CompletionSummary: ""})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeMissingCompletionSummary))

	reloaded, err := svc.Get(ctx, "user-1", task.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, reloaded.Task.Status)
}

func TestCompleteRejectsStaleContext(t *testing.T) {
	svc, _, _, _ := newTaskFixture(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "user-1", CreateTaskInput{
		BranchID:    uuid.New(),
		Title:       "Stale context",
		Description: "a mutation after resolution invalidates the context",
		Assignees:   []string{"@coding-agent"},
	})
	require.NoError(t, err)
	contextID := uuid.New()
	_, err = svc.Update(ctx, "user-1", task.ID, UpdateTaskInput{ContextID: &contextID})
	require.NoError(t, err)
	resolvedAt := time.Now().UTC()

	// A content-bearing update clears the context pointer
	title := "Stale context, renamed"
	status := models.TaskStatusInProgress
	_, err = svc.Update(ctx, "user-1", task.ID, UpdateTaskInput{Title: &title, Status: &status})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, "user-1", task.ID, CompleteTaskInput{
		CompletionSummary: "done anyway",
		ContextUpdatedAt:  &resolvedAt,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeStaleContext))
}

func TestCompleteWaitsForSubtasks(t *testing.T) {
	svc, tasks, subtasks, _ := newTaskFixture(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "user-1", CreateTaskInput{
		BranchID:    uuid.New(),
		Title:       "Has children",
		Description: "completion requires every subtask done",
		Assignees:   []string{"@coding-agent"},
	})
	require.NoError(t, err)
	status := models.TaskStatusInProgress
	_, err = svc.Update(ctx, "user-1", task.ID, UpdateTaskInput{Status: &status})
	require.NoError(t, err)

	parent, err := tasks.Get(ctx, repository.UserScope("user-1"), task.ID)
	require.NoError(t, err)
	sub, err := models.NewSubtask(parent, "Write tests", "", nil)
	require.NoError(t, err)
	require.NoError(t, subtasks.Create(ctx, repository.UserScope("user-1"), sub))

	_, err = svc.Complete(ctx, "user-1", task.ID, CompleteTaskInput{CompletionSummary: "too early"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	require.NoError(t, sub.SetStatus(models.TaskStatusDone))
	_, err = svc.Complete(ctx, "user-1", task.ID, CompleteTaskInput{CompletionSummary: "all children done"})
	require.NoError(t, err)
}

func TestStatusOnlyUpdatePreservesContextPointer(t *testing.T) {
	svc, _, _, _ := newTaskFixture(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "user-1", CreateTaskInput{
		BranchID:    uuid.New(),
		Title:       "Routine",
		Description: "status and priority flips keep the resolved context",
		Assignees:   []string{"@coding-agent"},
	})
	require.NoError(t, err)
	contextID := uuid.New()
	_, err = svc.Update(ctx, "user-1", task.ID, UpdateTaskInput{ContextID: &contextID})
	require.NoError(t, err)

	status := models.TaskStatusInProgress
	priority := models.TaskPriorityHigh
	updated, err := svc.Update(ctx, "user-1", task.ID, UpdateTaskInput{Status: &status, Priority: &priority})
	require.NoError(t, err)
	require.NotNil(t, updated.ContextID)
	assert.Equal(t, contextID, *updated.ContextID)

	desc := "a content-bearing edit"
	updated, err = svc.Update(ctx, "user-1", task.ID, UpdateTaskInput{Description: &desc})
	require.NoError(t, err)
	assert.Nil(t, updated.ContextID)
}

func TestTasksAreUserScoped(t *testing.T) {
	svc, _, _, _ := newTaskFixture(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, "user-1", CreateTaskInput{
		BranchID:    uuid.New(),
		Title:       "Mine",
		Description: "other users must not see this task",
		Assignees:   []string{"@coding-agent"},
	})
	require.NoError(t, err)

	_, err = svc.Get(ctx, "intruder", task.ID, false)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestNextWithNoEligibleTasks(t *testing.T) {
	svc, _, _, _ := newTaskFixture(t)

	_, err := svc.Next(context.Background(), "user-1", uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}
