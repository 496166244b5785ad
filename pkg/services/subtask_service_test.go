package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

func newSubtaskFixture(t *testing.T) (SubtaskService, *models.Task, *memTaskRepo) {
	t.Helper()
	tasks := newMemTaskRepo()
	subtasks := newMemSubtaskRepo()
	svc := NewSubtaskService(ServiceConfig{}, tasks, subtasks, passTx{})

	parent, err := models.NewTask("user-1", uuid.New(), "Parent", "holds subtasks", []string{"@coding-agent"})
	require.NoError(t, err)
	require.NoError(t, tasks.Create(context.Background(), repository.UserScope("user-1"), parent))
	return svc, parent, tasks
}

func TestSubtaskInheritsParentAssignees(t *testing.T) {
	svc, parent, _ := newSubtaskFixture(t)

	sub, err := svc.Create(context.Background(), "user-1", CreateSubtaskInput{
		TaskID: parent.ID,
		Title:  "Inherited",
	})
	require.NoError(t, err)
	assert.Equal(t, parent.Assignees, sub.Assignees)

	own, err := svc.Create(context.Background(), "user-1", CreateSubtaskInput{
		TaskID:    parent.ID,
		Title:     "Own list",
		Assignees: []string{"@test-orchestrator-agent"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StringList{"@test-orchestrator-agent"}, own.Assignees)
}

func TestSubtaskProgressBubblesToParent(t *testing.T) {
	svc, parent, tasks := newSubtaskFixture(t)
	ctx := context.Background()
	scope := repository.UserScope("user-1")

	first, err := svc.Create(ctx, "user-1", CreateSubtaskInput{TaskID: parent.ID, Title: "First"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "user-1", CreateSubtaskInput{TaskID: parent.ID, Title: "Second"})
	require.NoError(t, err)

	half := 50
	updated, err := svc.Update(ctx, "user-1", first.ID, UpdateSubtaskInput{ProgressPercentage: &half})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, updated.Status)

	reloaded, err := tasks.Get(ctx, scope, parent.ID)
	require.NoError(t, err)
	// (50 + 0) / 2, no timeline contribution yet
	assert.Equal(t, 25, reloaded.OverallProgress)
	assert.Equal(t, models.ProgressStateInProgress, reloaded.ProgressState)
}

func TestSubtaskCompleteAndReopen(t *testing.T) {
	svc, parent, tasks := newSubtaskFixture(t)
	ctx := context.Background()
	scope := repository.UserScope("user-1")

	sub, err := svc.Create(ctx, "user-1", CreateSubtaskInput{TaskID: parent.ID, Title: "Cycle"})
	require.NoError(t, err)

	done, err := svc.Complete(ctx, "user-1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, done.Status)
	assert.Equal(t, 100, done.ProgressPercentage)

	reloaded, err := tasks.Get(ctx, scope, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, reloaded.OverallProgress)

	reopened, err := svc.Reopen(ctx, "user-1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, reopened.Status)
	assert.Equal(t, 0, reopened.ProgressPercentage)

	reloaded, err = tasks.Get(ctx, scope, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.OverallProgress)

	_, err = svc.Reopen(ctx, "user-1", sub.ID)
	require.Error(t, err, "reopening a non-completed subtask must fail")
}

func TestSubtaskDeleteRecomputesParent(t *testing.T) {
	svc, parent, tasks := newSubtaskFixture(t)
	ctx := context.Background()
	scope := repository.UserScope("user-1")

	kept, err := svc.Create(ctx, "user-1", CreateSubtaskInput{TaskID: parent.ID, Title: "Kept"})
	require.NoError(t, err)
	dropped, err := svc.Create(ctx, "user-1", CreateSubtaskInput{TaskID: parent.ID, Title: "Dropped"})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, "user-1", kept.ID)
	require.NoError(t, err)

	reloaded, err := tasks.Get(ctx, scope, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, reloaded.OverallProgress)

	require.NoError(t, svc.Delete(ctx, "user-1", dropped.ID))

	reloaded, err = tasks.Get(ctx, scope, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, reloaded.OverallProgress)
}
