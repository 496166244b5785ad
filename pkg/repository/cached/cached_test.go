package cached

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/cache"
	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

type mockTaskRepo struct {
	mock.Mock
}

func (m *mockTaskRepo) Create(ctx context.Context, scope repository.Scope, task *models.Task) error {
	return m.Called(ctx, scope, task).Error(0)
}

func (m *mockTaskRepo) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.Task, error) {
	args := m.Called(ctx, scope, id)
	if t := args.Get(0); t != nil {
		return t.(*models.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRepo) List(ctx context.Context, scope repository.Scope, filter repository.TaskFilter) ([]*models.Task, error) {
	args := m.Called(ctx, scope, filter)
	return args.Get(0).([]*models.Task), args.Error(1)
}

func (m *mockTaskRepo) Save(ctx context.Context, scope repository.Scope, task *models.Task) error {
	return m.Called(ctx, scope, task).Error(0)
}

func (m *mockTaskRepo) Delete(ctx context.Context, scope repository.Scope, id uuid.UUID) error {
	return m.Called(ctx, scope, id).Error(0)
}

func (m *mockTaskRepo) AppendSnapshot(ctx context.Context, scope repository.Scope, s models.ProgressSnapshot) error {
	return m.Called(ctx, scope, s).Error(0)
}

func assertNotFound() error {
	return apperrors.NotFound("task", "someone-elses")
}

func newTask(t *testing.T) *models.Task {
	t.Helper()
	task, err := models.NewTask("user-1", uuid.New(), "Cache me", "a cached task", []string{"coding-agent"})
	require.NoError(t, err)
	return task
}

func TestTaskGetReadThrough(t *testing.T) {
	inner := new(mockTaskRepo)
	c := cache.NewMemoryCache(16, time.Minute)
	repo := NewTaskRepository(inner, c, time.Minute, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	task := newTask(t)
	scope := repository.UserScope("user-1")
	inner.On("Get", mock.Anything, scope, task.ID).Return(task, nil).Once()

	got, err := repo.Get(context.Background(), scope, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	// Second read is served from the cache; the inner repo sees one call.
	again, err := repo.Get(context.Background(), scope, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, again.Title)
	inner.AssertNumberOfCalls(t, "Get", 1)
}

func TestTaskSaveInvalidatesCachedEntry(t *testing.T) {
	inner := new(mockTaskRepo)
	c := cache.NewMemoryCache(16, time.Minute)
	repo := NewTaskRepository(inner, c, time.Minute, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	task := newTask(t)
	scope := repository.UserScope("user-1")
	inner.On("Get", mock.Anything, scope, task.ID).Return(task, nil).Twice()
	inner.On("Save", mock.Anything, scope, task).Return(nil).Once()

	_, err := repo.Get(context.Background(), scope, task.ID)
	require.NoError(t, err)

	require.NoError(t, repo.Save(context.Background(), scope, task))

	// Post-save read must go back to the source of truth.
	_, err = repo.Get(context.Background(), scope, task.ID)
	require.NoError(t, err)
	inner.AssertNumberOfCalls(t, "Get", 2)
}

func TestTaskSaveInvalidatesAfterWrite(t *testing.T) {
	inner := new(mockTaskRepo)
	c := cache.NewMemoryCache(16, time.Minute)
	repo := NewTaskRepository(inner, c, time.Minute, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	task := newTask(t)
	scope := repository.UserScope("user-1")

	updated := *task
	updated.Title = "renamed"

	// A reader races the write: it arrives while Save is in flight and
	// still sees the pre-write row. Its re-fill must not outlive the save.
	inner.On("Get", mock.Anything, scope, task.ID).Return(task, nil).Once()
	inner.On("Save", mock.Anything, scope, &updated).Run(func(mock.Arguments) {
		got, err := repo.Get(context.Background(), scope, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Title, got.Title)
	}).Return(nil).Once()
	inner.On("Get", mock.Anything, scope, task.ID).Return(&updated, nil).Once()

	require.NoError(t, repo.Save(context.Background(), scope, &updated))

	got, err := repo.Get(context.Background(), scope, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	inner.AssertNumberOfCalls(t, "Get", 2)
}

func TestTaskCacheKeysAreScoped(t *testing.T) {
	inner := new(mockTaskRepo)
	c := cache.NewMemoryCache(16, time.Minute)
	repo := NewTaskRepository(inner, c, time.Minute, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	task := newTask(t)
	scopeA := repository.UserScope("user-a")
	scopeB := repository.UserScope("user-b")
	inner.On("Get", mock.Anything, scopeA, task.ID).Return(task, nil).Once()
	inner.On("Get", mock.Anything, scopeB, task.ID).Return(nil, assertNotFound()).Once()

	_, err := repo.Get(context.Background(), scopeA, task.ID)
	require.NoError(t, err)

	// A different user's read must not be served from user-a's entry.
	_, err = repo.Get(context.Background(), scopeB, task.ID)
	require.Error(t, err)
}

type mockSubtaskRepo struct {
	mock.Mock
}

func (m *mockSubtaskRepo) Create(ctx context.Context, scope repository.Scope, s *models.Subtask) error {
	return m.Called(ctx, scope, s).Error(0)
}

func (m *mockSubtaskRepo) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.Subtask, error) {
	args := m.Called(ctx, scope, id)
	if s := args.Get(0); s != nil {
		return s.(*models.Subtask), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubtaskRepo) ListByTask(ctx context.Context, scope repository.Scope, taskID uuid.UUID) ([]*models.Subtask, error) {
	args := m.Called(ctx, scope, taskID)
	return args.Get(0).([]*models.Subtask), args.Error(1)
}

func (m *mockSubtaskRepo) Save(ctx context.Context, scope repository.Scope, s *models.Subtask) error {
	return m.Called(ctx, scope, s).Error(0)
}

func (m *mockSubtaskRepo) Delete(ctx context.Context, scope repository.Scope, id uuid.UUID) error {
	return m.Called(ctx, scope, id).Error(0)
}

func TestSubtaskListCachedUntilMutation(t *testing.T) {
	inner := new(mockSubtaskRepo)
	c := cache.NewMemoryCache(16, time.Minute)
	repo := NewSubtaskRepository(inner, c, time.Minute, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	parent := newTask(t)
	sub, err := models.NewSubtask(parent, "Write tests", "", nil)
	require.NoError(t, err)

	scope := repository.UserScope("user-1")
	inner.On("ListByTask", mock.Anything, scope, parent.ID).Return([]*models.Subtask{sub}, nil).Twice()
	inner.On("Save", mock.Anything, scope, sub).Return(nil).Once()

	list, err := repo.ListByTask(context.Background(), scope, parent.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Cached on the second read.
	_, err = repo.ListByTask(context.Background(), scope, parent.ID)
	require.NoError(t, err)
	inner.AssertNumberOfCalls(t, "ListByTask", 1)

	// Saving a subtask drops the parent's list entry.
	require.NoError(t, repo.Save(context.Background(), scope, sub))
	_, err = repo.ListByTask(context.Background(), scope, parent.ID)
	require.NoError(t, err)
	inner.AssertNumberOfCalls(t, "ListByTask", 2)
}
