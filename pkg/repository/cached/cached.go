// Package cached decorates repositories with a read-through cache. Every
// mutation invalidates the entity's key after the write lands, so a
// concurrent reader cannot re-fill the key with the row the write is about
// to obsolete.
package cached

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

func scopeKey(scope repository.Scope) string {
	if scope.System {
		return "system"
	}
	return scope.UserID
}

// taskRepository is the caching decorator for repository.TaskRepository.
// Lists are not cached; their invalidation surface is the whole table.
type taskRepository struct {
	inner   repository.TaskRepository
	cache   cache.Cache
	ttl     time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTaskRepository wraps inner with a read-through cache
func NewTaskRepository(inner repository.TaskRepository, c cache.Cache, ttl time.Duration, logger observability.Logger, metrics observability.MetricsClient) repository.TaskRepository {
	return &taskRepository{
		inner:   inner,
		cache:   c,
		ttl:     ttl,
		logger:  logger.WithPrefix("cached_task_repository"),
		metrics: metrics,
	}
}

func (r *taskRepository) key(scope repository.Scope, id uuid.UUID) string {
	return fmt.Sprintf("task:%s:%s", scopeKey(scope), id)
}

func (r *taskRepository) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.Task, error) {
	key := r.key(scope, id)
	var task models.Task
	if err := r.cache.Get(ctx, key, &task); err == nil {
		r.metrics.IncrementCounterWithLabels("repository_cache", 1, map[string]string{"entity": "task", "result": "hit"})
		return &task, nil
	}
	r.metrics.IncrementCounterWithLabels("repository_cache", 1, map[string]string{"entity": "task", "result": "miss"})

	loaded, err := r.inner.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, key, loaded, r.ttl); err != nil {
		r.logger.Warn("cache set failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
	return loaded, nil
}

func (r *taskRepository) Create(ctx context.Context, scope repository.Scope, task *models.Task) error {
	if err := r.inner.Create(ctx, scope, task); err != nil {
		return err
	}
	r.invalidate(ctx, r.key(scope, task.ID))
	return nil
}

func (r *taskRepository) List(ctx context.Context, scope repository.Scope, filter repository.TaskFilter) ([]*models.Task, error) {
	return r.inner.List(ctx, scope, filter)
}

func (r *taskRepository) Save(ctx context.Context, scope repository.Scope, task *models.Task) error {
	if err := r.inner.Save(ctx, scope, task); err != nil {
		return err
	}
	r.invalidate(ctx, r.key(scope, task.ID))
	return nil
}

func (r *taskRepository) Delete(ctx context.Context, scope repository.Scope, id uuid.UUID) error {
	if err := r.inner.Delete(ctx, scope, id); err != nil {
		return err
	}
	r.invalidate(ctx, r.key(scope, id))
	return nil
}

func (r *taskRepository) AppendSnapshot(ctx context.Context, scope repository.Scope, s models.ProgressSnapshot) error {
	// The snapshot lands in the cached task's timeline
	if err := r.inner.AppendSnapshot(ctx, scope, s); err != nil {
		return err
	}
	r.invalidate(ctx, r.key(scope, s.TaskID))
	return nil
}

func (r *taskRepository) invalidate(ctx context.Context, key string) {
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("cache invalidation failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// subtaskRepository caches the per-task subtask list. Completion checks
// load every subtask of a task, which makes the list the hot read path.
type subtaskRepository struct {
	inner   repository.SubtaskRepository
	cache   cache.Cache
	ttl     time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewSubtaskRepository wraps inner with a read-through list cache
func NewSubtaskRepository(inner repository.SubtaskRepository, c cache.Cache, ttl time.Duration, logger observability.Logger, metrics observability.MetricsClient) repository.SubtaskRepository {
	return &subtaskRepository{
		inner:   inner,
		cache:   c,
		ttl:     ttl,
		logger:  logger.WithPrefix("cached_subtask_repository"),
		metrics: metrics,
	}
}

func (r *subtaskRepository) listKey(scope repository.Scope, taskID uuid.UUID) string {
	return fmt.Sprintf("subtasks:%s:%s", scopeKey(scope), taskID)
}

func (r *subtaskRepository) ListByTask(ctx context.Context, scope repository.Scope, taskID uuid.UUID) ([]*models.Subtask, error) {
	key := r.listKey(scope, taskID)
	var subtasks []*models.Subtask
	if err := r.cache.Get(ctx, key, &subtasks); err == nil {
		r.metrics.IncrementCounterWithLabels("repository_cache", 1, map[string]string{"entity": "subtask_list", "result": "hit"})
		return subtasks, nil
	}
	r.metrics.IncrementCounterWithLabels("repository_cache", 1, map[string]string{"entity": "subtask_list", "result": "miss"})

	loaded, err := r.inner.ListByTask(ctx, scope, taskID)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, key, loaded, r.ttl); err != nil {
		r.logger.Warn("cache set failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
	return loaded, nil
}

func (r *subtaskRepository) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.Subtask, error) {
	return r.inner.Get(ctx, scope, id)
}

func (r *subtaskRepository) Create(ctx context.Context, scope repository.Scope, subtask *models.Subtask) error {
	if err := r.inner.Create(ctx, scope, subtask); err != nil {
		return err
	}
	r.invalidate(ctx, r.listKey(scope, subtask.ParentTaskID))
	return nil
}

func (r *subtaskRepository) Save(ctx context.Context, scope repository.Scope, subtask *models.Subtask) error {
	if err := r.inner.Save(ctx, scope, subtask); err != nil {
		return err
	}
	r.invalidate(ctx, r.listKey(scope, subtask.ParentTaskID))
	return nil
}

// Delete needs the parent's list key; the subtask is loaded before the
// write so the invalidation cannot miss.
func (r *subtaskRepository) Delete(ctx context.Context, scope repository.Scope, id uuid.UUID) error {
	subtask, err := r.inner.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	if err := r.inner.Delete(ctx, scope, id); err != nil {
		return err
	}
	r.invalidate(ctx, r.listKey(scope, subtask.ParentTaskID))
	return nil
}

func (r *subtaskRepository) invalidate(ctx context.Context, key string) {
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("cache invalidation failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}
