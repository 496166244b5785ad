package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// subtaskRepository implements repository.SubtaskRepository
type subtaskRepository struct {
	*BaseRepository
}

// NewSubtaskRepository creates the subtask repository
func NewSubtaskRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) repository.SubtaskRepository {
	return &subtaskRepository{NewBaseRepository(db, logger, metrics, "subtask_repository")}
}

const subtaskColumns = `id, parent_task_id, user_id, title, description, status,
	priority, assignees, progress_percentage, created_at, updated_at`

func (r *subtaskRepository) Create(ctx context.Context, scope repository.Scope, subtask *models.Subtask) error {
	return r.execute(ctx, "subtask_create", func(ctx context.Context, q querier) error {
		query := `INSERT INTO subtasks (` + subtaskColumns + `) VALUES (
			:id, :parent_task_id, :user_id, :title, :description, :status,
			:priority, :assignees, :progress_percentage, :created_at, :updated_at)`
		_, err := sqlx.NamedExecContext(ctx, q, query, subtask)
		return err
	})
}

func (r *subtaskRepository) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.Subtask, error) {
	var subtask models.Subtask
	err := r.execute(ctx, "subtask_get", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT ` + subtaskColumns + ` FROM subtasks WHERE id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{id}, scope.UserID, scope.System)
		return notFound(q.GetContext(ctx, &subtask, query, args...), "subtask", id.String())
	})
	if err != nil {
		return nil, err
	}
	return &subtask, nil
}

func (r *subtaskRepository) ListByTask(ctx context.Context, scope repository.Scope, taskID uuid.UUID) ([]*models.Subtask, error) {
	var subtasks []*models.Subtask
	err := r.execute(ctx, "subtask_list", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT ` + subtaskColumns + ` FROM subtasks
			WHERE parent_task_id = ?` + scopeAnd(scope.System) + ` ORDER BY created_at, id`)
		args := scopeArgs([]interface{}{taskID}, scope.UserID, scope.System)
		return q.SelectContext(ctx, &subtasks, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return subtasks, nil
}

func (r *subtaskRepository) Save(ctx context.Context, scope repository.Scope, subtask *models.Subtask) error {
	return r.execute(ctx, "subtask_save", func(ctx context.Context, q querier) error {
		query := `UPDATE subtasks SET
			title = :title, description = :description, status = :status,
			priority = :priority, assignees = :assignees,
			progress_percentage = :progress_percentage, updated_at = :updated_at
			WHERE id = :id`
		arg := map[string]interface{}{
			"id": subtask.ID, "title": subtask.Title, "description": subtask.Description,
			"status": subtask.Status, "priority": subtask.Priority,
			"assignees": subtask.Assignees, "progress_percentage": subtask.ProgressPercentage,
			"updated_at": subtask.UpdatedAt,
		}
		if !scope.System {
			query += " AND user_id = :user_id"
			arg["user_id"] = scope.UserID
		}
		res, err := sqlx.NamedExecContext(ctx, q, query, arg)
		if err != nil {
			return err
		}
		return requireRow(res, "subtask", subtask.ID.String())
	})
}

func (r *subtaskRepository) Delete(ctx context.Context, scope repository.Scope, id uuid.UUID) error {
	return r.execute(ctx, "subtask_delete", func(ctx context.Context, q querier) error {
		query := r.rebind(`DELETE FROM subtasks WHERE id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{id}, scope.UserID, scope.System)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		return requireRow(res, "subtask", id.String())
	})
}
