package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// taskRepository implements repository.TaskRepository
type taskRepository struct {
	*BaseRepository
}

// NewTaskRepository creates the task repository
func NewTaskRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) repository.TaskRepository {
	return &taskRepository{NewBaseRepository(db, logger, metrics, "task_repository")}
}

const taskColumns = `id, branch_id, user_id, title, description, status, prior_status,
	priority, details, estimated_effort, due_date, context_id, overall_progress,
	progress_state, assignees, labels, dependencies, completion_summary,
	testing_notes, created_at, updated_at`

func (r *taskRepository) Create(ctx context.Context, scope repository.Scope, task *models.Task) error {
	return r.execute(ctx, "task_create", func(ctx context.Context, q querier) error {
		query := `INSERT INTO tasks (` + taskColumns + `) VALUES (
			:id, :branch_id, :user_id, :title, :description, :status, :prior_status,
			:priority, :details, :estimated_effort, :due_date, :context_id, :overall_progress,
			:progress_state, :assignees, :labels, :dependencies, :completion_summary,
			:testing_notes, :created_at, :updated_at)`
		_, err := sqlx.NamedExecContext(ctx, q, query, task)
		return err
	})
}

func (r *taskRepository) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.Task, error) {
	var task models.Task
	err := r.execute(ctx, "task_get", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{id}, scope.UserID, scope.System)
		if err := q.GetContext(ctx, &task, query, args...); err != nil {
			return notFound(err, "task", id.String())
		}
		if err := r.loadTimeline(ctx, q, &task); err != nil {
			return err
		}
		return r.loadSubtaskIDs(ctx, q, scope, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) List(ctx context.Context, scope repository.Scope, filter repository.TaskFilter) ([]*models.Task, error) {
	var tasks []*models.Task
	err := r.execute(ctx, "task_list", func(ctx context.Context, q querier) error {
		var sb strings.Builder
		sb.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`)
		var args []interface{}

		if filter.BranchID != nil {
			sb.WriteString(" AND branch_id = ?")
			args = append(args, *filter.BranchID)
		}
		if filter.Status != nil {
			sb.WriteString(" AND status = ?")
			args = append(args, *filter.Status)
		}
		if filter.Priority != nil {
			sb.WriteString(" AND priority = ?")
			args = append(args, *filter.Priority)
		}
		// assignees and labels are JSON text columns; membership tests use a
		// portable substring match on the quoted element
		if filter.Assignee != "" {
			sb.WriteString(" AND assignees LIKE ?")
			args = append(args, fmt.Sprintf("%%%q%%", models.NormalizeAssignee(filter.Assignee)))
		}
		if filter.Label != "" {
			sb.WriteString(" AND labels LIKE ?")
			args = append(args, fmt.Sprintf("%%%q%%", filter.Label))
		}
		sb.WriteString(scopeAnd(scope.System))
		args = scopeArgs(args, scope.UserID, scope.System)

		limit := filter.Limit
		if limit <= 0 {
			limit = repository.DefaultListLimit
		}
		if limit > repository.MaxListLimit {
			limit = repository.MaxListLimit
		}
		sb.WriteString(" ORDER BY created_at DESC, id LIMIT ? OFFSET ?")
		args = append(args, limit, filter.Offset)

		return q.SelectContext(ctx, &tasks, r.rebind(sb.String()), args...)
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) Save(ctx context.Context, scope repository.Scope, task *models.Task) error {
	return r.execute(ctx, "task_save", func(ctx context.Context, q querier) error {
		query := `UPDATE tasks SET
			branch_id = :branch_id, title = :title, description = :description,
			status = :status, prior_status = :prior_status, priority = :priority,
			details = :details, estimated_effort = :estimated_effort, due_date = :due_date,
			context_id = :context_id, overall_progress = :overall_progress,
			progress_state = :progress_state, assignees = :assignees, labels = :labels,
			dependencies = :dependencies, completion_summary = :completion_summary,
			testing_notes = :testing_notes, updated_at = :updated_at
			WHERE id = :id`
		arg := map[string]interface{}{
			"id": task.ID, "branch_id": task.BranchID, "title": task.Title,
			"description": task.Description, "status": task.Status,
			"prior_status": task.PriorStatus, "priority": task.Priority,
			"details": task.Details, "estimated_effort": task.EstimatedEffort,
			"due_date": task.DueDate, "context_id": task.ContextID,
			"overall_progress": task.OverallProgress, "progress_state": task.ProgressState,
			"assignees": task.Assignees, "labels": task.Labels,
			"dependencies": task.Dependencies, "completion_summary": task.CompletionSummary,
			"testing_notes": task.TestingNotes, "updated_at": task.UpdatedAt,
		}
		if !scope.System {
			query += " AND user_id = :user_id"
			arg["user_id"] = scope.UserID
		}
		res, err := sqlx.NamedExecContext(ctx, q, query, arg)
		if err != nil {
			return err
		}
		return requireRow(res, "task", task.ID.String())
	})
}

func (r *taskRepository) Delete(ctx context.Context, scope repository.Scope, id uuid.UUID) error {
	return r.execute(ctx, "task_delete", func(ctx context.Context, q querier) error {
		query := r.rebind(`DELETE FROM tasks WHERE id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{id}, scope.UserID, scope.System)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		return requireRow(res, "task", id.String())
	})
}

func (r *taskRepository) AppendSnapshot(ctx context.Context, scope repository.Scope, s models.ProgressSnapshot) error {
	return r.execute(ctx, "task_append_snapshot", func(ctx context.Context, q querier) error {
		meta, err := json.Marshal(s.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "encode snapshot metadata")
		}
		query := r.rebind(`INSERT INTO progress_snapshots
			(id, task_id, user_id, timestamp, progress_type, percentage, status, description, metadata, agent_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = q.ExecContext(ctx, query,
			s.ID, s.TaskID, s.UserID, s.Timestamp, s.ProgressType, s.Percentage,
			s.Status, s.Description, string(meta), s.AgentID)
		return err
	})
}

// snapshotRow adds the serialized metadata column to the snapshot model
type snapshotRow struct {
	models.ProgressSnapshot
	MetadataJSON string `db:"metadata"`
}

func (r *taskRepository) loadTimeline(ctx context.Context, q querier, task *models.Task) error {
	var rows []snapshotRow
	query := r.rebind(`SELECT id, task_id, user_id, timestamp, progress_type, percentage,
		status, description, metadata, agent_id
		FROM progress_snapshots WHERE task_id = ? ORDER BY timestamp, id`)
	if err := q.SelectContext(ctx, &rows, query, task.ID); err != nil {
		return err
	}
	timeline := models.NewProgressTimeline(task.ID)
	for _, row := range rows {
		s := row.ProgressSnapshot
		if row.MetadataJSON != "" {
			if err := json.Unmarshal([]byte(row.MetadataJSON), &s.Metadata); err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "decode snapshot metadata for %s", s.ID)
			}
		}
		timeline.Append(s)
	}
	task.Timeline = timeline
	return nil
}

func (r *taskRepository) loadSubtaskIDs(ctx context.Context, q querier, scope repository.Scope, task *models.Task) error {
	var ids []uuid.UUID
	query := r.rebind(`SELECT id FROM subtasks WHERE parent_task_id = ?` + scopeAnd(scope.System) + ` ORDER BY created_at, id`)
	args := scopeArgs([]interface{}{task.ID}, scope.UserID, scope.System)
	if err := q.SelectContext(ctx, &ids, query, args...); err != nil {
		return err
	}
	task.SubtaskIDs = models.UUIDList(ids)
	return nil
}
