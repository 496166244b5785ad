package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// sessionRepository implements repository.SessionRepository
type sessionRepository struct {
	*BaseRepository
}

// NewSessionRepository creates the work session repository
func NewSessionRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) repository.SessionRepository {
	return &sessionRepository{NewBaseRepository(db, logger, metrics, "session_repository")}
}

const sessionColumns = `id, project_id, user_id, agent_id, task_id, branch_id, status,
	started_at, ended_at, paused_at, total_paused_duration, progress_updates,
	resources_locked, max_duration, last_activity, created_at, updated_at`

// sessionRow adds the serialized progress log to the session model
type sessionRow struct {
	models.WorkSession
	ProgressJSON string `db:"progress_updates"`
}

func sessionArg(s *models.WorkSession) (map[string]interface{}, error) {
	progress, err := json.Marshal(s.ProgressUpdates)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "encode session progress log")
	}
	return map[string]interface{}{
		"id": s.ID, "project_id": s.ProjectID, "user_id": s.UserID,
		"agent_id": s.AgentID, "task_id": s.TaskID, "branch_id": s.BranchID,
		"status": s.Status, "started_at": s.StartedAt, "ended_at": s.EndedAt,
		"paused_at": s.PausedAt, "total_paused_duration": s.TotalPausedDuration,
		"progress_updates": string(progress), "resources_locked": s.ResourcesLocked,
		"max_duration": s.MaxDuration, "last_activity": s.LastActivity,
		"created_at": s.CreatedAt, "updated_at": s.UpdatedAt,
	}, nil
}

func (row *sessionRow) decode() (*models.WorkSession, error) {
	s := row.WorkSession
	if row.ProgressJSON != "" {
		if err := json.Unmarshal([]byte(row.ProgressJSON), &s.ProgressUpdates); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "decode progress log for session %s", s.ID)
		}
	}
	return &s, nil
}

func (r *sessionRepository) Create(ctx context.Context, scope repository.Scope, session *models.WorkSession) error {
	return r.execute(ctx, "session_create", func(ctx context.Context, q querier) error {
		arg, err := sessionArg(session)
		if err != nil {
			return err
		}
		query := `INSERT INTO work_sessions (` + sessionColumns + `) VALUES (
			:id, :project_id, :user_id, :agent_id, :task_id, :branch_id, :status,
			:started_at, :ended_at, :paused_at, :total_paused_duration, :progress_updates,
			:resources_locked, :max_duration, :last_activity, :created_at, :updated_at)`
		_, err = sqlx.NamedExecContext(ctx, q, query, arg)
		return err
	})
}

func (r *sessionRepository) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.WorkSession, error) {
	var session *models.WorkSession
	err := r.execute(ctx, "session_get", func(ctx context.Context, q querier) error {
		var row sessionRow
		query := r.rebind(`SELECT ` + sessionColumns + ` FROM work_sessions WHERE id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{id}, scope.UserID, scope.System)
		if err := q.GetContext(ctx, &row, query, args...); err != nil {
			return notFound(err, "session", id.String())
		}
		var err error
		session, err = row.decode()
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *sessionRepository) ListByProject(ctx context.Context, scope repository.Scope, projectID uuid.UUID) ([]*models.WorkSession, error) {
	return r.list(ctx, "session_list_project",
		`SELECT `+sessionColumns+` FROM work_sessions WHERE project_id = ?`+scopeAnd(scope.System)+` ORDER BY started_at`,
		scopeArgs([]interface{}{projectID}, scope.UserID, scope.System))
}

// ListActive returns every non-terminal session. The sweeper calls this
// under the system scope; user scopes see only their own rows.
func (r *sessionRepository) ListActive(ctx context.Context, scope repository.Scope) ([]*models.WorkSession, error) {
	return r.list(ctx, "session_list_active",
		`SELECT `+sessionColumns+` FROM work_sessions WHERE status IN ('active', 'paused')`+scopeAnd(scope.System)+` ORDER BY started_at`,
		scopeArgs(nil, scope.UserID, scope.System))
}

func (r *sessionRepository) list(ctx context.Context, op, query string, args []interface{}) ([]*models.WorkSession, error) {
	var sessions []*models.WorkSession
	err := r.execute(ctx, op, func(ctx context.Context, q querier) error {
		var rows []sessionRow
		if err := q.SelectContext(ctx, &rows, r.rebind(query), args...); err != nil {
			return err
		}
		sessions = make([]*models.WorkSession, 0, len(rows))
		for i := range rows {
			s, err := rows[i].decode()
			if err != nil {
				return err
			}
			sessions = append(sessions, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepository) Save(ctx context.Context, scope repository.Scope, session *models.WorkSession) error {
	return r.execute(ctx, "session_save", func(ctx context.Context, q querier) error {
		arg, err := sessionArg(session)
		if err != nil {
			return err
		}
		query := `UPDATE work_sessions SET
			status = :status, ended_at = :ended_at, paused_at = :paused_at,
			total_paused_duration = :total_paused_duration,
			progress_updates = :progress_updates, resources_locked = :resources_locked,
			last_activity = :last_activity, updated_at = :updated_at
			WHERE id = :id`
		if !scope.System {
			query += " AND user_id = :scope_user_id"
			arg["scope_user_id"] = scope.UserID
		}
		res, err := sqlx.NamedExecContext(ctx, q, query, arg)
		if err != nil {
			return err
		}
		return requireRow(res, "session", session.ID.String())
	})
}
