package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// projectRepository implements repository.ProjectRepository. Get and Save
// move the whole aggregate: the project row plus branches, agents,
// assignments, cross-tree dependencies, and live sessions.
type projectRepository struct {
	*BaseRepository
}

// NewProjectRepository creates the project aggregate repository
func NewProjectRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) repository.ProjectRepository {
	return &projectRepository{NewBaseRepository(db, logger, metrics, "project_repository")}
}

const projectColumns = `id, user_id, name, description, status, metadata, created_at, updated_at`

func (r *projectRepository) Create(ctx context.Context, scope repository.Scope, project *models.Project) error {
	return r.inTx(ctx, "project_create", func(ctx context.Context, q querier) error {
		query := `INSERT INTO projects (` + projectColumns + `) VALUES (
			:id, :user_id, :name, :description, :status, :metadata, :created_at, :updated_at)`
		if _, err := sqlx.NamedExecContext(ctx, q, query, project); err != nil {
			return err
		}
		return r.saveChildren(ctx, q, project)
	})
}

func (r *projectRepository) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.Project, error) {
	var project models.Project
	err := r.execute(ctx, "project_get", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT ` + projectColumns + ` FROM projects WHERE id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{id}, scope.UserID, scope.System)
		if err := q.GetContext(ctx, &project, query, args...); err != nil {
			return notFound(err, "project", id.String())
		}
		return r.rehydrate(ctx, q, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) List(ctx context.Context, scope repository.Scope, limit, offset int) ([]*models.Project, error) {
	if limit <= 0 {
		limit = repository.DefaultListLimit
	}
	if limit > repository.MaxListLimit {
		limit = repository.MaxListLimit
	}
	var projects []*models.Project
	err := r.execute(ctx, "project_list", func(ctx context.Context, q querier) error {
		query := `SELECT ` + projectColumns + ` FROM projects WHERE 1=1` + scopeAnd(scope.System) +
			` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
		args := append(scopeArgs(nil, scope.UserID, scope.System), limit, offset)
		return q.SelectContext(ctx, &projects, r.rebind(query), args...)
	})
	if err != nil {
		return nil, err
	}
	// List returns shallow aggregates; callers Get the one they operate on
	for _, p := range projects {
		p.InitCollections()
	}
	return projects, nil
}

func (r *projectRepository) Save(ctx context.Context, scope repository.Scope, project *models.Project) error {
	return r.inTx(ctx, "project_save", func(ctx context.Context, q querier) error {
		query := `UPDATE projects SET
			name = :name, description = :description, status = :status,
			metadata = :metadata, updated_at = :updated_at
			WHERE id = :id`
		arg := map[string]interface{}{
			"id": project.ID, "name": project.Name, "description": project.Description,
			"status": project.Status, "metadata": project.Metadata, "updated_at": project.UpdatedAt,
		}
		if !scope.System {
			query += " AND user_id = :scope_user_id"
			arg["scope_user_id"] = scope.UserID
		}
		res, err := sqlx.NamedExecContext(ctx, q, query, arg)
		if err != nil {
			return err
		}
		if err := requireRow(res, "project", project.ID.String()); err != nil {
			return err
		}
		return r.saveChildren(ctx, q, project)
	})
}

func (r *projectRepository) Delete(ctx context.Context, scope repository.Scope, id uuid.UUID) error {
	return r.execute(ctx, "project_delete", func(ctx context.Context, q querier) error {
		query := r.rebind(`DELETE FROM projects WHERE id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{id}, scope.UserID, scope.System)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		return requireRow(res, "project", id.String())
	})
}

// inTx runs fn atomically: it joins a caller transaction when present and
// opens its own otherwise. Aggregate writes must not partially apply.
func (r *projectRepository) inTx(ctx context.Context, op string, fn func(ctx context.Context, q querier) error) error {
	if _, ok := txFrom(ctx); ok {
		return r.execute(ctx, op, fn)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := r.execute(context.WithValue(ctx, txKey{}, tx), op, fn); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rehydrate loads the owned collections of the aggregate. Resource locks
// are derived from live sessions rather than stored: the session list is
// the durable record, the lock map is its projection.
func (r *projectRepository) rehydrate(ctx context.Context, q querier, project *models.Project) error {
	project.InitCollections()

	var branches []*models.GitBranch
	if err := q.SelectContext(ctx, &branches, r.rebind(
		`SELECT id, project_id, user_id, name, description, assigned_agent_id, status,
			task_count, completed_task_count, created_at, updated_at
		FROM git_branches WHERE project_id = ? ORDER BY created_at, id`), project.ID); err != nil {
		return err
	}
	for _, b := range branches {
		project.Branches[b.ID] = b
	}

	var agents []*models.Agent
	if err := q.SelectContext(ctx, &agents, r.rebind(
		`SELECT id, project_id, user_id, name, capabilities, preferred_languages, status,
			active_tasks, priority_preference, workload_percentage, created_at, updated_at
		FROM agents WHERE project_id = ? ORDER BY created_at, id`), project.ID); err != nil {
		return err
	}
	for _, a := range agents {
		project.Agents[a.ID] = a
	}

	var assignments []struct {
		BranchID uuid.UUID `db:"branch_id"`
		AgentID  uuid.UUID `db:"agent_id"`
	}
	if err := q.SelectContext(ctx, &assignments, r.rebind(
		`SELECT branch_id, agent_id FROM branch_assignments WHERE project_id = ?`), project.ID); err != nil {
		return err
	}
	for _, a := range assignments {
		project.Assignments[a.BranchID] = a.AgentID
	}

	var deps []struct {
		DependentTaskID    uuid.UUID `db:"dependent_task_id"`
		PrerequisiteTaskID uuid.UUID `db:"prerequisite_task_id"`
	}
	if err := q.SelectContext(ctx, &deps, r.rebind(
		`SELECT dependent_task_id, prerequisite_task_id FROM cross_tree_dependencies WHERE project_id = ?`), project.ID); err != nil {
		return err
	}
	for _, d := range deps {
		if project.Dependencies[d.DependentTaskID] == nil {
			project.Dependencies[d.DependentTaskID] = make(map[uuid.UUID]struct{})
		}
		project.Dependencies[d.DependentTaskID][d.PrerequisiteTaskID] = struct{}{}
	}

	var sessionRows []sessionRow
	if err := q.SelectContext(ctx, &sessionRows, r.rebind(
		`SELECT `+sessionColumns+` FROM work_sessions
		WHERE project_id = ? AND status IN ('active', 'paused') ORDER BY started_at`), project.ID); err != nil {
		return err
	}
	for i := range sessionRows {
		s, err := sessionRows[i].decode()
		if err != nil {
			return err
		}
		project.Sessions[s.ID] = s
		for _, key := range s.ResourcesLocked {
			project.ResourceLocks[key] = s.AgentID
		}
	}

	var refs []struct {
		ID          uuid.UUID         `db:"id"`
		BranchID    uuid.UUID         `db:"branch_id"`
		Status      models.TaskStatus `db:"status"`
		Title       string            `db:"title"`
		Description string            `db:"description"`
	}
	if err := q.SelectContext(ctx, &refs, r.rebind(
		`SELECT t.id, t.branch_id, t.status, t.title, t.description
		FROM tasks t JOIN git_branches b ON t.branch_id = b.id
		WHERE b.project_id = ?`), project.ID); err != nil {
		return err
	}
	for _, ref := range refs {
		project.IndexTask(models.TaskRef{
			ID: ref.ID, BranchID: ref.BranchID, Status: ref.Status,
			Title: ref.Title, Description: ref.Description,
		})
	}
	return nil
}

// saveChildren writes the owned collections. Branches and agents are
// upserted and orphans removed; assignments and dependencies are replaced
// wholesale; sessions are upserted (the session repository owns their
// lifecycle updates outside the aggregate).
func (r *projectRepository) saveChildren(ctx context.Context, q querier, project *models.Project) error {
	branchIDs := make([]uuid.UUID, 0, len(project.Branches))
	for _, b := range project.Branches {
		branchIDs = append(branchIDs, b.ID)
		query := `INSERT INTO git_branches
			(id, project_id, user_id, name, description, assigned_agent_id, status,
			 task_count, completed_task_count, created_at, updated_at)
			VALUES (:id, :project_id, :user_id, :name, :description, :assigned_agent_id, :status,
			 :task_count, :completed_task_count, :created_at, :updated_at)
			ON CONFLICT (id) DO UPDATE SET
			 name = excluded.name, description = excluded.description,
			 assigned_agent_id = excluded.assigned_agent_id, status = excluded.status,
			 task_count = excluded.task_count, completed_task_count = excluded.completed_task_count,
			 updated_at = excluded.updated_at`
		if _, err := sqlx.NamedExecContext(ctx, q, query, b); err != nil {
			return err
		}
	}
	if err := r.deleteOrphans(ctx, q, "git_branches", project.ID, branchIDs); err != nil {
		return err
	}

	agentIDs := make([]uuid.UUID, 0, len(project.Agents))
	for _, a := range project.Agents {
		agentIDs = append(agentIDs, a.ID)
		query := `INSERT INTO agents
			(id, project_id, user_id, name, capabilities, preferred_languages, status,
			 active_tasks, priority_preference, workload_percentage, created_at, updated_at)
			VALUES (:id, :project_id, :user_id, :name, :capabilities, :preferred_languages, :status,
			 :active_tasks, :priority_preference, :workload_percentage, :created_at, :updated_at)
			ON CONFLICT (id) DO UPDATE SET
			 name = excluded.name, capabilities = excluded.capabilities,
			 preferred_languages = excluded.preferred_languages, status = excluded.status,
			 active_tasks = excluded.active_tasks, priority_preference = excluded.priority_preference,
			 workload_percentage = excluded.workload_percentage, updated_at = excluded.updated_at`
		if _, err := sqlx.NamedExecContext(ctx, q, query, a); err != nil {
			return err
		}
	}
	if err := r.deleteOrphans(ctx, q, "agents", project.ID, agentIDs); err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, r.rebind(
		`DELETE FROM branch_assignments WHERE project_id = ?`), project.ID); err != nil {
		return err
	}
	for branchID, agentID := range project.Assignments {
		if _, err := q.ExecContext(ctx, r.rebind(
			`INSERT INTO branch_assignments (project_id, branch_id, agent_id, user_id, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			project.ID, branchID, agentID, project.UserID, project.UpdatedAt); err != nil {
			return err
		}
	}

	if _, err := q.ExecContext(ctx, r.rebind(
		`DELETE FROM cross_tree_dependencies WHERE project_id = ?`), project.ID); err != nil {
		return err
	}
	for depID, prereqs := range project.Dependencies {
		for preID := range prereqs {
			if _, err := q.ExecContext(ctx, r.rebind(
				`INSERT INTO cross_tree_dependencies
				(project_id, dependent_task_id, prerequisite_task_id, user_id, created_at)
				VALUES (?, ?, ?, ?, ?)`),
				project.ID, depID, preID, project.UserID, project.UpdatedAt); err != nil {
				return err
			}
		}
	}

	for _, s := range project.Sessions {
		arg, err := sessionArg(s)
		if err != nil {
			return err
		}
		query := `INSERT INTO work_sessions (` + sessionColumns + `) VALUES (
			:id, :project_id, :user_id, :agent_id, :task_id, :branch_id, :status,
			:started_at, :ended_at, :paused_at, :total_paused_duration, :progress_updates,
			:resources_locked, :max_duration, :last_activity, :created_at, :updated_at)
			ON CONFLICT (id) DO UPDATE SET
			 status = excluded.status, ended_at = excluded.ended_at, paused_at = excluded.paused_at,
			 total_paused_duration = excluded.total_paused_duration,
			 progress_updates = excluded.progress_updates, resources_locked = excluded.resources_locked,
			 last_activity = excluded.last_activity, updated_at = excluded.updated_at`
		if _, err := sqlx.NamedExecContext(ctx, q, query, arg); err != nil {
			return err
		}
	}
	return nil
}

// deleteOrphans removes child rows dropped from the aggregate
func (r *projectRepository) deleteOrphans(ctx context.Context, q querier, table string, projectID uuid.UUID, keep []uuid.UUID) error {
	if len(keep) == 0 {
		_, err := q.ExecContext(ctx, r.rebind(
			`DELETE FROM `+table+` WHERE project_id = ?`), projectID)
		return err
	}
	query, args, err := sqlx.In(
		`DELETE FROM `+table+` WHERE project_id = ? AND id NOT IN (?)`, projectID, keep)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, r.rebind(query), args...)
	return err
}
