package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// contextRepository implements repository.ContextRepository for the four
// context levels. Project, branch and task levels are keyed by their owning
// entity id; save is an upsert so the first write creates the row.
type contextRepository struct {
	*BaseRepository
}

// NewContextRepository creates the context level repository
func NewContextRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) repository.ContextRepository {
	return &contextRepository{NewBaseRepository(db, logger, metrics, "context_repository")}
}

// GetOrCreateGlobal returns the per-user root context, seeding an empty one
// on first access. The global level always resolves.
func (r *contextRepository) GetOrCreateGlobal(ctx context.Context, scope repository.Scope) (*models.GlobalContext, error) {
	if scope.UserID == "" {
		return nil, apperrors.Validation("user_id", "global context requires an acting user")
	}
	var gc models.GlobalContext
	err := r.execute(ctx, "context_global_get", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT id, user_id, organization_standards, security_policies,
			compliance_requirements, shared_resources, reusable_patterns, global_preferences,
			delegation_rules, nested_structure, version, created_at, updated_at
			FROM global_contexts WHERE user_id = ?`)
		err := q.GetContext(ctx, &gc, query, scope.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			gc = models.GlobalContext{ID: uuid.New(), UserID: scope.UserID, Version: 1}
			gc.InitTimestamps()
			insert := `INSERT INTO global_contexts
				(id, user_id, organization_standards, security_policies, compliance_requirements,
				 shared_resources, reusable_patterns, global_preferences, delegation_rules,
				 nested_structure, version, created_at, updated_at)
				VALUES (:id, :user_id, :organization_standards, :security_policies, :compliance_requirements,
				 :shared_resources, :reusable_patterns, :global_preferences, :delegation_rules,
				 :nested_structure, :version, :created_at, :updated_at)
				ON CONFLICT (user_id) DO NOTHING`
			if _, err := sqlx.NamedExecContext(ctx, q, insert, &gc); err != nil {
				return err
			}
			// A concurrent seeder may have won the insert; read back either way
			return q.GetContext(ctx, &gc, query, scope.UserID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &gc, nil
}

func (r *contextRepository) SaveGlobal(ctx context.Context, scope repository.Scope, c *models.GlobalContext) error {
	return r.execute(ctx, "context_global_save", func(ctx context.Context, q querier) error {
		query := `UPDATE global_contexts SET
			organization_standards = :organization_standards, security_policies = :security_policies,
			compliance_requirements = :compliance_requirements, shared_resources = :shared_resources,
			reusable_patterns = :reusable_patterns, global_preferences = :global_preferences,
			delegation_rules = :delegation_rules, nested_structure = :nested_structure,
			version = :version, updated_at = :updated_at
			WHERE id = :id`
		if !scope.System {
			query += ` AND user_id = :user_id`
		}
		res, err := sqlx.NamedExecContext(ctx, q, query, c)
		if err != nil {
			return err
		}
		return requireRow(res, "global context", c.ID.String())
	})
}

func (r *contextRepository) GetProject(ctx context.Context, scope repository.Scope, projectID uuid.UUID) (*models.ProjectContext, error) {
	var pc models.ProjectContext
	err := r.execute(ctx, "context_project_get", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT id, project_id, user_id, parent_global_id, project_info,
			team_preferences, technology_stack, project_workflow, local_standards,
			project_settings, technical_specifications, global_overrides, delegation_rules,
			inheritance_disabled, version, created_at, updated_at
			FROM project_contexts WHERE project_id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{projectID}, scope.UserID, scope.System)
		return notFound(q.GetContext(ctx, &pc, query, args...), "project context", projectID.String())
	})
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (r *contextRepository) SaveProject(ctx context.Context, scope repository.Scope, c *models.ProjectContext) error {
	return r.execute(ctx, "context_project_save", func(ctx context.Context, q querier) error {
		query := `INSERT INTO project_contexts
			(id, project_id, user_id, parent_global_id, project_info, team_preferences,
			 technology_stack, project_workflow, local_standards, project_settings,
			 technical_specifications, global_overrides, delegation_rules,
			 inheritance_disabled, version, created_at, updated_at)
			VALUES (:id, :project_id, :user_id, :parent_global_id, :project_info, :team_preferences,
			 :technology_stack, :project_workflow, :local_standards, :project_settings,
			 :technical_specifications, :global_overrides, :delegation_rules,
			 :inheritance_disabled, :version, :created_at, :updated_at)
			ON CONFLICT (project_id) DO UPDATE SET
			 parent_global_id = excluded.parent_global_id, project_info = excluded.project_info,
			 team_preferences = excluded.team_preferences, technology_stack = excluded.technology_stack,
			 project_workflow = excluded.project_workflow, local_standards = excluded.local_standards,
			 project_settings = excluded.project_settings,
			 technical_specifications = excluded.technical_specifications,
			 global_overrides = excluded.global_overrides, delegation_rules = excluded.delegation_rules,
			 inheritance_disabled = excluded.inheritance_disabled, version = excluded.version,
			 updated_at = excluded.updated_at`
		_, err := sqlx.NamedExecContext(ctx, q, query, c)
		return err
	})
}

func (r *contextRepository) GetBranch(ctx context.Context, scope repository.Scope, branchID uuid.UUID) (*models.BranchContext, error) {
	var bc models.BranchContext
	err := r.execute(ctx, "context_branch_get", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT id, branch_id, user_id, parent_project_id, branch_info,
			branch_workflow, feature_flags, discovered_patterns, branch_decisions,
			active_patterns, local_overrides, delegation_rules, inheritance_disabled,
			version, created_at, updated_at
			FROM branch_contexts WHERE branch_id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{branchID}, scope.UserID, scope.System)
		return notFound(q.GetContext(ctx, &bc, query, args...), "branch context", branchID.String())
	})
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

func (r *contextRepository) SaveBranch(ctx context.Context, scope repository.Scope, c *models.BranchContext) error {
	return r.execute(ctx, "context_branch_save", func(ctx context.Context, q querier) error {
		query := `INSERT INTO branch_contexts
			(id, branch_id, user_id, parent_project_id, branch_info, branch_workflow,
			 feature_flags, discovered_patterns, branch_decisions, active_patterns,
			 local_overrides, delegation_rules, inheritance_disabled, version, created_at, updated_at)
			VALUES (:id, :branch_id, :user_id, :parent_project_id, :branch_info, :branch_workflow,
			 :feature_flags, :discovered_patterns, :branch_decisions, :active_patterns,
			 :local_overrides, :delegation_rules, :inheritance_disabled, :version, :created_at, :updated_at)
			ON CONFLICT (branch_id) DO UPDATE SET
			 parent_project_id = excluded.parent_project_id, branch_info = excluded.branch_info,
			 branch_workflow = excluded.branch_workflow, feature_flags = excluded.feature_flags,
			 discovered_patterns = excluded.discovered_patterns,
			 branch_decisions = excluded.branch_decisions, active_patterns = excluded.active_patterns,
			 local_overrides = excluded.local_overrides, delegation_rules = excluded.delegation_rules,
			 inheritance_disabled = excluded.inheritance_disabled, version = excluded.version,
			 updated_at = excluded.updated_at`
		_, err := sqlx.NamedExecContext(ctx, q, query, c)
		return err
	})
}

func (r *contextRepository) GetTask(ctx context.Context, scope repository.Scope, taskID uuid.UUID) (*models.TaskContext, error) {
	var tc models.TaskContext
	err := r.execute(ctx, "context_task_get", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT id, task_id, user_id, parent_branch_id, parent_branch_context_id,
			task_data, execution_context, discovered_patterns, implementation_notes,
			test_results, blockers, local_decisions, delegation_queue, local_overrides,
			delegation_triggers, inheritance_disabled, force_local_only, version,
			created_at, updated_at
			FROM task_contexts WHERE task_id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{taskID}, scope.UserID, scope.System)
		return notFound(q.GetContext(ctx, &tc, query, args...), "task context", taskID.String())
	})
	if err != nil {
		return nil, err
	}
	return &tc, nil
}

func (r *contextRepository) SaveTask(ctx context.Context, scope repository.Scope, c *models.TaskContext) error {
	return r.execute(ctx, "context_task_save", func(ctx context.Context, q querier) error {
		query := `INSERT INTO task_contexts
			(id, task_id, user_id, parent_branch_id, parent_branch_context_id, task_data,
			 execution_context, discovered_patterns, implementation_notes, test_results,
			 blockers, local_decisions, delegation_queue, local_overrides, delegation_triggers,
			 inheritance_disabled, force_local_only, version, created_at, updated_at)
			VALUES (:id, :task_id, :user_id, :parent_branch_id, :parent_branch_context_id, :task_data,
			 :execution_context, :discovered_patterns, :implementation_notes, :test_results,
			 :blockers, :local_decisions, :delegation_queue, :local_overrides, :delegation_triggers,
			 :inheritance_disabled, :force_local_only, :version, :created_at, :updated_at)
			ON CONFLICT (task_id) DO UPDATE SET
			 parent_branch_id = excluded.parent_branch_id,
			 parent_branch_context_id = excluded.parent_branch_context_id,
			 task_data = excluded.task_data, execution_context = excluded.execution_context,
			 discovered_patterns = excluded.discovered_patterns,
			 implementation_notes = excluded.implementation_notes, test_results = excluded.test_results,
			 blockers = excluded.blockers, local_decisions = excluded.local_decisions,
			 delegation_queue = excluded.delegation_queue, local_overrides = excluded.local_overrides,
			 delegation_triggers = excluded.delegation_triggers,
			 inheritance_disabled = excluded.inheritance_disabled,
			 force_local_only = excluded.force_local_only, version = excluded.version,
			 updated_at = excluded.updated_at`
		_, err := sqlx.NamedExecContext(ctx, q, query, c)
		return err
	})
}
