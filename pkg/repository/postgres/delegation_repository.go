package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// delegationRepository implements repository.DelegationRepository
type delegationRepository struct {
	*BaseRepository
}

// NewDelegationRepository creates the context delegation repository
func NewDelegationRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) repository.DelegationRepository {
	return &delegationRepository{NewBaseRepository(db, logger, metrics, "delegation_repository")}
}

const delegationColumns = `id, user_id, source_level, source_id, target_level, target_id,
	delegated_data, delegation_reason, trigger_type, processed, approved,
	confidence_score, status, error_message, created_at, updated_at`

func (r *delegationRepository) Create(ctx context.Context, scope repository.Scope, d *models.ContextDelegation) error {
	return r.execute(ctx, "delegation_create", func(ctx context.Context, q querier) error {
		query := `INSERT INTO context_delegations (` + delegationColumns + `) VALUES (
			:id, :user_id, :source_level, :source_id, :target_level, :target_id,
			:delegated_data, :delegation_reason, :trigger_type, :processed, :approved,
			:confidence_score, :status, :error_message, :created_at, :updated_at)`
		_, err := sqlx.NamedExecContext(ctx, q, query, d)
		return err
	})
}

func (r *delegationRepository) Get(ctx context.Context, scope repository.Scope, id uuid.UUID) (*models.ContextDelegation, error) {
	var d models.ContextDelegation
	err := r.execute(ctx, "delegation_get", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT ` + delegationColumns + ` FROM context_delegations
			WHERE id = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{id}, scope.UserID, scope.System)
		return notFound(q.GetContext(ctx, &d, query, args...), "delegation", id.String())
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *delegationRepository) ListPending(ctx context.Context, scope repository.Scope, targetLevel models.ContextLevel, targetID uuid.UUID) ([]*models.ContextDelegation, error) {
	var delegations []*models.ContextDelegation
	err := r.execute(ctx, "delegation_list_pending", func(ctx context.Context, q querier) error {
		query := r.rebind(`SELECT ` + delegationColumns + ` FROM context_delegations
			WHERE target_level = ? AND target_id = ? AND status = 'pending'` + scopeAnd(scope.System) +
			` ORDER BY created_at, id`)
		args := scopeArgs([]interface{}{targetLevel, targetID}, scope.UserID, scope.System)
		return q.SelectContext(ctx, &delegations, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return delegations, nil
}

func (r *delegationRepository) Save(ctx context.Context, scope repository.Scope, d *models.ContextDelegation) error {
	return r.execute(ctx, "delegation_save", func(ctx context.Context, q querier) error {
		query := `UPDATE context_delegations SET
			delegated_data = :delegated_data, processed = :processed, approved = :approved,
			confidence_score = :confidence_score, status = :status,
			error_message = :error_message, updated_at = :updated_at
			WHERE id = :id`
		if !scope.System {
			query += ` AND user_id = :user_id`
		}
		res, err := sqlx.NamedExecContext(ctx, q, query, d)
		if err != nil {
			return err
		}
		return requireRow(res, "delegation", d.ID.String())
	})
}
