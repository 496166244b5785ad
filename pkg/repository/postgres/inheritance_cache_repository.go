package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// inheritanceCacheRepository implements repository.InheritanceCacheRepository.
// The table is derived state: every write is an upsert on the
// (context_id, context_level) key and rows can be dropped at will.
type inheritanceCacheRepository struct {
	*BaseRepository
}

// NewInheritanceCacheRepository creates the inheritance cache repository
func NewInheritanceCacheRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) repository.InheritanceCacheRepository {
	return &inheritanceCacheRepository{NewBaseRepository(db, logger, metrics, "inheritance_cache_repository")}
}

const cacheColumns = `context_id, context_level, user_id, resolved_context, dependencies_hash,
	resolution_path, parent_chain, expires_at, hit_count, last_hit, cache_size_bytes,
	invalidated, invalidation_reason, created_at, updated_at`

// cacheRow adds the serialized parent chain to the cache model
type cacheRow struct {
	models.ContextInheritanceCache
	ChainJSON string `db:"parent_chain"`
}

func (r *inheritanceCacheRepository) Get(ctx context.Context, scope repository.Scope, contextID uuid.UUID, level models.ContextLevel) (*models.ContextInheritanceCache, error) {
	var entry *models.ContextInheritanceCache
	err := r.execute(ctx, "cache_get", func(ctx context.Context, q querier) error {
		var row cacheRow
		query := r.rebind(`SELECT ` + cacheColumns + ` FROM context_inheritance_cache
			WHERE context_id = ? AND context_level = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{contextID, level}, scope.UserID, scope.System)
		if err := q.GetContext(ctx, &row, query, args...); err != nil {
			return notFound(err, "inheritance cache entry", contextID.String())
		}
		e := row.ContextInheritanceCache
		if row.ChainJSON != "" {
			if err := json.Unmarshal([]byte(row.ChainJSON), &e.ParentChain); err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "decode parent chain for %s", contextID)
			}
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *inheritanceCacheRepository) Upsert(ctx context.Context, scope repository.Scope, entry *models.ContextInheritanceCache) error {
	return r.execute(ctx, "cache_upsert", func(ctx context.Context, q querier) error {
		chain, err := json.Marshal(entry.ParentChain)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "encode parent chain")
		}
		arg := map[string]interface{}{
			"context_id": entry.ContextID, "context_level": entry.ContextLevel,
			"user_id": entry.UserID, "resolved_context": entry.ResolvedContext,
			"dependencies_hash": entry.DependenciesHash, "resolution_path": entry.ResolutionPath,
			"parent_chain": string(chain), "expires_at": entry.ExpiresAt,
			"hit_count": entry.HitCount, "last_hit": entry.LastHit,
			"cache_size_bytes": entry.CacheSizeBytes, "invalidated": entry.Invalidated,
			"invalidation_reason": entry.InvalidationReason,
			"created_at":          entry.CreatedAt, "updated_at": entry.UpdatedAt,
		}
		query := `INSERT INTO context_inheritance_cache (` + cacheColumns + `) VALUES (
			:context_id, :context_level, :user_id, :resolved_context, :dependencies_hash,
			:resolution_path, :parent_chain, :expires_at, :hit_count, :last_hit,
			:cache_size_bytes, :invalidated, :invalidation_reason, :created_at, :updated_at)
			ON CONFLICT (context_id, context_level) DO UPDATE SET
			 resolved_context = excluded.resolved_context,
			 dependencies_hash = excluded.dependencies_hash,
			 resolution_path = excluded.resolution_path, parent_chain = excluded.parent_chain,
			 expires_at = excluded.expires_at, cache_size_bytes = excluded.cache_size_bytes,
			 invalidated = excluded.invalidated, invalidation_reason = excluded.invalidation_reason,
			 updated_at = excluded.updated_at`
		_, err = sqlx.NamedExecContext(ctx, q, query, arg)
		return err
	})
}

// RecordHit bumps the hit counter in place so concurrent resolutions do not
// lose counts to read-modify-write races.
func (r *inheritanceCacheRepository) RecordHit(ctx context.Context, scope repository.Scope, contextID uuid.UUID, level models.ContextLevel) error {
	return r.execute(ctx, "cache_record_hit", func(ctx context.Context, q querier) error {
		query := r.rebind(`UPDATE context_inheritance_cache
			SET hit_count = hit_count + 1, last_hit = ?
			WHERE context_id = ? AND context_level = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{time.Now().UTC(), contextID, level}, scope.UserID, scope.System)
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
}

func (r *inheritanceCacheRepository) Invalidate(ctx context.Context, scope repository.Scope, contextID uuid.UUID, level models.ContextLevel, reason string) error {
	return r.execute(ctx, "cache_invalidate", func(ctx context.Context, q querier) error {
		query := r.rebind(`UPDATE context_inheritance_cache
			SET invalidated = TRUE, invalidation_reason = ?, updated_at = ?
			WHERE context_id = ? AND context_level = ?` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{reason, time.Now().UTC(), contextID, level}, scope.UserID, scope.System)
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
}

// InvalidateByAncestor marks every entry whose parent chain traversed the
// given context row stale. Branch and project context edits cascade to
// their descendants through here; the chain is stored as JSON so a
// substring match on the id finds every dependent row.
func (r *inheritanceCacheRepository) InvalidateByAncestor(ctx context.Context, scope repository.Scope, ancestorID uuid.UUID, reason string) error {
	return r.execute(ctx, "cache_invalidate_by_ancestor", func(ctx context.Context, q querier) error {
		query := r.rebind(`UPDATE context_inheritance_cache
			SET invalidated = TRUE, invalidation_reason = ?, updated_at = ?
			WHERE parent_chain LIKE ?` + scopeAnd(scope.System))
		pattern := `%"id":"` + ancestorID.String() + `"%`
		args := scopeArgs([]interface{}{reason, time.Now().UTC(), pattern}, scope.UserID, scope.System)
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
}

// InvalidateUser marks every entry of the scoped user stale. Global context
// edits cascade through here.
func (r *inheritanceCacheRepository) InvalidateUser(ctx context.Context, scope repository.Scope, reason string) error {
	if scope.UserID == "" {
		return apperrors.Validation("user_id", "user-wide invalidation requires an acting user")
	}
	return r.execute(ctx, "cache_invalidate_user", func(ctx context.Context, q querier) error {
		query := r.rebind(`UPDATE context_inheritance_cache
			SET invalidated = TRUE, invalidation_reason = ?, updated_at = ?
			WHERE user_id = ?`)
		_, err := q.ExecContext(ctx, query, reason, time.Now().UTC(), scope.UserID)
		return err
	})
}

// DeleteExpired removes expired and invalidated rows; the sweeper runs it
// under the system scope.
func (r *inheritanceCacheRepository) DeleteExpired(ctx context.Context, scope repository.Scope, now time.Time) (int64, error) {
	var removed int64
	err := r.execute(ctx, "cache_delete_expired", func(ctx context.Context, q querier) error {
		query := r.rebind(`DELETE FROM context_inheritance_cache
			WHERE (expires_at < ? OR invalidated = TRUE)` + scopeAnd(scope.System))
		args := scopeArgs([]interface{}{now}, scope.UserID, scope.System)
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
