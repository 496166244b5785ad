// Package repository defines the persistence contracts of the taskmesh
// engines. Every operation is scoped: callers pass the acting user and
// repositories refuse to surface rows owned by anyone else. Cross-user
// access reads as NOT_FOUND so existence is never leaked. Background
// maintenance (session sweeps, cache eviction) runs under the system scope,
// which bypasses user filtering.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Scope identifies the acting principal of a repository call
type Scope struct {
	UserID string
	System bool
}

// UserScope scopes calls to a single user's rows
func UserScope(userID string) Scope {
	return Scope{UserID: userID}
}

// SystemScope bypasses user filtering for background maintenance
func SystemScope() Scope {
	return Scope{System: true}
}

// Pagination bounds applied when a filter leaves Limit unset
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// TaskFilter narrows task listings. Nil fields are ignored.
type TaskFilter struct {
	BranchID *uuid.UUID
	Status   *models.TaskStatus
	Priority *models.TaskPriority
	Assignee string
	Label    string
	Limit    int
	Offset   int
}

// ProjectRepository persists the project aggregate. Get and Save cover the
// whole aggregate: branches, agents, assignments, cross-tree dependencies,
// and live sessions travel with the root.
type ProjectRepository interface {
	Create(ctx context.Context, scope Scope, project *models.Project) error
	Get(ctx context.Context, scope Scope, id uuid.UUID) (*models.Project, error)
	List(ctx context.Context, scope Scope, limit, offset int) ([]*models.Project, error)
	Save(ctx context.Context, scope Scope, project *models.Project) error
	Delete(ctx context.Context, scope Scope, id uuid.UUID) error
}

// TaskRepository persists tasks together with their progress timeline and
// the ids of their subtasks.
type TaskRepository interface {
	Create(ctx context.Context, scope Scope, task *models.Task) error
	Get(ctx context.Context, scope Scope, id uuid.UUID) (*models.Task, error)
	List(ctx context.Context, scope Scope, filter TaskFilter) ([]*models.Task, error)
	Save(ctx context.Context, scope Scope, task *models.Task) error
	Delete(ctx context.Context, scope Scope, id uuid.UUID) error
	// AppendSnapshot persists one timeline entry; the task row is saved
	// separately by the caller
	AppendSnapshot(ctx context.Context, scope Scope, snapshot models.ProgressSnapshot) error
}

// SubtaskRepository persists subtasks under their parent task
type SubtaskRepository interface {
	Create(ctx context.Context, scope Scope, subtask *models.Subtask) error
	Get(ctx context.Context, scope Scope, id uuid.UUID) (*models.Subtask, error)
	ListByTask(ctx context.Context, scope Scope, taskID uuid.UUID) ([]*models.Subtask, error)
	Save(ctx context.Context, scope Scope, subtask *models.Subtask) error
	Delete(ctx context.Context, scope Scope, id uuid.UUID) error
}

// SessionRepository persists work sessions. ListActive spans all users and
// requires the system scope; the sweeper uses it.
type SessionRepository interface {
	Create(ctx context.Context, scope Scope, session *models.WorkSession) error
	Get(ctx context.Context, scope Scope, id uuid.UUID) (*models.WorkSession, error)
	ListByProject(ctx context.Context, scope Scope, projectID uuid.UUID) ([]*models.WorkSession, error)
	ListActive(ctx context.Context, scope Scope) ([]*models.WorkSession, error)
	Save(ctx context.Context, scope Scope, session *models.WorkSession) error
}

// ContextRepository persists the four context levels. Get methods return
// NOT_FOUND when the level has never been written; GetOrCreateGlobal seeds
// the per-user root lazily.
type ContextRepository interface {
	GetOrCreateGlobal(ctx context.Context, scope Scope) (*models.GlobalContext, error)
	SaveGlobal(ctx context.Context, scope Scope, c *models.GlobalContext) error

	GetProject(ctx context.Context, scope Scope, projectID uuid.UUID) (*models.ProjectContext, error)
	SaveProject(ctx context.Context, scope Scope, c *models.ProjectContext) error

	GetBranch(ctx context.Context, scope Scope, branchID uuid.UUID) (*models.BranchContext, error)
	SaveBranch(ctx context.Context, scope Scope, c *models.BranchContext) error

	GetTask(ctx context.Context, scope Scope, taskID uuid.UUID) (*models.TaskContext, error)
	SaveTask(ctx context.Context, scope Scope, c *models.TaskContext) error
}

// DelegationRepository persists context delegations
type DelegationRepository interface {
	Create(ctx context.Context, scope Scope, d *models.ContextDelegation) error
	Get(ctx context.Context, scope Scope, id uuid.UUID) (*models.ContextDelegation, error)
	ListPending(ctx context.Context, scope Scope, targetLevel models.ContextLevel, targetID uuid.UUID) ([]*models.ContextDelegation, error)
	Save(ctx context.Context, scope Scope, d *models.ContextDelegation) error
}

// InheritanceCacheRepository persists the derived resolution cache keyed by
// (context_id, context_level). Upsert is optimistic: concurrent writers of
// the same key settle on last-write-wins and the caller retries on
// serialization failures.
type InheritanceCacheRepository interface {
	Get(ctx context.Context, scope Scope, contextID uuid.UUID, level models.ContextLevel) (*models.ContextInheritanceCache, error)
	Upsert(ctx context.Context, scope Scope, entry *models.ContextInheritanceCache) error
	RecordHit(ctx context.Context, scope Scope, contextID uuid.UUID, level models.ContextLevel) error
	Invalidate(ctx context.Context, scope Scope, contextID uuid.UUID, level models.ContextLevel, reason string) error
	// InvalidateByAncestor marks every entry whose parent chain traversed
	// the given context row; branch and project edits cascade through it
	InvalidateByAncestor(ctx context.Context, scope Scope, ancestorID uuid.UUID, reason string) error
	InvalidateUser(ctx context.Context, scope Scope, reason string) error
	DeleteExpired(ctx context.Context, scope Scope, now time.Time) (int64, error)
}

// TxManager runs a function inside a database transaction. Repositories
// observe the transactional context and join the same transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
