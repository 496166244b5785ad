package services

// In-memory repository fakes backing the service tests. They honour the
// user-scoping contract: cross-user reads surface NOT_FOUND.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

type passTx struct{}

func (passTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func visible(scope repository.Scope, userID string) bool {
	return scope.System || scope.UserID == userID
}

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[uuid.UUID]*models.Task)}
}

func (r *memTaskRepo) Create(_ context.Context, _ repository.Scope, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *memTaskRepo) Get(_ context.Context, scope repository.Scope, id uuid.UUID) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || !visible(scope, task.UserID) {
		return nil, apperrors.NotFound("task", id.String())
	}
	return task, nil
}

func (r *memTaskRepo) List(_ context.Context, scope repository.Scope, filter repository.TaskFilter) ([]*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Task
	for _, task := range r.tasks {
		if !visible(scope, task.UserID) {
			continue
		}
		if filter.BranchID != nil && task.BranchID != *filter.BranchID {
			continue
		}
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (r *memTaskRepo) Save(_ context.Context, scope repository.Scope, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tasks[task.ID]; !ok || !visible(scope, existing.UserID) {
		return apperrors.NotFound("task", task.ID.String())
	}
	r.tasks[task.ID] = task
	return nil
}

func (r *memTaskRepo) Delete(_ context.Context, scope repository.Scope, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || !visible(scope, task.UserID) {
		return apperrors.NotFound("task", id.String())
	}
	delete(r.tasks, id)
	return nil
}

func (r *memTaskRepo) AppendSnapshot(context.Context, repository.Scope, models.ProgressSnapshot) error {
	return nil
}

type memSubtaskRepo struct {
	mu       sync.Mutex
	subtasks map[uuid.UUID]*models.Subtask
}

func newMemSubtaskRepo() *memSubtaskRepo {
	return &memSubtaskRepo{subtasks: make(map[uuid.UUID]*models.Subtask)}
}

func (r *memSubtaskRepo) Create(_ context.Context, _ repository.Scope, s *models.Subtask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subtasks[s.ID] = s
	return nil
}

func (r *memSubtaskRepo) Get(_ context.Context, scope repository.Scope, id uuid.UUID) (*models.Subtask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subtasks[id]
	if !ok || !visible(scope, s.UserID) {
		return nil, apperrors.NotFound("subtask", id.String())
	}
	return s, nil
}

func (r *memSubtaskRepo) ListByTask(_ context.Context, scope repository.Scope, taskID uuid.UUID) ([]*models.Subtask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Subtask
	for _, s := range r.subtasks {
		if s.ParentTaskID == taskID && visible(scope, s.UserID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSubtaskRepo) Save(_ context.Context, _ repository.Scope, s *models.Subtask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subtasks[s.ID] = s
	return nil
}

func (r *memSubtaskRepo) Delete(_ context.Context, _ repository.Scope, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subtasks, id)
	return nil
}

type memProjectRepo struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
}

func newMemProjectRepo() *memProjectRepo {
	return &memProjectRepo{projects: make(map[uuid.UUID]*models.Project)}
}

func (r *memProjectRepo) Create(_ context.Context, _ repository.Scope, p *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.ID] = p
	return nil
}

func (r *memProjectRepo) Get(_ context.Context, scope repository.Scope, id uuid.UUID) (*models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok || !visible(scope, p.UserID) {
		return nil, apperrors.NotFound("project", id.String())
	}
	return p, nil
}

func (r *memProjectRepo) List(_ context.Context, scope repository.Scope, _, _ int) ([]*models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Project
	for _, p := range r.projects {
		if visible(scope, p.UserID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memProjectRepo) Save(_ context.Context, _ repository.Scope, p *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.ID] = p
	return nil
}

func (r *memProjectRepo) Delete(_ context.Context, scope repository.Scope, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok || !visible(scope, p.UserID) {
		return apperrors.NotFound("project", id.String())
	}
	delete(r.projects, id)
	return nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.WorkSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[uuid.UUID]*models.WorkSession)}
}

func (r *memSessionRepo) Create(_ context.Context, _ repository.Scope, s *models.WorkSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

func (r *memSessionRepo) Get(_ context.Context, scope repository.Scope, id uuid.UUID) (*models.WorkSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !visible(scope, s.UserID) {
		return nil, apperrors.NotFound("session", id.String())
	}
	return s, nil
}

func (r *memSessionRepo) ListByProject(_ context.Context, scope repository.Scope, projectID uuid.UUID) ([]*models.WorkSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WorkSession
	for _, s := range r.sessions {
		if s.ProjectID == projectID && visible(scope, s.UserID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSessionRepo) ListActive(context.Context, repository.Scope) ([]*models.WorkSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WorkSession
	for _, s := range r.sessions {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSessionRepo) Save(_ context.Context, _ repository.Scope, s *models.WorkSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

type memContextRepo struct {
	mu       sync.Mutex
	globals  map[string]*models.GlobalContext
	projects map[uuid.UUID]*models.ProjectContext
	branches map[uuid.UUID]*models.BranchContext
	tasks    map[uuid.UUID]*models.TaskContext
}

func newMemContextRepo() *memContextRepo {
	return &memContextRepo{
		globals:  make(map[string]*models.GlobalContext),
		projects: make(map[uuid.UUID]*models.ProjectContext),
		branches: make(map[uuid.UUID]*models.BranchContext),
		tasks:    make(map[uuid.UUID]*models.TaskContext),
	}
}

func (r *memContextRepo) GetOrCreateGlobal(_ context.Context, scope repository.Scope) (*models.GlobalContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gc, ok := r.globals[scope.UserID]; ok {
		return gc, nil
	}
	gc := &models.GlobalContext{ID: uuid.New(), UserID: scope.UserID}
	gc.InitTimestamps()
	r.globals[scope.UserID] = gc
	return gc, nil
}

func (r *memContextRepo) SaveGlobal(_ context.Context, scope repository.Scope, c *models.GlobalContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globals[scope.UserID] = c
	return nil
}

func (r *memContextRepo) GetProject(_ context.Context, scope repository.Scope, projectID uuid.UUID) (*models.ProjectContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.projects[projectID]
	if !ok || !visible(scope, c.UserID) {
		return nil, apperrors.NotFound("project context", projectID.String())
	}
	return c, nil
}

func (r *memContextRepo) SaveProject(_ context.Context, _ repository.Scope, c *models.ProjectContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[c.ProjectID] = c
	return nil
}

func (r *memContextRepo) GetBranch(_ context.Context, scope repository.Scope, branchID uuid.UUID) (*models.BranchContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.branches[branchID]
	if !ok || !visible(scope, c.UserID) {
		return nil, apperrors.NotFound("branch context", branchID.String())
	}
	return c, nil
}

func (r *memContextRepo) SaveBranch(_ context.Context, _ repository.Scope, c *models.BranchContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches[c.BranchID] = c
	return nil
}

func (r *memContextRepo) GetTask(_ context.Context, scope repository.Scope, taskID uuid.UUID) (*models.TaskContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.tasks[taskID]
	if !ok || !visible(scope, c.UserID) {
		return nil, apperrors.NotFound("task context", taskID.String())
	}
	return c, nil
}

func (r *memContextRepo) SaveTask(_ context.Context, _ repository.Scope, c *models.TaskContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[c.TaskID] = c
	return nil
}

type memDelegationRepo struct {
	mu          sync.Mutex
	delegations map[uuid.UUID]*models.ContextDelegation
}

func newMemDelegationRepo() *memDelegationRepo {
	return &memDelegationRepo{delegations: make(map[uuid.UUID]*models.ContextDelegation)}
}

func (r *memDelegationRepo) Create(_ context.Context, _ repository.Scope, d *models.ContextDelegation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegations[d.ID] = d
	return nil
}

func (r *memDelegationRepo) Get(_ context.Context, scope repository.Scope, id uuid.UUID) (*models.ContextDelegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.delegations[id]
	if !ok || !visible(scope, d.UserID) {
		return nil, apperrors.NotFound("delegation", id.String())
	}
	return d, nil
}

func (r *memDelegationRepo) ListPending(_ context.Context, scope repository.Scope, targetLevel models.ContextLevel, targetID uuid.UUID) ([]*models.ContextDelegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ContextDelegation
	for _, d := range r.delegations {
		if d.TargetLevel == targetLevel && d.TargetID == targetID &&
			d.Status == models.DelegationStatusPending && visible(scope, d.UserID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memDelegationRepo) Save(_ context.Context, _ repository.Scope, d *models.ContextDelegation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegations[d.ID] = d
	return nil
}

type cacheKey struct {
	id    uuid.UUID
	level models.ContextLevel
}

type memCacheRepo struct {
	mu      sync.Mutex
	entries map[cacheKey]*models.ContextInheritanceCache
}

func newMemCacheRepo() *memCacheRepo {
	return &memCacheRepo{entries: make(map[cacheKey]*models.ContextInheritanceCache)}
}

func (r *memCacheRepo) Get(_ context.Context, scope repository.Scope, contextID uuid.UUID, level models.ContextLevel) (*models.ContextInheritanceCache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[cacheKey{contextID, level}]
	if !ok || !visible(scope, entry.UserID) {
		return nil, apperrors.NotFound("inheritance cache entry", contextID.String())
	}
	return entry, nil
}

func (r *memCacheRepo) Upsert(_ context.Context, _ repository.Scope, entry *models.ContextInheritanceCache) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cacheKey{entry.ContextID, entry.ContextLevel}] = entry
	return nil
}

func (r *memCacheRepo) RecordHit(_ context.Context, _ repository.Scope, contextID uuid.UUID, level models.ContextLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[cacheKey{contextID, level}]; ok {
		entry.HitCount++
		now := time.Now().UTC()
		entry.LastHit = &now
	}
	return nil
}

func (r *memCacheRepo) Invalidate(_ context.Context, _ repository.Scope, contextID uuid.UUID, level models.ContextLevel, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[cacheKey{contextID, level}]; ok {
		entry.Invalidated = true
		entry.InvalidationReason = reason
	}
	return nil
}

func (r *memCacheRepo) InvalidateByAncestor(_ context.Context, _ repository.Scope, ancestorID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		for _, link := range entry.ParentChain {
			if link.ID == ancestorID {
				entry.Invalidated = true
				entry.InvalidationReason = reason
				break
			}
		}
	}
	return nil
}

func (r *memCacheRepo) InvalidateUser(_ context.Context, scope repository.Scope, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.UserID == scope.UserID {
			entry.Invalidated = true
			entry.InvalidationReason = reason
		}
	}
	return nil
}

func (r *memCacheRepo) DeleteExpired(_ context.Context, _ repository.Scope, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for key, entry := range r.entries {
		if entry.Invalidated || entry.ExpiresAt.Before(now) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed, nil
}
