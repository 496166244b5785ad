package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// DefaultCacheTTL bounds how long a resolved context may be served from
// the inheritance cache.
const DefaultCacheTTL = 5 * time.Minute

// cacheWriteAttempts bounds the upsert-with-version loop: when an ancestor
// version advances during resolution the write is discarded and the
// resolver retries; after the attempts run out the fresh resolution is
// returned uncached.
const cacheWriteAttempts = 3

// sectionSchema validates that a section document is a JSON object
var sectionSchema = gojsonschema.NewGoLoader(map[string]interface{}{
	"type": "object",
})

// Resolution is the outcome of a context resolve
type Resolution struct {
	ContextID        uuid.UUID           `json:"context_id"`
	Level            models.ContextLevel `json:"level"`
	ResolvedContext  models.JSONMap      `json:"resolved_context"`
	DependenciesHash string              `json:"dependencies_hash"`
	ResolutionPath   string              `json:"resolution_path"`
	Chain            models.ChainList    `json:"chain"`
	CacheHit         bool                `json:"cache_hit"`
}

// ContextService is the context engine's use-case surface
type ContextService interface {
	ContextResolver
	// Resolve merges the inheritance chain of the context identified by
	// its owning entity id. includeInherited=false returns the level's own
	// sections without walking the chain.
	Resolve(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID, includeInherited bool) (*Resolution, error)
	// UpdateSection replaces one named section, creating the level row
	// lazily, and invalidates the affected cache subtree.
	UpdateSection(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID, section string, data models.JSONMap) error
	// AddProgress appends a progress note to a task's execution context
	AddProgress(ctx context.Context, userID string, taskID uuid.UUID, content, agent string) error
	// Invalidate marks the cached resolution of a context (and its
	// descendants) stale.
	Invalidate(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID, reason string) error
}

type contextService struct {
	BaseService
	contexts  repository.ContextRepository
	cacheRepo repository.InheritanceCacheRepository
	tasks     repository.TaskRepository
	ttl       time.Duration
}

// NewContextService builds the context engine. tasks is used to discover a
// task's branch when its context row is created lazily; it may be nil.
func NewContextService(cfg ServiceConfig, contexts repository.ContextRepository, cacheRepo repository.InheritanceCacheRepository, tasks repository.TaskRepository, ttl time.Duration) ContextService {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &contextService{
		BaseService: newBaseService(cfg, "context_service"),
		contexts:    contexts,
		cacheRepo:   cacheRepo,
		tasks:       tasks,
		ttl:         ttl,
	}
}

// chainNode is one traversed level of a resolution
type chainNode struct {
	level    models.ContextLevel
	rowID    uuid.UUID
	version  int
	sections []models.Section
	// truncate stops the walk above this node (inheritance_disabled)
	truncate bool
}

func (s *contextService) ResolveTask(ctx context.Context, userID string, taskID uuid.UUID) (*Resolution, error) {
	return s.Resolve(ctx, userID, models.ContextLevelTask, taskID, true)
}

func (s *contextService) Resolve(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID, includeInherited bool) (*Resolution, error) {
	if !models.ValidContextLevel(level) {
		return nil, apperrors.Validation("level", "unknown context level: %q", level)
	}
	scope := repository.UserScope(userID)

	if !includeInherited {
		nodes, err := s.walkChain(ctx, scope, level, id, false)
		if err != nil {
			return nil, err
		}
		return buildResolution(id, level, nodes, false), nil
	}

	for attempt := 0; attempt < cacheWriteAttempts; attempt++ {
		nodes, err := s.walkChain(ctx, scope, level, id, true)
		if err != nil {
			return nil, err
		}
		resolution := buildResolution(id, level, nodes, false)

		if cached, err := s.cacheRepo.Get(ctx, scope, id, level); err == nil {
			now := time.Now().UTC()
			if !cached.Invalidated && cached.ExpiresAt.After(now) && cached.DependenciesHash == resolution.DependenciesHash {
				if err := s.cacheRepo.RecordHit(ctx, scope, id, level); err != nil {
					s.logger.Warn("cache hit not recorded", map[string]interface{}{"error": err.Error()})
				}
				s.metrics.IncrementCounterWithLabels("context_cache", 1, map[string]string{"result": "hit"})
				return &Resolution{
					ContextID:        id,
					Level:            level,
					ResolvedContext:  cached.ResolvedContext,
					DependenciesHash: cached.DependenciesHash,
					ResolutionPath:   cached.ResolutionPath,
					Chain:            cached.ParentChain,
					CacheHit:         true,
				}, nil
			}
		}
		s.metrics.IncrementCounterWithLabels("context_cache", 1, map[string]string{"result": "miss"})

		// Re-walk before writing: if any ancestor version advanced during
		// resolution the write would cache a torn view.
		verify, err := s.walkChain(ctx, scope, level, id, true)
		if err != nil {
			return nil, err
		}
		if chainHash(chainOf(verify)) != resolution.DependenciesHash {
			continue
		}
		if err := s.writeCacheEntry(ctx, scope, userID, resolution); err != nil {
			s.logger.Warn("cache write failed", map[string]interface{}{
				"context_id": id.String(),
				"error":      err.Error(),
			})
			continue
		}
		return resolution, nil
	}

	// Attempts exhausted: serve the freshest view uncached
	nodes, err := s.walkChain(ctx, scope, level, id, true)
	if err != nil {
		return nil, err
	}
	return buildResolution(id, level, nodes, false), nil
}

func (s *contextService) writeCacheEntry(ctx context.Context, scope repository.Scope, userID string, r *Resolution) error {
	payload, err := json.Marshal(r.ResolvedContext)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "encode resolved context")
	}
	entry := &models.ContextInheritanceCache{
		ContextID:        r.ContextID,
		ContextLevel:     r.Level,
		UserID:           userID,
		ResolvedContext:  r.ResolvedContext,
		DependenciesHash: r.DependenciesHash,
		ResolutionPath:   r.ResolutionPath,
		ParentChain:      r.Chain,
		ExpiresAt:        time.Now().UTC().Add(s.ttl),
		CacheSizeBytes:   int64(len(payload)),
	}
	entry.InitTimestamps()
	return s.cacheRepo.Upsert(ctx, scope, entry)
}

// walkChain loads the resolution chain leaf-first and returns it root
// first. inheritance_disabled truncates the chain at the flagged level
// (inclusive); force_local_only on a task context ignores parents
// entirely. A missing ancestor ends the walk without error.
func (s *contextService) walkChain(ctx context.Context, scope repository.Scope, level models.ContextLevel, id uuid.UUID, inherited bool) ([]chainNode, error) {
	var leafFirst []chainNode

	switch level {
	case models.ContextLevelTask:
		tc, err := s.contexts.GetTask(ctx, scope, id)
		if err != nil {
			return nil, err
		}
		leafFirst = append(leafFirst, chainNode{
			level: models.ContextLevelTask, rowID: tc.ID, version: tc.Version,
			sections: tc.Sections(),
			truncate: tc.InheritanceDisabled || tc.ForceLocalOnly,
		})
		if !inherited || leafFirst[0].truncate {
			break
		}
		if tc.ParentBranchID == nil {
			break
		}
		if err := s.walkFromBranch(ctx, scope, *tc.ParentBranchID, &leafFirst); err != nil {
			return nil, err
		}

	case models.ContextLevelBranch:
		if err := s.walkFromBranch(ctx, scope, id, &leafFirst); err != nil {
			return nil, err
		}
		if len(leafFirst) == 0 {
			return nil, apperrors.NotFound("branch context", id.String())
		}
		if !inherited {
			leafFirst = leafFirst[:1]
		}

	case models.ContextLevelProject:
		if err := s.walkFromProject(ctx, scope, id, &leafFirst); err != nil {
			return nil, err
		}
		if len(leafFirst) == 0 {
			return nil, apperrors.NotFound("project context", id.String())
		}
		if !inherited {
			leafFirst = leafFirst[:1]
		}

	case models.ContextLevelGlobal:
		gc, err := s.contexts.GetOrCreateGlobal(ctx, scope)
		if err != nil {
			return nil, err
		}
		leafFirst = append(leafFirst, chainNode{
			level: models.ContextLevelGlobal, rowID: gc.ID, version: gc.Version,
			sections: gc.Sections(),
		})
	}

	// Reverse to root-first for deterministic merging
	rootFirst := make([]chainNode, 0, len(leafFirst))
	for i := len(leafFirst) - 1; i >= 0; i-- {
		rootFirst = append(rootFirst, leafFirst[i])
	}
	return rootFirst, nil
}

func (s *contextService) walkFromBranch(ctx context.Context, scope repository.Scope, branchID uuid.UUID, leafFirst *[]chainNode) error {
	bc, err := s.contexts.GetBranch(ctx, scope, branchID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) && len(*leafFirst) > 0 {
			return nil
		}
		return err
	}
	*leafFirst = append(*leafFirst, chainNode{
		level: models.ContextLevelBranch, rowID: bc.ID, version: bc.Version,
		sections: bc.Sections(), truncate: bc.InheritanceDisabled,
	})
	if bc.InheritanceDisabled || bc.ParentProjectID == nil {
		return nil
	}
	return s.walkFromProject(ctx, scope, *bc.ParentProjectID, leafFirst)
}

func (s *contextService) walkFromProject(ctx context.Context, scope repository.Scope, projectID uuid.UUID, leafFirst *[]chainNode) error {
	pc, err := s.contexts.GetProject(ctx, scope, projectID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) && len(*leafFirst) > 0 {
			return nil
		}
		return err
	}
	*leafFirst = append(*leafFirst, chainNode{
		level: models.ContextLevelProject, rowID: pc.ID, version: pc.Version,
		sections: pc.Sections(), truncate: pc.InheritanceDisabled,
	})
	if pc.InheritanceDisabled {
		return nil
	}
	gc, err := s.contexts.GetOrCreateGlobal(ctx, scope)
	if err != nil {
		return err
	}
	*leafFirst = append(*leafFirst, chainNode{
		level: models.ContextLevelGlobal, rowID: gc.ID, version: gc.Version,
		sections: gc.Sections(),
	})
	return nil
}

func chainOf(nodes []chainNode) models.ChainList {
	chain := make(models.ChainList, len(nodes))
	for i, n := range nodes {
		chain[i] = models.ChainEntry{Level: n.level, ID: n.rowID, Version: n.version}
	}
	return chain
}

func buildResolution(id uuid.UUID, level models.ContextLevel, nodes []chainNode, cacheHit bool) *Resolution {
	merged := make(map[string]interface{})
	path := make([]string, len(nodes))
	for i, n := range nodes {
		merged = mergeSections(merged, n.sections)
		path[i] = string(n.level)
	}
	chain := chainOf(nodes)
	return &Resolution{
		ContextID:        id,
		Level:            level,
		ResolvedContext:  models.JSONMap(merged),
		DependenciesHash: chainHash(chain),
		ResolutionPath:   strings.Join(path, " -> "),
		Chain:            chain,
		CacheHit:         cacheHit,
	}
}

func (s *contextService) UpdateSection(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID, section string, data models.JSONMap) error {
	if err := s.checkRateLimit(); err != nil {
		return err
	}
	if err := validateSectionDocument(data); err != nil {
		return err
	}
	scope := repository.UserScope(userID)

	switch level {
	case models.ContextLevelTask:
		tc, err := s.getOrCreateTaskContext(ctx, scope, userID, id)
		if err != nil {
			return err
		}
		if !tc.SetSection(section, data) {
			return apperrors.Validation("section", "unknown task context section: %q", section)
		}
		if err := s.contexts.SaveTask(ctx, scope, tc); err != nil {
			return err
		}
		return s.cacheRepo.Invalidate(ctx, scope, id, level, "task context updated")

	case models.ContextLevelBranch:
		bc, err := s.contexts.GetBranch(ctx, scope, id)
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			bc = &models.BranchContext{ID: uuid.New(), BranchID: id, UserID: userID}
			bc.InitTimestamps()
		} else if err != nil {
			return err
		}
		if !bc.SetSection(section, data) {
			return apperrors.Validation("section", "unknown branch context section: %q", section)
		}
		if err := s.contexts.SaveBranch(ctx, scope, bc); err != nil {
			return err
		}
		return s.invalidateSubtree(ctx, scope, id, level, bc.ID, "branch context updated")

	case models.ContextLevelProject:
		pc, err := s.contexts.GetProject(ctx, scope, id)
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			pc = &models.ProjectContext{ID: uuid.New(), ProjectID: id, UserID: userID}
			pc.InitTimestamps()
		} else if err != nil {
			return err
		}
		if !pc.SetSection(section, data) {
			return apperrors.Validation("section", "unknown project context section: %q", section)
		}
		if err := s.contexts.SaveProject(ctx, scope, pc); err != nil {
			return err
		}
		return s.invalidateSubtree(ctx, scope, id, level, pc.ID, "project context updated")

	case models.ContextLevelGlobal:
		gc, err := s.contexts.GetOrCreateGlobal(ctx, scope)
		if err != nil {
			return err
		}
		gc.SetSection(section, data)
		if err := s.contexts.SaveGlobal(ctx, scope, gc); err != nil {
			return err
		}
		return s.cacheRepo.InvalidateUser(ctx, scope, "global context updated")
	}
	return apperrors.Validation("level", "unknown context level: %q", level)
}

// invalidateSubtree marks the level's own cache entry and every descendant
// entry whose chain traversed the mutated row.
func (s *contextService) invalidateSubtree(ctx context.Context, scope repository.Scope, id uuid.UUID, level models.ContextLevel, rowID uuid.UUID, reason string) error {
	if err := s.cacheRepo.Invalidate(ctx, scope, id, level, reason); err != nil {
		return err
	}
	return s.cacheRepo.InvalidateByAncestor(ctx, scope, rowID, reason)
}

// getOrCreateTaskContext seeds the task level lazily. The parent branch is
// discovered from the task row when a task repository is wired.
func (s *contextService) getOrCreateTaskContext(ctx context.Context, scope repository.Scope, userID string, taskID uuid.UUID) (*models.TaskContext, error) {
	tc, err := s.contexts.GetTask(ctx, scope, taskID)
	if err == nil {
		return tc, nil
	}
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, err
	}
	tc = &models.TaskContext{ID: uuid.New(), TaskID: taskID, UserID: userID}
	tc.InitTimestamps()
	if s.tasks != nil {
		if task, err := s.tasks.Get(ctx, scope, taskID); err == nil {
			branchID := task.BranchID
			tc.ParentBranchID = &branchID
			if bc, err := s.contexts.GetBranch(ctx, scope, branchID); err == nil {
				tc.ParentBranchContextID = &bc.ID
			}
		}
	}
	return tc, nil
}

func (s *contextService) AddProgress(ctx context.Context, userID string, taskID uuid.UUID, content, agent string) error {
	if err := s.checkRateLimit(); err != nil {
		return err
	}
	if content == "" {
		return apperrors.Validation("content", "progress content is required")
	}
	scope := repository.UserScope(userID)
	tc, err := s.getOrCreateTaskContext(ctx, scope, userID, taskID)
	if err != nil {
		return err
	}

	exec := models.JSONMap{}
	for k, v := range tc.ExecutionContext {
		exec[k] = v
	}
	history, _ := exec["progress"].([]interface{})
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"content":   content,
	}
	if agent != "" {
		entry["agent"] = agent
	}
	exec["progress"] = append(history, entry)

	tc.SetSection("execution_context", exec)
	if err := s.contexts.SaveTask(ctx, scope, tc); err != nil {
		return err
	}
	return s.cacheRepo.Invalidate(ctx, scope, taskID, models.ContextLevelTask, "progress recorded")
}

func (s *contextService) Invalidate(ctx context.Context, userID string, level models.ContextLevel, id uuid.UUID, reason string) error {
	scope := repository.UserScope(userID)
	if reason == "" {
		reason = "explicit invalidation"
	}
	switch level {
	case models.ContextLevelGlobal:
		return s.cacheRepo.InvalidateUser(ctx, scope, reason)
	case models.ContextLevelBranch:
		if bc, err := s.contexts.GetBranch(ctx, scope, id); err == nil {
			return s.invalidateSubtree(ctx, scope, id, level, bc.ID, reason)
		}
	case models.ContextLevelProject:
		if pc, err := s.contexts.GetProject(ctx, scope, id); err == nil {
			return s.invalidateSubtree(ctx, scope, id, level, pc.ID, reason)
		}
	}
	return s.cacheRepo.Invalidate(ctx, scope, id, level, reason)
}

// validateSectionDocument rejects section payloads that are not JSON
// objects before they reach the merge.
func validateSectionDocument(data models.JSONMap) error {
	if data == nil {
		return apperrors.Validation("data", "section data is required")
	}
	result, err := gojsonschema.Validate(sectionSchema, gojsonschema.NewGoLoader(map[string]interface{}(data)))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeValidation, "section data is not a valid document")
	}
	if !result.Valid() {
		return apperrors.Validation("data", "section data must be a JSON object: %v", result.Errors())
	}
	return nil
}
