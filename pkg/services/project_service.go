package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// staleSessionThreshold marks sessions without activity as stale in the
// health report. Stale is a health signal, not a lifecycle state.
const staleSessionThreshold = 30 * time.Minute

// UpdateProjectInput carries the optional fields of a project update
type UpdateProjectInput struct {
	Name        *string
	Description *string
	Status      *models.ProjectStatus
}

// UpdateAgentInput carries the optional fields of an agent update. Nil
// fields are left untouched.
type UpdateAgentInput struct {
	Status             *models.AgentStatus
	Capabilities       []string
	PreferredLanguages []string
	WorkloadPercentage *float64
	PriorityPreference *models.TaskPriority
}

// HealthReport summarises a project's coordination health
type HealthReport struct {
	ProjectID          uuid.UUID      `json:"project_id"`
	BranchCount        int            `json:"branch_count"`
	TaskCounts         map[string]int `json:"task_counts"`
	UnassignedBranches []string       `json:"unassigned_branches,omitempty"`
	StaleSessions      int            `json:"stale_sessions"`
	OverloadedAgents   []string       `json:"overloaded_agents,omitempty"`
	Healthy            bool           `json:"healthy"`
}

// IntegrityViolation is one failed invariant found by validate-integrity
type IntegrityViolation struct {
	Invariant string `json:"invariant"`
	Detail    string `json:"detail"`
}

// CleanupReport counts what cleanup-obsolete removed
type CleanupReport struct {
	SessionsRemoved  int   `json:"sessions_removed"`
	CacheRowsRemoved int64 `json:"cache_rows_removed"`
}

// ProjectService is the coordination kernel's use-case surface
type ProjectService interface {
	Create(ctx context.Context, userID, name, description string) (*models.Project, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Project, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Project, error)
	Update(ctx context.Context, userID string, id uuid.UUID, in UpdateProjectInput) (*models.Project, error)
	// Delete honours the safety rule: zero branches, or one empty branch
	// named main. force bypasses the check but still cascades.
	Delete(ctx context.Context, userID string, id uuid.UUID, force bool) error

	CreateBranch(ctx context.Context, userID string, projectID uuid.UUID, name, description string) (*models.GitBranch, error)
	RegisterAgent(ctx context.Context, userID string, projectID uuid.UUID, agent *models.Agent) error
	UnregisterAgent(ctx context.Context, userID string, projectID, agentID uuid.UUID) error
	UpdateAgent(ctx context.Context, userID string, projectID, agentID uuid.UUID, in UpdateAgentInput) (*models.Agent, error)
	AssignAgent(ctx context.Context, userID string, projectID, agentID, branchID uuid.UUID) error
	UnassignAgent(ctx context.Context, userID string, projectID, branchID uuid.UUID) error
	AddCrossTreeDependency(ctx context.Context, userID string, projectID uuid.UUID, dependentTaskID, prerequisiteTaskID string) error

	StartWorkSession(ctx context.Context, userID string, projectID, agentID, taskID uuid.UUID, maxDuration *time.Duration) (*models.WorkSession, error)
	AcquireResourceLock(ctx context.Context, userID string, projectID, sessionID uuid.UUID, resourceKey string) error
	EndWorkSession(ctx context.Context, userID string, projectID, sessionID uuid.UUID, cancel bool) error
	GetAvailableWork(ctx context.Context, userID string, projectID, agentID uuid.UUID) ([]models.TaskRef, error)
	GetOrchestrationStatus(ctx context.Context, userID string, projectID uuid.UUID) (*models.OrchestrationStatus, error)
	CoordinateDependencies(ctx context.Context, userID string, projectID uuid.UUID) ([]models.CoordinationIssue, error)
	ResolveConflicts(ctx context.Context, userID string, projectID uuid.UUID) ([]models.ResourceConflict, error)
	AutoAssignBranches(ctx context.Context, userID string, projectID uuid.UUID) ([]AssignmentProposal, error)
	Rebalance(ctx context.Context, userID string, projectID uuid.UUID) ([]ReassignmentProposal, error)

	HealthCheck(ctx context.Context, userID string, projectID uuid.UUID) (*HealthReport, error)
	ValidateIntegrity(ctx context.Context, userID string, projectID uuid.UUID) ([]IntegrityViolation, error)
	CleanupObsolete(ctx context.Context, userID string, projectID uuid.UUID, retention time.Duration) (*CleanupReport, error)
}

type projectService struct {
	BaseService
	projects repository.ProjectRepository
	tasks    repository.TaskRepository
	subtasks repository.SubtaskRepository
	cacheRepo repository.InheritanceCacheRepository
	tx       repository.TxManager
	engine   *AssignmentEngine
	resolver ConflictResolver
}

// NewProjectService builds the coordination kernel. resolver may be nil;
// the default newer-keeps policy is used.
func NewProjectService(cfg ServiceConfig, projects repository.ProjectRepository, tasks repository.TaskRepository, subtasks repository.SubtaskRepository, cacheRepo repository.InheritanceCacheRepository, tx repository.TxManager, resolver ConflictResolver) ProjectService {
	if resolver == nil {
		resolver = NewDefaultConflictResolver()
	}
	return &projectService{
		BaseService: newBaseService(cfg, "project_service"),
		projects:    projects,
		tasks:       tasks,
		subtasks:    subtasks,
		cacheRepo:   cacheRepo,
		tx:          tx,
		engine:      NewAssignmentEngine(),
		resolver:    resolver,
	}
}

func (s *projectService) Create(ctx context.Context, userID, name, description string) (*models.Project, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	project, err := models.NewProject(userID, name, description)
	if err != nil {
		return nil, err
	}
	if err := s.projects.Create(ctx, repository.UserScope(userID), project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", map[string]interface{}{
		"project_id": project.ID.String(),
		"name":       name,
	})
	return project, nil
}

func (s *projectService) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Project, error) {
	return s.projects.Get(ctx, repository.UserScope(userID), id)
}

func (s *projectService) List(ctx context.Context, userID string, limit, offset int) ([]*models.Project, error) {
	return s.projects.List(ctx, repository.UserScope(userID), limit, offset)
}

func (s *projectService) Update(ctx context.Context, userID string, id uuid.UUID, in UpdateProjectInput) (*models.Project, error) {
	var project *models.Project
	err := s.mutateProject(ctx, userID, id, func(p *models.Project) error {
		if in.Name != nil {
			p.Name = *in.Name
		}
		if in.Description != nil {
			p.Description = *in.Description
		}
		if in.Status != nil {
			p.Status = *in.Status
		}
		p.Touch()
		project = p
		return nil
	})
	return project, err
}

func (s *projectService) Delete(ctx context.Context, userID string, id uuid.UUID, force bool) error {
	if err := s.checkRateLimit(); err != nil {
		return err
	}
	scope := repository.UserScope(userID)
	project, err := s.projects.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	if !force {
		if err := project.CanDelete(); err != nil {
			return err
		}
	}
	// Branch and task rows cascade through foreign keys
	return s.projects.Delete(ctx, scope, id)
}

func (s *projectService) CreateBranch(ctx context.Context, userID string, projectID uuid.UUID, name, description string) (*models.GitBranch, error) {
	var branch *models.GitBranch
	err := s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		var err error
		branch, err = p.CreateBranch(name, description)
		return err
	})
	return branch, err
}

func (s *projectService) RegisterAgent(ctx context.Context, userID string, projectID uuid.UUID, agent *models.Agent) error {
	return s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		agent.UserID = userID
		p.RegisterAgent(agent)
		return nil
	})
}

func (s *projectService) UnregisterAgent(ctx context.Context, userID string, projectID, agentID uuid.UUID) error {
	return s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		return p.UnregisterAgent(agentID)
	})
}

func (s *projectService) UpdateAgent(ctx context.Context, userID string, projectID, agentID uuid.UUID, in UpdateAgentInput) (*models.Agent, error) {
	var agent *models.Agent
	err := s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		a, ok := p.Agents[agentID]
		if !ok {
			return apperrors.NotFound("agent", agentID.String())
		}
		if in.Status != nil {
			switch *in.Status {
			case models.AgentStatusAvailable, models.AgentStatusBusy, models.AgentStatusOffline:
			default:
				return apperrors.Validation("status", "unknown agent status: %q", *in.Status)
			}
			a.Status = *in.Status
		}
		if in.Capabilities != nil {
			a.Capabilities = models.StringList(in.Capabilities)
		}
		if in.PreferredLanguages != nil {
			a.PreferredLanguages = models.StringList(in.PreferredLanguages)
		}
		if in.WorkloadPercentage != nil {
			if *in.WorkloadPercentage < 0 || *in.WorkloadPercentage > 100 {
				return apperrors.Validation("workload_percentage", "workload must be within 0..100")
			}
			a.WorkloadPercentage = *in.WorkloadPercentage
		}
		if in.PriorityPreference != nil {
			a.PriorityPreference = *in.PriorityPreference
		}
		a.Touch()
		agent = a
		return nil
	})
	return agent, err
}

func (s *projectService) AssignAgent(ctx context.Context, userID string, projectID, agentID, branchID uuid.UUID) error {
	return s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		return p.AssignAgentToBranch(agentID, branchID)
	})
}

func (s *projectService) UnassignAgent(ctx context.Context, userID string, projectID, branchID uuid.UUID) error {
	return s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		return p.UnassignAgentFromBranch(branchID)
	})
}

func (s *projectService) AddCrossTreeDependency(ctx context.Context, userID string, projectID uuid.UUID, dependentTaskID, prerequisiteTaskID string) error {
	return s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		return p.AddCrossTreeDependency(dependentTaskID, prerequisiteTaskID)
	})
}

func (s *projectService) StartWorkSession(ctx context.Context, userID string, projectID, agentID, taskID uuid.UUID, maxDuration *time.Duration) (*models.WorkSession, error) {
	var session *models.WorkSession
	err := s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		var err error
		session, err = p.StartWorkSession(agentID, taskID, maxDuration)
		return err
	})
	return session, err
}

func (s *projectService) AcquireResourceLock(ctx context.Context, userID string, projectID, sessionID uuid.UUID, resourceKey string) error {
	return s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		return p.AcquireResourceLock(sessionID, resourceKey)
	})
}

func (s *projectService) EndWorkSession(ctx context.Context, userID string, projectID, sessionID uuid.UUID, cancel bool) error {
	return s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		session, ok := p.Sessions[sessionID]
		if !ok {
			return apperrors.NotFound("session", sessionID.String())
		}
		var err error
		if cancel {
			err = session.Cancel()
		} else {
			err = session.Complete()
		}
		if err != nil {
			return err
		}
		p.ReleaseSessionResources(session)
		return nil
	})
}

func (s *projectService) GetAvailableWork(ctx context.Context, userID string, projectID, agentID uuid.UUID) ([]models.TaskRef, error) {
	project, err := s.projects.Get(ctx, repository.UserScope(userID), projectID)
	if err != nil {
		return nil, err
	}
	return project.GetAvailableWorkForAgent(agentID)
}

func (s *projectService) GetOrchestrationStatus(ctx context.Context, userID string, projectID uuid.UUID) (*models.OrchestrationStatus, error) {
	project, err := s.projects.Get(ctx, repository.UserScope(userID), projectID)
	if err != nil {
		return nil, err
	}
	status := project.GetOrchestrationStatus()
	return &status, nil
}

func (s *projectService) CoordinateDependencies(ctx context.Context, userID string, projectID uuid.UUID) ([]models.CoordinationIssue, error) {
	project, err := s.projects.Get(ctx, repository.UserScope(userID), projectID)
	if err != nil {
		return nil, err
	}
	return project.CoordinateCrossTreeDependencies(), nil
}

func (s *projectService) ResolveConflicts(ctx context.Context, userID string, projectID uuid.UUID) ([]models.ResourceConflict, error) {
	var conflicts []models.ResourceConflict
	err := s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		conflicts = p.DetectResourceConflicts()
		for _, c := range conflicts {
			s.resolver.Resolve(p, c)
			s.metrics.IncrementCounter("resource_conflicts_resolved", 1)
		}
		return nil
	})
	return conflicts, err
}

func (s *projectService) AutoAssignBranches(ctx context.Context, userID string, projectID uuid.UUID) ([]AssignmentProposal, error) {
	var proposals []AssignmentProposal
	err := s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		proposals = s.engine.ProposeAssignments(p)
		for _, proposal := range proposals {
			if err := p.AssignAgentToBranch(proposal.AgentID, proposal.BranchID); err != nil {
				return err
			}
		}
		return nil
	})
	return proposals, err
}

func (s *projectService) Rebalance(ctx context.Context, userID string, projectID uuid.UUID) ([]ReassignmentProposal, error) {
	project, err := s.projects.Get(ctx, repository.UserScope(userID), projectID)
	if err != nil {
		return nil, err
	}
	// The engine proposes only; applying a move is an explicit assign call
	return s.engine.ProposeRebalance(project), nil
}

func (s *projectService) HealthCheck(ctx context.Context, userID string, projectID uuid.UUID) (*HealthReport, error) {
	project, err := s.projects.Get(ctx, repository.UserScope(userID), projectID)
	if err != nil {
		return nil, err
	}
	status := project.GetOrchestrationStatus()
	report := &HealthReport{
		ProjectID:          project.ID,
		BranchCount:        status.BranchCount,
		TaskCounts:         status.TaskCounts,
		UnassignedBranches: status.UnassignedBranches,
	}
	now := time.Now().UTC()
	for _, session := range project.Sessions {
		if session.IsTerminal() {
			continue
		}
		if session.TimedOut() || now.Sub(session.LastActivity) > staleSessionThreshold {
			report.StaleSessions++
		}
	}
	for _, agent := range project.Agents {
		if agent.IsOverloaded() {
			report.OverloadedAgents = append(report.OverloadedAgents, agent.Name)
		}
	}
	report.Healthy = report.StaleSessions == 0 && len(report.OverloadedAgents) == 0 && len(report.UnassignedBranches) == 0
	return report, nil
}

func (s *projectService) ValidateIntegrity(ctx context.Context, userID string, projectID uuid.UUID) ([]IntegrityViolation, error) {
	scope := repository.UserScope(userID)
	project, err := s.projects.Get(ctx, scope, projectID)
	if err != nil {
		return nil, err
	}

	var violations []IntegrityViolation
	report := func(invariant, detail string) {
		violations = append(violations, IntegrityViolation{Invariant: invariant, Detail: detail})
	}

	names := make(map[string]int)
	for _, b := range project.Branches {
		names[b.Name]++
	}
	for name, count := range names {
		if count > 1 {
			report("unique_branch_names", "branch name "+name+" appears more than once")
		}
	}
	for branchID, agentID := range project.Assignments {
		if _, ok := project.Agents[agentID]; !ok {
			report("assignments_reference_registered_agents",
				"branch "+branchID.String()+" is assigned to unregistered agent "+agentID.String())
		}
	}
	for depID, prereqs := range project.Dependencies {
		dep, ok := project.LookupTask(depID)
		if !ok {
			continue
		}
		for preID := range prereqs {
			if pre, ok := project.LookupTask(preID); ok && pre.BranchID == dep.BranchID {
				report("cross_tree_dependencies_span_branches",
					"dependency "+depID.String()+" -> "+preID.String()+" stays within one branch")
			}
		}
	}

	for branchID := range project.Branches {
		id := branchID
		tasks, err := s.tasks.List(ctx, scope, repository.TaskFilter{BranchID: &id, Limit: repository.MaxListLimit})
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if task.OverallProgress < 0 || task.OverallProgress > 100 {
				report("progress_bounds", "task "+task.ID.String()+" has out-of-range progress")
			}
			if task.ProgressState != models.DeriveProgressState(task.Status, task.OverallProgress) {
				report("derived_progress_state", "task "+task.ID.String()+" has a stale progress_state")
			}
			if task.UpdatedAt.Before(task.CreatedAt) {
				report("timestamp_order", "task "+task.ID.String()+" has updated_at before created_at")
			}
			if task.Status != models.TaskStatusDone {
				continue
			}
			subtasks, err := s.subtasks.ListByTask(ctx, scope, task.ID)
			if err != nil {
				return nil, err
			}
			for _, sub := range subtasks {
				if !sub.IsCompleted() {
					report("completed_tasks_have_completed_subtasks",
						"task "+task.ID.String()+" is done but subtask "+sub.ID.String()+" is not")
				}
			}
		}
	}
	return violations, nil
}

func (s *projectService) CleanupObsolete(ctx context.Context, userID string, projectID uuid.UUID, retention time.Duration) (*CleanupReport, error) {
	report := &CleanupReport{}
	cutoff := time.Now().UTC().Add(-retention)
	err := s.mutateProject(ctx, userID, projectID, func(p *models.Project) error {
		for id, session := range p.Sessions {
			if session.IsTerminal() && session.EndedAt != nil && session.EndedAt.Before(cutoff) {
				delete(p.Sessions, id)
				report.SessionsRemoved++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.cacheRepo != nil {
		removed, err := s.cacheRepo.DeleteExpired(ctx, repository.SystemScope(), time.Now().UTC())
		if err != nil {
			s.logger.Warn("expired cache cleanup failed", map[string]interface{}{"error": err.Error()})
		} else {
			report.CacheRowsRemoved = removed
		}
	}
	return report, nil
}

// mutateProject loads the aggregate, applies fn, and saves it inside one
// transaction. The project row lock taken by the update serialises
// concurrent branch and assignment mutations.
func (s *projectService) mutateProject(ctx context.Context, userID string, projectID uuid.UUID, fn func(*models.Project) error) error {
	if err := s.checkRateLimit(); err != nil {
		return err
	}
	scope := repository.UserScope(userID)
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		project, err := s.projects.Get(ctx, scope, projectID)
		if err != nil {
			return err
		}
		if err := fn(project); err != nil {
			return err
		}
		return s.projects.Save(ctx, scope, project)
	})
}
