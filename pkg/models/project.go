package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/errors"
)

// ProjectStatus represents the lifecycle state of a project
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

// TaskRef is the lightweight view of a task the project aggregate needs
// for orchestration: its branch, status, and the text used for capability
// detection.
type TaskRef struct {
	ID          uuid.UUID  `json:"id"`
	BranchID    uuid.UUID  `json:"branch_id"`
	Status      TaskStatus `json:"status"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
}

// Project is the aggregate root of the coordination kernel. It owns
// branches, the agent registry, agent-to-branch assignments, the
// cross-tree dependency graph, active work sessions, and resource locks.
type Project struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	UserID      string        `json:"user_id" db:"user_id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description" db:"description"`
	Status      ProjectStatus `json:"status" db:"status"`
	Metadata    JSONMap       `json:"metadata" db:"metadata"`

	Timestamps

	// Owned collaborators, loaded with the aggregate
	Branches    map[uuid.UUID]*GitBranch    `json:"-" db:"-"`
	Agents      map[uuid.UUID]*Agent        `json:"-" db:"-"`
	Assignments map[uuid.UUID]uuid.UUID     `json:"-" db:"-"` // branch -> agent
	// Dependencies maps dependent task -> set of prerequisite tasks across
	// branch boundaries
	Dependencies map[uuid.UUID]map[uuid.UUID]struct{} `json:"-" db:"-"`
	Sessions     map[uuid.UUID]*WorkSession           `json:"-" db:"-"`
	// ResourceLocks maps resource key -> owning agent
	ResourceLocks map[string]uuid.UUID `json:"-" db:"-"`

	// tasks indexes the lightweight task view by id
	tasks map[uuid.UUID]TaskRef
}

// NewProject creates an active project
func NewProject(userID, name, description string) (*Project, error) {
	if name == "" {
		return nil, errors.Validation("name", "project name is required")
	}
	p := &Project{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		Description: description,
		Status:      ProjectStatusActive,
		Metadata:    JSONMap{},
	}
	p.InitTimestamps()
	p.initMaps()
	return p, nil
}

// initMaps prepares the owned collections; repositories call this after
// scanning the project row.
func (p *Project) initMaps() {
	if p.Branches == nil {
		p.Branches = make(map[uuid.UUID]*GitBranch)
	}
	if p.Agents == nil {
		p.Agents = make(map[uuid.UUID]*Agent)
	}
	if p.Assignments == nil {
		p.Assignments = make(map[uuid.UUID]uuid.UUID)
	}
	if p.Dependencies == nil {
		p.Dependencies = make(map[uuid.UUID]map[uuid.UUID]struct{})
	}
	if p.Sessions == nil {
		p.Sessions = make(map[uuid.UUID]*WorkSession)
	}
	if p.ResourceLocks == nil {
		p.ResourceLocks = make(map[string]uuid.UUID)
	}
	if p.tasks == nil {
		p.tasks = make(map[uuid.UUID]TaskRef)
	}
}

// InitCollections exposes initMaps for repositories rehydrating the
// aggregate.
func (p *Project) InitCollections() { p.initMaps() }

// IndexTask registers the lightweight task view used by orchestration
func (p *Project) IndexTask(ref TaskRef) {
	p.initMaps()
	p.tasks[ref.ID] = ref
}

// TaskRefs returns the indexed task views
func (p *Project) TaskRefs() []TaskRef {
	refs := make([]TaskRef, 0, len(p.tasks))
	for _, ref := range p.tasks {
		refs = append(refs, ref)
	}
	return refs
}

// LookupTask finds the indexed view of a task
func (p *Project) LookupTask(id uuid.UUID) (TaskRef, bool) {
	ref, ok := p.tasks[id]
	return ref, ok
}

// CreateBranch creates a branch with a project-unique name
func (p *Project) CreateBranch(name, description string) (*GitBranch, error) {
	p.initMaps()
	for _, b := range p.Branches {
		if b.Name == name {
			return nil, errors.Conflict("branch %q already exists in project %s", name, p.ID)
		}
	}
	branch, err := NewGitBranch(p.UserID, p.ID, name, description)
	if err != nil {
		return nil, err
	}
	p.Branches[branch.ID] = branch
	p.Touch()
	return branch, nil
}

// AddBranch attaches an existing branch, enforcing name uniqueness
func (p *Project) AddBranch(branch *GitBranch) error {
	p.initMaps()
	for id, b := range p.Branches {
		if b.Name == branch.Name && id != branch.ID {
			return errors.Conflict("branch %q already exists in project %s", branch.Name, p.ID)
		}
	}
	branch.ProjectID = p.ID
	p.Branches[branch.ID] = branch
	p.Touch()
	return nil
}

// RegisterAgent registers an agent, replacing any existing registration
// with the same id (idempotent on id).
func (p *Project) RegisterAgent(agent *Agent) {
	p.initMaps()
	agent.ProjectID = p.ID
	p.Agents[agent.ID] = agent
	p.Touch()
}

// UnregisterAgent removes an agent and its branch assignments
func (p *Project) UnregisterAgent(agentID uuid.UUID) error {
	p.initMaps()
	if _, ok := p.Agents[agentID]; !ok {
		return errors.NotFound("agent", agentID.String())
	}
	delete(p.Agents, agentID)
	for branchID, assigned := range p.Assignments {
		if assigned == agentID {
			delete(p.Assignments, branchID)
			if b, ok := p.Branches[branchID]; ok {
				b.AssignedAgentID = nil
				b.Touch()
			}
		}
	}
	p.Touch()
	return nil
}

// AssignAgentToBranch gives the branch to the agent. A branch accepts at
// most one agent; reassigning the same agent is a no-op.
func (p *Project) AssignAgentToBranch(agentID, branchID uuid.UUID) error {
	p.initMaps()
	if _, ok := p.Agents[agentID]; !ok {
		return errors.NotFound("agent", agentID.String())
	}
	branch, ok := p.Branches[branchID]
	if !ok {
		return errors.NotFound("branch", branchID.String())
	}
	if current, assigned := p.Assignments[branchID]; assigned && current != agentID {
		return errors.Conflict("branch %s is already assigned to agent %s", branchID, current)
	}
	p.Assignments[branchID] = agentID
	branch.AssignedAgentID = &agentID
	branch.Touch()
	p.Touch()
	return nil
}

// UnassignAgentFromBranch releases the branch assignment
func (p *Project) UnassignAgentFromBranch(branchID uuid.UUID) error {
	p.initMaps()
	branch, ok := p.Branches[branchID]
	if !ok {
		return errors.NotFound("branch", branchID.String())
	}
	delete(p.Assignments, branchID)
	branch.AssignedAgentID = nil
	branch.Touch()
	p.Touch()
	return nil
}

// AddCrossTreeDependency declares that dependentTask requires
// prerequisiteTask, which must live on a different branch. Ids are
// normalised to canonical UUID form; bare hex input is accepted.
func (p *Project) AddCrossTreeDependency(dependentTaskID, prerequisiteTaskID string) error {
	p.initMaps()
	depID, err := NormalizeUUID(dependentTaskID)
	if err != nil {
		return errors.Validation("dependent_task_id", "%v", err)
	}
	preID, err := NormalizeUUID(prerequisiteTaskID)
	if err != nil {
		return errors.Validation("prerequisite_task_id", "%v", err)
	}

	dep, ok := p.tasks[depID]
	if !ok {
		return errors.NotFound("task", depID.String())
	}
	pre, ok := p.tasks[preID]
	if !ok {
		return errors.NotFound("task", preID.String())
	}
	if dep.BranchID == pre.BranchID {
		return errors.Validation("prerequisite_task_id",
			"tasks %s and %s share a branch; use a task-level dependency", depID, preID)
	}

	if p.Dependencies[depID] == nil {
		p.Dependencies[depID] = make(map[uuid.UUID]struct{})
	}
	p.Dependencies[depID][preID] = struct{}{}
	p.Touch()
	return nil
}

// PrerequisitesMet reports whether every cross-tree prerequisite of the
// task is done.
func (p *Project) PrerequisitesMet(taskID uuid.UUID) bool {
	for preID := range p.Dependencies[taskID] {
		pre, ok := p.tasks[preID]
		if !ok || pre.Status != TaskStatusDone {
			return false
		}
	}
	return true
}

// AgentBranches returns the branches assigned to the agent
func (p *Project) AgentBranches(agentID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for branchID, assigned := range p.Assignments {
		if assigned == agentID {
			out = append(out, branchID)
		}
	}
	return out
}

// GetAvailableWorkForAgent returns todo tasks on the agent's branches
// whose cross-tree prerequisites are all completed.
func (p *Project) GetAvailableWorkForAgent(agentID uuid.UUID) ([]TaskRef, error) {
	p.initMaps()
	if _, ok := p.Agents[agentID]; !ok {
		return nil, errors.NotFound("agent", agentID.String())
	}
	branches := make(map[uuid.UUID]struct{})
	for _, branchID := range p.AgentBranches(agentID) {
		branches[branchID] = struct{}{}
	}

	var available []TaskRef
	for _, ref := range p.tasks {
		if _, mine := branches[ref.BranchID]; !mine {
			continue
		}
		if ref.Status != TaskStatusTodo {
			continue
		}
		if !p.PrerequisitesMet(ref.ID) {
			continue
		}
		available = append(available, ref)
	}
	sort.Slice(available, func(i, j int) bool { return available[i].ID.String() < available[j].ID.String() })
	return available, nil
}

// StartWorkSession opens a session for the agent on the task. The task
// must belong to the project and the task's branch must be assigned to the
// requesting agent.
func (p *Project) StartWorkSession(agentID uuid.UUID, taskID uuid.UUID, maxDuration *time.Duration) (*WorkSession, error) {
	p.initMaps()
	if _, ok := p.Agents[agentID]; !ok {
		return nil, errors.NotFound("agent", agentID.String())
	}
	ref, ok := p.tasks[taskID]
	if !ok {
		return nil, errors.NotFound("task", taskID.String())
	}
	assigned, hasAssignment := p.Assignments[ref.BranchID]
	if !hasAssignment || assigned != agentID {
		return nil, errors.Forbidden("agent %s is not assigned to the branch owning task %s", agentID, taskID)
	}

	session, err := NewWorkSession(p.UserID, p.ID, agentID, taskID, ref.BranchID, maxDuration)
	if err != nil {
		return nil, err
	}
	p.Sessions[session.ID] = session
	if agent, ok := p.Agents[agentID]; ok {
		agent.AddActiveTask(taskID)
	}
	p.Touch()
	return session, nil
}

// AcquireResourceLock claims the resource for the session's agent. The
// claim is advisory and recorded on the aggregate.
func (p *Project) AcquireResourceLock(sessionID uuid.UUID, resourceKey string) error {
	p.initMaps()
	session, ok := p.Sessions[sessionID]
	if !ok {
		return errors.NotFound("session", sessionID.String())
	}
	if owner, locked := p.ResourceLocks[resourceKey]; locked && owner != session.AgentID {
		return errors.Conflict("resource %q is locked by agent %s", resourceKey, owner)
	}
	p.ResourceLocks[resourceKey] = session.AgentID
	session.LockResource(resourceKey)
	p.Touch()
	return nil
}

// ReleaseSessionResources releases every lock the session holds and drops
// the task from the agent's active set. Called on completion, cancellation
// and timeout.
func (p *Project) ReleaseSessionResources(session *WorkSession) {
	p.initMaps()
	for _, key := range session.ResourcesLocked {
		if owner, locked := p.ResourceLocks[key]; locked && owner == session.AgentID {
			delete(p.ResourceLocks, key)
		}
	}
	if agent, ok := p.Agents[session.AgentID]; ok {
		agent.RemoveActiveTask(session.TaskID)
	}
	p.Touch()
}

// ResourceConflict describes two sessions claiming the same resource key
type ResourceConflict struct {
	ResourceKey string
	Older       *WorkSession
	Newer       *WorkSession
}

// DetectResourceConflicts finds pairs of live sessions holding the same
// resource key.
func (p *Project) DetectResourceConflicts() []ResourceConflict {
	holders := make(map[string][]*WorkSession)
	for _, s := range p.Sessions {
		if s.IsTerminal() {
			continue
		}
		for _, key := range s.ResourcesLocked {
			holders[key] = append(holders[key], s)
		}
	}

	var conflicts []ResourceConflict
	for key, sessions := range holders {
		if len(sessions) < 2 {
			continue
		}
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
		for i := 1; i < len(sessions); i++ {
			conflicts = append(conflicts, ResourceConflict{
				ResourceKey: key,
				Older:       sessions[0],
				Newer:       sessions[i],
			})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ResourceKey < conflicts[j].ResourceKey })
	return conflicts
}

// CanDelete enforces the deletion safety rule: zero branches, or exactly
// one branch named main that owns zero tasks. This is a business
// invariant, not a database constraint.
func (p *Project) CanDelete() error {
	if len(p.Branches) == 0 {
		return nil
	}
	if len(p.Branches) == 1 {
		for _, b := range p.Branches {
			if b.Name == "main" && b.TaskCount == 0 {
				return nil
			}
		}
	}
	return errors.Conflict(
		"project %s still holds branches with tasks; delete them first or force", p.ID)
}

// OrchestrationStatus is the summary returned by get_orchestration_status
type OrchestrationStatus struct {
	ProjectID         uuid.UUID          `json:"project_id"`
	BranchCount       int                `json:"branch_count"`
	AgentCount        int                `json:"agent_count"`
	AssignmentCount   int                `json:"assignment_count"`
	UnassignedBranches []string          `json:"unassigned_branches,omitempty"`
	ActiveSessions    int                `json:"active_sessions"`
	ResourceLockCount int                `json:"resource_lock_count"`
	AgentWorkloads    map[string]float64 `json:"agent_workloads"`
	TaskCounts        map[string]int     `json:"task_counts"`
}

// GetOrchestrationStatus summarises the coordination state of the project
func (p *Project) GetOrchestrationStatus() OrchestrationStatus {
	p.initMaps()
	status := OrchestrationStatus{
		ProjectID:       p.ID,
		BranchCount:     len(p.Branches),
		AgentCount:      len(p.Agents),
		AssignmentCount: len(p.Assignments),
		ResourceLockCount: len(p.ResourceLocks),
		AgentWorkloads:  make(map[string]float64, len(p.Agents)),
		TaskCounts:      make(map[string]int),
	}
	for _, b := range p.Branches {
		if _, assigned := p.Assignments[b.ID]; !assigned {
			status.UnassignedBranches = append(status.UnassignedBranches, b.Name)
		}
	}
	sort.Strings(status.UnassignedBranches)
	for _, s := range p.Sessions {
		if !s.IsTerminal() {
			status.ActiveSessions++
		}
	}
	for _, a := range p.Agents {
		status.AgentWorkloads[a.Name] = a.WorkloadPercentage
	}
	for _, ref := range p.tasks {
		status.TaskCounts[string(ref.Status)]++
	}
	return status
}

// CoordinationIssue describes a cross-tree dependency that is holding
// work back.
type CoordinationIssue struct {
	DependentTaskID    uuid.UUID `json:"dependent_task_id"`
	PrerequisiteTaskID uuid.UUID `json:"prerequisite_task_id"`
	PrerequisiteStatus TaskStatus `json:"prerequisite_status"`
}

// CoordinateCrossTreeDependencies reports every unmet cross-tree
// prerequisite so the orchestrator can prioritise upstream work.
func (p *Project) CoordinateCrossTreeDependencies() []CoordinationIssue {
	p.initMaps()
	var issues []CoordinationIssue
	for depID, prereqs := range p.Dependencies {
		for preID := range prereqs {
			pre, ok := p.tasks[preID]
			if ok && pre.Status == TaskStatusDone {
				continue
			}
			issue := CoordinationIssue{DependentTaskID: depID, PrerequisiteTaskID: preID}
			if ok {
				issue.PrerequisiteStatus = pre.Status
			}
			issues = append(issues, issue)
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		ii := issues[i].DependentTaskID.String() + issues[i].PrerequisiteTaskID.String()
		jj := issues[j].DependentTaskID.String() + issues[j].PrerequisiteTaskID.String()
		return strings.Compare(ii, jj) < 0
	})
	return issues
}

// String implements fmt.Stringer
func (p *Project) String() string {
	return fmt.Sprintf("Project(%s %q)", p.ID, p.Name)
}
