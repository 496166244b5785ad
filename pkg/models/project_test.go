package models

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/errors"
)

func newTestProject(t *testing.T) *Project {
	t.Helper()
	p, err := NewProject("user-1", "Alpha", "test project")
	require.NoError(t, err)
	return p
}

func TestCreateBranchUniqueName(t *testing.T) {
	p := newTestProject(t)

	_, err := p.CreateBranch("main", "")
	require.NoError(t, err)

	_, err = p.CreateBranch("main", "again")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConflict))
}

func TestRegisterAgentIdempotent(t *testing.T) {
	p := newTestProject(t)
	agent := NewAgent("user-1", p.ID, "A1", []AgentCapability{CapabilityBackend})

	p.RegisterAgent(agent)
	p.RegisterAgent(agent)
	assert.Len(t, p.Agents, 1)

	// Re-registering the same id replaces the registration.
	updated := *agent
	updated.Name = "A1-renamed"
	p.RegisterAgent(&updated)
	assert.Len(t, p.Agents, 1)
	assert.Equal(t, "A1-renamed", p.Agents[agent.ID].Name)
}

func TestAssignAgentToBranch(t *testing.T) {
	p := newTestProject(t)
	branch, err := p.CreateBranch("main", "")
	require.NoError(t, err)
	a1 := NewAgent("user-1", p.ID, "A1", nil)
	a2 := NewAgent("user-1", p.ID, "A2", nil)
	p.RegisterAgent(a1)
	p.RegisterAgent(a2)

	t.Run("unknown agent", func(t *testing.T) {
		err := p.AssignAgentToBranch(uuid.New(), branch.ID)
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})

	t.Run("unknown branch", func(t *testing.T) {
		err := p.AssignAgentToBranch(a1.ID, uuid.New())
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})

	t.Run("assign and conflict", func(t *testing.T) {
		require.NoError(t, p.AssignAgentToBranch(a1.ID, branch.ID))
		require.NotNil(t, branch.AssignedAgentID)
		assert.Equal(t, a1.ID, *branch.AssignedAgentID)

		// Same agent again is a no-op.
		require.NoError(t, p.AssignAgentToBranch(a1.ID, branch.ID))

		err := p.AssignAgentToBranch(a2.ID, branch.ID)
		assert.True(t, errors.IsCode(err, errors.CodeConflict))
	})
}

func TestAddCrossTreeDependency(t *testing.T) {
	p := newTestProject(t)
	b1, _ := p.CreateBranch("feature-a", "")
	b2, _ := p.CreateBranch("feature-b", "")

	t1 := uuid.New()
	t2 := uuid.New()
	sameTree := uuid.New()
	p.IndexTask(TaskRef{ID: t1, BranchID: b1.ID, Status: TaskStatusTodo})
	p.IndexTask(TaskRef{ID: t2, BranchID: b2.ID, Status: TaskStatusTodo})
	p.IndexTask(TaskRef{ID: sameTree, BranchID: b2.ID, Status: TaskStatusTodo})

	t.Run("hex input is normalised", func(t *testing.T) {
		hex := strings.ReplaceAll(t1.String(), "-", "")
		require.NoError(t, p.AddCrossTreeDependency(t2.String(), hex))
		_, ok := p.Dependencies[t2][t1]
		assert.True(t, ok)
	})

	t.Run("same branch rejected", func(t *testing.T) {
		err := p.AddCrossTreeDependency(t2.String(), sameTree.String())
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	t.Run("unknown task", func(t *testing.T) {
		err := p.AddCrossTreeDependency(uuid.New().String(), t1.String())
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})

	t.Run("malformed id", func(t *testing.T) {
		err := p.AddCrossTreeDependency("not-a-uuid", t1.String())
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})
}

func TestGetAvailableWorkHonoursPrerequisites(t *testing.T) {
	p := newTestProject(t)
	b1, _ := p.CreateBranch("feature-a", "")
	b2, _ := p.CreateBranch("feature-b", "")
	agent := NewAgent("user-1", p.ID, "A2", nil)
	p.RegisterAgent(agent)
	require.NoError(t, p.AssignAgentToBranch(agent.ID, b2.ID))

	t1 := uuid.New()
	t2 := uuid.New()
	p.IndexTask(TaskRef{ID: t1, BranchID: b1.ID, Status: TaskStatusTodo, Title: "upstream"})
	p.IndexTask(TaskRef{ID: t2, BranchID: b2.ID, Status: TaskStatusTodo, Title: "downstream"})
	require.NoError(t, p.AddCrossTreeDependency(t2.String(), t1.String()))

	work, err := p.GetAvailableWorkForAgent(agent.ID)
	require.NoError(t, err)
	assert.Empty(t, work, "blocked by incomplete prerequisite")

	// Completing the prerequisite unblocks the dependent.
	p.IndexTask(TaskRef{ID: t1, BranchID: b1.ID, Status: TaskStatusDone, Title: "upstream"})
	work, err = p.GetAvailableWorkForAgent(agent.ID)
	require.NoError(t, err)
	require.Len(t, work, 1)
	assert.Equal(t, t2, work[0].ID)
}

func TestStartWorkSessionAuthorisation(t *testing.T) {
	p := newTestProject(t)
	branch, _ := p.CreateBranch("main", "")
	owner := NewAgent("user-1", p.ID, "owner", nil)
	intruder := NewAgent("user-1", p.ID, "intruder", nil)
	p.RegisterAgent(owner)
	p.RegisterAgent(intruder)
	require.NoError(t, p.AssignAgentToBranch(owner.ID, branch.ID))

	taskID := uuid.New()
	p.IndexTask(TaskRef{ID: taskID, BranchID: branch.ID, Status: TaskStatusTodo})

	t.Run("task not in project", func(t *testing.T) {
		_, err := p.StartWorkSession(owner.ID, uuid.New(), nil)
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})

	t.Run("wrong agent", func(t *testing.T) {
		_, err := p.StartWorkSession(intruder.ID, taskID, nil)
		assert.True(t, errors.IsCode(err, errors.CodeForbidden))
	})

	t.Run("assigned agent", func(t *testing.T) {
		s, err := p.StartWorkSession(owner.ID, taskID, nil)
		require.NoError(t, err)
		assert.Equal(t, SessionStatusActive, s.Status)
		assert.True(t, p.Agents[owner.ID].ActiveTasks.Contains(taskID))
	})
}

func TestResourceLocksAndConflicts(t *testing.T) {
	p := newTestProject(t)
	branch, _ := p.CreateBranch("main", "")
	a1 := NewAgent("user-1", p.ID, "A1", nil)
	a2 := NewAgent("user-1", p.ID, "A2", nil)
	p.RegisterAgent(a1)
	p.RegisterAgent(a2)
	require.NoError(t, p.AssignAgentToBranch(a1.ID, branch.ID))

	taskID := uuid.New()
	p.IndexTask(TaskRef{ID: taskID, BranchID: branch.ID, Status: TaskStatusTodo})

	s1, err := p.StartWorkSession(a1.ID, taskID, nil)
	require.NoError(t, err)
	require.NoError(t, p.AcquireResourceLock(s1.ID, "db:schema"))

	// Another agent cannot take the same key.
	s2 := newTestSession(t, nil)
	s2.AgentID = a2.ID
	p.Sessions[s2.ID] = s2
	err = p.AcquireResourceLock(s2.ID, "db:schema")
	assert.True(t, errors.IsCode(err, errors.CodeConflict))

	// Forcing the same key onto both sessions surfaces a conflict pair.
	s1.StartedAt = time.Now().UTC().Add(-time.Hour)
	s2.ResourcesLocked = append(s2.ResourcesLocked, "db:schema")
	conflicts := p.DetectResourceConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, s1.ID, conflicts[0].Older.ID)
	assert.Equal(t, s2.ID, conflicts[0].Newer.ID)

	// Releasing the session clears the aggregate's lock map.
	p.ReleaseSessionResources(s1)
	_, held := p.ResourceLocks["db:schema"]
	assert.False(t, held)
	assert.False(t, p.Agents[a1.ID].ActiveTasks.Contains(taskID))
}

func TestCanDelete(t *testing.T) {
	t.Run("no branches", func(t *testing.T) {
		p := newTestProject(t)
		assert.NoError(t, p.CanDelete())
	})

	t.Run("single empty main", func(t *testing.T) {
		p := newTestProject(t)
		_, err := p.CreateBranch("main", "")
		require.NoError(t, err)
		assert.NoError(t, p.CanDelete())
	})

	t.Run("main with tasks", func(t *testing.T) {
		p := newTestProject(t)
		b, err := p.CreateBranch("main", "")
		require.NoError(t, err)
		b.TaskCount = 2
		assert.True(t, errors.IsCode(p.CanDelete(), errors.CodeConflict))
	})

	t.Run("multiple branches", func(t *testing.T) {
		p := newTestProject(t)
		_, _ = p.CreateBranch("main", "")
		_, _ = p.CreateBranch("dev", "")
		assert.True(t, errors.IsCode(p.CanDelete(), errors.CodeConflict))
	})
}

func TestOrchestrationStatus(t *testing.T) {
	p := newTestProject(t)
	b1, _ := p.CreateBranch("main", "")
	_, _ = p.CreateBranch("dev", "")
	agent := NewAgent("user-1", p.ID, "A1", nil)
	agent.WorkloadPercentage = 42
	p.RegisterAgent(agent)
	require.NoError(t, p.AssignAgentToBranch(agent.ID, b1.ID))
	p.IndexTask(TaskRef{ID: uuid.New(), BranchID: b1.ID, Status: TaskStatusTodo})

	status := p.GetOrchestrationStatus()
	assert.Equal(t, 2, status.BranchCount)
	assert.Equal(t, 1, status.AgentCount)
	assert.Equal(t, 1, status.AssignmentCount)
	assert.Equal(t, []string{"dev"}, status.UnassignedBranches)
	assert.Equal(t, 42.0, status.AgentWorkloads["A1"])
	assert.Equal(t, 1, status.TaskCounts["todo"])
}

func TestCoordinateCrossTreeDependencies(t *testing.T) {
	p := newTestProject(t)
	b1, _ := p.CreateBranch("a", "")
	b2, _ := p.CreateBranch("b", "")
	t1 := uuid.New()
	t2 := uuid.New()
	p.IndexTask(TaskRef{ID: t1, BranchID: b1.ID, Status: TaskStatusInProgress})
	p.IndexTask(TaskRef{ID: t2, BranchID: b2.ID, Status: TaskStatusTodo})
	require.NoError(t, p.AddCrossTreeDependency(t2.String(), t1.String()))

	issues := p.CoordinateCrossTreeDependencies()
	require.Len(t, issues, 1)
	assert.Equal(t, t2, issues[0].DependentTaskID)
	assert.Equal(t, TaskStatusInProgress, issues[0].PrerequisiteStatus)

	p.IndexTask(TaskRef{ID: t1, BranchID: b1.ID, Status: TaskStatusDone})
	assert.Empty(t, p.CoordinateCrossTreeDependencies())
}
