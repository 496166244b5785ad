package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

func newSweeperFixture(t *testing.T, interval time.Duration) (*SessionSweeper, *memSessionRepo, *memProjectRepo) {
	t.Helper()
	sessions := newMemSessionRepo()
	projects := newMemProjectRepo()
	sweeper := NewSessionSweeper(ServiceConfig{}, sessions, projects, passTx{}, interval)
	return sweeper, sessions, projects
}

// expiredSessionFixture wires a project with an agent holding a lock through
// a session whose budget is already spent.
func expiredSessionFixture(t *testing.T, sessions *memSessionRepo, projects *memProjectRepo) (*models.Project, *models.WorkSession, *models.Agent) {
	t.Helper()
	ctx := context.Background()

	p, err := models.NewProject("user-1", "swept", "")
	require.NoError(t, err)
	require.NoError(t, projects.Create(ctx, repository.UserScope("user-1"), p))

	branch, err := p.CreateBranch("feature/auth", "")
	require.NoError(t, err)
	ref := models.TaskRef{ID: uuid.New(), BranchID: branch.ID, Status: models.TaskStatusInProgress}
	p.IndexTask(ref)

	agent := models.NewAgent("user-1", p.ID, "worker", nil)
	p.RegisterAgent(agent)
	require.NoError(t, p.AssignAgentToBranch(agent.ID, branch.ID))

	budget := time.Millisecond
	session, err := p.StartWorkSession(agent.ID, ref.ID, &budget)
	require.NoError(t, err)
	require.NoError(t, p.AcquireResourceLock(session.ID, "db/schema.sql"))
	require.NoError(t, sessions.Create(ctx, repository.SystemScope(), session))

	time.Sleep(5 * time.Millisecond)
	require.True(t, session.TimedOut())
	return p, session, agent
}

func TestSweepOnceTimesOutExpiredSessions(t *testing.T) {
	sweeper, sessions, projects := newSweeperFixture(t, time.Minute)
	p, session, agent := expiredSessionFixture(t, sessions, projects)

	count, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, models.SessionStatusTimeout, session.Status)
	assert.NotNil(t, session.EndedAt)
	_, locked := p.ResourceLocks["db/schema.sql"]
	assert.False(t, locked, "timeout releases the session's locks")
	assert.False(t, agent.ActiveTasks.Contains(session.TaskID))

	// A second sweep finds nothing to do
	count, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSweepIgnoresSessionsWithinBudget(t *testing.T) {
	sweeper, sessions, _ := newSweeperFixture(t, time.Minute)
	ctx := context.Background()

	budget := time.Hour
	fresh, err := models.NewWorkSession("user-1", uuid.New(), uuid.New(), uuid.New(), uuid.New(), &budget)
	require.NoError(t, err)
	unbounded, err := models.NewWorkSession("user-1", uuid.New(), uuid.New(), uuid.New(), uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, sessions.Create(ctx, repository.SystemScope(), fresh))
	require.NoError(t, sessions.Create(ctx, repository.SystemScope(), unbounded))

	count, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, models.SessionStatusActive, fresh.Status)
	assert.Equal(t, models.SessionStatusActive, unbounded.Status)
}

// countingSessionRepo counts ListActive calls so the loop test can observe
// ticks without racing on model state.
type countingSessionRepo struct {
	*memSessionRepo
	mu    sync.Mutex
	calls int
}

func (r *countingSessionRepo) ListActive(ctx context.Context, scope repository.Scope) ([]*models.WorkSession, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.memSessionRepo.ListActive(ctx, scope)
}

func (r *countingSessionRepo) listActiveCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSweeperLoopStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := &countingSessionRepo{memSessionRepo: newMemSessionRepo()}
	sweeper := NewSessionSweeper(ServiceConfig{}, sessions, newMemProjectRepo(), passTx{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)

	assert.Eventually(t, func() bool {
		return sessions.listActiveCalls() >= 2
	}, time.Second, 5*time.Millisecond)

	sweeper.Stop()
}
