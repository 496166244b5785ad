package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, maxDuration *time.Duration) *WorkSession {
	t.Helper()
	s, err := NewWorkSession("user-1", uuid.New(), uuid.New(), uuid.New(), uuid.New(), maxDuration)
	require.NoError(t, err)
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestSession(t, nil)
	assert.Equal(t, SessionStatusActive, s.Status)
	assert.Nil(t, s.EndedAt)

	require.NoError(t, s.Pause())
	assert.Equal(t, SessionStatusPaused, s.Status)
	require.Error(t, s.Pause(), "double pause must fail")
	require.Error(t, s.Complete(), "complete from paused must fail")

	require.NoError(t, s.Resume())
	assert.Equal(t, SessionStatusActive, s.Status)
	require.Error(t, s.Resume())

	require.NoError(t, s.Complete())
	assert.Equal(t, SessionStatusCompleted, s.Status)
	require.NotNil(t, s.EndedAt)
	require.Error(t, s.Cancel())
}

func TestSessionPauseAccumulates(t *testing.T) {
	s := newTestSession(t, nil)

	require.NoError(t, s.Pause())
	pausedAt := time.Now().UTC().Add(-2 * time.Second)
	s.PausedAt = &pausedAt

	require.NoError(t, s.Resume())
	assert.GreaterOrEqual(t, s.TotalPausedDuration, 2*time.Second)

	// active + paused = total
	total := s.TotalDuration()
	assert.InDelta(t, float64(total), float64(s.ActiveDuration()+s.TotalPausedDuration), float64(50*time.Millisecond))
}

func TestSessionTimeout(t *testing.T) {
	max := time.Second
	s := newTestSession(t, &max)
	s.StartedAt = time.Now().UTC().Add(-2 * time.Second)

	assert.True(t, s.TimedOut())
	assert.True(t, s.MarkTimedOut())
	assert.Equal(t, SessionStatusTimeout, s.Status)
	require.NotNil(t, s.EndedAt)

	// Sweeps are idempotent: a terminal session is a no-op.
	assert.False(t, s.MarkTimedOut())
	assert.False(t, s.TimedOut())
}

func TestSessionProgressAdvancesActivity(t *testing.T) {
	s := newTestSession(t, nil)
	before := s.LastActivity

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.RecordProgress(UpdateTypeNote, "started", nil))
	assert.True(t, s.LastActivity.After(before))
	require.Len(t, s.ProgressUpdates, 1)

	require.NoError(t, s.Complete())
	assert.Error(t, s.RecordProgress(UpdateTypeNote, "late", nil))
}

func TestSessionResourceLocks(t *testing.T) {
	s := newTestSession(t, nil)
	s.LockResource("db:users")
	s.LockResource("db:users")
	assert.Equal(t, StringList{"db:users"}, s.ResourcesLocked)

	s.ReleaseResource("db:users")
	assert.Empty(t, s.ResourcesLocked)
}

func TestNewWorkSessionValidation(t *testing.T) {
	_, err := NewWorkSession("u", uuid.New(), uuid.Nil, uuid.New(), uuid.New(), nil)
	assert.Error(t, err)
	_, err = NewWorkSession("u", uuid.New(), uuid.New(), uuid.Nil, uuid.New(), nil)
	assert.Error(t, err)
	_, err = NewWorkSession("u", uuid.New(), uuid.New(), uuid.New(), uuid.Nil, nil)
	assert.Error(t, err)
}
