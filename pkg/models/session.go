package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/errors"
)

// SessionStatus represents the lifecycle state of a work session
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusTimeout   SessionStatus = "timeout"
)

// ProgressUpdateType classifies a session progress entry
type ProgressUpdateType string

const (
	UpdateTypeStatus    ProgressUpdateType = "status"
	UpdateTypeNote      ProgressUpdateType = "note"
	UpdateTypeResource  ProgressUpdateType = "resource"
	UpdateTypeMilestone ProgressUpdateType = "milestone"
)

// SessionProgressUpdate is one entry in a session's append-only log
type SessionProgressUpdate struct {
	Timestamp time.Time          `json:"timestamp"`
	Type      ProgressUpdateType `json:"type"`
	Message   string             `json:"message"`
	Metadata  JSONMap            `json:"metadata,omitempty"`
}

// SessionProgressLog is the log stored as a JSON column
type SessionProgressLog []SessionProgressUpdate

// WorkSession is an agent's explicit claim on a task. It carries timing,
// progress updates, and resource locks through a five-state lifecycle:
// active -> {paused, completed, cancelled, timeout}; paused -> {active,
// cancelled}.
type WorkSession struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	ProjectID uuid.UUID     `json:"project_id" db:"project_id"`
	UserID    string        `json:"user_id" db:"user_id"`
	AgentID   uuid.UUID     `json:"agent_id" db:"agent_id"`
	TaskID    uuid.UUID     `json:"task_id" db:"task_id"`
	BranchID  uuid.UUID     `json:"branch_id" db:"branch_id"`
	Status    SessionStatus `json:"status" db:"status"`

	StartedAt           time.Time  `json:"started_at" db:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	PausedAt            *time.Time `json:"paused_at,omitempty" db:"paused_at"`
	TotalPausedDuration time.Duration `json:"total_paused_duration" db:"total_paused_duration"`

	ProgressUpdates SessionProgressLog `json:"progress_updates" db:"-"`
	ResourcesLocked StringList         `json:"resources_locked" db:"resources_locked"`

	MaxDuration  *time.Duration `json:"max_duration,omitempty" db:"max_duration"`
	LastActivity time.Time      `json:"last_activity" db:"last_activity"`

	Timestamps
}

// NewWorkSession opens an active session for the agent on the task
func NewWorkSession(userID string, projectID, agentID, taskID, branchID uuid.UUID, maxDuration *time.Duration) (*WorkSession, error) {
	if agentID == uuid.Nil {
		return nil, errors.Validation("agent_id", "agent_id is required")
	}
	if taskID == uuid.Nil {
		return nil, errors.Validation("task_id", "task_id is required")
	}
	if branchID == uuid.Nil {
		return nil, errors.Validation("branch_id", "branch_id is required")
	}
	now := time.Now().UTC()
	s := &WorkSession{
		ID:           uuid.New(),
		ProjectID:    projectID,
		UserID:       userID,
		AgentID:      agentID,
		TaskID:       taskID,
		BranchID:     branchID,
		Status:       SessionStatusActive,
		StartedAt:    now,
		MaxDuration:  maxDuration,
		LastActivity: now,
	}
	s.InitTimestamps()
	return s, nil
}

// IsTerminal reports whether the session has ended
func (s *WorkSession) IsTerminal() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusCancelled, SessionStatusTimeout:
		return true
	}
	return false
}

// TotalDuration is the wall-clock time since the session started
func (s *WorkSession) TotalDuration() time.Duration {
	end := time.Now().UTC()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.StartedAt)
}

// ActiveDuration is total duration minus accumulated pauses
func (s *WorkSession) ActiveDuration() time.Duration {
	paused := s.TotalPausedDuration
	if s.Status == SessionStatusPaused && s.PausedAt != nil {
		paused += time.Now().UTC().Sub(*s.PausedAt)
	}
	return s.TotalDuration() - paused
}

// Pause suspends an active session
func (s *WorkSession) Pause() error {
	if s.Status != SessionStatusActive {
		return errors.New(errors.CodeValidation, "cannot pause session %s in status %s", s.ID, s.Status)
	}
	now := time.Now().UTC()
	s.Status = SessionStatusPaused
	s.PausedAt = &now
	s.touchActivity(now)
	return nil
}

// Resume reactivates a paused session, accumulating the paused interval
func (s *WorkSession) Resume() error {
	if s.Status != SessionStatusPaused {
		return errors.New(errors.CodeValidation, "cannot resume session %s in status %s", s.ID, s.Status)
	}
	now := time.Now().UTC()
	if s.PausedAt != nil {
		s.TotalPausedDuration += now.Sub(*s.PausedAt)
	}
	s.PausedAt = nil
	s.Status = SessionStatusActive
	s.touchActivity(now)
	return nil
}

// Complete ends the session normally and releases its resource locks
func (s *WorkSession) Complete() error {
	if s.Status != SessionStatusActive {
		return errors.New(errors.CodeValidation, "cannot complete session %s in status %s", s.ID, s.Status)
	}
	s.end(SessionStatusCompleted)
	return nil
}

// Cancel aborts the session from active or paused
func (s *WorkSession) Cancel() error {
	if s.IsTerminal() {
		return errors.New(errors.CodeValidation, "session %s already ended", s.ID)
	}
	if s.Status == SessionStatusPaused && s.PausedAt != nil {
		s.TotalPausedDuration += time.Now().UTC().Sub(*s.PausedAt)
		s.PausedAt = nil
	}
	s.end(SessionStatusCancelled)
	return nil
}

// MarkTimedOut transitions the session to timeout. Idempotent for terminal
// sessions so the periodic sweep can re-run safely.
func (s *WorkSession) MarkTimedOut() bool {
	if s.IsTerminal() {
		return false
	}
	if s.Status == SessionStatusPaused && s.PausedAt != nil {
		s.TotalPausedDuration += time.Now().UTC().Sub(*s.PausedAt)
		s.PausedAt = nil
	}
	s.end(SessionStatusTimeout)
	return true
}

// TimedOut reports whether the session has exceeded its max duration
func (s *WorkSession) TimedOut() bool {
	if s.MaxDuration == nil || s.IsTerminal() {
		return false
	}
	return s.TotalDuration() > *s.MaxDuration
}

// RecordProgress appends an update to the session log
func (s *WorkSession) RecordProgress(updateType ProgressUpdateType, message string, metadata JSONMap) error {
	if s.IsTerminal() {
		return errors.New(errors.CodeValidation, "session %s already ended", s.ID)
	}
	now := time.Now().UTC()
	s.ProgressUpdates = append(s.ProgressUpdates, SessionProgressUpdate{
		Timestamp: now,
		Type:      updateType,
		Message:   message,
		Metadata:  metadata,
	})
	s.touchActivity(now)
	return nil
}

// LockResource records an advisory claim on the named resource
func (s *WorkSession) LockResource(key string) {
	if !s.ResourcesLocked.Contains(key) {
		s.ResourcesLocked = append(s.ResourcesLocked, key)
		s.touchActivity(time.Now().UTC())
	}
}

// ReleaseResource drops the claim on the named resource
func (s *WorkSession) ReleaseResource(key string) {
	out := make(StringList, 0, len(s.ResourcesLocked))
	for _, r := range s.ResourcesLocked {
		if r != key {
			out = append(out, r)
		}
	}
	s.ResourcesLocked = out
	s.touchActivity(time.Now().UTC())
}

// end records the terminal state. The locked-resource list is kept for the
// project aggregate to release; the aggregate's lock map is the live view.
func (s *WorkSession) end(status SessionStatus) {
	now := time.Now().UTC()
	s.Status = status
	s.EndedAt = &now
	s.touchActivity(now)
}

func (s *WorkSession) touchActivity(now time.Time) {
	s.LastActivity = now
	s.UpdatedAt = now
}
