package models

import (
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/errors"
)

// GitBranch is a task tree within a project. Its name is unique within the
// project; it receives at most one agent assignment.
type GitBranch struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	ProjectID          uuid.UUID  `json:"project_id" db:"project_id"`
	UserID             string     `json:"user_id" db:"user_id"`
	Name               string     `json:"name" db:"name"`
	Description        string     `json:"description" db:"description"`
	AssignedAgentID    *uuid.UUID `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	Status             TaskStatus `json:"status" db:"status"`
	TaskCount          int        `json:"task_count" db:"task_count"`
	CompletedTaskCount int        `json:"completed_task_count" db:"completed_task_count"`

	Timestamps
}

// NewGitBranch creates a branch within the project
func NewGitBranch(userID string, projectID uuid.UUID, name, description string) (*GitBranch, error) {
	if name == "" {
		return nil, errors.Validation("name", "branch name is required")
	}
	b := &GitBranch{
		ID:          uuid.New(),
		ProjectID:   projectID,
		UserID:      userID,
		Name:        name,
		Description: description,
		Status:      TaskStatusTodo,
	}
	b.InitTimestamps()
	return b, nil
}

// Progress reports the fraction of completed tasks as a percentage
func (b *GitBranch) Progress() int {
	if b.TaskCount == 0 {
		return 0
	}
	return b.CompletedTaskCount * 100 / b.TaskCount
}

// IsAssigned reports whether an agent owns this branch
func (b *GitBranch) IsAssigned() bool {
	return b.AssignedAgentID != nil
}
