package models

import (
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/errors"
)

const maxSubtaskDescriptionLength = 500

// Subtask is a child unit of a task. Status and progress percentage are
// coupled: done <=> 100, todo-from-done resets to 0, and a percentage edit
// derives the status.
type Subtask struct {
	ID                 uuid.UUID    `json:"id" db:"id"`
	ParentTaskID       uuid.UUID    `json:"parent_task_id" db:"parent_task_id"`
	UserID             string       `json:"user_id" db:"user_id"`
	Title              string       `json:"title" db:"title"`
	Description        string       `json:"description" db:"description"`
	Status             TaskStatus   `json:"status" db:"status"`
	Priority           TaskPriority `json:"priority" db:"priority"`
	Assignees          StringList   `json:"assignees" db:"assignees"`
	ProgressPercentage int          `json:"progress_percentage" db:"progress_percentage"`

	Timestamps

	eventRecorder `json:"-" db:"-"`
}

// NewSubtask creates a subtask under the given parent. An empty assignee
// list inherits the parent's assignees; once the subtask has its own list
// it never auto-inherits again.
func NewSubtask(parent *Task, title, description string, assignees []string) (*Subtask, error) {
	if parent == nil || parent.ID == uuid.Nil {
		return nil, errors.Validation("task_id", "parent task is required")
	}
	if len(title) == 0 || len(title) > maxTitleLength {
		return nil, errors.Validation("title", "title must be 1-%d characters, got %d", maxTitleLength, len(title))
	}
	if len(description) > maxSubtaskDescriptionLength {
		return nil, errors.Validation("description", "description must be at most %d characters, got %d", maxSubtaskDescriptionLength, len(description))
	}

	normalized := NormalizeAssignees(assignees)
	if len(normalized) == 0 {
		normalized = append(StringList(nil), parent.Assignees...)
	}

	s := &Subtask{
		ID:           uuid.New(),
		ParentTaskID: parent.ID,
		UserID:       parent.UserID,
		Title:        title,
		Description:  description,
		Status:       TaskStatusTodo,
		Priority:     TaskPriorityMedium,
		Assignees:    normalized,
	}
	s.InitTimestamps()
	return s, nil
}

// SetStatus changes the status and applies the coupled percentage rule:
// done forces 100; todo coming from done resets to 0, from anything else
// the current percentage is kept.
func (s *Subtask) SetStatus(target TaskStatus) error {
	if !ValidTaskStatus(target) {
		return errors.Validation("status", "unknown status: %q", target)
	}
	old := s.Status
	if target == old {
		return nil
	}

	switch target {
	case TaskStatusDone:
		s.ProgressPercentage = 100
	case TaskStatusTodo:
		if old == TaskStatusDone {
			s.ProgressPercentage = 0
		}
	}
	s.Status = target
	s.Touch()
	return nil
}

// SetProgress sets the percentage and derives the status: 0 -> todo,
// 100 -> done, anything between -> in_progress.
func (s *Subtask) SetProgress(percentage int) error {
	if percentage < 0 || percentage > 100 {
		return errors.Validation("progress_percentage", "progress_percentage must be 0-100, got %d", percentage)
	}
	s.ProgressPercentage = percentage
	switch {
	case percentage == 0:
		s.Status = TaskStatusTodo
	case percentage == 100:
		s.Status = TaskStatusDone
	default:
		s.Status = TaskStatusInProgress
	}
	s.Touch()
	return nil
}

// SetAssignees replaces the assignee list via the lenient path
func (s *Subtask) SetAssignees(raw []string) error {
	normalized := NormalizeAssignees(raw)
	if len(normalized) == 0 {
		return errors.Validation("assignees", "at least one assignee is required")
	}
	s.Assignees = normalized
	s.Touch()
	return nil
}

// Reopen is the dedicated path that returns a completed subtask to todo
func (s *Subtask) Reopen() error {
	if s.Status != TaskStatusDone {
		return errors.New(errors.CodeValidation, "subtask %s is not completed", s.ID)
	}
	return s.SetStatus(TaskStatusTodo)
}

// IsCompleted reports whether the subtask is done
func (s *Subtask) IsCompleted() bool {
	return s.Status == TaskStatusDone
}
