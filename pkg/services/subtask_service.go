package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// CreateSubtaskInput carries the fields accepted by subtask creation. An
// empty assignee list inherits the parent task's assignees.
type CreateSubtaskInput struct {
	TaskID      uuid.UUID
	Title       string
	Description string
	Assignees   []string
}

// UpdateSubtaskInput carries the optional fields of a subtask update
type UpdateSubtaskInput struct {
	Status             *models.TaskStatus
	ProgressPercentage *int
	Assignees          []string
}

// SubtaskService manages subtasks under a parent task. Every mutation
// bubbles a progress recomputation to the parent.
type SubtaskService interface {
	Create(ctx context.Context, userID string, in CreateSubtaskInput) (*models.Subtask, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error)
	List(ctx context.Context, userID string, taskID uuid.UUID) ([]*models.Subtask, error)
	Update(ctx context.Context, userID string, id uuid.UUID, in UpdateSubtaskInput) (*models.Subtask, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error
	Complete(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error)
	Reopen(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error)
}

type subtaskService struct {
	BaseService
	tasks    repository.TaskRepository
	subtasks repository.SubtaskRepository
	tx       repository.TxManager
}

// NewSubtaskService builds the subtask half of the task engine
func NewSubtaskService(cfg ServiceConfig, tasks repository.TaskRepository, subtasks repository.SubtaskRepository, tx repository.TxManager) SubtaskService {
	return &subtaskService{
		BaseService: newBaseService(cfg, "subtask_service"),
		tasks:       tasks,
		subtasks:    subtasks,
		tx:          tx,
	}
}

func (s *subtaskService) Create(ctx context.Context, userID string, in CreateSubtaskInput) (*models.Subtask, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	scope := repository.UserScope(userID)

	var subtask *models.Subtask
	var parent *models.Task
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		parent, err = s.tasks.Get(ctx, scope, in.TaskID)
		if err != nil {
			return err
		}
		subtask, err = models.NewSubtask(parent, in.Title, in.Description, in.Assignees)
		if err != nil {
			return err
		}
		if err := s.subtasks.Create(ctx, scope, subtask); err != nil {
			return err
		}
		return s.bubbleProgress(ctx, scope, parent)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, parent.DrainEvents())
	return subtask, nil
}

func (s *subtaskService) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	return s.subtasks.Get(ctx, repository.UserScope(userID), id)
}

func (s *subtaskService) List(ctx context.Context, userID string, taskID uuid.UUID) ([]*models.Subtask, error) {
	return s.subtasks.ListByTask(ctx, repository.UserScope(userID), taskID)
}

func (s *subtaskService) Update(ctx context.Context, userID string, id uuid.UUID, in UpdateSubtaskInput) (*models.Subtask, error) {
	return s.mutate(ctx, userID, id, func(subtask *models.Subtask) error {
		if in.Status != nil {
			if err := subtask.SetStatus(*in.Status); err != nil {
				return err
			}
		}
		if in.ProgressPercentage != nil {
			if err := subtask.SetProgress(*in.ProgressPercentage); err != nil {
				return err
			}
		}
		if in.Assignees != nil {
			if err := subtask.SetAssignees(in.Assignees); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *subtaskService) Complete(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	return s.mutate(ctx, userID, id, func(subtask *models.Subtask) error {
		return subtask.SetStatus(models.TaskStatusDone)
	})
}

func (s *subtaskService) Reopen(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	return s.mutate(ctx, userID, id, func(subtask *models.Subtask) error {
		return subtask.Reopen()
	})
}

func (s *subtaskService) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	if err := s.checkRateLimit(); err != nil {
		return err
	}
	scope := repository.UserScope(userID)

	var parent *models.Task
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		subtask, err := s.subtasks.Get(ctx, scope, id)
		if err != nil {
			return err
		}
		if err := s.subtasks.Delete(ctx, scope, id); err != nil {
			return err
		}
		parent, err = s.tasks.Get(ctx, scope, subtask.ParentTaskID)
		if err != nil {
			return err
		}
		return s.bubbleProgress(ctx, scope, parent)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, parent.DrainEvents())
	return nil
}

// mutate applies fn to the subtask, persists it, and bubbles the parent's
// progress, all in one transaction.
func (s *subtaskService) mutate(ctx context.Context, userID string, id uuid.UUID, fn func(*models.Subtask) error) (*models.Subtask, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	scope := repository.UserScope(userID)

	var subtask *models.Subtask
	var parent *models.Task
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		subtask, err = s.subtasks.Get(ctx, scope, id)
		if err != nil {
			return err
		}
		if err := fn(subtask); err != nil {
			return err
		}
		if err := s.subtasks.Save(ctx, scope, subtask); err != nil {
			return err
		}
		parent, err = s.tasks.Get(ctx, scope, subtask.ParentTaskID)
		if err != nil {
			return err
		}
		return s.bubbleProgress(ctx, scope, parent)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, parent.DrainEvents())
	return subtask, nil
}

// bubbleProgress recomputes the parent's overall progress from the current
// subtask set and saves the parent.
func (s *subtaskService) bubbleProgress(ctx context.Context, scope repository.Scope, parent *models.Task) error {
	subtasks, err := s.subtasks.ListByTask(ctx, scope, parent.ID)
	if err != nil {
		return err
	}
	percentages := make([]int, len(subtasks))
	for i, sub := range subtasks {
		percentages[i] = sub.ProgressPercentage
	}
	parent.RecomputeProgress(percentages)
	parent.Touch()
	return s.tasks.Save(ctx, scope, parent)
}
