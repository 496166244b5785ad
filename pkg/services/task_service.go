package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// CreateTaskInput carries the fields accepted by task creation
type CreateTaskInput struct {
	BranchID        uuid.UUID
	Title           string
	Description     string
	Assignees       []string
	Priority        *models.TaskPriority
	Details         string
	EstimatedEffort string
	DueDate         *time.Time
	Labels          []string
}

// UpdateTaskInput carries the optional fields of a task update. Nil fields
// are left untouched.
type UpdateTaskInput struct {
	Title           *string
	Description     *string
	Status          *models.TaskStatus
	Priority        *models.TaskPriority
	Details         *string
	EstimatedEffort *string
	Assignees       []string
	Labels          []string
	DueDate         *time.Time
	ContextID       *uuid.UUID
}

// CompleteTaskInput carries the completion arguments. ContextUpdatedAt is
// the caller's last context-resolution timestamp, used for staleness.
type CompleteTaskInput struct {
	CompletionSummary string
	TestingNotes      string
	ContextUpdatedAt  *time.Time
}

// ProgressInput appends one snapshot to a task's timeline
type ProgressInput struct {
	ProgressType models.ProgressType
	Percentage   int
	Description  string
	AgentID      *string
	Metadata     models.ProgressMetadata
}

// TaskView is the read model returned by Get. ResolvedContext is populated
// when the caller asks for the inherited context.
type TaskView struct {
	Task            *models.Task   `json:"task"`
	ResolvedContext models.JSONMap `json:"resolved_context,omitempty"`
}

// ScoredTask pairs a task with its recommendation score
type ScoredTask struct {
	Task  *models.Task `json:"task"`
	Score float64      `json:"score"`
}

// TaskService is the task engine's use-case surface
type TaskService interface {
	Create(ctx context.Context, userID string, in CreateTaskInput) (*models.Task, error)
	Get(ctx context.Context, userID string, id uuid.UUID, includeContext bool) (*TaskView, error)
	List(ctx context.Context, userID string, filter repository.TaskFilter) ([]*models.Task, error)
	Update(ctx context.Context, userID string, id uuid.UUID, in UpdateTaskInput) (*models.Task, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error
	Complete(ctx context.Context, userID string, id uuid.UUID, in CompleteTaskInput) (*models.Task, error)
	AddProgress(ctx context.Context, userID string, id uuid.UUID, in ProgressInput) (*models.Task, error)
	// Next returns the highest-scoring eligible task on the branch, or
	// NOT_FOUND when nothing is eligible.
	Next(ctx context.Context, userID string, branchID uuid.UUID) (*ScoredTask, error)
}

// ContextResolver is the slice of the context engine the task engine needs
// for include_context reads.
type ContextResolver interface {
	ResolveTask(ctx context.Context, userID string, taskID uuid.UUID) (*Resolution, error)
}

type taskService struct {
	BaseService
	tasks    repository.TaskRepository
	subtasks repository.SubtaskRepository
	tx       repository.TxManager
	resolver ContextResolver
}

// NewTaskService builds the task engine. resolver may be nil; Get then
// ignores include_context.
func NewTaskService(cfg ServiceConfig, tasks repository.TaskRepository, subtasks repository.SubtaskRepository, tx repository.TxManager, resolver ContextResolver) TaskService {
	return &taskService{
		BaseService: newBaseService(cfg, "task_service"),
		tasks:       tasks,
		subtasks:    subtasks,
		tx:          tx,
		resolver:    resolver,
	}
}

func (s *taskService) Create(ctx context.Context, userID string, in CreateTaskInput) (*models.Task, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	task, err := models.NewTask(userID, in.BranchID, in.Title, in.Description, in.Assignees)
	if err != nil {
		return nil, err
	}
	if in.Priority != nil {
		if err := task.SetPriority(*in.Priority); err != nil {
			return nil, err
		}
	}
	task.Details = in.Details
	task.EstimatedEffort = in.EstimatedEffort
	task.DueDate = in.DueDate
	task.Labels = models.StringList(in.Labels)

	scope := repository.UserScope(userID)
	if err := s.tasks.Create(ctx, scope, task); err != nil {
		return nil, err
	}
	s.publish(ctx, task.DrainEvents())
	s.logger.Info("task created", map[string]interface{}{
		"task_id":   task.ID.String(),
		"branch_id": task.BranchID.String(),
	})
	return task, nil
}

func (s *taskService) Get(ctx context.Context, userID string, id uuid.UUID, includeContext bool) (*TaskView, error) {
	scope := repository.UserScope(userID)
	task, err := s.tasks.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	task.MarkRetrieved()

	view := &TaskView{Task: task}
	if includeContext && s.resolver != nil {
		resolution, err := s.resolver.ResolveTask(ctx, userID, id)
		switch {
		case err == nil:
			view.ResolvedContext = resolution.ResolvedContext
		case apperrors.IsCode(err, apperrors.CodeNotFound):
			// No context written yet; the task is still readable
		default:
			return nil, err
		}
	}
	s.publish(ctx, task.DrainEvents())
	return view, nil
}

func (s *taskService) List(ctx context.Context, userID string, filter repository.TaskFilter) ([]*models.Task, error) {
	return s.tasks.List(ctx, repository.UserScope(userID), filter)
}

func (s *taskService) Update(ctx context.Context, userID string, id uuid.UUID, in UpdateTaskInput) (*models.Task, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	scope := repository.UserScope(userID)
	task, err := s.tasks.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := applyTaskUpdate(task, in); err != nil {
		return nil, err
	}
	if err := s.tasks.Save(ctx, scope, task); err != nil {
		return nil, err
	}
	s.publish(ctx, task.DrainEvents())
	return task, nil
}

// applyTaskUpdate routes each supplied field through the entity's mutation
// methods so the context-invalidation rule is enforced in one place.
func applyTaskUpdate(task *models.Task, in UpdateTaskInput) error {
	if in.Title != nil {
		if err := task.UpdateTitle(*in.Title); err != nil {
			return err
		}
	}
	if in.Description != nil {
		if err := task.UpdateDescription(*in.Description); err != nil {
			return err
		}
	}
	if in.Details != nil {
		task.UpdateDetails(*in.Details)
	}
	if in.EstimatedEffort != nil {
		task.SetEstimatedEffort(*in.EstimatedEffort)
	}
	if in.Assignees != nil {
		if err := task.SetAssignees(in.Assignees); err != nil {
			return err
		}
	}
	if in.Labels != nil {
		task.SetLabels(in.Labels)
	}
	if in.DueDate != nil {
		task.SetDueDate(in.DueDate)
	}
	if in.Status != nil {
		if err := task.TransitionStatus(*in.Status); err != nil {
			return err
		}
	}
	if in.Priority != nil {
		if err := task.SetPriority(*in.Priority); err != nil {
			return err
		}
	}
	if in.ContextID != nil {
		task.SetContextID(*in.ContextID)
	}
	return nil
}

func (s *taskService) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	scope := repository.UserScope(userID)
	task, err := s.tasks.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	task.MarkDeleted()
	if err := s.tasks.Delete(ctx, scope, id); err != nil {
		return err
	}
	s.publish(ctx, task.DrainEvents())
	return nil
}

func (s *taskService) Complete(ctx context.Context, userID string, id uuid.UUID, in CompleteTaskInput) (*models.Task, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	scope := repository.UserScope(userID)

	var task *models.Task
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.tasks.Get(ctx, scope, id)
		if err != nil {
			return err
		}
		// The task only holds subtask ids; completion validation loads the
		// subtasks themselves.
		subtasks, err := s.subtasks.ListByTask(ctx, scope, id)
		if err != nil {
			return err
		}
		allDone := true
		for _, sub := range subtasks {
			if !sub.IsCompleted() {
				allDone = false
				break
			}
		}
		if err := task.Complete(in.CompletionSummary, in.TestingNotes, in.ContextUpdatedAt, allDone); err != nil {
			return err
		}
		return s.tasks.Save(ctx, scope, task)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, task.DrainEvents())
	s.logger.Info("task completed", map[string]interface{}{"task_id": id.String()})
	return task, nil
}

func (s *taskService) AddProgress(ctx context.Context, userID string, id uuid.UUID, in ProgressInput) (*models.Task, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	scope := repository.UserScope(userID)

	var task *models.Task
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		task, err = s.tasks.Get(ctx, scope, id)
		if err != nil {
			return err
		}
		subtasks, err := s.subtasks.ListByTask(ctx, scope, id)
		if err != nil {
			return err
		}
		percentages := make([]int, len(subtasks))
		for i, sub := range subtasks {
			percentages[i] = sub.ProgressPercentage
		}

		snapshot := models.ProgressSnapshot{
			UserID:       userID,
			ProgressType: in.ProgressType,
			Percentage:   in.Percentage,
			Description:  in.Description,
			AgentID:      in.AgentID,
			Metadata:     in.Metadata,
		}
		if err := task.RecordProgress(snapshot, percentages); err != nil {
			return err
		}
		appended := task.Timeline.Snapshots[len(task.Timeline.Snapshots)-1]
		if err := s.tasks.AppendSnapshot(ctx, scope, appended); err != nil {
			return err
		}
		return s.tasks.Save(ctx, scope, task)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, task.DrainEvents())
	return task, nil
}

func (s *taskService) Next(ctx context.Context, userID string, branchID uuid.UUID) (*ScoredTask, error) {
	scope := repository.UserScope(userID)
	tasks, err := s.tasks.List(ctx, scope, repository.TaskFilter{
		BranchID: &branchID,
		Limit:    repository.MaxListLimit,
	})
	if err != nil {
		return nil, err
	}

	best := RecommendNextTask(tasks, time.Now().UTC())
	if best == nil {
		return nil, apperrors.NotFound("eligible task", branchID.String())
	}
	return best, nil
}
