package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// TaskAPI is the manage_task facade
type TaskAPI struct {
	tasks services.TaskService
}

func NewTaskAPI(tasks services.TaskService) *TaskAPI {
	return &TaskAPI{tasks: tasks}
}

func (a *TaskAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/manage_task", a.manageTask)
}

// taskRequest is the manage_task body. Clients send hyphenated or
// underscored action names; both are accepted.
type taskRequest struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`

	// create / update
	GitBranchID     string     `json:"git_branch_id"`
	Title           *string    `json:"title"`
	Description     *string    `json:"description"`
	Status          *string    `json:"status"`
	Priority        *string    `json:"priority"`
	Details         *string    `json:"details"`
	EstimatedEffort *string    `json:"estimated_effort"`
	Assignees       []string   `json:"assignees"`
	Labels          []string   `json:"labels"`
	DueDate         *time.Time `json:"due_date"`
	ContextID       *string    `json:"context_id"`

	// get
	IncludeContext bool `json:"include_context"`

	// complete
	CompletionSummary string     `json:"completion_summary"`
	TestingNotes      string     `json:"testing_notes"`
	ContextUpdatedAt  *time.Time `json:"context_updated_at"`

	// progress
	ProgressType string  `json:"progress_type"`
	Percentage   *int    `json:"percentage"`
	AgentID      *string `json:"agent_id"`

	// list
	Assignee string `json:"assignee"`
	Label    string `json:"label"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

// normalizeAction folds the hyphenated action spelling onto the canonical
// underscored one
func normalizeAction(action string) string {
	return strings.ReplaceAll(strings.TrimSpace(action), "-", "_")
}

func (a *TaskAPI) manageTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "body", "invalid request body: %v", err)
		return
	}
	ctx := c.Request.Context()
	user := userID(c)

	switch normalizeAction(req.Action) {
	case "create":
		branchID, err := parseID("git_branch_id", req.GitBranchID)
		if err != nil {
			respondError(c, err)
			return
		}
		in := services.CreateTaskInput{
			BranchID:  branchID,
			Assignees: req.Assignees,
			Labels:    req.Labels,
			DueDate:   req.DueDate,
		}
		if req.Title != nil {
			in.Title = *req.Title
		}
		if req.Description != nil {
			in.Description = *req.Description
		}
		if req.Details != nil {
			in.Details = *req.Details
		}
		if req.EstimatedEffort != nil {
			in.EstimatedEffort = *req.EstimatedEffort
		}
		if req.Priority != nil {
			p := models.TaskPriority(*req.Priority)
			in.Priority = &p
		}
		task, err := a.tasks.Create(ctx, user, in)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, task)

	case "get":
		id, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		view, err := a.tasks.Get(ctx, user, id, req.IncludeContext)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, view)

	case "update":
		id, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		in := services.UpdateTaskInput{
			Title:           req.Title,
			Description:     req.Description,
			Details:         req.Details,
			EstimatedEffort: req.EstimatedEffort,
			Assignees:       req.Assignees,
			Labels:          req.Labels,
			DueDate:         req.DueDate,
		}
		if req.Status != nil {
			s := models.TaskStatus(*req.Status)
			in.Status = &s
		}
		if req.Priority != nil {
			p := models.TaskPriority(*req.Priority)
			in.Priority = &p
		}
		if req.ContextID != nil {
			ctxID, err := parseID("context_id", *req.ContextID)
			if err != nil {
				respondError(c, err)
				return
			}
			in.ContextID = &ctxID
		}
		task, err := a.tasks.Update(ctx, user, id, in)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, task)

	case "delete":
		id, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.tasks.Delete(ctx, user, id); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"deleted": id})

	case "complete":
		id, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		task, err := a.tasks.Complete(ctx, user, id, services.CompleteTaskInput{
			CompletionSummary: req.CompletionSummary,
			TestingNotes:      req.TestingNotes,
			ContextUpdatedAt:  req.ContextUpdatedAt,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, task)

	case "add_progress":
		id, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		in := services.ProgressInput{
			ProgressType: models.ProgressType(req.ProgressType),
			AgentID:      req.AgentID,
		}
		if req.Percentage != nil {
			in.Percentage = *req.Percentage
		}
		if req.Description != nil {
			in.Description = *req.Description
		}
		task, err := a.tasks.AddProgress(ctx, user, id, in)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, task)

	case "list":
		filter := repository.TaskFilter{
			Assignee: req.Assignee,
			Label:    req.Label,
			Limit:    req.Limit,
			Offset:   req.Offset,
		}
		branchID, err := parseOptionalID("git_branch_id", req.GitBranchID)
		if err != nil {
			respondError(c, err)
			return
		}
		filter.BranchID = branchID
		if req.Status != nil {
			s := models.TaskStatus(*req.Status)
			filter.Status = &s
		}
		if req.Priority != nil {
			p := models.TaskPriority(*req.Priority)
			filter.Priority = &p
		}
		tasks, err := a.tasks.List(ctx, user, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"tasks": tasks, "count": len(tasks)})

	case "next":
		branchID, err := parseID("git_branch_id", req.GitBranchID)
		if err != nil {
			respondError(c, err)
			return
		}
		scored, err := a.tasks.Next(ctx, user, branchID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, scored)

	default:
		respondError(c, apperrors.Validation("action", "unknown action: %q", req.Action))
	}
}
