package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// SubtaskAPI is the manage_subtask facade
type SubtaskAPI struct {
	subtasks services.SubtaskService
}

func NewSubtaskAPI(subtasks services.SubtaskService) *SubtaskAPI {
	return &SubtaskAPI{subtasks: subtasks}
}

func (a *SubtaskAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/manage_subtask", a.manageSubtask)
}

// subtaskData is the nested payload older clients send. Its subtask_id
// wins only when the top-level field is absent.
type subtaskData struct {
	SubtaskID          string   `json:"subtask_id"`
	Title              *string  `json:"title"`
	Description        *string  `json:"description"`
	Status             *string  `json:"status"`
	ProgressPercentage *int     `json:"progress_percentage"`
	Assignees          []string `json:"assignees"`
}

type subtaskRequest struct {
	Action    string       `json:"action"`
	TaskID    string       `json:"task_id"`
	SubtaskID string       `json:"subtask_id"`
	Subtask   *subtaskData `json:"subtask_data"`
}

// subtaskID honours the compatibility shim: the id may arrive top-level
// or inside subtask_data.
func (r *subtaskRequest) subtaskID() (uuid.UUID, error) {
	raw := r.SubtaskID
	if raw == "" && r.Subtask != nil {
		raw = r.Subtask.SubtaskID
	}
	return parseID("subtask_id", raw)
}

func (a *SubtaskAPI) manageSubtask(c *gin.Context) {
	var req subtaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "body", "invalid request body: %v", err)
		return
	}
	ctx := c.Request.Context()
	user := userID(c)

	switch normalizeAction(req.Action) {
	case "create":
		taskID, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		in := services.CreateSubtaskInput{TaskID: taskID}
		if req.Subtask != nil {
			if req.Subtask.Title != nil {
				in.Title = *req.Subtask.Title
			}
			if req.Subtask.Description != nil {
				in.Description = *req.Subtask.Description
			}
			in.Assignees = req.Subtask.Assignees
		}
		subtask, err := a.subtasks.Create(ctx, user, in)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, subtask)

	case "get":
		id, err := req.subtaskID()
		if err != nil {
			respondError(c, err)
			return
		}
		subtask, err := a.subtasks.Get(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, subtask)

	case "list":
		taskID, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		subtasks, err := a.subtasks.List(ctx, user, taskID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"subtasks": subtasks, "count": len(subtasks)})

	case "update":
		id, err := req.subtaskID()
		if err != nil {
			respondError(c, err)
			return
		}
		var in services.UpdateSubtaskInput
		if req.Subtask != nil {
			if req.Subtask.Status != nil {
				s := models.TaskStatus(*req.Subtask.Status)
				in.Status = &s
			}
			in.ProgressPercentage = req.Subtask.ProgressPercentage
			in.Assignees = req.Subtask.Assignees
		}
		subtask, err := a.subtasks.Update(ctx, user, id, in)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, subtask)

	case "delete":
		id, err := req.subtaskID()
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.subtasks.Delete(ctx, user, id); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"deleted": id})

	case "complete":
		id, err := req.subtaskID()
		if err != nil {
			respondError(c, err)
			return
		}
		subtask, err := a.subtasks.Complete(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, subtask)

	case "reopen":
		id, err := req.subtaskID()
		if err != nil {
			respondError(c, err)
			return
		}
		subtask, err := a.subtasks.Reopen(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, subtask)

	default:
		respondError(c, apperrors.Validation("action", "unknown action: %q", req.Action))
	}
}
