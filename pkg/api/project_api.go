package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// defaultCleanupRetention bounds cleanup-obsolete when the client does not
// name a retention window
const defaultCleanupRetention = 24 * time.Hour

// ProjectAPI is the manage_project facade over the coordination kernel
type ProjectAPI struct {
	projects services.ProjectService
}

func NewProjectAPI(projects services.ProjectService) *ProjectAPI {
	return &ProjectAPI{projects: projects}
}

func (a *ProjectAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/manage_project", a.manageProject)
}

type projectRequest struct {
	Action    string `json:"action"`
	ProjectID string `json:"project_id"`

	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Force       bool    `json:"force"`

	// branches and dependencies
	BranchName         string `json:"branch_name"`
	DependentTaskID    string `json:"dependent_task_id"`
	PrerequisiteTaskID string `json:"prerequisite_task_id"`

	// sessions and locks
	AgentID            string `json:"agent_id"`
	TaskID             string `json:"task_id"`
	SessionID          string `json:"session_id"`
	ResourceKey        string `json:"resource_key"`
	MaxDurationSeconds *int   `json:"max_duration_seconds"`
	Cancel             bool   `json:"cancel"`

	// cleanup
	RetentionHours *int `json:"retention_hours"`

	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (a *ProjectAPI) manageProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "body", "invalid request body: %v", err)
		return
	}
	ctx := c.Request.Context()
	user := userID(c)

	switch normalizeAction(req.Action) {
	case "create":
		var name, description string
		if req.Name != nil {
			name = *req.Name
		}
		if req.Description != nil {
			description = *req.Description
		}
		project, err := a.projects.Create(ctx, user, name, description)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, project)

	case "get":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		project, err := a.projects.Get(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, project)

	case "list":
		projects, err := a.projects.List(ctx, user, req.Limit, req.Offset)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"projects": projects, "count": len(projects)})

	case "update":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		in := services.UpdateProjectInput{Name: req.Name, Description: req.Description}
		if req.Status != nil {
			s := models.ProjectStatus(*req.Status)
			in.Status = &s
		}
		project, err := a.projects.Update(ctx, user, id, in)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, project)

	case "delete":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.projects.Delete(ctx, user, id, req.Force); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"deleted": id})

	case "create_branch":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		var description string
		if req.Description != nil {
			description = *req.Description
		}
		branch, err := a.projects.CreateBranch(ctx, user, id, req.BranchName, description)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, branch)

	case "add_dependency":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.projects.AddCrossTreeDependency(ctx, user, id, req.DependentTaskID, req.PrerequisiteTaskID); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"dependent_task_id": req.DependentTaskID, "prerequisite_task_id": req.PrerequisiteTaskID})

	case "start_session":
		projectID, agentID, err := a.twoIDs(req.ProjectID, req.AgentID)
		if err != nil {
			respondError(c, err)
			return
		}
		taskID, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		var maxDuration *time.Duration
		if req.MaxDurationSeconds != nil {
			d := time.Duration(*req.MaxDurationSeconds) * time.Second
			maxDuration = &d
		}
		session, err := a.projects.StartWorkSession(ctx, user, projectID, agentID, taskID, maxDuration)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, session)

	case "end_session":
		projectID, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		sessionID, err := parseID("session_id", req.SessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.projects.EndWorkSession(ctx, user, projectID, sessionID, req.Cancel); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"session_id": sessionID, "cancelled": req.Cancel})

	case "acquire_lock":
		projectID, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		sessionID, err := parseID("session_id", req.SessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.projects.AcquireResourceLock(ctx, user, projectID, sessionID, req.ResourceKey); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"resource_key": req.ResourceKey})

	case "available_work":
		projectID, agentID, err := a.twoIDs(req.ProjectID, req.AgentID)
		if err != nil {
			respondError(c, err)
			return
		}
		work, err := a.projects.GetAvailableWork(ctx, user, projectID, agentID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"tasks": work, "count": len(work)})

	case "orchestration_status":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		status, err := a.projects.GetOrchestrationStatus(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, status)

	case "coordinate":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		issues, err := a.projects.CoordinateDependencies(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"issues": issues, "count": len(issues)})

	case "resolve_conflicts":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		conflicts, err := a.projects.ResolveConflicts(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"conflicts": conflicts, "count": len(conflicts)})

	case "health_check":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		report, err := a.projects.HealthCheck(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, report)

	case "validate_integrity":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		violations, err := a.projects.ValidateIntegrity(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"violations": violations, "count": len(violations)})

	case "cleanup_obsolete":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		retention := defaultCleanupRetention
		if req.RetentionHours != nil {
			if *req.RetentionHours <= 0 {
				respondValidation(c, "retention_hours", "retention must be positive")
				return
			}
			retention = time.Duration(*req.RetentionHours) * time.Hour
		}
		report, err := a.projects.CleanupObsolete(ctx, user, id, retention)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, report)

	case "rebalance_agents":
		id, err := parseID("project_id", req.ProjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		proposals, err := a.projects.Rebalance(ctx, user, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"proposals": proposals, "count": len(proposals)})

	default:
		respondError(c, apperrors.Validation("action", "unknown action: %q", req.Action))
	}
}

func (a *ProjectAPI) twoIDs(projectID, agentID string) (uuid.UUID, uuid.UUID, error) {
	p, err := parseID("project_id", projectID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	ag, err := parseID("agent_id", agentID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return p, ag, nil
}
