package api

import (
	"sort"

	"github.com/gin-gonic/gin"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// AgentAPI is the manage_agent facade. Agents live inside the project
// aggregate, so every operation is project-scoped.
type AgentAPI struct {
	projects services.ProjectService
}

func NewAgentAPI(projects services.ProjectService) *AgentAPI {
	return &AgentAPI{projects: projects}
}

func (a *AgentAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/manage_agent", a.manageAgent)
}

type agentRequest struct {
	Action    string `json:"action"`
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
	BranchID  string `json:"branch_id"`

	Name               string   `json:"name"`
	Capabilities       []string `json:"capabilities"`
	PreferredLanguages []string `json:"preferred_languages"`
	Status             *string  `json:"status"`
	WorkloadPercentage *float64 `json:"workload_percentage"`
	PriorityPreference *string  `json:"priority_preference"`
}

func (a *AgentAPI) manageAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "body", "invalid request body: %v", err)
		return
	}
	ctx := c.Request.Context()
	user := userID(c)

	projectID, err := parseID("project_id", req.ProjectID)
	if err != nil {
		respondError(c, err)
		return
	}

	switch normalizeAction(req.Action) {
	case "register":
		if req.Name == "" {
			respondValidation(c, "name", "agent name is required")
			return
		}
		agent := models.NewAgent(user, projectID, req.Name, nil)
		agent.Capabilities = models.StringList(req.Capabilities)
		agent.PreferredLanguages = models.StringList(req.PreferredLanguages)
		if err := a.projects.RegisterAgent(ctx, user, projectID, agent); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, agent)

	case "unregister":
		agentID, err := parseID("agent_id", req.AgentID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.projects.UnregisterAgent(ctx, user, projectID, agentID); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"unregistered": agentID})

	case "assign":
		agentID, err := parseID("agent_id", req.AgentID)
		if err != nil {
			respondError(c, err)
			return
		}
		branchID, err := parseID("branch_id", req.BranchID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.projects.AssignAgent(ctx, user, projectID, agentID, branchID); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"agent_id": agentID, "branch_id": branchID})

	case "unassign":
		branchID, err := parseID("branch_id", req.BranchID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.projects.UnassignAgent(ctx, user, projectID, branchID); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"branch_id": branchID})

	case "get":
		agentID, err := parseID("agent_id", req.AgentID)
		if err != nil {
			respondError(c, err)
			return
		}
		project, err := a.projects.Get(ctx, user, projectID)
		if err != nil {
			respondError(c, err)
			return
		}
		agent, ok := project.Agents[agentID]
		if !ok {
			respondError(c, apperrors.NotFound("agent", agentID.String()))
			return
		}
		respondOK(c, agent)

	case "list":
		project, err := a.projects.Get(ctx, user, projectID)
		if err != nil {
			respondError(c, err)
			return
		}
		agents := make([]*models.Agent, 0, len(project.Agents))
		for _, agent := range project.Agents {
			agents = append(agents, agent)
		}
		sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
		respondOK(c, gin.H{"agents": agents, "count": len(agents)})

	case "update":
		agentID, err := parseID("agent_id", req.AgentID)
		if err != nil {
			respondError(c, err)
			return
		}
		in := services.UpdateAgentInput{
			Capabilities:       req.Capabilities,
			PreferredLanguages: req.PreferredLanguages,
			WorkloadPercentage: req.WorkloadPercentage,
		}
		if req.Status != nil {
			s := models.AgentStatus(*req.Status)
			in.Status = &s
		}
		if req.PriorityPreference != nil {
			p := models.TaskPriority(*req.PriorityPreference)
			in.PriorityPreference = &p
		}
		agent, err := a.projects.UpdateAgent(ctx, user, projectID, agentID, in)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, agent)

	case "rebalance":
		proposals, err := a.projects.Rebalance(ctx, user, projectID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"proposals": proposals, "count": len(proposals)})

	case "auto_assign":
		proposals, err := a.projects.AutoAssignBranches(ctx, user, projectID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"assignments": proposals, "count": len(proposals)})

	default:
		respondError(c, apperrors.Validation("action", "unknown action: %q", req.Action))
	}
}
