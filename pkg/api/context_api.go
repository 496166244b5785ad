package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// ContextAPI is the manage_context facade over the context engine
type ContextAPI struct {
	contexts    services.ContextService
	delegations services.DelegationService
}

func NewContextAPI(contexts services.ContextService, delegations services.DelegationService) *ContextAPI {
	return &ContextAPI{contexts: contexts, delegations: delegations}
}

func (a *ContextAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/manage_context", a.manageContext)
}

type contextRequest struct {
	Action string `json:"action"`

	// Level plus the owning entity id select the context. Global contexts
	// are keyed by the caller, so context_id may be omitted there.
	Level     string `json:"level"`
	ContextID string `json:"context_id"`

	IncludeInherited *bool `json:"include_inherited"`

	// update_section
	Section string         `json:"section"`
	Data    models.JSONMap `json:"data"`

	// add_progress
	Content string `json:"content"`
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`

	// delegate
	SourceLevel     string         `json:"source_level"`
	SourceID        string         `json:"source_id"`
	TargetLevel     string         `json:"target_level"`
	TargetID        string         `json:"target_id"`
	DelegatedData   models.JSONMap `json:"delegated_data"`
	Reason          string         `json:"reason"`
	TriggerType     string         `json:"trigger_type"`
	ConfidenceScore *float64       `json:"confidence_score"`

	// process
	DelegationID string `json:"delegation_id"`
	Approve      bool   `json:"approve"`

	// invalidate
	InvalidationReason string `json:"invalidation_reason"`
}

// contextTarget parses the level/context_id pair. Only the global level
// tolerates a missing id.
func (r *contextRequest) contextTarget() (models.ContextLevel, uuid.UUID, error) {
	level := models.ContextLevel(r.Level)
	if !models.ValidContextLevel(level) {
		return "", uuid.Nil, apperrors.Validation("level", "unknown context level: %q", r.Level)
	}
	if level == models.ContextLevelGlobal && r.ContextID == "" {
		return level, uuid.Nil, nil
	}
	id, err := parseID("context_id", r.ContextID)
	if err != nil {
		return "", uuid.Nil, err
	}
	return level, id, nil
}

func (a *ContextAPI) manageContext(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "body", "invalid request body: %v", err)
		return
	}
	ctx := c.Request.Context()
	user := userID(c)

	switch normalizeAction(req.Action) {
	case "resolve":
		level, id, err := req.contextTarget()
		if err != nil {
			respondError(c, err)
			return
		}
		includeInherited := true
		if req.IncludeInherited != nil {
			includeInherited = *req.IncludeInherited
		}
		resolution, err := a.contexts.Resolve(ctx, user, level, id, includeInherited)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, resolution)

	case "update_section":
		level, id, err := req.contextTarget()
		if err != nil {
			respondError(c, err)
			return
		}
		if req.Section == "" {
			respondValidation(c, "section", "section name is required")
			return
		}
		if err := a.contexts.UpdateSection(ctx, user, level, id, req.Section, req.Data); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"level": level, "section": req.Section})

	case "add_progress":
		taskID, err := parseID("task_id", req.TaskID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.contexts.AddProgress(ctx, user, taskID, req.Content, req.AgentID); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"task_id": taskID})

	case "invalidate":
		level, id, err := req.contextTarget()
		if err != nil {
			respondError(c, err)
			return
		}
		if err := a.contexts.Invalidate(ctx, user, level, id, req.InvalidationReason); err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"level": level, "invalidated": id})

	case "delegate":
		sourceID, err := parseOptionalID("source_id", req.SourceID)
		if err != nil {
			respondError(c, err)
			return
		}
		targetID, err := parseOptionalID("target_id", req.TargetID)
		if err != nil {
			respondError(c, err)
			return
		}
		in := services.DelegateInput{
			SourceLevel:     models.ContextLevel(req.SourceLevel),
			TargetLevel:     models.ContextLevel(req.TargetLevel),
			Data:            req.DelegatedData,
			Reason:          req.Reason,
			TriggerType:     models.DelegationTrigger(req.TriggerType),
			ConfidenceScore: req.ConfidenceScore,
		}
		if sourceID != nil {
			in.SourceID = *sourceID
		}
		if targetID != nil {
			in.TargetID = *targetID
		}
		delegation, err := a.delegations.Delegate(ctx, user, in)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, delegation)

	case "list_delegations":
		level, id, err := req.contextTarget()
		if err != nil {
			respondError(c, err)
			return
		}
		pending, err := a.delegations.ListPending(ctx, user, level, id)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"delegations": pending, "count": len(pending)})

	case "process_delegation":
		delegationID, err := parseID("delegation_id", req.DelegationID)
		if err != nil {
			respondError(c, err)
			return
		}
		delegation, err := a.delegations.Process(ctx, user, delegationID, req.Approve)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, delegation)

	default:
		respondError(c, apperrors.Validation("action", "unknown action: %q", req.Action))
	}
}
