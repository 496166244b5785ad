package models

import (
	"time"

	"github.com/google/uuid"
)

// ContextLevel identifies one of the four resolution levels
type ContextLevel string

const (
	ContextLevelGlobal  ContextLevel = "global"
	ContextLevelProject ContextLevel = "project"
	ContextLevelBranch  ContextLevel = "branch"
	ContextLevelTask    ContextLevel = "task"
)

// ValidContextLevel reports whether l is a declared level
func ValidContextLevel(l ContextLevel) bool {
	switch l {
	case ContextLevelGlobal, ContextLevelProject, ContextLevelBranch, ContextLevelTask:
		return true
	}
	return false
}

// Section is one named JSON document of a context level. Section order is
// fixed per level so the deep merge is deterministic.
type Section struct {
	Name string
	Data JSONMap
}

// GlobalContext is the per-user root of the inheritance chain. The global
// level is not a process-wide singleton: each user owns their own row.
type GlobalContext struct {
	ID     uuid.UUID `json:"id" db:"id"`
	UserID string    `json:"user_id" db:"user_id"`

	OrganizationStandards  JSONMap `json:"organization_standards" db:"organization_standards"`
	SecurityPolicies       JSONMap `json:"security_policies" db:"security_policies"`
	ComplianceRequirements JSONMap `json:"compliance_requirements" db:"compliance_requirements"`
	SharedResources        JSONMap `json:"shared_resources" db:"shared_resources"`
	ReusablePatterns       JSONMap `json:"reusable_patterns" db:"reusable_patterns"`
	GlobalPreferences      JSONMap `json:"global_preferences" db:"global_preferences"`
	DelegationRules        JSONMap `json:"delegation_rules" db:"delegation_rules"`
	NestedStructure        JSONMap `json:"nested_structure" db:"nested_structure"`

	Version int `json:"version" db:"version"`
	Timestamps
}

// Sections returns the level's documents in their fixed order
func (c *GlobalContext) Sections() []Section {
	return []Section{
		{"organization_standards", c.OrganizationStandards},
		{"security_policies", c.SecurityPolicies},
		{"compliance_requirements", c.ComplianceRequirements},
		{"shared_resources", c.SharedResources},
		{"reusable_patterns", c.ReusablePatterns},
		{"global_preferences", c.GlobalPreferences},
		{"delegation_rules", c.DelegationRules},
	}
}

// SetSection replaces a named section; unknown names land in
// nested_structure under the given key.
func (c *GlobalContext) SetSection(name string, data JSONMap) {
	switch name {
	case "organization_standards":
		c.OrganizationStandards = data
	case "security_policies":
		c.SecurityPolicies = data
	case "compliance_requirements":
		c.ComplianceRequirements = data
	case "shared_resources":
		c.SharedResources = data
	case "reusable_patterns":
		c.ReusablePatterns = data
	case "global_preferences":
		c.GlobalPreferences = data
	case "delegation_rules":
		c.DelegationRules = data
	default:
		if c.NestedStructure == nil {
			c.NestedStructure = JSONMap{}
		}
		c.NestedStructure[name] = map[string]interface{}(data)
	}
	c.Version++
	c.Touch()
}

// ProjectContext is the project-scoped level
type ProjectContext struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	ProjectID      uuid.UUID  `json:"project_id" db:"project_id"`
	UserID         string     `json:"user_id" db:"user_id"`
	ParentGlobalID *uuid.UUID `json:"parent_global_id,omitempty" db:"parent_global_id"`

	ProjectInfo             JSONMap `json:"project_info" db:"project_info"`
	TeamPreferences         JSONMap `json:"team_preferences" db:"team_preferences"`
	TechnologyStack         JSONMap `json:"technology_stack" db:"technology_stack"`
	ProjectWorkflow         JSONMap `json:"project_workflow" db:"project_workflow"`
	LocalStandards          JSONMap `json:"local_standards" db:"local_standards"`
	ProjectSettings         JSONMap `json:"project_settings" db:"project_settings"`
	TechnicalSpecifications JSONMap `json:"technical_specifications" db:"technical_specifications"`
	GlobalOverrides         JSONMap `json:"global_overrides" db:"global_overrides"`
	DelegationRules         JSONMap `json:"delegation_rules" db:"delegation_rules"`

	InheritanceDisabled bool `json:"inheritance_disabled" db:"inheritance_disabled"`
	Version             int  `json:"version" db:"version"`
	Timestamps
}

// Sections returns the level's documents in their fixed order
func (c *ProjectContext) Sections() []Section {
	return []Section{
		{"project_info", c.ProjectInfo},
		{"team_preferences", c.TeamPreferences},
		{"technology_stack", c.TechnologyStack},
		{"project_workflow", c.ProjectWorkflow},
		{"local_standards", c.LocalStandards},
		{"project_settings", c.ProjectSettings},
		{"technical_specifications", c.TechnicalSpecifications},
		{"global_overrides", c.GlobalOverrides},
		{"delegation_rules", c.DelegationRules},
	}
}

// SetSection replaces a named section and bumps the version
func (c *ProjectContext) SetSection(name string, data JSONMap) bool {
	switch name {
	case "project_info":
		c.ProjectInfo = data
	case "team_preferences":
		c.TeamPreferences = data
	case "technology_stack":
		c.TechnologyStack = data
	case "project_workflow":
		c.ProjectWorkflow = data
	case "local_standards":
		c.LocalStandards = data
	case "project_settings":
		c.ProjectSettings = data
	case "technical_specifications":
		c.TechnicalSpecifications = data
	case "global_overrides":
		c.GlobalOverrides = data
	case "delegation_rules":
		c.DelegationRules = data
	default:
		return false
	}
	c.Version++
	c.Touch()
	return true
}

// BranchContext is the branch-scoped level
type BranchContext struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	BranchID        uuid.UUID  `json:"branch_id" db:"branch_id"`
	UserID          string     `json:"user_id" db:"user_id"`
	ParentProjectID *uuid.UUID `json:"parent_project_id,omitempty" db:"parent_project_id"`

	BranchInfo         JSONMap `json:"branch_info" db:"branch_info"`
	BranchWorkflow     JSONMap `json:"branch_workflow" db:"branch_workflow"`
	FeatureFlags       JSONMap `json:"feature_flags" db:"feature_flags"`
	DiscoveredPatterns JSONMap `json:"discovered_patterns" db:"discovered_patterns"`
	BranchDecisions    JSONMap `json:"branch_decisions" db:"branch_decisions"`
	ActivePatterns     JSONMap `json:"active_patterns" db:"active_patterns"`
	LocalOverrides     JSONMap `json:"local_overrides" db:"local_overrides"`
	DelegationRules    JSONMap `json:"delegation_rules" db:"delegation_rules"`

	InheritanceDisabled bool `json:"inheritance_disabled" db:"inheritance_disabled"`
	Version             int  `json:"version" db:"version"`
	Timestamps
}

// Sections returns the level's documents in their fixed order
func (c *BranchContext) Sections() []Section {
	return []Section{
		{"branch_info", c.BranchInfo},
		{"branch_workflow", c.BranchWorkflow},
		{"feature_flags", c.FeatureFlags},
		{"discovered_patterns", c.DiscoveredPatterns},
		{"branch_decisions", c.BranchDecisions},
		{"active_patterns", c.ActivePatterns},
		{"local_overrides", c.LocalOverrides},
		{"delegation_rules", c.DelegationRules},
	}
}

// SetSection replaces a named section and bumps the version
func (c *BranchContext) SetSection(name string, data JSONMap) bool {
	switch name {
	case "branch_info":
		c.BranchInfo = data
	case "branch_workflow":
		c.BranchWorkflow = data
	case "feature_flags":
		c.FeatureFlags = data
	case "discovered_patterns":
		c.DiscoveredPatterns = data
	case "branch_decisions":
		c.BranchDecisions = data
	case "active_patterns":
		c.ActivePatterns = data
	case "local_overrides":
		c.LocalOverrides = data
	case "delegation_rules":
		c.DelegationRules = data
	default:
		return false
	}
	c.Version++
	c.Touch()
	return true
}

// TaskContext is the task-scoped level at the bottom of the chain
type TaskContext struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	TaskID                uuid.UUID  `json:"task_id" db:"task_id"`
	UserID                string     `json:"user_id" db:"user_id"`
	ParentBranchID        *uuid.UUID `json:"parent_branch_id,omitempty" db:"parent_branch_id"`
	ParentBranchContextID *uuid.UUID `json:"parent_branch_context_id,omitempty" db:"parent_branch_context_id"`

	TaskData            JSONMap `json:"task_data" db:"task_data"`
	ExecutionContext    JSONMap `json:"execution_context" db:"execution_context"`
	DiscoveredPatterns  JSONMap `json:"discovered_patterns" db:"discovered_patterns"`
	ImplementationNotes JSONMap `json:"implementation_notes" db:"implementation_notes"`
	TestResults         JSONMap `json:"test_results" db:"test_results"`
	Blockers            JSONMap `json:"blockers" db:"blockers"`
	LocalDecisions      JSONMap `json:"local_decisions" db:"local_decisions"`
	DelegationQueue     JSONMap `json:"delegation_queue" db:"delegation_queue"`
	LocalOverrides      JSONMap `json:"local_overrides" db:"local_overrides"`
	DelegationTriggers  JSONMap `json:"delegation_triggers" db:"delegation_triggers"`

	InheritanceDisabled bool `json:"inheritance_disabled" db:"inheritance_disabled"`
	// ForceLocalOnly disables inheritance regardless of parent flags
	ForceLocalOnly bool `json:"force_local_only" db:"force_local_only"`
	Version        int  `json:"version" db:"version"`
	Timestamps
}

// Sections returns the level's documents in their fixed order
func (c *TaskContext) Sections() []Section {
	return []Section{
		{"task_data", c.TaskData},
		{"execution_context", c.ExecutionContext},
		{"discovered_patterns", c.DiscoveredPatterns},
		{"implementation_notes", c.ImplementationNotes},
		{"test_results", c.TestResults},
		{"blockers", c.Blockers},
		{"local_decisions", c.LocalDecisions},
		{"delegation_queue", c.DelegationQueue},
		{"local_overrides", c.LocalOverrides},
		{"delegation_triggers", c.DelegationTriggers},
	}
}

// SetSection replaces a named section and bumps the version
func (c *TaskContext) SetSection(name string, data JSONMap) bool {
	switch name {
	case "task_data":
		c.TaskData = data
	case "execution_context":
		c.ExecutionContext = data
	case "discovered_patterns":
		c.DiscoveredPatterns = data
	case "implementation_notes":
		c.ImplementationNotes = data
	case "test_results":
		c.TestResults = data
	case "blockers":
		c.Blockers = data
	case "local_decisions":
		c.LocalDecisions = data
	case "delegation_queue":
		c.DelegationQueue = data
	case "local_overrides":
		c.LocalOverrides = data
	case "delegation_triggers":
		c.DelegationTriggers = data
	default:
		return false
	}
	c.Version++
	c.Touch()
	return true
}

// DelegationTrigger classifies how a delegation was initiated
type DelegationTrigger string

const (
	TriggerManual        DelegationTrigger = "manual"
	TriggerAutoPattern   DelegationTrigger = "auto_pattern"
	TriggerAutoThreshold DelegationTrigger = "auto_threshold"
)

// DelegationStatus tracks delegation processing
type DelegationStatus string

const (
	DelegationStatusPending   DelegationStatus = "pending"
	DelegationStatusProcessed DelegationStatus = "processed"
	DelegationStatusError     DelegationStatus = "error"
)

// ContextDelegation promotes data from a lower context level to a higher
// one, subject to a trigger.
type ContextDelegation struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	UserID           string            `json:"user_id" db:"user_id"`
	SourceLevel      ContextLevel      `json:"source_level" db:"source_level"`
	SourceID         uuid.UUID         `json:"source_id" db:"source_id"`
	TargetLevel      ContextLevel      `json:"target_level" db:"target_level"`
	TargetID         uuid.UUID         `json:"target_id" db:"target_id"`
	DelegatedData    JSONMap           `json:"delegated_data" db:"delegated_data"`
	DelegationReason string            `json:"delegation_reason" db:"delegation_reason"`
	TriggerType      DelegationTrigger `json:"trigger_type" db:"trigger_type"`
	Processed        bool              `json:"processed" db:"processed"`
	Approved         *bool             `json:"approved,omitempty" db:"approved"`
	ConfidenceScore  *float64          `json:"confidence_score,omitempty" db:"confidence_score"`
	Status           DelegationStatus  `json:"status" db:"status"`
	ErrorMessage     string            `json:"error_message" db:"error_message"`

	Timestamps
}

// levelRank orders the four levels from global (0) down to task (3)
var levelRank = map[ContextLevel]int{
	ContextLevelGlobal:  0,
	ContextLevelProject: 1,
	ContextLevelBranch:  2,
	ContextLevelTask:    3,
}

// PromotesUpward reports whether the delegation moves data to a higher
// (closer to global) level.
func (d *ContextDelegation) PromotesUpward() bool {
	return levelRank[d.TargetLevel] < levelRank[d.SourceLevel]
}

// ChainEntry is one traversed link of a resolution, hashed into
// dependencies_hash.
type ChainEntry struct {
	Level   ContextLevel `json:"level"`
	ID      uuid.UUID    `json:"id"`
	Version int          `json:"version"`
}

// ChainList is the parent chain stored as a JSON column
type ChainList []ChainEntry

// ContextInheritanceCache is one row of the inheritance cache keyed by
// (context_id, context_level). The table is derived state and may be
// rebuilt at will.
type ContextInheritanceCache struct {
	ContextID          uuid.UUID    `json:"context_id" db:"context_id"`
	ContextLevel       ContextLevel `json:"context_level" db:"context_level"`
	UserID             string       `json:"user_id" db:"user_id"`
	ResolvedContext    JSONMap      `json:"resolved_context" db:"resolved_context"`
	DependenciesHash   string       `json:"dependencies_hash" db:"dependencies_hash"`
	ResolutionPath     string       `json:"resolution_path" db:"resolution_path"`
	ParentChain        ChainList    `json:"parent_chain" db:"-"`
	ExpiresAt          time.Time    `json:"expires_at" db:"expires_at"`
	HitCount           int64        `json:"hit_count" db:"hit_count"`
	LastHit            *time.Time   `json:"last_hit,omitempty" db:"last_hit"`
	CacheSizeBytes     int64        `json:"cache_size_bytes" db:"cache_size_bytes"`
	Invalidated        bool         `json:"invalidated" db:"invalidated"`
	InvalidationReason string       `json:"invalidation_reason" db:"invalidation_reason"`

	Timestamps
}
