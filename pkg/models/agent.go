package models

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// AgentCapability classifies the work an agent can take on
type AgentCapability string

const (
	CapabilityFrontend      AgentCapability = "frontend_development"
	CapabilityBackend       AgentCapability = "backend_development"
	CapabilityDevOps        AgentCapability = "devops"
	CapabilityTesting       AgentCapability = "testing"
	CapabilitySecurity      AgentCapability = "security_audit"
	CapabilityDocumentation AgentCapability = "documentation"
	CapabilityArchitecture  AgentCapability = "architecture"
)

// AgentStatus represents agent availability
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusOffline   AgentStatus = "offline"
)

// CapabilityList is a []AgentCapability stored as a JSON column
type CapabilityList []AgentCapability

// Value and Scan reuse the StringList codec
func (l CapabilityList) strings() StringList {
	out := make(StringList, len(l))
	for i, c := range l {
		out[i] = string(c)
	}
	return out
}

// Agent is an autonomous worker registered on a project
type Agent struct {
	ID                 uuid.UUID    `json:"id" db:"id"`
	ProjectID          uuid.UUID    `json:"project_id" db:"project_id"`
	UserID             string       `json:"user_id" db:"user_id"`
	Name               string       `json:"name" db:"name"`
	Capabilities       StringList   `json:"capabilities" db:"capabilities"`
	PreferredLanguages StringList   `json:"preferred_languages" db:"preferred_languages"`
	Status             AgentStatus  `json:"status" db:"status"`
	ActiveTasks        UUIDList     `json:"active_tasks" db:"active_tasks"`
	PriorityPreference TaskPriority `json:"priority_preference" db:"priority_preference"`
	// WorkloadPercentage is 0-100; >80 counts as overloaded, <50 as
	// underloaded
	WorkloadPercentage float64 `json:"workload_percentage" db:"workload_percentage"`

	Timestamps
}

// NewAgent creates an available agent with the given capabilities
func NewAgent(userID string, projectID uuid.UUID, name string, capabilities []AgentCapability) *Agent {
	a := &Agent{
		ID:           uuid.New(),
		ProjectID:    projectID,
		UserID:       userID,
		Name:         name,
		Capabilities: CapabilityList(capabilities).strings(),
		Status:       AgentStatusAvailable,
	}
	a.InitTimestamps()
	return a
}

// IsAvailable reports whether the agent can receive work. Busy agents stay
// eligible; only offline agents are excluded.
func (a *Agent) IsAvailable() bool {
	return a.Status != AgentStatusOffline
}

// HasCapability reports whether the agent declares the capability
func (a *Agent) HasCapability(c AgentCapability) bool {
	return a.Capabilities.Contains(string(c))
}

// IsOverloaded reports workload above the rebalancing threshold
func (a *Agent) IsOverloaded() bool {
	return a.WorkloadPercentage > 80
}

// IsUnderloaded reports capacity for additional work
func (a *Agent) IsUnderloaded() bool {
	return a.WorkloadPercentage < 50
}

// AddActiveTask records the task on the agent's active set
func (a *Agent) AddActiveTask(taskID uuid.UUID) {
	if !a.ActiveTasks.Contains(taskID) {
		a.ActiveTasks = append(a.ActiveTasks, taskID)
		a.Touch()
	}
}

// RemoveActiveTask drops the task from the agent's active set
func (a *Agent) RemoveActiveTask(taskID uuid.UUID) {
	a.ActiveTasks = a.ActiveTasks.Remove(taskID)
	a.Touch()
}

// DetectRequiredCapabilities derives the capabilities a piece of work
// appears to require from simple keyword detection over its title and
// description. Keywords match whole words only; "build" is not a ui
// mention and "circuit" is not a ci mention.
func DetectRequiredCapabilities(text string) []AgentCapability {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}

	var caps []AgentCapability
	add := func(c AgentCapability, keywords ...string) {
		for _, kw := range keywords {
			if words[kw] {
				caps = append(caps, c)
				return
			}
		}
	}
	add(CapabilityFrontend, "frontend", "ui", "react")
	add(CapabilityBackend, "backend", "api", "server", "database")
	add(CapabilityDevOps, "deploy", "deployment", "docker", "kubernetes", "ci")
	add(CapabilityTesting, "test", "tests", "testing", "qa", "quality")
	return caps
}
