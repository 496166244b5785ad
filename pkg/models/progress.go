package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ProgressType classifies a progress snapshot
type ProgressType string

const (
	ProgressTypeAnalysis       ProgressType = "analysis"
	ProgressTypeDesign         ProgressType = "design"
	ProgressTypeImplementation ProgressType = "implementation"
	ProgressTypeTesting        ProgressType = "testing"
	ProgressTypeDocumentation  ProgressType = "documentation"
	ProgressTypeReview         ProgressType = "review"
	ProgressTypeDeployment     ProgressType = "deployment"
	ProgressTypeGeneral        ProgressType = "general"
)

// ValidProgressType reports whether t is one of the eight progress kinds
func ValidProgressType(t ProgressType) bool {
	switch t {
	case ProgressTypeAnalysis, ProgressTypeDesign, ProgressTypeImplementation,
		ProgressTypeTesting, ProgressTypeDocumentation, ProgressTypeReview,
		ProgressTypeDeployment, ProgressTypeGeneral:
		return true
	}
	return false
}

// ProgressMetadata carries the optional context of a snapshot
type ProgressMetadata struct {
	Blockers            []string   `json:"blockers,omitempty"`
	Dependencies        []string   `json:"dependencies,omitempty"`
	ConfidenceLevel     *float64   `json:"confidence_level,omitempty"`
	Notes               string     `json:"notes,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// ProgressSnapshot is an immutable record of progress at a moment
type ProgressSnapshot struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	TaskID       uuid.UUID        `json:"task_id" db:"task_id"`
	UserID       string           `json:"user_id" db:"user_id"`
	Timestamp    time.Time        `json:"timestamp" db:"timestamp"`
	ProgressType ProgressType     `json:"progress_type" db:"progress_type"`
	Percentage   int              `json:"percentage" db:"percentage"`
	Status       string           `json:"status" db:"status"`
	Description  string           `json:"description" db:"description"`
	Metadata     ProgressMetadata `json:"metadata" db:"-"`
	AgentID      *string          `json:"agent_id,omitempty" db:"agent_id"`
}

// DefaultMilestones maps milestone names to threshold percentages
func DefaultMilestones() map[string]int {
	return map[string]int{
		"quarter":        25,
		"half":           50,
		"three_quarters": 75,
		"complete":       100,
	}
}

// ProgressTimeline is the per-task append-only log of snapshots plus the
// milestone map.
type ProgressTimeline struct {
	TaskID     uuid.UUID          `json:"task_id"`
	Snapshots  []ProgressSnapshot `json:"snapshots"`
	Milestones map[string]int     `json:"milestones"`
}

// NewProgressTimeline creates an empty timeline with the default milestones
func NewProgressTimeline(taskID uuid.UUID) *ProgressTimeline {
	return &ProgressTimeline{
		TaskID:     taskID,
		Snapshots:  nil,
		Milestones: DefaultMilestones(),
	}
}

// Append adds a snapshot to the timeline
func (tl *ProgressTimeline) Append(s ProgressSnapshot) {
	tl.Snapshots = append(tl.Snapshots, s)
}

// LatestByType returns the most recent percentage recorded for each
// progress type present in the timeline.
func (tl *ProgressTimeline) LatestByType() map[ProgressType]int {
	latest := make(map[ProgressType]int)
	seen := make(map[ProgressType]time.Time)
	for _, s := range tl.Snapshots {
		if prev, ok := seen[s.ProgressType]; !ok || !s.Timestamp.Before(prev) {
			latest[s.ProgressType] = s.Percentage
			seen[s.ProgressType] = s.Timestamp
		}
	}
	return latest
}

// Overall averages the latest percentage of each progress type present.
// An empty timeline reports 0.
func (tl *ProgressTimeline) Overall() int {
	latest := tl.LatestByType()
	if len(latest) == 0 {
		return 0
	}
	sum := 0
	for _, pct := range latest {
		sum += pct
	}
	return sum / len(latest)
}

// ReachedMilestones returns milestone names whose threshold is at or below
// the given overall percentage, in ascending threshold order.
func (tl *ProgressTimeline) ReachedMilestones(overall int) []string {
	type entry struct {
		name      string
		threshold int
	}
	reached := make([]entry, 0, len(tl.Milestones))
	for name, threshold := range tl.Milestones {
		if overall >= threshold {
			reached = append(reached, entry{name, threshold})
		}
	}
	sort.Slice(reached, func(i, j int) bool {
		if reached[i].threshold != reached[j].threshold {
			return reached[i].threshold < reached[j].threshold
		}
		return reached[i].name < reached[j].name
	})
	names := make([]string, len(reached))
	for i, e := range reached {
		names[i] = e.name
	}
	return names
}
