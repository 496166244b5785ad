package services

import (
	"github.com/taskmesh/taskmesh/pkg/models"
)

// ConflictResolver decides which session keeps a contested resource. The
// policy is pluggable; the default is deliberately simple and should be
// revisited with product before it surprises anyone.
type ConflictResolver interface {
	Resolve(p *models.Project, conflict models.ResourceConflict)
}

// newerKeepsResolver is the default policy: the older session releases the
// resource and the newer session keeps it.
type newerKeepsResolver struct{}

// NewDefaultConflictResolver returns the newer-keeps policy
func NewDefaultConflictResolver() ConflictResolver {
	return newerKeepsResolver{}
}

func (newerKeepsResolver) Resolve(p *models.Project, conflict models.ResourceConflict) {
	conflict.Older.ReleaseResource(conflict.ResourceKey)
	p.ResourceLocks[conflict.ResourceKey] = conflict.Newer.AgentID
}
