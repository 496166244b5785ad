package models

import (
	"strings"

	"github.com/taskmesh/taskmesh/pkg/errors"
)

// agentRoles is the closed registry of agent handles. Assignees are stored
// as "@<slug>" with slug drawn from this set.
var agentRoles = map[string]struct{}{
	"coding-agent":            {},
	"review-agent":            {},
	"test-orchestrator-agent": {},
	"documentation-agent":     {},
	"devops-agent":            {},
	"security-auditor-agent":  {},
	"deep-research-agent":     {},
	"task-planning-agent":     {},
	"uber-orchestrator-agent": {},
	"ui-designer-agent":       {},
}

// legacyAliases maps retired slugs to their canonical replacements
var legacyAliases = map[string]string{
	"coding_agent":       "coding-agent",
	"qa-agent":           "test-orchestrator-agent",
	"qa_agent":           "test-orchestrator-agent",
	"docs-agent":         "documentation-agent",
	"devops_agent":       "devops-agent",
	"researcher-agent":   "deep-research-agent",
	"planner-agent":      "task-planning-agent",
	"orchestrator-agent": "uber-orchestrator-agent",
}

// NormalizeAssignee strips the leading @, resolves legacy aliases, and
// re-prefixes with @. Unknown slugs are preserved so existing data is not
// dropped on update.
func NormalizeAssignee(raw string) string {
	slug := strings.TrimSpace(raw)
	slug = strings.TrimPrefix(slug, "@")
	if canonical, ok := legacyAliases[slug]; ok {
		slug = canonical
	}
	return "@" + slug
}

// NormalizeAssignees normalises every handle in the list, dropping empties
// and duplicates while preserving order.
func NormalizeAssignees(raw []string) StringList {
	seen := make(map[string]struct{}, len(raw))
	out := make(StringList, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(r), "@")) == "" {
			continue
		}
		handle := NormalizeAssignee(r)
		if _, dup := seen[handle]; dup {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, handle)
	}
	return out
}

// ValidateAssigneeList is the strict path used at task creation: every
// handle must resolve to a registered role.
func ValidateAssigneeList(raw []string) (StringList, error) {
	normalized := NormalizeAssignees(raw)
	for _, handle := range normalized {
		slug := strings.TrimPrefix(handle, "@")
		if _, ok := agentRoles[slug]; !ok {
			return nil, errors.Validation("assignees", "unknown agent role: %q", slug)
		}
	}
	return normalized, nil
}

// KnownAgentRole reports whether slug (without @) is in the registry
func KnownAgentRole(slug string) bool {
	_, ok := agentRoles[strings.TrimPrefix(slug, "@")]
	return ok
}
