package services

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// AssignmentProposal recommends giving a branch to an agent
type AssignmentProposal struct {
	BranchID  uuid.UUID `json:"branch_id"`
	BranchName string   `json:"branch_name"`
	AgentID   uuid.UUID `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Score     float64   `json:"score"`
}

// ReassignmentProposal recommends moving an active task off an overloaded
// agent onto an underloaded one. Proposals are advisory; the engine never
// performs the move.
type ReassignmentProposal struct {
	TaskID    uuid.UUID `json:"task_id"`
	FromAgent uuid.UUID `json:"from_agent"`
	ToAgent   uuid.UUID `json:"to_agent"`
	Reason    string    `json:"reason"`
}

// AssignmentEngine implements the capability-based orchestration strategy:
// branches are scored against available agents on capability match,
// language match, and spare capacity.
type AssignmentEngine struct{}

// NewAssignmentEngine builds the default strategy
func NewAssignmentEngine() *AssignmentEngine {
	return &AssignmentEngine{}
}

// ScoreAgent computes the assignment score of one agent for work requiring
// the given capabilities and languages.
//
//	score = 50 + 30·cap_match + 10·lang_match + 10·(1 − workload)
func (e *AssignmentEngine) ScoreAgent(agent *models.Agent, required []models.AgentCapability, languages []string) float64 {
	capMatch := 0.0
	if len(required) > 0 {
		matched := 0
		for _, c := range required {
			if agent.HasCapability(c) {
				matched++
			}
		}
		capMatch = float64(matched) / float64(len(required))
	}
	langMatch := 0.0
	if len(languages) > 0 {
		matched := 0
		for _, l := range languages {
			if agent.PreferredLanguages.Contains(strings.ToLower(l)) {
				matched++
			}
		}
		langMatch = float64(matched) / float64(len(languages))
	}
	workload := agent.WorkloadPercentage / 100
	return 50 + 30*capMatch + 10*langMatch + 10*(1-workload)
}

// requiredCapabilitiesForBranch scans the branch's task titles and
// descriptions for capability keywords.
func requiredCapabilitiesForBranch(p *models.Project, branchID uuid.UUID) []models.AgentCapability {
	seen := make(map[models.AgentCapability]struct{})
	var required []models.AgentCapability
	for _, ref := range p.TaskRefs() {
		if ref.BranchID != branchID {
			continue
		}
		for _, c := range models.DetectRequiredCapabilities(ref.Title + " " + ref.Description) {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			required = append(required, c)
		}
	}
	return required
}

// ProposeAssignments scores every available agent against every unassigned
// branch and proposes the best pairing per branch. Ties break on the lower
// workload.
func (e *AssignmentEngine) ProposeAssignments(p *models.Project) []AssignmentProposal {
	var proposals []AssignmentProposal
	for branchID, branch := range p.Branches {
		if _, assigned := p.Assignments[branchID]; assigned {
			continue
		}
		required := requiredCapabilitiesForBranch(p, branchID)

		var best *models.Agent
		bestScore := 0.0
		for _, agent := range p.Agents {
			if !agent.IsAvailable() {
				continue
			}
			score := e.ScoreAgent(agent, required, nil)
			if best == nil || score > bestScore ||
				(score == bestScore && agent.WorkloadPercentage < best.WorkloadPercentage) {
				best = agent
				bestScore = score
			}
		}
		if best != nil && bestScore > 0 {
			proposals = append(proposals, AssignmentProposal{
				BranchID:   branchID,
				BranchName: branch.Name,
				AgentID:    best.ID,
				AgentName:  best.Name,
				Score:      bestScore,
			})
		}
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].BranchName < proposals[j].BranchName })
	return proposals
}

// ProposeRebalance finds overloaded agents and proposes moving their
// active tasks to underloaded agents whose capabilities can handle them.
func (e *AssignmentEngine) ProposeRebalance(p *models.Project) []ReassignmentProposal {
	var underloaded []*models.Agent
	for _, agent := range p.Agents {
		if agent.IsAvailable() && agent.IsUnderloaded() {
			underloaded = append(underloaded, agent)
		}
	}
	sort.Slice(underloaded, func(i, j int) bool {
		return underloaded[i].WorkloadPercentage < underloaded[j].WorkloadPercentage
	})
	if len(underloaded) == 0 {
		return nil
	}

	var proposals []ReassignmentProposal
	for _, agent := range p.Agents {
		if !agent.IsOverloaded() {
			continue
		}
		for _, taskID := range agent.ActiveTasks {
			ref, ok := p.LookupTask(taskID)
			if !ok {
				continue
			}
			required := models.DetectRequiredCapabilities(ref.Title + " " + ref.Description)
			for _, candidate := range underloaded {
				if !hasAllCapabilities(candidate, required) {
					continue
				}
				proposals = append(proposals, ReassignmentProposal{
					TaskID:    taskID,
					FromAgent: agent.ID,
					ToAgent:   candidate.ID,
					Reason:    "workload rebalance",
				})
				break
			}
		}
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].TaskID.String() < proposals[j].TaskID.String() })
	return proposals
}

func hasAllCapabilities(agent *models.Agent, required []models.AgentCapability) bool {
	for _, c := range required {
		if !agent.HasCapability(c) {
			return false
		}
	}
	return true
}
