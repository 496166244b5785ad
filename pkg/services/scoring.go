package services

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Scoring weights for the next-task recommendation. The five component
// scores are each 0-100; the weighted total is clamped to [0, 100] before
// the dependency multipliers apply.
const (
	weightPriority = 0.30
	weightUrgency  = 0.25
	weightBlocking = 0.20
	weightAge      = 0.15
	weightProgress = 0.10
)

func priorityScore(p models.TaskPriority) float64 {
	switch p {
	case models.TaskPriorityCritical:
		return 100
	case models.TaskPriorityUrgent:
		return 90
	case models.TaskPriorityHigh:
		return 75
	case models.TaskPriorityMedium:
		return 50
	case models.TaskPriorityLow:
		return 25
	}
	return 50
}

// urgencyScore buckets the due date by calendar distance from today. A due
// date at 00:00 today counts as due today.
func urgencyScore(due *time.Time, now time.Time) float64 {
	if due == nil {
		return 30
	}
	today := now.UTC().Truncate(24 * time.Hour)
	dueDay := due.UTC().Truncate(24 * time.Hour)
	switch {
	case dueDay.Before(today):
		return 100
	case dueDay.Equal(today):
		return 90
	}
	days := int(dueDay.Sub(today).Hours() / 24)
	switch {
	case days <= 1:
		return 80
	case days <= 3:
		return 70
	case days <= 7:
		return 50
	case days <= 30:
		return 30
	}
	return 10
}

func blockingScore(dependents int) float64 {
	switch {
	case dependents == 0:
		return 20
	case dependents == 1:
		return 40
	case dependents <= 3:
		return 60
	case dependents <= 5:
		return 80
	}
	return 100
}

func ageScore(created, now time.Time) float64 {
	age := now.Sub(created)
	switch {
	case age <= 24*time.Hour:
		return 10
	case age <= 3*24*time.Hour:
		return 20
	case age <= 7*24*time.Hour:
		return 40
	case age <= 30*24*time.Hour:
		return 60
	case age <= 90*24*time.Hour:
		return 80
	}
	return 100
}

func progressScore(status models.TaskStatus) float64 {
	switch status {
	case models.TaskStatusInProgress:
		return 100
	case models.TaskStatusReview:
		return 80
	case models.TaskStatusTesting:
		return 70
	case models.TaskStatusTodo:
		return 50
	}
	// blocked, done, cancelled
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScoreTask computes the recommendation score of one task given its
// dependent and incomplete-dependency counts within the candidate set.
func ScoreTask(task *models.Task, dependents, incompleteDeps int, now time.Time) float64 {
	total := weightPriority*priorityScore(task.Priority) +
		weightUrgency*urgencyScore(task.DueDate, now) +
		weightBlocking*blockingScore(dependents) +
		weightAge*ageScore(task.CreatedAt, now) +
		weightProgress*progressScore(task.Status)
	total = clamp(total, 0, 100)

	// Incomplete dependencies push a task down, dependents pull it up
	penalty := 1 - 0.1*float64(incompleteDeps)
	if penalty < 0.5 {
		penalty = 0.5
	}
	boost := 1 + 0.2*float64(dependents)
	if boost > 2.0 {
		boost = 2.0
	}
	return clamp(total*penalty*boost, 0, 100)
}

// RecommendNextTask scores the candidate set and returns the best eligible
// task, or nil when every candidate is terminal. Ties break on the lower
// task id so recommendations are stable.
func RecommendNextTask(tasks []*models.Task, now time.Time) *ScoredTask {
	byID := make(map[uuid.UUID]*models.Task, len(tasks))
	dependents := make(map[uuid.UUID]int, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, known := byID[dep]; known {
				dependents[dep]++
			}
		}
	}

	var best *ScoredTask
	for _, t := range tasks {
		if t.IsTerminal() {
			continue
		}
		incomplete := 0
		for _, dep := range t.Dependencies {
			if d, known := byID[dep]; known && !d.IsTerminal() {
				incomplete++
			}
		}
		score := ScoreTask(t, dependents[t.ID], incomplete, now)
		if best == nil || score > best.Score ||
			(score == best.Score && t.ID.String() < best.Task.ID.String()) {
			best = &ScoredTask{Task: t, Score: score}
		}
	}
	return best
}
