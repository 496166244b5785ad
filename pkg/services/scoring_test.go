package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
)

func mustTask(t *testing.T, title string) *models.Task {
	t.Helper()
	task, err := models.NewTask("user-1", uuid.New(), title, "scoring fixture", []string{"@coding-agent"})
	require.NoError(t, err)
	return task
}

func TestUrgencyBuckets(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)
	day := func(offset int, hour int) *time.Time {
		d := time.Date(2025, 6, 15+offset, hour, 0, 0, 0, time.UTC)
		return &d
	}

	tests := []struct {
		name string
		due  *time.Time
		want float64
	}{
		{"no due date", nil, 30},
		{"overdue", day(-2, 12), 100},
		{"due midnight today", day(0, 0), 90},
		{"due later today", day(0, 23), 90},
		{"due tomorrow", day(1, 9), 80},
		{"due in three days", day(3, 9), 70},
		{"due in a week", day(7, 9), 50},
		{"due in a month", day(30, 9), 30},
		{"due far out", day(60, 9), 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, urgencyScore(tt.due, now))
		})
	}
}

func TestBlockingBuckets(t *testing.T) {
	assert.Equal(t, 20.0, blockingScore(0))
	assert.Equal(t, 40.0, blockingScore(1))
	assert.Equal(t, 60.0, blockingScore(3))
	assert.Equal(t, 80.0, blockingScore(5))
	assert.Equal(t, 100.0, blockingScore(6))
}

func TestAgeBuckets(t *testing.T) {
	now := time.Now().UTC()
	assert.Equal(t, 10.0, ageScore(now.Add(-time.Hour), now))
	assert.Equal(t, 20.0, ageScore(now.Add(-2*24*time.Hour), now))
	assert.Equal(t, 40.0, ageScore(now.Add(-5*24*time.Hour), now))
	assert.Equal(t, 60.0, ageScore(now.Add(-20*24*time.Hour), now))
	assert.Equal(t, 80.0, ageScore(now.Add(-60*24*time.Hour), now))
	assert.Equal(t, 100.0, ageScore(now.Add(-120*24*time.Hour), now))
}

func TestScoreTaskMultipliers(t *testing.T) {
	now := time.Now().UTC()
	task := mustTask(t, "Weighted")
	base := ScoreTask(task, 0, 0, now)

	t.Run("incomplete dependencies penalise", func(t *testing.T) {
		penalised := ScoreTask(task, 0, 3, now)
		assert.InDelta(t, base*0.7, penalised, 0.001)
	})

	t.Run("penalty floors at half", func(t *testing.T) {
		floored := ScoreTask(task, 0, 9, now)
		assert.InDelta(t, base*0.5, floored, 0.001)
	})

	t.Run("dependents boost, capped at double", func(t *testing.T) {
		boosted := ScoreTask(task, 2, 0, now)
		// boost raises blocking score too, so recompute the expectation
		expected := weightPriority*priorityScore(task.Priority) +
			weightUrgency*urgencyScore(nil, now) +
			weightBlocking*blockingScore(2) +
			weightAge*ageScore(task.CreatedAt, now) +
			weightProgress*progressScore(task.Status)
		assert.InDelta(t, clamp(expected*1.4, 0, 100), boosted, 0.001)
	})
}

func TestRecommendPrefersUnblockedCritical(t *testing.T) {
	now := time.Now().UTC()

	critical := mustTask(t, "Critical work")
	require.NoError(t, critical.SetPriority(models.TaskPriorityCritical))
	low := mustTask(t, "Low work")
	require.NoError(t, low.SetPriority(models.TaskPriorityLow))

	best := RecommendNextTask([]*models.Task{low, critical}, now)
	require.NotNil(t, best)
	assert.Equal(t, critical.ID, best.Task.ID)
}

func TestRecommendSkipsTerminalAndGatedTasks(t *testing.T) {
	now := time.Now().UTC()

	done := mustTask(t, "Already done")
	require.NoError(t, done.TransitionStatus(models.TaskStatusInProgress))
	require.NoError(t, done.Complete("shipped", "", nil, true))

	prerequisite := mustTask(t, "Prerequisite")
	gated := mustTask(t, "Gated")
	require.NoError(t, gated.AddDependency(prerequisite))
	require.NoError(t, gated.SetPriority(models.TaskPriorityCritical))

	best := RecommendNextTask([]*models.Task{done, prerequisite, gated}, now)
	require.NotNil(t, best)
	// The prerequisite blocks another task, so it outranks the gated
	// critical despite the lower priority.
	assert.Equal(t, prerequisite.ID, best.Task.ID)
}

func TestRecommendAllTerminalReturnsNil(t *testing.T) {
	done := mustTask(t, "Done")
	require.NoError(t, done.TransitionStatus(models.TaskStatusInProgress))
	require.NoError(t, done.Complete("shipped", "", nil, true))

	assert.Nil(t, RecommendNextTask([]*models.Task{done}, time.Now().UTC()))
}
