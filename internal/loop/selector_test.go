package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/store"
)

func story(id, priority, status string, attempts, maxAttempts, sortOrder int, deps ...string) *store.UserStory {
	return &store.UserStory{
		ID:          id,
		Priority:    priority,
		Status:      status,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		SortOrder:   sortOrder,
		DependsOn:   deps,
	}
}

func TestSelectNextPriorityThenSortOrder(t *testing.T) {
	stories := []*store.UserStory{
		story("low", store.PriorityLow, store.StoryPending, 0, 3, 0),
		story("high-b", store.PriorityHigh, store.StoryPending, 0, 3, 2),
		story("high-a", store.PriorityHigh, store.StoryPending, 0, 3, 1),
		story("critical", store.PriorityCritical, store.StoryPending, 0, 3, 9),
	}

	picked, state := selectNext(stories)
	require.Equal(t, selectionPicked, state)
	assert.Equal(t, "critical", picked.ID)

	stories = stories[:3]
	picked, state = selectNext(stories)
	require.Equal(t, selectionPicked, state)
	assert.Equal(t, "high-a", picked.ID, "sort order breaks priority ties")
}

func TestSelectNextHonorsDependencies(t *testing.T) {
	s1 := story("s1", store.PriorityHigh, store.StoryPending, 0, 3, 0)
	s2 := story("s2", store.PriorityCritical, store.StoryPending, 0, 3, 1, "s1")

	// s2 outranks s1 but its dependency is not completed yet.
	picked, state := selectNext([]*store.UserStory{s1, s2})
	require.Equal(t, selectionPicked, state)
	assert.Equal(t, "s1", picked.ID)

	s1.Status = store.StoryCompleted
	picked, state = selectNext([]*store.UserStory{s1, s2})
	require.Equal(t, selectionPicked, state)
	assert.Equal(t, "s2", picked.ID)
}

func TestSelectNextExhaustedAttemptsAreIneligible(t *testing.T) {
	s := story("s", store.PriorityHigh, store.StoryPending, 3, 3, 0)
	_, state := selectNext([]*store.UserStory{s})
	assert.Equal(t, selectionStuck, state, "pending story with no attempts left blocks the loop")
}

func TestSelectNextCompleteWhenNothingIncomplete(t *testing.T) {
	stories := []*store.UserStory{
		story("a", store.PriorityHigh, store.StoryCompleted, 1, 3, 0),
		story("b", store.PriorityLow, store.StoryFailed, 3, 3, 1),
		story("c", store.PriorityLow, store.StorySkipped, 0, 3, 2),
	}
	_, state := selectNext(stories)
	assert.Equal(t, selectionComplete, state)
}

func TestSelectNextDetectsDependencyCycle(t *testing.T) {
	a := story("a", store.PriorityHigh, store.StoryPending, 0, 3, 0, "b")
	b := story("b", store.PriorityHigh, store.StoryPending, 0, 3, 1, "a")
	_, state := selectNext([]*store.UserStory{a, b})
	assert.Equal(t, selectionStuck, state, "a cycle never makes progress")
}

func TestBuildPrompt(t *testing.T) {
	s := &store.UserStory{
		ID:                 "s1",
		Title:              "Add retry logic",
		Description:        "Network calls should retry transient failures.",
		AcceptanceCriteria: []string{"retries 3 times", "backs off exponentially"},
		MaxAttempts:        3,
		Learnings:          []string{"Attempt 1 failed: tests flaky"},
	}
	memory := []*store.MemoryEntry{
		{Category: "convention", Content: "use testify for assertions"},
		{Category: "decision", Content: "no global state"},
	}
	done := []*store.UserStory{{Title: "Bootstrap project"}}

	prompt := buildPrompt(store.LoopConfig{Instructions: "Keep diffs small."}, s, 2, memory, done)

	assert.Contains(t, prompt, "Keep diffs small.")
	assert.Contains(t, prompt, "## Story: Add retry logic")
	assert.Contains(t, prompt, "1. retries 3 times")
	assert.Contains(t, prompt, "2. backs off exponentially")
	assert.Contains(t, prompt, "Attempt 2 of 3.")
	assert.Contains(t, prompt, "tests flaky")
	assert.Contains(t, prompt, "Convention:\n- use testify")
	assert.Contains(t, prompt, "Decision:\n- no global state")
	assert.Contains(t, prompt, "- Bootstrap project")
}

func TestRunQualityChecks(t *testing.T) {
	results := runQualityChecks(context.Background(), t.TempDir(), []store.QualityCheck{
		{Name: "ok", Command: "true", Required: true},
		{Name: "lint", Command: "echo broken && false", Required: true},
		{Name: "optional", Command: "false", Required: false},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.Contains(t, results[1].Output, "broken")
	assert.False(t, results[2].Passed)

	assert.Equal(t, []string{"lint"}, requiredFailures(results), "optional failures do not count")
}
