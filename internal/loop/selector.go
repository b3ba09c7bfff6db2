package loop

import (
	"sort"

	"github.com/droverhq/drover/internal/store"
)

// selectionState is the outcome of one selection pass.
type selectionState int

const (
	// selectionPicked means a story was chosen for the next iteration.
	selectionPicked selectionState = iota
	// selectionComplete means no story is eligible and none remain
	// incomplete; the loop is done.
	selectionComplete
	// selectionStuck means no story is eligible but incomplete stories
	// remain (exhausted attempts, unmet or cyclic dependencies).
	selectionStuck
)

var priorityRank = map[string]int{
	store.PriorityCritical: 0,
	store.PriorityHigh:     1,
	store.PriorityMedium:   2,
	store.PriorityLow:      3,
}

// selectNext picks the next story to attempt. Eligible stories are pending
// with attempts left and all dependencies completed; among those, the
// highest priority wins, ties broken by stable sort order.
func selectNext(stories []*store.UserStory) (*store.UserStory, selectionState) {
	status := make(map[string]string, len(stories))
	for _, s := range stories {
		status[s.ID] = s.Status
	}

	var eligible []*store.UserStory
	incomplete := false
	for _, s := range stories {
		switch s.Status {
		case store.StoryCompleted, store.StorySkipped, store.StoryFailed:
			continue
		}
		incomplete = true
		if s.Status != store.StoryPending || s.Attempts >= s.MaxAttempts {
			continue
		}
		if !dependenciesMet(s, status) {
			continue
		}
		eligible = append(eligible, s)
	}

	if len(eligible) == 0 {
		if incomplete {
			return nil, selectionStuck
		}
		return nil, selectionComplete
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := priorityRank[eligible[i].Priority], priorityRank[eligible[j].Priority]
		if pi != pj {
			return pi < pj
		}
		return eligible[i].SortOrder < eligible[j].SortOrder
	})
	return eligible[0], selectionPicked
}

func dependenciesMet(s *store.UserStory, status map[string]string) bool {
	for _, dep := range s.DependsOn {
		if status[dep] != store.StoryCompleted {
			return false
		}
	}
	return true
}
