package loop

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/store"
)

// memoryCategoryOrder fixes the section order of the memory preamble.
var memoryCategoryOrder = []string{"convention", "decision", "preference", "pattern", "context"}

// buildPrompt synthesizes the message sent to the agent for one story
// attempt. It merges the loop instructions and per-workspace memory with
// the story body, acceptance criteria, accumulated learnings, and a
// progress summary of prior completions.
func buildPrompt(loopCfg store.LoopConfig, story *store.UserStory, attempt int, memory []*store.MemoryEntry, completed []*store.UserStory) string {
	var sb strings.Builder

	sb.WriteString("You are working autonomously on a development task. Complete the user story below, then stop.\n")
	if loopCfg.Instructions != "" {
		sb.WriteString("\nProject instructions:\n")
		sb.WriteString(loopCfg.Instructions)
		sb.WriteString("\n")
	}

	if section := memorySection(memory); section != "" {
		sb.WriteString("\nProject memory:\n")
		sb.WriteString(section)
	}

	fmt.Fprintf(&sb, "\n## Story: %s\n", story.Title)
	if story.Description != "" {
		sb.WriteString(story.Description)
		sb.WriteString("\n")
	}
	if len(story.AcceptanceCriteria) > 0 {
		sb.WriteString("\nAcceptance criteria:\n")
		for i, c := range story.AcceptanceCriteria {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
		}
	}
	fmt.Fprintf(&sb, "\nAttempt %d of %d.\n", attempt, story.MaxAttempts)

	if len(story.Learnings) > 0 {
		sb.WriteString("\nLearnings from previous attempts:\n")
		for _, l := range story.Learnings {
			fmt.Fprintf(&sb, "- %s\n", l)
		}
	}

	if len(completed) > 0 {
		sb.WriteString("\nAlready completed in this run:\n")
		for _, s := range completed {
			fmt.Fprintf(&sb, "- %s\n", s.Title)
		}
	}
	return sb.String()
}

func memorySection(memory []*store.MemoryEntry) string {
	byCategory := make(map[string][]string)
	for _, m := range memory {
		byCategory[m.Category] = append(byCategory[m.Category], m.Content)
	}

	var sb strings.Builder
	for _, cat := range memoryCategoryOrder {
		entries := byCategory[cat]
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s:\n", strings.ToUpper(cat[:1])+cat[1:])
		for _, e := range entries {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
	}
	return sb.String()
}
