package commentary

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/session"
)

// maxSnippetLen caps how much of any event's text survives distillation.
const maxSnippetLen = 120

// batchWindows are the min/max flush windows per verbosity.
var batchWindows = map[string]struct{ min, max int }{
	VerbosityFrequent:  {3, 5},
	VerbosityStrategic: {8, 12},
	VerbosityMinimal:   {15, 20},
}

// wantsEvent is the per-verbosity event filter.
func wantsEvent(verbosity string, ev *session.NormalizedEvent) bool {
	if ev == nil || ev.Type == session.EventPing {
		return false
	}
	switch verbosity {
	case VerbosityFrequent:
		return true
	case VerbosityMinimal:
		switch ev.Type {
		case session.EventStoryUpdate, session.EventError,
			session.EventVerificationResult, session.EventAgentNoteCreated:
			return true
		}
		return false
	default: // strategic
		switch ev.Type {
		case session.EventToolResult, session.EventToolApprovalRequest,
			session.EventMessageStop, session.EventVerificationResult,
			session.EventStoryUpdate, session.EventError:
			return true
		case session.EventContentBlockStart:
			return ev.ToolName != ""
		}
		return false
	}
}

// distill renders a batch as a plain-text activity log: one line per
// event, consecutive duplicates collapsed, snippets truncated.
func distill(batch []*session.NormalizedEvent) string {
	var lines []string
	prev := ""
	for _, ev := range batch {
		line := distillLine(ev)
		if line == "" || line == prev {
			continue
		}
		lines = append(lines, line)
		prev = line
	}
	return strings.Join(lines, "\n")
}

func distillLine(ev *session.NormalizedEvent) string {
	switch ev.Type {
	case session.EventContentBlockStart:
		if ev.ToolName != "" {
			return "agent invoked tool " + ev.ToolName
		}
		return ""
	case session.EventContentBlockDelta:
		if ev.Text != "" {
			return "agent said: " + snippet(ev.Text)
		}
		if ev.Thinking != "" {
			return "agent is thinking"
		}
		return ""
	case session.EventToolResult:
		label := ev.ToolName
		if label == "" {
			label = "tool"
		}
		if ev.IsError {
			return label + " failed: " + snippet(ev.Content)
		}
		return label + " returned: " + snippet(ev.Content)
	case session.EventToolApprovalRequest:
		return "waiting for approval: " + snippet(ev.Description)
	case session.EventVerificationResult:
		if ev.Exists {
			return "verified file " + ev.FilePath
		}
		return "expected file missing: " + ev.FilePath
	case session.EventMessageStop:
		if ev.Reason != "" {
			return "turn ended (" + ev.Reason + ")"
		}
		return "turn completed"
	case session.EventContextWarning:
		return fmt.Sprintf("context window at %.1f%%", ev.UsagePercent)
	case session.EventCompactBoundary:
		return "conversation history is being compacted"
	case session.EventError:
		return "error: " + snippet(ev.Message)
	case session.EventStoryUpdate:
		return "story update: " + snippet(ev.Message)
	case session.EventLoopEvent:
		if ev.Message == "" {
			return ""
		}
		return "loop " + ev.Message
	case session.EventArtifactCreated:
		return "artifact created: " + ev.Title
	case session.EventAgentNoteCreated:
		return "agent left a note: " + snippet(ev.Message)
	}
	return ""
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxSnippetLen {
		return s[:maxSnippetLen] + "…"
	}
	return s
}
