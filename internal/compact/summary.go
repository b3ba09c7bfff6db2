package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/common/constants"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/store"
)

// fallbackCharsPerMessage is how much of each dropped message's text the
// rule-based fallback retains.
const fallbackCharsPerMessage = 300

const summarySystemPrompt = `You summarize a truncated portion of a coding-agent conversation so a fresh session can continue seamlessly. Your summary must cover, in order:
1. Primary request and intent: what the user asked for, in detail.
2. Key technical concepts: technologies, frameworks, and approaches in play.
3. Files and code sections: every file examined or modified, with why it mattered and relevant snippets.
4. Errors and fixes: every error encountered, how it was fixed, and any user feedback on the fix.
5. Problem solving: problems solved and any ongoing troubleshooting.
6. All user messages: every non-tool-result user message, verbatim.
7. Pending tasks: work the user explicitly requested that is not yet done.
8. Current work: precisely what was in progress when the conversation was truncated.
9. Optional next step: the next action, only if it follows directly from the most recent work.
Output only the summary text.`

// Summarizer produces the summary text for a dropped message slice.
type Summarizer struct {
	model  llm.OneShot
	logger *logger.Logger
}

// NewSummarizer builds a summarizer. model may be nil, in which case the
// rule-based fallback is always used.
func NewSummarizer(model llm.OneShot, log *logger.Logger) *Summarizer {
	if log == nil {
		log = logger.Default()
	}
	return &Summarizer{model: model, logger: log}
}

// Summarize returns summary text for the dropped messages. Model failures
// degrade to the rule-based fallback; this never returns an empty string
// for a non-empty input.
func (s *Summarizer) Summarize(ctx context.Context, dropped []*store.Message) string {
	if len(dropped) == 0 {
		return ""
	}
	if s.model == nil {
		return fallbackSummary(dropped)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.SummarizerTimeout)
	defer cancel()

	out, err := s.model.Complete(ctx, llm.Request{
		System: summarySystemPrompt,
		Prompt: transcriptFor(store.NormalizeForModel(dropped)),
	})
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			s.logger.WithError(err).Warn("summarizer call failed, using fallback")
		}
		return fallbackSummary(dropped)
	}
	return out
}

// transcriptFor renders model-bound messages as plain text. Callers pass
// the history through store.NormalizeForModel first; private block types
// are not rendered here.
func transcriptFor(msgs []*store.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		for i, block := range msg.Content {
			if i > 0 {
				sb.WriteString("\n")
			}
			switch block.Type {
			case store.BlockText:
				sb.WriteString(block.Text)
			case store.BlockThinking:
				sb.WriteString(block.Thinking)
			case store.BlockToolUse:
				fmt.Fprintf(&sb, "[tool_use %s]", block.ToolName)
			case store.BlockToolResult:
				sb.WriteString("[tool_result]")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// fallbackSummary concatenates the head of each dropped message's text and
// notes how many tool operations occurred.
func fallbackSummary(dropped []*store.Message) string {
	var sb strings.Builder
	toolOps := 0

	sb.WriteString("Earlier conversation (truncated):\n")
	for _, msg := range dropped {
		for _, block := range msg.Content {
			if block.Type == store.BlockToolUse || block.Type == store.BlockToolResult {
				toolOps++
			}
		}
		text := msg.TextContent()
		if text == "" {
			continue
		}
		if len(text) > fallbackCharsPerMessage {
			text = text[:fallbackCharsPerMessage] + "…"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", msg.Role, text)
	}
	if toolOps > 0 {
		fmt.Fprintf(&sb, "(%d tool operations omitted)\n", toolOps)
	}
	return sb.String()
}

// BuildSummaryMessage wraps summary text in the synthetic user message that
// replaces the dropped history.
func BuildSummaryMessage(conversationID, summary string) *store.Message {
	text := "This session is being continued from a previous conversation that ran out of context. " +
		"The summary below covers the earlier portion of the conversation.\n\n" +
		summary +
		"\n\nPlease continue the conversation from where it left off without asking the user any further questions."
	return &store.Message{
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        []store.Block{{Type: store.BlockText, Text: text}},
	}
}
