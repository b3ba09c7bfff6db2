// Package events provides event types and subject helpers for the Drover event system.
package events

// Event types for agent sessions
const (
	SessionStarted   = "session.started"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionStopped   = "session.stopped"
)

// Event types for the normalized agent stream
const (
	AgentStream = "agent.stream" // Base subject for normalized agent stream events
)

// Event types for tool permission gating
const (
	PermissionRequestReceived = "permission_request.received" // Agent requested tool approval
	PermissionRuleChanged     = "permission_rule.changed"     // Rule set was modified
)

// Event types for context window tracking
const (
	ContextWindowUpdated = "context_window.updated" // Context window usage updated
	HistoryCompacted     = "history.compacted"      // Conversation history was compacted
)

// Event types for autonomous loops
const (
	LoopStarted   = "loop.started"
	LoopIteration = "loop.iteration"
	LoopPaused    = "loop.paused"
	LoopResumed   = "loop.resumed"
	LoopCompleted = "loop.completed"
	LoopFailed    = "loop.failed"
	LoopCancelled = "loop.cancelled"
)

// Event types for stories
const (
	StoryUpdated = "story.updated"
)

// Event types for artifacts and agent notes
const (
	ArtifactCreated  = "artifact.created"
	AgentNoteCreated = "agent_note.created"
)

// Event types for commentary
const (
	CommentaryGenerated = "commentary.generated"
)

// BuildAgentStreamSubject creates an agent stream subject for a specific session
func BuildAgentStreamSubject(sessionID string) string {
	return AgentStream + "." + sessionID
}

// BuildAgentStreamWildcardSubject creates a wildcard subscription for all agent stream events
func BuildAgentStreamWildcardSubject() string {
	return AgentStream + ".*"
}

// BuildPermissionRequestSubject creates a permission request subject for a specific session
func BuildPermissionRequestSubject(sessionID string) string {
	return PermissionRequestReceived + "." + sessionID
}

// BuildPermissionRequestWildcardSubject creates a wildcard subscription for all permission request events
func BuildPermissionRequestWildcardSubject() string {
	return PermissionRequestReceived + ".*"
}

// BuildContextWindowSubject creates a context window subject for a specific session
func BuildContextWindowSubject(sessionID string) string {
	return ContextWindowUpdated + "." + sessionID
}

// BuildContextWindowWildcardSubject creates a wildcard subscription for all context window events
func BuildContextWindowWildcardSubject() string {
	return ContextWindowUpdated + ".*"
}

// BuildLoopSubject creates a loop event subject for a specific loop.
// The event type carries the state transition; the subject routes by loop.
func BuildLoopSubject(loopID string) string {
	return "loop.event." + loopID
}

// BuildLoopWildcardSubject creates a wildcard subscription for all loop events
func BuildLoopWildcardSubject() string {
	return "loop.event.*"
}

// BuildStoryUpdatedSubject creates a story update subject for a specific PRD
func BuildStoryUpdatedSubject(prdID string) string {
	return StoryUpdated + "." + prdID
}

// BuildStoryUpdatedWildcardSubject creates a wildcard subscription for all story updates
func BuildStoryUpdatedWildcardSubject() string {
	return StoryUpdated + ".*"
}

// BuildArtifactSubject creates an artifact subject for a specific conversation
func BuildArtifactSubject(conversationID string) string {
	return ArtifactCreated + "." + conversationID
}

// BuildArtifactWildcardSubject creates a wildcard subscription for all artifact events
func BuildArtifactWildcardSubject() string {
	return ArtifactCreated + ".*"
}

// BuildAgentNoteSubject creates an agent note subject for a specific PRD
func BuildAgentNoteSubject(prdID string) string {
	return AgentNoteCreated + "." + prdID
}

// BuildAgentNoteWildcardSubject creates a wildcard subscription for all agent note events
func BuildAgentNoteWildcardSubject() string {
	return AgentNoteCreated + ".*"
}

// BuildCommentarySubject creates a commentary subject for a specific workspace
func BuildCommentarySubject(workspaceID string) string {
	return CommentaryGenerated + "." + workspaceID
}

// BuildCommentaryWildcardSubject creates a wildcard subscription for all commentary events
func BuildCommentaryWildcardSubject() string {
	return CommentaryGenerated + ".*"
}
