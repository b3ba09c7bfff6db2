// Package store provides SQL-backed persistence for conversations, stories,
// loops, permission rules, and the other gateway tables. It works against
// both SQLite and Postgres through database/sql.
package store

import (
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content block types stored inside a message
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"

	// BlockNudge is a private block type. It persists on disk but is
	// normalized to text before transmission to any external model.
	BlockNudge = "nudge"
)

// Story statuses
const (
	StoryPending    = "pending"
	StoryInProgress = "in_progress"
	StoryCompleted  = "completed"
	StoryFailed     = "failed"
	StorySkipped    = "skipped"
)

// Story priorities, ordered from most to least urgent
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Loop statuses
const (
	LoopRunning   = "running"
	LoopPaused    = "paused"
	LoopCompleted = "completed"
	LoopFailed    = "failed"
	LoopCancelled = "cancelled"
)

// Permission rule scopes
const (
	ScopeGlobal    = "global"
	ScopeWorkspace = "workspace"
	ScopeSession   = "session"
)

// Conversation owns an ordered sequence of messages plus the agent's resume
// token and compaction state.
type Conversation struct {
	ID             string    `json:"id"`
	WorkspacePath  string    `json:"workspace_path"`
	ResumeToken    string    `json:"resume_token,omitempty"`
	TotalTokens    int64     `json:"total_tokens"`
	CompactSummary string    `json:"compact_summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Block is one typed content block inside a message.
type Block struct {
	Type string `json:"type"`

	// For text and nudge blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// For image blocks
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Message is one persisted turn fragment of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        []Block   `json:"content"`
	Model          string    `json:"model,omitempty"`
	TokenCount     int64     `json:"token_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TextContent concatenates the message's text-bearing blocks.
func (m *Message) TextContent() string {
	var out string
	for _, b := range m.Content {
		switch b.Type {
		case BlockText, BlockNudge:
			if out != "" {
				out += "\n"
			}
			out += b.Text
		case BlockThinking:
			if out != "" {
				out += "\n"
			}
			out += b.Thinking
		}
	}
	return out
}

// HasToolBlocks reports whether the message contains tool_use or tool_result
// blocks. Such messages are always preserved by smart compaction.
func (m *Message) HasToolBlocks() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse || b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// UserStory is one autonomous-loop work item.
type UserStory struct {
	ID                 string    `json:"id"`
	PRDID              string    `json:"prd_id,omitempty"`
	WorkspacePath      string    `json:"workspace_path"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	AcceptanceCriteria []string  `json:"acceptance_criteria"`
	Priority           string    `json:"priority"`
	DependsOn          []string  `json:"depends_on"`
	Status             string    `json:"status"`
	Attempts           int       `json:"attempts"`
	MaxAttempts        int       `json:"max_attempts"`
	Learnings          []string  `json:"learnings"`
	ExternalRef        string    `json:"external_ref,omitempty"`
	SortOrder          int       `json:"sort_order"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LoopConfig holds the knobs for one autonomous run.
type LoopConfig struct {
	Model          string         `json:"model,omitempty"`
	Effort         string         `json:"effort,omitempty"`
	MaxIterations  int            `json:"max_iterations"`
	QualityChecks  []QualityCheck `json:"quality_checks,omitempty"`
	PauseOnFailure bool           `json:"pause_on_failure"`
	AutoSnapshot   bool           `json:"auto_snapshot"`
	AutoCommit     bool           `json:"auto_commit"`
	Instructions   string         `json:"instructions,omitempty"`
}

// QualityCheck describes one post-iteration verification command.
type QualityCheck struct {
	Name     string `json:"name"`
	Command  string `json:"command"`
	Required bool   `json:"required"`
}

// IterationEntry is one structured record in a loop's iteration log.
type IterationEntry struct {
	Iteration int       `json:"iteration"`
	StoryID   string    `json:"story_id"`
	Outcome   string    `json:"outcome"` // completed, failed, error
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Loop is the persisted state of one autonomous run.
type Loop struct {
	ID                    string           `json:"id"`
	WorkspacePath         string           `json:"workspace_path"`
	PRDID                 string           `json:"prd_id,omitempty"`
	Status                string           `json:"status"`
	Config                LoopConfig       `json:"config"`
	CurrentIteration      int              `json:"current_iteration"`
	TotalStoriesCompleted int              `json:"total_stories_completed"`
	TotalStoriesFailed    int              `json:"total_stories_failed"`
	IterationLog          []IterationEntry `json:"iteration_log"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// PermissionRule maps a tool selector and optional input pattern to a verdict.
type PermissionRule struct {
	ID             string    `json:"id"`
	Scope          string    `json:"scope"` // global, workspace, session
	WorkspacePath  string    `json:"workspace_path,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ToolSelector   string    `json:"tool_selector"`
	InputPattern   string    `json:"input_pattern,omitempty"`
	Verdict        string    `json:"verdict"` // allow, deny, ask
	CreatedAt      time.Time `json:"created_at"`
}

// CommentaryEntry is one persisted commentary output.
type CommentaryEntry struct {
	ID             string    `json:"id"`
	WorkspaceID    string    `json:"workspace_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Text           string    `json:"text"`
	Personality    string    `json:"personality"`
	CreatedAt      time.Time `json:"created_at"`
}

// Artifact is a typed XML block extracted from assistant output.
type Artifact struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Type           string    `json:"type"` // plan, diff, screenshot, walkthrough
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryEntry is one categorized note in per-workspace project memory.
type MemoryEntry struct {
	ID            string    `json:"id"`
	WorkspacePath string    `json:"workspace_path"`
	Category      string    `json:"category"` // convention, decision, preference, pattern, context, learning
	Content       string    `json:"content"`
	StoryID       string    `json:"story_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Workspace maps a filesystem path to a stable id for commentary routing.
type Workspace struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
