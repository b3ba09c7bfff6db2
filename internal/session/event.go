// Package session supervises agent CLI subprocesses. It owns one
// subprocess per session, translates the agent's line-delimited JSON
// output into normalized events, and decouples agent streams from client
// connections through a per-session replay buffer.
package session

import (
	"encoding/json"

	"github.com/droverhq/drover/pkg/agentwire"
)

// EventType discriminates normalized events on the client stream.
type EventType string

const (
	EventMessageStart        EventType = "message_start"
	EventContentBlockStart   EventType = "content_block_start"
	EventContentBlockDelta   EventType = "content_block_delta"
	EventContentBlockStop    EventType = "content_block_stop"
	EventMessageDelta        EventType = "message_delta"
	EventMessageStop         EventType = "message_stop"
	EventToolResult          EventType = "tool_result"
	EventToolApprovalRequest EventType = "tool_approval_request"
	EventVerificationResult  EventType = "verification_result"
	EventContextWarning      EventType = "context_warning"
	EventCompactBoundary     EventType = "compact_boundary"
	EventError               EventType = "error"
	EventPing                EventType = "ping"
	EventLoopEvent           EventType = "loop_event"
	EventStoryUpdate         EventType = "story_update"
	EventArtifactCreated     EventType = "artifact_created"
	EventAgentNoteCreated    EventType = "agent_note_created"
	EventCommentary          EventType = "commentary"
)

// NormalizedEvent is the wire type exposed to clients. One struct with a
// type discriminator; unset fields are omitted from the JSON frame.
type NormalizedEvent struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	Index     *int      `json:"index,omitempty"`

	BlockType string `json:"block_type,omitempty"`
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`

	ToolCallID  string         `json:"toolCallId,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	ToolInput   map[string]any `json:"toolInput,omitempty"`
	Description string         `json:"description,omitempty"`

	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	StopReason string           `json:"stop_reason,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Usage      *agentwire.Usage `json:"usage,omitempty"`

	UsagePercent  float64 `json:"usagePercent,omitempty"`
	Autocompacted bool    `json:"autocompacted,omitempty"`
	InputTokens   int     `json:"input_tokens,omitempty"`
	PreTokens     int     `json:"pre_tokens,omitempty"`

	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	FilePath string `json:"file_path,omitempty"`
	Exists   bool   `json:"exists,omitempty"`

	ArtifactID   string `json:"artifact_id,omitempty"`
	ArtifactType string `json:"artifact_type,omitempty"`
	Title        string `json:"title,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`
}

// Encode marshals the event into the frame bytes appended to the buffer
// and sent to clients. Marshaling a NormalizedEvent cannot fail.
func (e *NormalizedEvent) Encode() []byte {
	raw, _ := json.Marshal(e)
	return raw
}

func indexPtr(i int) *int { return &i }
