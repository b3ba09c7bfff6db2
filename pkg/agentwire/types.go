// Package agentwire provides types and parsing for the line-delimited JSON
// protocol spoken by coding-agent CLIs over stdin/stdout. The agent emits one
// JSON object per line; the object's "type" field determines which fields are
// populated.
package agentwire

import (
	"encoding/json"
	"strings"
)

// Message types emitted by the agent CLI
const (
	// MessageTypeSystem is the initial handshake message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains content blocks from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks echoed back by the agent
	MessageTypeUser = "user"
	// MessageTypeResult is the terminal message with usage and stop reason
	MessageTypeResult = "result"
)

// Content block types
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeImage      = "image"
)

// Message represents a single line of agent CLI stdout.
// The message type determines which fields are populated.
type Message struct {
	// Type is the message type (system, assistant, user, result)
	Type string `json:"type"`

	// For system messages
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant and user messages
	Message         *MessageBody `json:"message,omitempty"`
	ParentToolUseID string       `json:"parent_tool_use_id,omitempty"`

	// For result messages
	// Result can be either a string (error message) or an object
	Result     json.RawMessage            `json:"result,omitempty"`
	Usage      *Usage                     `json:"usage,omitempty"`
	StopReason string                     `json:"stop_reason,omitempty"`
	IsError    bool                       `json:"is_error,omitempty"`
	NumTurns   int                        `json:"num_turns,omitempty"`
	DurationMS int64                      `json:"duration_ms,omitempty"`
	CostUSD    float64                    `json:"total_cost_usd,omitempty"`
	ModelUsage map[string]ModelUsageStats `json:"model_usage,omitempty"`

	// Raw holds the original line for diagnostics
	Raw json.RawMessage `json:"-"`
}

// MessageBody contains the content of an assistant or user message.
type MessageBody struct {
	ID         string `json:"id,omitempty"`
	Role       string `json:"role,omitempty"`
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	// Content is either a JSON array of ContentBlock or a plain string.
	Content json.RawMessage `json:"content,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// GetContentBlocks parses Content as an array of content blocks.
// Returns nil when Content is empty or a plain string.
func (m *MessageBody) GetContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// GetContentString returns Content when it is a plain JSON string.
// Returns empty for block-array content.
func (m *MessageBody) GetContentString() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlock represents one block inside an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is either a string or an array of
	// nested text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource references image payload by media type.
type ImageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// GetContentString flattens a tool_result block's content to plain text.
// String content is returned as-is; arrays of text blocks are joined with
// newlines.
func (b *ContentBlock) GetContentString() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	var nested []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &nested); err != nil {
		return ""
	}
	parts := make([]string, 0, len(nested))
	for _, n := range nested {
		if n.Type == BlockTypeText {
			parts = append(parts, n.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Usage contains token usage information from a result message.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// TotalInputTokens returns input tokens including cache reads and creation.
// This is the number compared against the context window.
func (u *Usage) TotalInputTokens() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// ModelUsageStats contains per-model statistics from a result message.
// The context_window field reports the model's actual context window size.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// GetResultString returns the Result field as a string.
// This is used when the result is an error message string.
func (m *Message) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// UserMessage is written to the agent's stdin to provide a prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// EncodeUserMessage marshals a prompt as a stdin line (newline terminated).
func EncodeUserMessage(content string) ([]byte, error) {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
