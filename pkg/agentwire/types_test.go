package agentwire

import (
	"encoding/json"
	"testing"
)

func TestMessage_JSONParsing(t *testing.T) {
	// System handshake
	systemJSON := `{"type":"system","subtype":"init","session_id":"abc123","model":"m1"}`
	var systemMsg Message
	if err := json.Unmarshal([]byte(systemJSON), &systemMsg); err != nil {
		t.Fatalf("failed to parse system message: %v", err)
	}
	if systemMsg.Type != MessageTypeSystem {
		t.Errorf("Type = %q, want %q", systemMsg.Type, MessageTypeSystem)
	}
	if systemMsg.SessionID != "abc123" {
		t.Errorf("SessionID = %q, want %q", systemMsg.SessionID, "abc123")
	}

	// Assistant message
	assistantJSON := `{"type":"assistant","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"Hello"}],"model":"m1"}}`
	var assistantMsg Message
	if err := json.Unmarshal([]byte(assistantJSON), &assistantMsg); err != nil {
		t.Fatalf("failed to parse assistant message: %v", err)
	}
	if assistantMsg.Type != MessageTypeAssistant {
		t.Errorf("Type = %q, want %q", assistantMsg.Type, MessageTypeAssistant)
	}
	if assistantMsg.Message == nil {
		t.Fatal("Message is nil")
	}
	if assistantMsg.Message.Model != "m1" {
		t.Errorf("Message.Model = %q, want %q", assistantMsg.Message.Model, "m1")
	}

	// Result with top-level usage
	resultJSON := `{"type":"result","usage":{"input_tokens":12,"output_tokens":2,"cache_read_input_tokens":5},"stop_reason":"end_turn"}`
	var resultMsg Message
	if err := json.Unmarshal([]byte(resultJSON), &resultMsg); err != nil {
		t.Fatalf("failed to parse result message: %v", err)
	}
	if resultMsg.Usage == nil {
		t.Fatal("Usage is nil")
	}
	if resultMsg.Usage.InputTokens != 12 {
		t.Errorf("InputTokens = %d, want 12", resultMsg.Usage.InputTokens)
	}
	if resultMsg.StopReason != "end_turn" {
		t.Errorf("StopReason = %q, want %q", resultMsg.StopReason, "end_turn")
	}
	if got := resultMsg.Usage.TotalInputTokens(); got != 17 {
		t.Errorf("TotalInputTokens() = %d, want 17", got)
	}
}

func TestContentBlock_Types(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		check func(t *testing.T, block ContentBlock)
	}{
		{
			name: "text block",
			json: `{"type":"text","text":"Hello world"}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != BlockTypeText {
					t.Errorf("Type = %q, want %q", block.Type, BlockTypeText)
				}
				if block.Text != "Hello world" {
					t.Errorf("Text = %q, want %q", block.Text, "Hello world")
				}
			},
		},
		{
			name: "thinking block",
			json: `{"type":"thinking","thinking":"Let me analyze..."}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != BlockTypeThinking {
					t.Errorf("Type = %q, want %q", block.Type, BlockTypeThinking)
				}
				if block.Thinking != "Let me analyze..." {
					t.Errorf("Thinking = %q, want %q", block.Thinking, "Let me analyze...")
				}
			},
		},
		{
			name: "tool_use block",
			json: `{"type":"tool_use","id":"tool123","name":"Bash","input":{"command":"ls"}}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != BlockTypeToolUse {
					t.Errorf("Type = %q, want %q", block.Type, BlockTypeToolUse)
				}
				if block.ID != "tool123" {
					t.Errorf("ID = %q, want %q", block.ID, "tool123")
				}
				if block.Name != "Bash" {
					t.Errorf("Name = %q, want %q", block.Name, "Bash")
				}
				if block.Input["command"] != "ls" {
					t.Errorf("Input[command] = %v, want %q", block.Input["command"], "ls")
				}
			},
		},
		{
			name: "tool_result block",
			json: `{"type":"tool_result","tool_use_id":"tool123","content":"output","is_error":false}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != BlockTypeToolResult {
					t.Errorf("Type = %q, want %q", block.Type, BlockTypeToolResult)
				}
				if block.ToolUseID != "tool123" {
					t.Errorf("ToolUseID = %q, want %q", block.ToolUseID, "tool123")
				}
				if block.GetContentString() != "output" {
					t.Errorf("Content = %q, want %q", block.GetContentString(), "output")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			tt.check(t, block)
		})
	}
}

func TestContentBlock_GetContentString(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "string content",
			json: `{"type":"tool_result","tool_use_id":"t1","content":"hello world"}`,
			want: "hello world",
		},
		{
			name: "array of text blocks",
			json: `{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"line 1"},{"type":"text","text":"line 2"}]}`,
			want: "line 1\nline 2",
		},
		{
			name: "single text block array",
			json: `{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"only line"}]}`,
			want: "only line",
		},
		{
			name: "empty content",
			json: `{"type":"tool_result","tool_use_id":"t1"}`,
			want: "",
		},
		{
			name: "empty string content",
			json: `{"type":"tool_result","tool_use_id":"t1","content":""}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			got := block.GetContentString()
			if got != tt.want {
				t.Errorf("GetContentString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageBody_GetContentBlocks(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantType  string
	}{
		{
			name:      "array of content blocks",
			content:   `[{"type":"text","text":"Hello"},{"type":"text","text":"World"}]`,
			wantCount: 2,
			wantType:  "text",
		},
		{
			name:      "single content block",
			content:   `[{"type":"thinking","thinking":"Let me think..."}]`,
			wantCount: 1,
			wantType:  "thinking",
		},
		{
			name:      "empty array",
			content:   `[]`,
			wantCount: 0,
		},
		{
			name:      "string content (not blocks)",
			content:   `"This is a string"`,
			wantCount: 0,
		},
		{
			name:      "empty content",
			content:   ``,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &MessageBody{Content: json.RawMessage(tt.content)}
			blocks := body.GetContentBlocks()
			if len(blocks) != tt.wantCount {
				t.Errorf("GetContentBlocks() returned %d blocks, want %d", len(blocks), tt.wantCount)
			}
			if tt.wantCount > 0 && blocks[0].Type != tt.wantType {
				t.Errorf("GetContentBlocks()[0].Type = %q, want %q", blocks[0].Type, tt.wantType)
			}
		})
	}
}

func TestMessageBody_GetContentString(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "plain string content",
			content: `"Hello, World!"`,
			want:    "Hello, World!",
		},
		{
			name:    "empty string",
			content: `""`,
			want:    "",
		},
		{
			name:    "array content (not string)",
			content: `[{"type":"text","text":"Hello"}]`,
			want:    "",
		},
		{
			name:    "empty content",
			content: ``,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &MessageBody{Content: json.RawMessage(tt.content)}
			got := body.GetContentString()
			if got != tt.want {
				t.Errorf("GetContentString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_GetResultString(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		want   string
	}{
		{
			name:   "empty result",
			result: nil,
			want:   "",
		},
		{
			name:   "string result",
			result: json.RawMessage(`"error message"`),
			want:   "error message",
		},
		{
			name:   "object result",
			result: json.RawMessage(`{"text":"success"}`),
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Result: tt.result}
			got := msg.GetResultString()
			if got != tt.want {
				t.Errorf("GetResultString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestModelUsageStats_ContextWindow(t *testing.T) {
	jsonStr := `{"context_window": 200000}`
	var stats ModelUsageStats
	if err := json.Unmarshal([]byte(jsonStr), &stats); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if stats.ContextWindow == nil {
		t.Fatal("ContextWindow is nil")
	}
	if *stats.ContextWindow != 200000 {
		t.Errorf("ContextWindow = %d, want %d", *stats.ContextWindow, 200000)
	}

	var stats2 ModelUsageStats
	if err := json.Unmarshal([]byte(`{}`), &stats2); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if stats2.ContextWindow != nil {
		t.Errorf("ContextWindow = %v, want nil", stats2.ContextWindow)
	}
}

func TestEncodeUserMessage(t *testing.T) {
	data, err := EncodeUserMessage("Hello, agent!")
	if err != nil {
		t.Fatalf("EncodeUserMessage failed: %v", err)
	}

	expected := `{"type":"user","message":{"role":"user","content":"Hello, agent!"}}` + "\n"
	if string(data) != expected {
		t.Errorf("EncodeUserMessage() = %s, want %s", string(data), expected)
	}
}
