package session

import (
	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/agentwire"
)

// translatorHooks are the side-effect callbacks invoked while translating
// agent messages. Any hook may be nil.
type translatorHooks struct {
	// OnResumeToken fires when the system handshake carries the agent's
	// own session identifier.
	OnResumeToken func(token string)

	// OnToolUse is consulted for every tool_use block. A returned event
	// (a tool_approval_request) is emitted ahead of the block's deltas.
	OnToolUse func(block *agentwire.ContentBlock) *NormalizedEvent

	// OnFileWrite fires for tool_use blocks of file-writing tools so the
	// caller can schedule verification.
	OnFileWrite func(block *agentwire.ContentBlock)

	// OnResult fires for the terminal result message, after message_delta
	// has been emitted but before message_stop.
	OnResult func(msg *agentwire.Message)
}

// translator converts agent wire messages into normalized events. It
// tracks block indices so every delta is bracketed by a start and stop
// with the same index, and guarantees at most one message_stop.
type translator struct {
	emit  func(*NormalizedEvent)
	hooks translatorHooks

	messageID   string
	started     bool
	stopped     bool
	contentSeen bool

	// toolNames joins tool_result echoes back to the originating
	// tool_use so consumers see the tool name.
	toolNames map[string]string

	// accumulated assistant content, persisted as one message on finish
	blocks []store.Block
	model  string
}

func newTranslator(emit func(*NormalizedEvent), hooks translatorHooks) *translator {
	return &translator{
		emit:      emit,
		hooks:     hooks,
		messageID: uuid.New().String(),
		toolNames: make(map[string]string),
	}
}

// ContentSeen reports whether any content-bearing event has arrived.
func (t *translator) ContentSeen() bool { return t.contentSeen }

// AccumulatedBlocks returns the assistant content gathered so far.
func (t *translator) AccumulatedBlocks() []store.Block { return t.blocks }

// Model returns the model reported by the agent, if any.
func (t *translator) Model() string { return t.model }

// Handle translates one agent message. Unknown message types are skipped.
func (t *translator) Handle(msg *agentwire.Message) {
	switch msg.Type {
	case agentwire.MessageTypeSystem:
		t.handleSystem(msg)
	case agentwire.MessageTypeAssistant:
		t.handleAssistant(msg)
	case agentwire.MessageTypeUser:
		t.handleUser(msg)
	case agentwire.MessageTypeResult:
		t.handleResult(msg)
	}
}

// ensureStarted emits the synthetic message_start exactly once.
func (t *translator) ensureStarted() {
	if t.started {
		return
	}
	t.started = true
	t.emit(&NormalizedEvent{Type: EventMessageStart, MessageID: t.messageID})
}

func (t *translator) handleSystem(msg *agentwire.Message) {
	t.ensureStarted()
	if msg.Model != "" {
		t.model = msg.Model
	}
	if msg.SessionID != "" && t.hooks.OnResumeToken != nil {
		t.hooks.OnResumeToken(msg.SessionID)
	}
}

func (t *translator) handleAssistant(msg *agentwire.Message) {
	if msg.Message == nil {
		return
	}
	t.contentSeen = true
	t.ensureStarted()
	if msg.Message.Model != "" {
		t.model = msg.Message.Model
	}

	for i, block := range msg.Message.GetContentBlocks() {
		block := block
		t.emitBlock(i, &block)
	}
}

func (t *translator) emitBlock(index int, block *agentwire.ContentBlock) {
	start := &NormalizedEvent{
		Type:      EventContentBlockStart,
		MessageID: t.messageID,
		Index:     indexPtr(index),
		BlockType: block.Type,
	}
	delta := &NormalizedEvent{
		Type:      EventContentBlockDelta,
		MessageID: t.messageID,
		Index:     indexPtr(index),
	}

	var approval *NormalizedEvent
	switch block.Type {
	case agentwire.BlockTypeText:
		delta.Text = block.Text
		t.blocks = append(t.blocks, store.Block{Type: store.BlockText, Text: block.Text})

	case agentwire.BlockTypeThinking:
		delta.Thinking = block.Thinking
		t.blocks = append(t.blocks, store.Block{Type: store.BlockThinking, Thinking: block.Thinking})

	case agentwire.BlockTypeToolUse:
		start.ToolCallID = block.ID
		start.ToolName = block.Name
		delta.ToolCallID = block.ID
		delta.ToolInput = block.Input
		t.toolNames[block.ID] = block.Name
		t.blocks = append(t.blocks, store.Block{
			Type:      store.BlockToolUse,
			ToolUseID: block.ID,
			ToolName:  block.Name,
			Input:     block.Input,
		})
		if t.hooks.OnToolUse != nil {
			approval = t.hooks.OnToolUse(block)
		}
		if t.hooks.OnFileWrite != nil && fileWritingTools[block.Name] {
			t.hooks.OnFileWrite(block)
		}

	case agentwire.BlockTypeImage:
		start.BlockType = agentwire.BlockTypeImage
		if block.Source != nil {
			t.blocks = append(t.blocks, store.Block{
				Type:      store.BlockImage,
				MediaType: block.Source.MediaType,
				Data:      block.Source.Data,
			})
		}

	default:
		// unknown block shapes are skipped
		return
	}

	t.emit(start)
	if approval != nil {
		t.emit(approval)
	}
	t.emit(delta)
	t.emit(&NormalizedEvent{
		Type:      EventContentBlockStop,
		MessageID: t.messageID,
		Index:     indexPtr(index),
	})
}

func (t *translator) handleUser(msg *agentwire.Message) {
	if msg.Message == nil {
		return
	}
	t.contentSeen = true
	t.ensureStarted()

	for _, block := range msg.Message.GetContentBlocks() {
		if block.Type != agentwire.BlockTypeToolResult {
			continue
		}
		block := block
		t.emit(&NormalizedEvent{
			Type:       EventToolResult,
			MessageID:  t.messageID,
			ToolCallID: block.ToolUseID,
			ToolName:   t.toolNames[block.ToolUseID],
			Content:    block.GetContentString(),
			IsError:    block.IsError,
		})
	}
}

func (t *translator) handleResult(msg *agentwire.Message) {
	t.contentSeen = true
	t.ensureStarted()

	t.emit(&NormalizedEvent{
		Type:       EventMessageDelta,
		MessageID:  t.messageID,
		StopReason: msg.StopReason,
		Usage:      msg.Usage,
	})
	if t.hooks.OnResult != nil {
		t.hooks.OnResult(msg)
	}
	t.Finish("")
}

// Finish emits the terminal message_stop exactly once. reason is set for
// cancelled or failed turns.
func (t *translator) Finish(reason string) {
	if t.stopped {
		return
	}
	t.stopped = true
	t.ensureStarted()
	t.emit(&NormalizedEvent{
		Type:      EventMessageStop,
		MessageID: t.messageID,
		Reason:    reason,
	})
}

// Finished reports whether message_stop has been emitted.
func (t *translator) Finished() bool { return t.stopped }

// fileWritingTools trigger post-hoc file verification.
var fileWritingTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}
