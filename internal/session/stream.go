package session

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/constants"
	"github.com/droverhq/drover/internal/compact"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/agentwire"
)

const (
	verificationDelay = 2 * time.Second
	stderrTailLines   = 50
)

// runStream is the per-turn streaming task. It owns the subprocess: reads
// stdout lines, translates them, enforces the content timeout, and on any
// exit path persists accumulated content, completes the buffer, and marks
// the session idle.
func (m *Manager) runStream(sess *Session, buffer *EventBuffer, proc *agentProcess, cancelCh chan struct{}) {
	ctx := context.Background()
	log := m.logger.WithSessionID(sess.ID).WithConversationID(sess.ConversationID)

	emit := func(ev *NormalizedEvent) {
		buffer.Append(ev)
		m.publishStreamEvent(sess, ev)
	}

	persisted := false
	var tr *translator
	tr = newTranslator(emit, translatorHooks{
		OnResumeToken: func(token string) {
			if err := m.store.SetResumeToken(ctx, sess.ConversationID, token); err != nil {
				log.WithError(err).Warn("failed to persist resume token")
			}
		},
		OnToolUse: func(block *agentwire.ContentBlock) *NormalizedEvent {
			return m.evaluateToolUse(sess, block)
		},
		OnFileWrite: func(block *agentwire.ContentBlock) {
			m.scheduleVerification(sess, buffer, block)
		},
		OnResult: func(msg *agentwire.Message) {
			// Persist before message_stop so artifact events precede it.
			m.persistAssistant(ctx, sess, tr, emit)
			persisted = true
			m.handleResult(ctx, sess, emit, msg)
		},
	})

	defer func() {
		if r := recover(); r != nil {
			log.Error("streaming task panicked", zap.Any("panic", r))
			emit(&NormalizedEvent{Type: EventError, Kind: KindStreamError, Message: fmt.Sprint(r)})
			tr.Finish("error")
			proc.Terminate()
			_ = proc.Wait()
			if !persisted {
				m.persistAssistant(ctx, sess, tr, nil)
			}
			buffer.MarkComplete()
			m.finishTurn(sess)
		}
	}()

	var stderrMu sync.Mutex
	var stderrLines []string
	if proc.stderr != nil {
		go func() {
			scanner := bufio.NewScanner(proc.stderr)
			for scanner.Scan() {
				stderrMu.Lock()
				stderrLines = append(stderrLines, scanner.Text())
				if len(stderrLines) > stderrTailLines {
					stderrLines = stderrLines[1:]
				}
				stderrMu.Unlock()
			}
		}()
	}

	quit := make(chan struct{})
	defer close(quit)

	lines := make(chan *agentwire.Message)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		scanner := agentwire.NewScanner(proc.stdout)
		for scanner.Scan() {
			msg, err := agentwire.ParseLine(scanner.Bytes())
			if err != nil {
				log.Debug("skipping non-protocol agent output", zap.String("line", truncateLine(scanner.Text())))
				continue
			}
			select {
			case lines <- msg:
			case <-quit:
				return
			}
		}
	}()

	contentTimeout := m.cfg.ContentTimeout()
	if contentTimeout <= 0 {
		contentTimeout = constants.ContentTimeout
	}
	timeout := time.NewTimer(contentTimeout)
	defer timeout.Stop()
	ping := time.NewTicker(constants.PingInterval)
	defer ping.Stop()

	cancelled := false
	timedOut := false

loop:
	for {
		select {
		case msg := <-lines:
			tr.Handle(msg)
			if tr.ContentSeen() {
				timeout.Stop()
			}
			if tr.Finished() {
				break loop
			}

		case <-readDone:
			break loop

		case <-timeout.C:
			if tr.ContentSeen() {
				continue
			}
			timedOut = true
			emit(&NormalizedEvent{Type: EventError, Kind: KindTimeout,
				Message: fmt.Sprintf("no content from agent within %s", contentTimeout)})
			tr.Finish("timeout")
			proc.Terminate()
			break loop

		case <-cancelCh:
			cancelled = true
			proc.Interrupt()
			tr.Finish("cancelled")
			break loop

		case <-ping.C:
			emit(&NormalizedEvent{Type: EventPing})
		}
	}

	_ = proc.Wait()

	if !tr.ContentSeen() && !timedOut && !cancelled {
		stderrMu.Lock()
		tail := strings.Join(stderrLines, "\n")
		stderrMu.Unlock()
		detail := proc.ExitDescription()
		if tail != "" {
			detail += ": " + tail
		}
		emit(&NormalizedEvent{Type: EventError, Kind: KindCLIError, Message: detail})
	}
	tr.Finish("")

	if !persisted {
		m.persistAssistant(ctx, sess, tr, nil)
	}
	buffer.MarkComplete()
	m.finishTurn(sess)
	m.publishLifecycle(ctx, events.SessionCompleted, sess)
}

// persistAssistant stores the accumulated assistant content as a single
// message and extracts artifacts from its text blocks. When emit is
// non-nil, artifact events are pushed onto the live stream.
func (m *Manager) persistAssistant(ctx context.Context, sess *Session, tr *translator, emit func(*NormalizedEvent)) {
	blocks := tr.AccumulatedBlocks()
	if len(blocks) == 0 {
		return
	}

	msg := &store.Message{
		ConversationID: sess.ConversationID,
		Role:           store.RoleAssistant,
		Model:          tr.Model(),
		Content:        blocks,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		m.logger.WithSessionID(sess.ID).WithError(err).Error("failed to persist assistant message")
		return
	}

	for _, block := range blocks {
		if block.Type != store.BlockText {
			continue
		}
		for _, artifact := range extractArtifacts(sess.ConversationID, msg.ID, block.Text) {
			if err := m.store.CreateArtifact(ctx, artifact); err != nil {
				m.logger.WithSessionID(sess.ID).WithError(err).Error("failed to persist artifact")
				continue
			}
			ev := &NormalizedEvent{
				Type:         EventArtifactCreated,
				ArtifactID:   artifact.ID,
				ArtifactType: artifact.Type,
				Title:        artifact.Title,
			}
			if emit != nil {
				emit(ev)
			}
			m.publishArtifact(ctx, sess, artifact)
		}
	}
}

// handleResult runs the context-pressure check against the observed usage
// and kicks off asynchronous compaction past the threshold.
func (m *Manager) handleResult(ctx context.Context, sess *Session, emit func(*NormalizedEvent), msg *agentwire.Message) {
	tokens := int(msg.Usage.TotalInputTokens())
	if tokens > 0 {
		if err := m.store.SetTotalTokens(ctx, sess.ConversationID, int64(tokens)); err != nil {
			m.logger.WithError(err).Warn("failed to record token total")
		}
	}
	if m.compactor == nil {
		return
	}

	for model, stats := range msg.ModelUsage {
		if stats.ContextWindow != nil {
			m.compactor.RecordModelWindow(model, int(*stats.ContextWindow), 0)
		}
	}

	assessment := m.compactor.Assess(sess.Model, tokens)
	if assessment.Warn {
		emit(&NormalizedEvent{
			Type:          EventContextWarning,
			InputTokens:   tokens,
			UsagePercent:  assessment.UsagePct,
			Autocompacted: assessment.ShouldCompact,
		})
	}
	if !assessment.ShouldCompact {
		return
	}
	emit(&NormalizedEvent{Type: EventCompactBoundary, PreTokens: tokens})

	// The rewrite is off the critical path: the next turn cannot begin
	// until the client submits new input.
	go func() {
		if err := m.compactor.Compact(context.Background(), sess.ConversationID, sess.Model, compact.StrategySmart, tokens); err != nil {
			m.logger.WithConversationID(sess.ConversationID).WithError(err).Error("history compaction failed")
		}
	}()
}

// scheduleVerification checks a written file shortly after the tool_use
// and reports the outcome on the stream if the turn is still open.
func (m *Manager) scheduleVerification(sess *Session, buffer *EventBuffer, block *agentwire.ContentBlock) {
	path, _ := block.Input["file_path"].(string)
	if path == "" {
		path, _ = block.Input["notebook_path"].(string)
	}
	if path == "" {
		return
	}

	time.AfterFunc(verificationDelay, func() {
		_, err := os.Stat(path)
		ev := &NormalizedEvent{Type: EventVerificationResult, FilePath: path, Exists: err == nil}
		if buffer.Append(ev) != nil {
			m.publishStreamEvent(sess, ev)
		}
	})
}

func (m *Manager) publishStreamEvent(sess *Session, ev *NormalizedEvent) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(events.AgentStream, "session-manager", &StreamEvent{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		WorkspacePath:  sess.WorkspacePath,
		Event:          ev,
	})
	if err := m.bus.Publish(context.Background(), events.BuildAgentStreamSubject(sess.ID), event); err != nil {
		m.logger.WithError(err).Debug("failed to publish stream event")
	}
}

func (m *Manager) publishArtifact(ctx context.Context, sess *Session, artifact *store.Artifact) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(events.ArtifactCreated, "session-manager", map[string]interface{}{
		"artifact_id":     artifact.ID,
		"conversation_id": artifact.ConversationID,
		"type":            artifact.Type,
		"title":           artifact.Title,
	})
	if err := m.bus.Publish(ctx, events.BuildArtifactSubject(sess.ConversationID), event); err != nil {
		m.logger.WithError(err).Debug("failed to publish artifact event")
	}
}

func truncateLine(s string) string {
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return s
}
