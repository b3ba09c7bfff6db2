package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/constants"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/compact"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/policy"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/agentwire"
)


// SessionOptions configure a new session.
type SessionOptions struct {
	Model         string
	Effort        string
	WorkspacePath string
}

// Manager owns the sessions map and the lifecycle of every agent
// subprocess. Lookups are short critical sections; streaming work happens
// outside the lock on a reference to the session.
type Manager struct {
	cfg       config.AgentConfig
	perms     config.PermissionsConfig
	store     *store.Store
	compactor *compact.Compactor
	bus       bus.EventBus
	logger    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a session manager.
func NewManager(cfg config.AgentConfig, perms config.PermissionsConfig, st *store.Store, compactor *compact.Compactor, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:       cfg,
		perms:     perms,
		store:     st,
		compactor: compactor,
		bus:       eventBus,
		logger:    log,
		sessions:  make(map[string]*Session),
	}
}

// CreateSession registers a new session for a conversation. Pure
// bookkeeping; no subprocess is spawned until the first message.
func (m *Manager) CreateSession(ctx context.Context, conversationID string, opts SessionOptions) (string, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	workspace := opts.WorkspacePath
	if workspace == "" {
		workspace = conv.WorkspacePath
	}
	model := opts.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}

	sess := &Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		WorkspacePath:  workspace,
		Model:          model,
		Effort:         opts.Effort,
		status:         StatusIdle,
		buffer:         NewEventBuffer(),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.publishLifecycle(ctx, events.SessionStarted, sess)
	return sess.ID, nil
}

// Get returns a session by id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// SendMessage starts a new turn: spawns the agent subprocess, feeds it
// the user content (with any pending nudges prepended), and returns a
// live stream of normalized events. Spawn failures are reported as a
// single-frame error stream rather than an error return.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (*Stream, error) {
	sess := m.Get(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess.mu.Lock()
	switch sess.status {
	case StatusTerminated:
		sess.mu.Unlock()
		return nil, ErrSessionTerminated
	case StatusRunning:
		sess.mu.Unlock()
		return nil, ErrSessionBusy
	}
	nudges := sess.pendingNudges
	sess.pendingNudges = nil
	buffer := NewEventBuffer()
	cancelCh := make(chan struct{})
	sess.buffer = buffer
	sess.cancelCh = cancelCh
	sess.status = StatusRunning
	if sess.cleanupTimer != nil {
		sess.cleanupTimer.Stop()
		sess.cleanupTimer = nil
	}
	sess.mu.Unlock()

	prompt := content
	if len(nudges) > 0 {
		prompt = strings.Join(nudges, "\n") + "\n\n" + content
	}

	m.persistUserMessage(ctx, sess, content, nudges)

	conv, err := m.store.GetConversation(ctx, sess.ConversationID)
	resumeToken := ""
	if err == nil {
		resumeToken = conv.ResumeToken
	}

	proc, spawnErr := startAgentProcess(m.cfg.Binary, buildAgentArgs(sess.Model, resumeToken), sess.WorkspacePath, nil, m.cfg.UsePTY != "never")
	if spawnErr != nil {
		m.logger.WithSessionID(sess.ID).WithError(spawnErr).Error("failed to spawn agent subprocess")
		buffer.Append(&NormalizedEvent{Type: EventError, Kind: KindSpawnError, Message: spawnErr.Error()})
		buffer.Append(&NormalizedEvent{Type: EventMessageStop})
		buffer.MarkComplete()
		m.finishTurn(sess)
		return followBuffer(buffer, 0), nil
	}

	sess.mu.Lock()
	sess.proc = proc
	sess.mu.Unlock()

	if line, err := agentwire.EncodeUserMessage(prompt); err == nil {
		if err := proc.WriteStdin(line); err != nil {
			m.logger.WithSessionID(sess.ID).WithError(err).Warn("failed to write prompt to agent stdin")
		}
	}

	go m.runStream(sess, buffer, proc, cancelCh)
	return followBuffer(buffer, 0), nil
}

// WriteStdin forwards raw data to the subprocess, used to answer
// interactive questions mid-stream.
func (m *Manager) WriteStdin(sessionID string, data []byte) bool {
	sess := m.Get(sessionID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	proc := sess.proc
	sess.mu.Unlock()
	if proc == nil {
		return false
	}
	return proc.WriteStdin(data) == nil
}

// QueueNudge appends text to the session's pending nudges.
func (m *Manager) QueueNudge(sessionID, text string) bool {
	sess := m.Get(sessionID)
	if sess == nil {
		return false
	}
	return sess.QueueNudge(text)
}

// CancelGeneration signals the live stream. The subprocess receives an
// interrupt and partial assistant content is persisted.
func (m *Manager) CancelGeneration(sessionID string) bool {
	sess := m.Get(sessionID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusRunning || sess.cancelCh == nil {
		return false
	}
	close(sess.cancelCh)
	sess.cancelCh = nil
	return true
}

// TerminateSession kills the subprocess and removes the session.
func (m *Manager) TerminateSession(sessionID string) error {
	sess := m.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess.mu.Lock()
	sess.status = StatusTerminated
	if sess.cleanupTimer != nil {
		sess.cleanupTimer.Stop()
		sess.cleanupTimer = nil
	}
	proc := sess.proc
	sess.mu.Unlock()

	if proc != nil {
		proc.Terminate()
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.publishLifecycle(context.Background(), events.SessionStopped, sess)
	return nil
}

// ReconnectStream returns a stream that replays the current turn's buffer
// and continues live if still streaming. Returns nil for unknown or
// cleaned-up sessions.
func (m *Manager) ReconnectStream(sessionID string) *Stream {
	sess := m.Get(sessionID)
	if sess == nil {
		return nil
	}
	return followBuffer(sess.Buffer(), 0)
}

// Shutdown terminates every live subprocess.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		sess.mu.Lock()
		proc := sess.proc
		sess.mu.Unlock()
		if proc == nil {
			continue
		}
		g.Go(func() error {
			proc.Terminate()
			return nil
		})
	}
	_ = g.Wait()
}

// finishTurn marks the session idle and schedules its removal after the
// grace period so clients can still reconnect and replay.
func (m *Manager) finishTurn(sess *Session) {
	grace := m.cfg.GracePeriod()
	if grace <= 0 {
		grace = constants.SessionGracePeriod
	}

	sess.mu.Lock()
	if sess.status == StatusTerminated {
		sess.mu.Unlock()
		return
	}
	sess.status = StatusIdle
	sess.proc = nil
	sess.cancelCh = nil
	sess.cleanupTimer = time.AfterFunc(grace, func() {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
	})
	sess.mu.Unlock()
}

func (m *Manager) persistUserMessage(ctx context.Context, sess *Session, content string, nudges []string) {
	blocks := make([]store.Block, 0, len(nudges)+1)
	for _, nudge := range nudges {
		blocks = append(blocks, store.Block{Type: store.BlockNudge, Text: nudge})
	}
	blocks = append(blocks, store.Block{Type: store.BlockText, Text: content})

	msg := &store.Message{
		ConversationID: sess.ConversationID,
		Role:           store.RoleUser,
		Content:        blocks,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		m.logger.WithSessionID(sess.ID).WithError(err).Error("failed to persist user message")
	}
}

// evaluateToolUse runs the policy engine for one tool_use block and
// returns the approval request event when the verdict is ask.
func (m *Manager) evaluateToolUse(sess *Session, block *agentwire.ContentBlock) *NormalizedEvent {
	rules, err := m.store.ListPermissionRules(context.Background(), sess.WorkspacePath, sess.ConversationID)
	if err != nil {
		m.logger.WithSessionID(sess.ID).WithError(err).Warn("failed to load permission rules")
	}

	decision := policy.Evaluate(rules, m.perms.Mode, m.perms.TerminalPolicy, block.Name, block.Input)
	if decision.Verdict != policy.VerdictAsk {
		return nil
	}
	return &NormalizedEvent{
		Type:        EventToolApprovalRequest,
		ToolCallID:  block.ID,
		ToolName:    block.Name,
		ToolInput:   block.Input,
		Description: decision.Description,
	}
}

func (m *Manager) publishLifecycle(ctx context.Context, eventType string, sess *Session) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-manager", map[string]interface{}{
		"session_id":      sess.ID,
		"conversation_id": sess.ConversationID,
		"workspace_path":  sess.WorkspacePath,
	})
	if err := m.bus.Publish(ctx, eventType, event); err != nil {
		m.logger.WithError(err).Debug("failed to publish session lifecycle event")
	}
}

// buildAgentArgs constructs the vendor CLI invocation for one turn.
func buildAgentArgs(model, resumeToken string) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if resumeToken != "" {
		args = append(args, "--resume", resumeToken)
	}
	return args
}
