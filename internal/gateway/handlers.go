package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/constants"
	apierrors "github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/commentary"
	"github.com/droverhq/drover/internal/compact"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/loop"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/store"
)

// Handler contains the HTTP handlers for the gateway API.
type Handler struct {
	sessions   *session.Manager
	store      *store.Store
	compactor  *compact.Compactor
	loops      *loop.Orchestrator
	commentary *commentary.Bridge
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(sessions *session.Manager, st *store.Store, compactor *compact.Compactor, loops *loop.Orchestrator, bridge *commentary.Bridge, eventBus bus.EventBus, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		sessions:   sessions,
		store:      st,
		compactor:  compactor,
		loops:      loops,
		commentary: bridge,
		bus:        eventBus,
		logger:     log,
	}
}

// Conversation endpoints

// CreateConversationRequest is the body for POST /api/v1/conversations.
type CreateConversationRequest struct {
	WorkspacePath string `json:"workspace_path" binding:"required"`
}

// CreateConversation creates a new conversation.
// POST /api/v1/conversations
func (h *Handler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apierrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conv := &store.Conversation{WorkspacePath: req.WorkspacePath}
	if err := h.store.CreateConversation(c.Request.Context(), conv); err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		appErr := apierrors.InternalError("failed to create conversation", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// GetConversation retrieves a conversation.
// GET /api/v1/conversations/:conversationId
func (h *Handler) GetConversation(c *gin.Context) {
	id := c.Param("conversationId")
	conv, err := h.store.GetConversation(c.Request.Context(), id)
	if err != nil {
		appErr := apierrors.NotFound("conversation", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListMessages returns a conversation's messages.
// GET /api/v1/conversations/:conversationId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	id := c.Param("conversationId")
	msgs, err := h.store.ListMessages(c.Request.Context(), id)
	if err != nil {
		appErr := apierrors.InternalError("failed to list messages", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListArtifacts returns artifacts extracted from a conversation.
// GET /api/v1/conversations/:conversationId/artifacts
func (h *Handler) ListArtifacts(c *gin.Context) {
	id := c.Param("conversationId")
	artifacts, err := h.store.ListArtifacts(c.Request.Context(), id)
	if err != nil {
		appErr := apierrors.InternalError("failed to list artifacts", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

// CompactRequest is the body for manual compaction.
type CompactRequest struct {
	Strategy string `json:"strategy"`
	Model    string `json:"model"`
}

// CompactConversation manually compacts a conversation's history.
// POST /api/v1/conversations/:conversationId/compact
func (h *Handler) CompactConversation(c *gin.Context) {
	id := c.Param("conversationId")
	var req CompactRequest
	_ = c.ShouldBindJSON(&req) // body is optional, defaults apply

	strategy := compact.Strategy(req.Strategy)
	switch strategy {
	case "":
		strategy = compact.StrategySmart
	case compact.StrategySmart, compact.StrategySlidingWindow, compact.StrategyTokenBased:
	default:
		appErr := apierrors.BadRequest("unknown compaction strategy")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conv, err := h.store.GetConversation(c.Request.Context(), id)
	if err != nil {
		appErr := apierrors.NotFound("conversation", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.compactor.Compact(c.Request.Context(), id, req.Model, strategy, int(conv.TotalTokens)); err != nil {
		h.logger.Error("manual compaction failed", zap.String("conversation_id", id), zap.Error(err))
		appErr := apierrors.InternalError("compaction failed", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// Session endpoints

// CreateSessionRequest is the body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Model          string `json:"model"`
	Effort         string `json:"effort"`
	WorkspacePath  string `json:"workspace_path"`
}

// CreateSession registers a new agent session.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apierrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sessionID, err := h.sessions.CreateSession(c.Request.Context(), req.ConversationID, session.SessionOptions{
		Model:         req.Model,
		Effort:        req.Effort,
		WorkspacePath: req.WorkspacePath,
	})
	if err != nil {
		appErr := apierrors.NotFound("conversation", req.ConversationID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

// SendMessageRequest is the body for a user turn.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage starts a turn and streams normalized events back as SSE.
// POST /api/v1/sessions/:sessionId/messages
func (h *Handler) SendMessage(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apierrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	stream, err := h.sessions.SendMessage(c.Request.Context(), sessionID, req.Content)
	if err != nil {
		appErr := sessionError(sessionID, err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	streamToClient(c, stream)
}

// ReconnectStream replays the current turn's buffer and continues live.
// GET /api/v1/sessions/:sessionId/stream
func (h *Handler) ReconnectStream(c *gin.Context) {
	sessionID := c.Param("sessionId")
	stream := h.sessions.ReconnectStream(sessionID)
	if stream == nil {
		appErr := apierrors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	streamToClient(c, stream)
}

// StdinRequest carries raw input for the agent subprocess, used to answer
// interactive approval prompts.
type StdinRequest struct {
	Data string `json:"data" binding:"required"`
}

// WriteStdin forwards input to the subprocess.
// POST /api/v1/sessions/:sessionId/stdin
func (h *Handler) WriteStdin(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req StdinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apierrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !h.sessions.WriteStdin(sessionID, []byte(req.Data)) {
		appErr := apierrors.Conflict("session has no running subprocess")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// NudgeRequest queues text to prepend to the next user message.
type NudgeRequest struct {
	Text string `json:"text" binding:"required"`
}

// QueueNudge queues a nudge for the session.
// POST /api/v1/sessions/:sessionId/nudges
func (h *Handler) QueueNudge(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req NudgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apierrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !h.sessions.QueueNudge(sessionID, req.Text) {
		appErr := apierrors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusAccepted)
}

// CancelGeneration interrupts the in-flight turn.
// POST /api/v1/sessions/:sessionId/cancel
func (h *Handler) CancelGeneration(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.sessions.CancelGeneration(sessionID) {
		appErr := apierrors.Conflict("session has no generation in flight")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusAccepted)
}

// TerminateSession kills the session's subprocess and removes it.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) TerminateSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.sessions.TerminateSession(sessionID); err != nil {
		appErr := apierrors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// Loop endpoints

// StartLoopRequest is the body for POST /api/v1/loops.
type StartLoopRequest struct {
	WorkspacePath string           `json:"workspace_path" binding:"required"`
	PRDID         string           `json:"prd_id" binding:"required"`
	Config        store.LoopConfig `json:"config"`
}

// StartLoop starts an autonomous loop.
// POST /api/v1/loops
func (h *Handler) StartLoop(c *gin.Context) {
	var req StartLoopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apierrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	l, err := h.loops.Start(c.Request.Context(), req.WorkspacePath, req.PRDID, req.Config)
	if err != nil {
		h.logger.Error("failed to start loop", zap.Error(err))
		appErr := apierrors.InternalError("failed to start loop", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, l)
}

// GetLoop returns a loop's persisted state.
// GET /api/v1/loops/:loopId
func (h *Handler) GetLoop(c *gin.Context) {
	id := c.Param("loopId")
	l, err := h.loops.Get(c.Request.Context(), id)
	if err != nil {
		appErr := apierrors.NotFound("loop", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, l)
}

// PauseLoop suspends a loop before its next iteration.
// POST /api/v1/loops/:loopId/pause
func (h *Handler) PauseLoop(c *gin.Context) {
	h.loopControl(c, h.loops.Pause)
}

// ResumeLoop releases a paused loop.
// POST /api/v1/loops/:loopId/resume
func (h *Handler) ResumeLoop(c *gin.Context) {
	h.loopControl(c, h.loops.Resume)
}

// CancelLoop stops a loop, interrupting any in-flight iteration.
// POST /api/v1/loops/:loopId/cancel
func (h *Handler) CancelLoop(c *gin.Context) {
	id := c.Param("loopId")
	if err := h.loops.Cancel(id); err != nil {
		appErr := apierrors.NotFound("loop", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) loopControl(c *gin.Context, fn func(context.Context, string) error) {
	id := c.Param("loopId")
	if err := fn(c.Request.Context(), id); err != nil {
		appErr := apierrors.NotFound("loop", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusAccepted)
}

// Permission rule endpoints

// CreateRuleRequest is the body for POST /api/v1/permission-rules.
type CreateRuleRequest struct {
	Scope          string `json:"scope" binding:"required"`
	WorkspacePath  string `json:"workspace_path"`
	ConversationID string `json:"conversation_id"`
	ToolSelector   string `json:"tool_selector" binding:"required"`
	InputPattern   string `json:"input_pattern"`
	Verdict        string `json:"verdict" binding:"required"`
}

// CreateRule creates a permission rule.
// POST /api/v1/permission-rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apierrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !validVerdict(req.Verdict) {
		appErr := apierrors.BadRequest("verdict must be one of: allow, deny, ask")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !validScope(req.Scope) {
		appErr := apierrors.BadRequest("scope must be one of: global, workspace, session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	rule := &store.PermissionRule{
		Scope:          req.Scope,
		WorkspacePath:  req.WorkspacePath,
		ConversationID: req.ConversationID,
		ToolSelector:   req.ToolSelector,
		InputPattern:   req.InputPattern,
		Verdict:        req.Verdict,
	}
	if err := h.store.CreatePermissionRule(c.Request.Context(), rule); err != nil {
		appErr := apierrors.InternalError("failed to create rule", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.publishRuleChange(c)
	c.JSON(http.StatusCreated, rule)
}

// ListRules lists rules visible to a workspace and conversation.
// GET /api/v1/permission-rules
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.store.ListPermissionRules(c.Request.Context(), c.Query("workspace_path"), c.Query("conversation_id"))
	if err != nil {
		appErr := apierrors.InternalError("failed to list rules", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// DeleteRule removes a rule.
// DELETE /api/v1/permission-rules/:ruleId
func (h *Handler) DeleteRule(c *gin.Context) {
	id := c.Param("ruleId")
	if err := h.store.DeletePermissionRule(c.Request.Context(), id); err != nil {
		appErr := apierrors.NotFound("rule", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.publishRuleChange(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) publishRuleChange(c *gin.Context) {
	if h.bus == nil {
		return
	}
	event := bus.NewEvent(events.PermissionRuleChanged, "gateway", nil)
	if err := h.bus.Publish(c.Request.Context(), events.PermissionRuleChanged, event); err != nil {
		h.logger.Debug("failed to publish rule change", zap.Error(err))
	}
}

// Commentary endpoints

// StreamCommentary attaches a listener to a workspace's commentator and
// streams generated commentary as SSE until the client disconnects.
// GET /api/v1/commentary/stream
func (h *Handler) StreamCommentary(c *gin.Context) {
	workspacePath := c.Query("workspace_path")
	if workspacePath == "" {
		appErr := apierrors.BadRequest("workspace_path is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	workspaceID, err := h.commentary.Subscribe(c.Request.Context(), workspacePath, commentary.Options{
		Personality: c.Query("personality"),
		Verbosity:   c.Query("verbosity"),
	})
	if err != nil {
		appErr := apierrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	defer h.commentary.Unsubscribe(workspaceID)

	frames := make(chan []byte, 16)
	sub, err := h.bus.Subscribe(events.BuildCommentarySubject(workspaceID), func(_ context.Context, event *bus.Event) error {
		frame := commentaryFrame(event)
		if frame == nil {
			return nil
		}
		select {
		case frames <- frame:
		default:
		}
		return nil
	})
	if err != nil {
		appErr := apierrors.InternalError("failed to subscribe", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	sseHeaders(c)
	ping := time.NewTicker(constants.PingInterval)
	defer ping.Stop()
	for {
		select {
		case frame := <-frames:
			if !writeFrame(c, frame) {
				return
			}
		case <-ping.C:
			if !writeFrame(c, pingFrame) {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// commentaryFrame renders a commentary bus event as a normalized stream
// event, the same frame shape clients read on every other stream.
func commentaryFrame(event *bus.Event) []byte {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return nil
	}
	text, _ := data["text"].(string)
	if text == "" {
		return nil
	}
	personality, _ := data["personality"].(string)
	ev := &session.NormalizedEvent{
		Type:    session.EventCommentary,
		Message: text,
		Kind:    personality,
		Payload: map[string]any{
			"workspace_id":    data["workspace_id"],
			"conversation_id": data["conversation_id"],
		},
	}
	return ev.Encode()
}

// CommentaryHistory returns persisted commentary for a workspace.
// GET /api/v1/commentary/history
func (h *Handler) CommentaryHistory(c *gin.Context) {
	workspacePath := c.Query("workspace_path")
	ws, err := h.store.GetWorkspaceByPath(c.Request.Context(), workspacePath)
	if err != nil {
		appErr := apierrors.NotFound("workspace", workspacePath)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	entries, err := h.store.ListCommentary(c.Request.Context(), ws.ID, 50)
	if err != nil {
		appErr := apierrors.InternalError("failed to list commentary", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commentary": entries})
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func sessionError(sessionID string, err error) *apierrors.AppError {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return apierrors.NotFound("session", sessionID)
	case errors.Is(err, session.ErrSessionTerminated):
		return apierrors.Conflict("session is terminated")
	case errors.Is(err, session.ErrSessionBusy):
		return apierrors.Conflict("session already has a turn in flight")
	default:
		return apierrors.InternalError("failed to start turn", err)
	}
}

func validVerdict(v string) bool {
	return v == "allow" || v == "deny" || v == "ask"
}

func validScope(s string) bool {
	return s == store.ScopeGlobal || s == store.ScopeWorkspace || s == store.ScopeSession
}
