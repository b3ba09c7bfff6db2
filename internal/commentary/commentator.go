package commentary

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/constants"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/store"
)

// commentator narrates one workspace's agent activity. Events accumulate
// in a batch; the batch flushes when the verbosity window's minimum has
// elapsed with no newer event, or when the maximum is hit. At most one
// LLM call is in flight per commentator; batches flushed meanwhile are
// dropped.
type commentator struct {
	workspaceID   string
	workspacePath string
	personality   string
	verbosity     string
	persist       bool

	model  llm.OneShot
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.Mutex
	refs     int
	stopped  bool
	batch    []*session.NormalizedEvent
	firstAt  time.Time
	lastAt   time.Time
	timer    *time.Timer
	inFlight bool

	// lastConversation attributes generated commentary to the most
	// recently observed conversation.
	lastConversation string
}

func (c *commentator) windows() (min, max time.Duration) {
	w, ok := batchWindows[c.verbosity]
	if !ok {
		w = batchWindows[VerbosityStrategic]
	}
	return time.Duration(w.min) * time.Second, time.Duration(w.max) * time.Second
}

// observe filters and buffers one event.
func (c *commentator) observe(ev *session.NormalizedEvent, conversationID string) {
	if !wantsEvent(c.verbosity, ev) {
		return
	}
	min, _ := c.windows()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if conversationID != "" {
		c.lastConversation = conversationID
	}

	now := time.Now()
	if len(c.batch) == 0 {
		c.firstAt = now
	}
	c.batch = append(c.batch, ev)
	c.lastAt = now

	if c.timer == nil {
		c.timer = time.AfterFunc(min, c.maybeFlush)
	}
}

// maybeFlush flushes when the quiet period or the hard deadline has been
// reached, otherwise reschedules itself for the earlier of the two.
func (c *commentator) maybeFlush() {
	min, max := c.windows()

	c.mu.Lock()
	if c.stopped || len(c.batch) == 0 {
		c.timer = nil
		c.mu.Unlock()
		return
	}

	now := time.Now()
	quiet := now.Sub(c.lastAt) >= min
	deadline := now.Sub(c.firstAt) >= max
	if !quiet && !deadline {
		wait := min - now.Sub(c.lastAt)
		if until := max - now.Sub(c.firstAt); until < wait {
			wait = until
		}
		c.timer = time.AfterFunc(wait, c.maybeFlush)
		c.mu.Unlock()
		return
	}

	batch := c.batch
	conversationID := c.lastConversation
	c.batch = nil
	c.timer = nil

	if c.inFlight {
		c.mu.Unlock()
		c.logger.Debug("commentary batch dropped, generation in flight",
			zap.String("workspace_id", c.workspaceID), zap.Int("events", len(batch)))
		return
	}
	c.inFlight = true
	c.mu.Unlock()

	go c.generate(batch, conversationID)
}

// generate runs the one-shot call and publishes the result. Every failure
// is swallowed; commentary must never perturb the primary stream.
func (c *commentator) generate(batch []*session.NormalizedEvent, conversationID string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("commentary generation panicked", zap.Any("panic", r))
		}
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	log := distill(batch)
	if log == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.CommentaryTimeout)
	defer cancel()

	text, err := c.model.Complete(ctx, llm.Request{
		System: promptFor(c.personality, c.verbosity),
		Prompt: "Recent activity:\n" + log,
	})
	if err != nil || text == "" {
		if err != nil {
			c.logger.WithError(err).Error("commentary generation failed")
		}
		return
	}

	c.emit(ctx, text, conversationID)
}

func (c *commentator) emit(ctx context.Context, text, conversationID string) {
	if c.bus != nil {
		event := bus.NewEvent(events.CommentaryGenerated, "commentary", map[string]interface{}{
			"workspace_id":    c.workspaceID,
			"conversation_id": conversationID,
			"text":            text,
			"personality":     c.personality,
		})
		if err := c.bus.Publish(ctx, events.BuildCommentarySubject(c.workspaceID), event); err != nil {
			c.logger.WithError(err).Error("failed to publish commentary")
		}
	}

	if c.persist && c.store != nil {
		entry := &store.CommentaryEntry{
			WorkspaceID:    c.workspaceID,
			ConversationID: conversationID,
			Text:           text,
			Personality:    c.personality,
		}
		if err := c.store.AppendCommentary(ctx, entry); err != nil {
			c.logger.WithError(err).Error("failed to persist commentary")
		}
	}
}

func (c *commentator) stop() {
	c.mu.Lock()
	c.stopped = true
	c.batch = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}
