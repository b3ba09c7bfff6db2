// Package commentary fans a filtered view of the agent event stream out to
// per-workspace LLM commentators. The bridge is strictly best-effort: it
// observes the bus, batches by verbosity window, and swallows every error
// so the primary stream is never perturbed.
package commentary

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/store"
)

// ErrDisabled is returned by Subscribe when commentary is turned off.
var ErrDisabled = errors.New("commentary is disabled")

// Options configure a commentator subscription. Zero values fall back to
// the configured defaults.
type Options struct {
	Personality string
	Verbosity   string
}

// Bridge owns at most one commentator per workspace, reference-counted so
// the commentator outlives any individual listener and is torn down when
// the last one leaves.
type Bridge struct {
	cfg    config.CommentaryConfig
	model  llm.OneShot
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	subs []bus.Subscription

	mu           sync.Mutex
	commentators map[string]*commentator

	// resolution caches, invalidated on unsubscribe
	pathToWorkspace map[string]string
	convToWorkspace map[string]string
}

// NewBridge builds the bridge and attaches it to the agent stream plus the
// loop's story, lifecycle, and agent note subjects.
func NewBridge(cfg config.CommentaryConfig, model llm.OneShot, st *store.Store, eventBus bus.EventBus, log *logger.Logger) (*Bridge, error) {
	if log == nil {
		log = logger.Default()
	}
	b := &Bridge{
		cfg:             cfg,
		model:           model,
		store:           st,
		bus:             eventBus,
		logger:          log,
		commentators:    make(map[string]*commentator),
		pathToWorkspace: make(map[string]string),
		convToWorkspace: make(map[string]string),
	}

	sources := []struct {
		subject string
		handler bus.EventHandler
	}{
		{events.BuildAgentStreamWildcardSubject(), b.onStreamEvent},
		{events.BuildStoryUpdatedWildcardSubject(), b.onStoryEvent},
		{events.BuildLoopWildcardSubject(), b.onLoopEvent},
		{events.BuildAgentNoteWildcardSubject(), b.onNoteEvent},
	}
	for _, src := range sources {
		sub, err := eventBus.Subscribe(src.subject, src.handler)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.subs = append(b.subs, sub)
	}
	return b, nil
}

// Subscribe attaches a listener to the workspace's commentator, creating
// it on first use, and returns the workspace id commentary is emitted
// under.
func (b *Bridge) Subscribe(ctx context.Context, workspacePath string, opts Options) (string, error) {
	if !b.cfg.Enabled {
		return "", ErrDisabled
	}

	ws, err := b.store.EnsureWorkspace(ctx, workspacePath, filepath.Base(workspacePath))
	if err != nil {
		return "", err
	}

	personality := opts.Personality
	if personality == "" {
		personality = b.cfg.DefaultPersonality
	}
	if !ValidPersonality(personality) {
		personality = DefaultPersonality
	}
	verbosity := opts.Verbosity
	if _, ok := batchWindows[verbosity]; !ok {
		verbosity = b.cfg.DefaultVerbosity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.commentators[ws.ID]; ok {
		c.mu.Lock()
		c.refs++
		c.mu.Unlock()
		return ws.ID, nil
	}

	c := &commentator{
		workspaceID:   ws.ID,
		workspacePath: ws.Path,
		personality:   personality,
		verbosity:     verbosity,
		persist:       b.cfg.PersistHistory,
		model:         b.model,
		store:         b.store,
		bus:           b.bus,
		logger:        b.logger,
		refs:          1,
	}
	b.commentators[ws.ID] = c
	b.pathToWorkspace[ws.Path] = ws.ID
	b.logger.Info("commentator started",
		zap.String("workspace_id", ws.ID),
		zap.String("personality", personality),
		zap.String("verbosity", verbosity))
	return ws.ID, nil
}

// Unsubscribe releases one listener. The commentator stops when the last
// listener leaves.
func (b *Bridge) Unsubscribe(workspaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.commentators[workspaceID]
	if !ok {
		return
	}
	c.mu.Lock()
	c.refs--
	remaining := c.refs
	c.mu.Unlock()
	if remaining > 0 {
		return
	}
	b.removeLocked(workspaceID, c)
}

// ForceStop tears a commentator down regardless of its listener count.
func (b *Bridge) ForceStop(workspaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.commentators[workspaceID]; ok {
		b.removeLocked(workspaceID, c)
	}
}

func (b *Bridge) removeLocked(workspaceID string, c *commentator) {
	c.stop()
	delete(b.commentators, workspaceID)
	delete(b.pathToWorkspace, c.workspacePath)
	for conv, ws := range b.convToWorkspace {
		if ws == workspaceID {
			delete(b.convToWorkspace, conv)
		}
	}
	b.logger.Info("commentator stopped", zap.String("workspace_id", workspaceID))
}

// Close stops every commentator and detaches from the bus.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.commentators {
		c.stop()
		delete(b.commentators, id)
	}
}

// onStreamEvent routes one agent stream event to its workspace's
// commentator, if any. All resolution failures discard the event.
func (b *Bridge) onStreamEvent(ctx context.Context, event *bus.Event) error {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("commentary bridge panicked", zap.Any("panic", r))
		}
	}()

	se, ok := event.Data.(*session.StreamEvent)
	if !ok || se.Event == nil {
		return nil
	}

	c := b.resolve(ctx, se)
	if c == nil {
		return nil
	}
	c.observe(se.Event, se.ConversationID)
	return nil
}

// onStoryEvent turns a loop's story transition into a story_update event
// for the story's workspace.
func (b *Bridge) onStoryEvent(ctx context.Context, event *bus.Event) error {
	data := eventData(event)
	c := b.commentatorForPath(dataString(data, "workspace_path"))
	if c == nil {
		return nil
	}
	title := dataString(data, "title")
	if title == "" {
		title = dataString(data, "story_id")
	}
	kind := dataString(data, "kind")
	c.observe(&session.NormalizedEvent{
		Type:    session.EventStoryUpdate,
		Kind:    kind,
		Message: strings.TrimSpace(title + " " + strings.TrimPrefix(kind, "story_")),
	}, "")
	return nil
}

// onNoteEvent forwards a learning the loop recorded against a story.
func (b *Bridge) onNoteEvent(ctx context.Context, event *bus.Event) error {
	data := eventData(event)
	c := b.commentatorForPath(dataString(data, "workspace_path"))
	if c == nil {
		return nil
	}
	note := dataString(data, "note")
	if note == "" {
		return nil
	}
	c.observe(&session.NormalizedEvent{
		Type:    session.EventAgentNoteCreated,
		Message: note,
	}, "")
	return nil
}

// onLoopEvent forwards loop lifecycle transitions. These carry only the
// loop id, so the workspace is resolved through the store.
func (b *Bridge) onLoopEvent(ctx context.Context, event *bus.Event) error {
	b.mu.Lock()
	idle := len(b.commentators) == 0
	b.mu.Unlock()
	if idle {
		return nil
	}

	loopID := dataString(eventData(event), "loop_id")
	if loopID == "" {
		return nil
	}
	l, err := b.store.GetLoop(ctx, loopID)
	if err != nil {
		return nil
	}
	c := b.commentatorForPath(l.WorkspacePath)
	if c == nil {
		return nil
	}
	c.observe(&session.NormalizedEvent{
		Type:    session.EventLoopEvent,
		Kind:    event.Type,
		Message: strings.ReplaceAll(strings.TrimPrefix(event.Type, "loop."), "_", " "),
	}, "")
	return nil
}

func (b *Bridge) commentatorForPath(path string) *commentator {
	if path == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commentators[b.pathToWorkspace[path]]
}

func eventData(event *bus.Event) map[string]interface{} {
	data, _ := event.Data.(map[string]interface{})
	return data
}

func dataString(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

// resolve maps a stream event to a subscribed commentator through the
// path and conversation caches.
func (b *Bridge) resolve(ctx context.Context, se *session.StreamEvent) *commentator {
	b.mu.Lock()
	workspaceID, ok := b.pathToWorkspace[se.WorkspacePath]
	if !ok && se.ConversationID != "" {
		workspaceID, ok = b.convToWorkspace[se.ConversationID]
	}
	if ok {
		c := b.commentators[workspaceID]
		b.mu.Unlock()
		return c
	}
	b.mu.Unlock()

	if se.ConversationID == "" {
		return nil
	}
	conv, err := b.store.GetConversation(ctx, se.ConversationID)
	if err != nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	workspaceID, ok = b.pathToWorkspace[conv.WorkspacePath]
	if !ok {
		return nil
	}
	b.convToWorkspace[se.ConversationID] = workspaceID
	return b.commentators[workspaceID]
}
