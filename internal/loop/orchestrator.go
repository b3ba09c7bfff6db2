// Package loop runs autonomous story loops: pick an eligible story, drive
// an agent session to completion, run quality checks, record the outcome,
// and repeat until the work is done or the iteration budget runs out.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/store"
)

// ErrLoopNotActive is returned for pause/resume/cancel on a loop that has
// no live runner in this process.
var ErrLoopNotActive = errors.New("loop is not active")

// SessionRunner is the slice of the session manager the loop needs.
type SessionRunner interface {
	CreateSession(ctx context.Context, conversationID string, opts session.SessionOptions) (string, error)
	SendMessage(ctx context.Context, sessionID, content string) (*session.Stream, error)
	CancelGeneration(sessionID string) bool
	TerminateSession(sessionID string) error
}

// Orchestrator owns the live runners, one per running loop.
type Orchestrator struct {
	cfg      config.LoopConfig
	store    *store.Store
	sessions SessionRunner
	bus      bus.EventBus
	logger   *logger.Logger

	mu      sync.Mutex
	runners map[string]*runner
}

// New builds an orchestrator.
func New(cfg config.LoopConfig, st *store.Store, sessions SessionRunner, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		bus:      eventBus,
		logger:   log,
		runners:  make(map[string]*runner),
	}
}

// Recover marks loops orphaned by a previous process as failed and resets
// their in-progress stories so they are retriable. Called once at startup,
// before any loop starts.
func (o *Orchestrator) Recover(ctx context.Context) error {
	orphans, err := o.store.ListLoopsByStatus(ctx, store.LoopRunning, store.LoopPaused)
	if err != nil {
		return fmt.Errorf("failed to list orphaned loops: %w", err)
	}

	for _, l := range orphans {
		if err := o.store.UpdateLoopStatus(ctx, l.ID, store.LoopFailed); err != nil {
			o.logger.WithLoopID(l.ID).WithError(err).Error("failed to fail orphaned loop")
			continue
		}
		reset, err := o.store.ResetInProgressStories(ctx, l.PRDID)
		if err != nil {
			o.logger.WithLoopID(l.ID).WithError(err).Error("failed to reset in-progress stories")
			continue
		}
		o.logger.WithLoopID(l.ID).Info("recovered orphaned loop",
			zap.String("previous_status", l.Status),
			zap.Int64("stories_reset", reset))
	}
	return nil
}

// Start persists a new loop and begins running it.
func (o *Orchestrator) Start(ctx context.Context, workspacePath, prdID string, cfg store.LoopConfig) (*store.Loop, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = o.cfg.MaxIterations
	}

	l := &store.Loop{
		WorkspacePath: workspacePath,
		PRDID:         prdID,
		Status:        store.LoopRunning,
		Config:        cfg,
	}
	if err := o.store.CreateLoop(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to create loop: %w", err)
	}

	r := newRunner(o, l)
	o.mu.Lock()
	o.runners[l.ID] = r
	o.mu.Unlock()

	o.publishLoop(ctx, l.ID, events.LoopStarted)
	o.logger.WithLoopID(l.ID).Info("loop started",
		zap.String("workspace_path", workspacePath),
		zap.String("prd_id", prdID),
		zap.Int("max_iterations", cfg.MaxIterations))

	go r.run(context.Background())
	return l, nil
}

// Pause suspends the loop before its next iteration.
func (o *Orchestrator) Pause(ctx context.Context, loopID string) error {
	r := o.getRunner(loopID)
	if r == nil {
		return ErrLoopNotActive
	}
	r.pause()
	o.markPaused(ctx, loopID)
	return nil
}

// Resume releases a paused loop.
func (o *Orchestrator) Resume(ctx context.Context, loopID string) error {
	r := o.getRunner(loopID)
	if r == nil {
		return ErrLoopNotActive
	}
	r.resume()
	if err := o.store.UpdateLoopStatus(ctx, loopID, store.LoopRunning); err != nil {
		return err
	}
	o.publishLoop(ctx, loopID, events.LoopResumed)
	return nil
}

// Cancel stops the loop, interrupting any in-flight agent stream. The
// runner settles the terminal status on its way out.
func (o *Orchestrator) Cancel(loopID string) error {
	r := o.getRunner(loopID)
	if r == nil {
		return ErrLoopNotActive
	}
	r.cancel()
	return nil
}

// Get returns the persisted loop state.
func (o *Orchestrator) Get(ctx context.Context, loopID string) (*store.Loop, error) {
	return o.store.GetLoop(ctx, loopID)
}

// Active reports whether a loop has a live runner in this process.
func (o *Orchestrator) Active(loopID string) bool {
	return o.getRunner(loopID) != nil
}

func (o *Orchestrator) getRunner(loopID string) *runner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runners[loopID]
}

func (o *Orchestrator) removeRunner(loopID string) {
	o.mu.Lock()
	delete(o.runners, loopID)
	o.mu.Unlock()
}

func (o *Orchestrator) markPaused(ctx context.Context, loopID string) {
	if err := o.store.UpdateLoopStatus(ctx, loopID, store.LoopPaused); err != nil {
		o.logger.WithLoopID(loopID).WithError(err).Error("failed to mark loop paused")
	}
	o.publishLoop(ctx, loopID, events.LoopPaused)
}

func (o *Orchestrator) publishLoop(ctx context.Context, loopID, eventType string) {
	if o.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "loop", map[string]interface{}{"loop_id": loopID})
	if err := o.bus.Publish(ctx, events.BuildLoopSubject(loopID), event); err != nil {
		o.logger.WithLoopID(loopID).WithError(err).Warn("failed to publish loop event")
	}
}

func (o *Orchestrator) publishStory(ctx context.Context, l *store.Loop, story *store.UserStory, kind string) {
	if o.bus == nil {
		return
	}
	event := bus.NewEvent(events.StoryUpdated, "loop", map[string]interface{}{
		"loop_id":        l.ID,
		"story_id":       story.ID,
		"title":          story.Title,
		"workspace_path": l.WorkspacePath,
		"kind":           kind,
	})
	if err := o.bus.Publish(ctx, events.BuildStoryUpdatedSubject(l.PRDID), event); err != nil {
		o.logger.WithLoopID(l.ID).WithError(err).Warn("failed to publish story event")
	}
}

// publishNote announces a learning appended to a story, so observers of the
// workspace (the commentary bridge among them) see what the loop recorded.
func (o *Orchestrator) publishNote(ctx context.Context, l *store.Loop, story *store.UserStory, note string) {
	if o.bus == nil {
		return
	}
	event := bus.NewEvent(events.AgentNoteCreated, "loop", map[string]interface{}{
		"loop_id":        l.ID,
		"story_id":       story.ID,
		"workspace_path": l.WorkspacePath,
		"note":           note,
	})
	if err := o.bus.Publish(ctx, events.BuildAgentNoteSubject(l.PRDID), event); err != nil {
		o.logger.WithLoopID(l.ID).WithError(err).Warn("failed to publish agent note event")
	}
}

// loopEventFor maps a terminal loop status to its event type.
func loopEventFor(status string) string {
	switch status {
	case store.LoopCompleted:
		return events.LoopCompleted
	case store.LoopCancelled:
		return events.LoopCancelled
	default:
		return events.LoopFailed
	}
}
