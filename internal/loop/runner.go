package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/constants"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/store"
)

// runner drives one loop's iterations. It awaits the pause gate at the
// top of each iteration; cancellation releases the gate, sets a flag that
// stops the loop between iterations, and interrupts any in-flight stream.
type runner struct {
	orch *Orchestrator
	loop *store.Loop

	mu        sync.Mutex
	gate      chan struct{}
	cancelCh  chan struct{}
	cancelled bool
	sessionID string
}

func newRunner(orch *Orchestrator, loop *store.Loop) *runner {
	gate := make(chan struct{})
	close(gate) // open
	return &runner{
		orch:     orch,
		loop:     loop,
		gate:     gate,
		cancelCh: make(chan struct{}),
	}
}

// pause installs a fresh closed gate; the runner blocks on it before the
// next iteration.
func (r *runner) pause() {
	r.mu.Lock()
	select {
	case <-r.gate:
		r.gate = make(chan struct{})
	default:
	}
	r.mu.Unlock()
}

// resume releases the gate.
func (r *runner) resume() {
	r.mu.Lock()
	select {
	case <-r.gate:
	default:
		close(r.gate)
	}
	r.mu.Unlock()
}

// cancel releases the gate, flags termination, and interrupts the
// in-flight agent stream if one exists.
func (r *runner) cancel() {
	r.mu.Lock()
	r.cancelled = true
	select {
	case <-r.cancelCh:
	default:
		close(r.cancelCh)
	}
	select {
	case <-r.gate:
	default:
		close(r.gate)
	}
	sessionID := r.sessionID
	r.mu.Unlock()

	if sessionID != "" {
		r.orch.sessions.CancelGeneration(sessionID)
	}
}

func (r *runner) awaitGate() {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	<-gate
}

func (r *runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// run is the loop's main task.
func (r *runner) run(ctx context.Context) {
	defer r.orch.removeRunner(r.loop.ID)
	log := r.orch.logger.WithLoopID(r.loop.ID)

	maxIterations := r.loop.Config.MaxIterations
	for iter := r.loop.CurrentIteration + 1; ; iter++ {
		r.awaitGate()
		if r.isCancelled() {
			r.finish(ctx, store.LoopCancelled)
			return
		}
		if maxIterations > 0 && iter > maxIterations {
			log.Warn("iteration budget exhausted", zap.Int("max_iterations", maxIterations))
			r.finish(ctx, store.LoopFailed)
			return
		}

		stories, err := r.orch.store.ListStories(ctx, r.loop.PRDID)
		if err != nil {
			log.WithError(err).Error("failed to list stories")
			r.finish(ctx, store.LoopFailed)
			return
		}

		story, state := selectNext(stories)
		switch state {
		case selectionComplete:
			r.finish(ctx, store.LoopCompleted)
			return
		case selectionStuck:
			log.Warn("no eligible story remains but work is incomplete")
			r.finish(ctx, store.LoopFailed)
			return
		}

		r.runIteration(ctx, iter, story, stories, log)
		if r.isCancelled() {
			r.finish(ctx, store.LoopCancelled)
			return
		}
	}
}

// runIteration executes the per-story state machine.
func (r *runner) runIteration(ctx context.Context, iter int, story *store.UserStory, all []*store.UserStory, log *logger.Logger) {
	st := r.orch.store

	if err := st.UpdateStoryStatus(ctx, story.ID, store.StoryInProgress); err != nil {
		log.WithError(err).Error("failed to mark story in progress", zap.String("story_id", story.ID))
		return
	}
	attempts, err := st.IncrementStoryAttempts(ctx, story.ID)
	if err != nil {
		log.WithError(err).Error("failed to bump story attempts", zap.String("story_id", story.ID))
		return
	}

	if r.loop.Config.AutoSnapshot {
		gitSnapshot(ctx, r.loop.WorkspacePath, story, r.orch.logger)
	}

	memory, err := st.ListMemory(ctx, r.loop.WorkspacePath)
	if err != nil {
		log.WithError(err).Warn("failed to load project memory")
	}
	var completed []*store.UserStory
	for _, s := range all {
		if s.Status == store.StoryCompleted {
			completed = append(completed, s)
		}
	}
	prompt := buildPrompt(r.loop.Config, story, attempts, memory, completed)

	conv := &store.Conversation{WorkspacePath: r.loop.WorkspacePath}
	if err := st.CreateConversation(ctx, conv); err != nil {
		log.WithError(err).Error("failed to create loop conversation")
		r.recordFailure(ctx, iter, story, attempts, "conversation setup failed", log)
		return
	}
	r.orch.publishStory(ctx, r.loop, story, "story_started")

	agentOK, detail := r.streamStory(ctx, conv.ID, prompt, log)

	results := runQualityChecks(ctx, r.loop.WorkspacePath, r.loop.Config.QualityChecks)
	failures := requiredFailures(results)

	if agentOK && len(failures) == 0 {
		if err := st.UpdateStoryStatus(ctx, story.ID, store.StoryCompleted); err != nil {
			log.WithError(err).Error("failed to complete story", zap.String("story_id", story.ID))
		}
		if r.loop.Config.AutoCommit {
			gitCommitStory(ctx, r.loop.WorkspacePath, story, r.orch.logger)
		}
		entry := store.IterationEntry{Iteration: iter, StoryID: story.ID, Outcome: "completed"}
		if err := st.RecordIteration(ctx, r.loop.ID, entry, true, false); err != nil {
			log.WithError(err).Error("failed to record iteration")
		}
		r.orch.publishStory(ctx, r.loop, story, "story_completed")
		return
	}

	reason := detail
	if len(failures) > 0 {
		reason = "required quality checks failed: " + strings.Join(failures, ", ")
	}
	r.recordFailure(ctx, iter, story, attempts, reason, log)
}

// recordFailure appends the learning, settles the story's next status, and
// records the iteration.
func (r *runner) recordFailure(ctx context.Context, iter int, story *store.UserStory, attempts int, reason string, log *logger.Logger) {
	st := r.orch.store

	learning := fmt.Sprintf("Attempt %d failed: %s", attempts, reason)
	if err := st.AppendStoryLearning(ctx, story.ID, learning); err != nil {
		log.WithError(err).Error("failed to append learning", zap.String("story_id", story.ID))
	}
	if err := st.AddMemory(ctx, &store.MemoryEntry{
		WorkspacePath: r.loop.WorkspacePath,
		Category:      "learning",
		Content:       learning,
		StoryID:       story.ID,
	}); err != nil {
		log.WithError(err).Error("failed to mirror learning into project memory")
	}
	r.orch.publishNote(ctx, r.loop, story, learning)

	next := store.StoryPending
	if attempts >= story.MaxAttempts {
		next = store.StoryFailed
	}
	if err := st.UpdateStoryStatus(ctx, story.ID, next); err != nil {
		log.WithError(err).Error("failed to update story status", zap.String("story_id", story.ID))
	}

	entry := store.IterationEntry{Iteration: iter, StoryID: story.ID, Outcome: "failed", Detail: reason}
	// The failed counter tracks stories that exhausted their attempts, not
	// individual failed iterations.
	if err := st.RecordIteration(ctx, r.loop.ID, entry, false, next == store.StoryFailed); err != nil {
		log.WithError(err).Error("failed to record iteration")
	}
	r.orch.publishStory(ctx, r.loop, story, "story_failed")

	if r.loop.Config.PauseOnFailure && !r.isCancelled() {
		r.pause()
		r.orch.markPaused(ctx, r.loop.ID)
	}
}

// streamStory runs one agent turn to completion under the per-turn
// timeout. Returns whether the agent finished cleanly and a failure detail
// otherwise.
func (r *runner) streamStory(ctx context.Context, conversationID, prompt string, log *logger.Logger) (bool, string) {
	opts := session.SessionOptions{Model: r.loop.Config.Model, Effort: r.loop.Config.Effort, WorkspacePath: r.loop.WorkspacePath}
	sessionID, err := r.orch.sessions.CreateSession(ctx, conversationID, opts)
	if err != nil {
		return false, "session creation failed: " + err.Error()
	}
	defer func() {
		r.mu.Lock()
		r.sessionID = ""
		r.mu.Unlock()
		_ = r.orch.sessions.TerminateSession(sessionID)
	}()

	r.mu.Lock()
	r.sessionID = sessionID
	cancelCh := r.cancelCh
	r.mu.Unlock()

	stream, err := r.orch.sessions.SendMessage(ctx, sessionID, prompt)
	if err != nil {
		return false, "agent spawn failed: " + err.Error()
	}
	defer stream.Close()

	timeout := time.NewTimer(constants.LoopTurnTimeout)
	defer timeout.Stop()

	agentOK := false
	detail := "agent stream ended without message_stop"
	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				return agentOK, detail
			}
			var ev session.NormalizedEvent
			if err := json.Unmarshal(frame, &ev); err != nil {
				continue
			}
			switch ev.Type {
			case session.EventError:
				agentOK = false
				detail = fmt.Sprintf("agent error (%s): %s", ev.Kind, ev.Message)
			case session.EventMessageStop:
				if ev.Reason == "" && detail == "agent stream ended without message_stop" {
					agentOK = true
					detail = ""
				} else if ev.Reason != "" {
					agentOK = false
					detail = "agent turn ended: " + ev.Reason
				}
			}

		case <-timeout.C:
			r.orch.sessions.CancelGeneration(sessionID)
			return false, "agent turn timed out"

		case <-cancelCh:
			r.orch.sessions.CancelGeneration(sessionID)
			return false, "loop cancelled"
		}
	}
}

// finish settles the loop's terminal status and publishes it.
func (r *runner) finish(ctx context.Context, status string) {
	if err := r.orch.store.UpdateLoopStatus(ctx, r.loop.ID, status); err != nil {
		r.orch.logger.WithLoopID(r.loop.ID).WithError(err).Error("failed to update loop status")
	}
	r.orch.publishLoop(ctx, r.loop.ID, loopEventFor(status))
}
