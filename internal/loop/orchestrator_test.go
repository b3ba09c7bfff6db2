package loop

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/store"
)

// successAgent emits a minimal clean turn.
const successAgent = `
echo '{"type":"system","session_id":"S1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}'
echo '{"type":"result","usage":{"input_tokens":10,"output_tokens":5},"stop_reason":"end_turn"}'
`

// slowAgent hangs after the handshake so cancellation can race it.
const slowAgent = `
echo '{"type":"system","session_id":"S1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
sleep 30
`

func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script agent fixtures require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type loopFixture struct {
	orch  *Orchestrator
	store *store.Store
	bus   bus.EventBus
}

func newLoopFixture(t *testing.T, agentScript string) *loopFixture {
	t.Helper()
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	st, err := store.New(conn)
	require.NoError(t, err)

	agentCfg := config.AgentConfig{
		Binary:                agentScript,
		UsePTY:                "never",
		GracePeriodSeconds:    1,
		ContentTimeoutSeconds: 30,
	}
	manager := session.NewManager(agentCfg, config.PermissionsConfig{Mode: "unrestricted"}, st, nil, bus.NewMemoryEventBus(nil), nil)
	t.Cleanup(manager.Shutdown)

	eventBus := bus.NewMemoryEventBus(nil)
	orch := New(config.LoopConfig{MaxIterations: 10}, st, manager, eventBus, nil)
	return &loopFixture{orch: orch, store: st, bus: eventBus}
}

func seedStory(t *testing.T, st *store.Store, s *store.UserStory) *store.UserStory {
	t.Helper()
	require.NoError(t, st.CreateStory(context.Background(), s))
	return s
}

func waitForLoopStatus(t *testing.T, st *store.Store, loopID, status string) *store.Loop {
	t.Helper()
	var got *store.Loop
	require.Eventually(t, func() bool {
		l, err := st.GetLoop(context.Background(), loopID)
		if err != nil {
			return false
		}
		got = l
		return l.Status == status
	}, 30*time.Second, 50*time.Millisecond, "loop did not reach status %s", status)
	return got
}

func TestLoopCompletesStoriesInDependencyOrder(t *testing.T) {
	f := newLoopFixture(t, writeAgentScript(t, successAgent))
	ctx := context.Background()
	workspace := t.TempDir()

	s1 := seedStory(t, f.store, &store.UserStory{
		PRDID: "prd-1", WorkspacePath: workspace,
		Title: "S1", Priority: store.PriorityHigh, SortOrder: 0,
	})
	s2 := seedStory(t, f.store, &store.UserStory{
		PRDID: "prd-1", WorkspacePath: workspace,
		Title: "S2", Priority: store.PriorityMedium, SortOrder: 1,
		DependsOn: []string{s1.ID},
	})

	l, err := f.orch.Start(ctx, workspace, "prd-1", store.LoopConfig{
		MaxIterations: 5,
		QualityChecks: []store.QualityCheck{{Name: "ok", Command: "true", Required: true}},
	})
	require.NoError(t, err)

	final := waitForLoopStatus(t, f.store, l.ID, store.LoopCompleted)
	assert.Equal(t, 2, final.TotalStoriesCompleted)
	assert.Zero(t, final.TotalStoriesFailed)
	require.Len(t, final.IterationLog, 2)
	assert.Equal(t, s1.ID, final.IterationLog[0].StoryID, "high priority story runs first")
	assert.Equal(t, s2.ID, final.IterationLog[1].StoryID)

	for _, id := range []string{s1.ID, s2.ID} {
		story, err := f.store.GetStory(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StoryCompleted, story.Status)
	}
}

func TestLoopFailureAppendsLearningAndExhaustsAttempts(t *testing.T) {
	f := newLoopFixture(t, writeAgentScript(t, successAgent))
	ctx := context.Background()
	workspace := t.TempDir()

	s := seedStory(t, f.store, &store.UserStory{
		PRDID: "prd-2", WorkspacePath: workspace,
		Title: "S", Priority: store.PriorityHigh, MaxAttempts: 2,
	})

	l, err := f.orch.Start(ctx, workspace, "prd-2", store.LoopConfig{
		MaxIterations: 5,
		QualityChecks: []store.QualityCheck{{Name: "lint", Command: "false", Required: true}},
	})
	require.NoError(t, err)

	final := waitForLoopStatus(t, f.store, l.ID, store.LoopFailed)
	assert.Equal(t, 1, final.TotalStoriesFailed, "counts stories, not failed iterations")
	assert.Zero(t, final.TotalStoriesCompleted)

	story, err := f.store.GetStory(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StoryFailed, story.Status)
	assert.Equal(t, 2, story.Attempts)
	require.Len(t, story.Learnings, 2)
	assert.Contains(t, story.Learnings[0], "lint")

	// Learnings are mirrored into project memory.
	memory, err := f.store.ListMemory(ctx, workspace)
	require.NoError(t, err)
	require.Len(t, memory, 2)
	assert.Equal(t, "learning", memory[0].Category)
	assert.Equal(t, s.ID, memory[0].StoryID)
}

func TestLoopPublishesStoryAndNoteEvents(t *testing.T) {
	f := newLoopFixture(t, writeAgentScript(t, successAgent))
	ctx := context.Background()
	workspace := t.TempDir()

	seedStory(t, f.store, &store.UserStory{
		PRDID: "prd-7", WorkspacePath: workspace,
		Title: "Wire the parser", Priority: store.PriorityHigh, MaxAttempts: 1,
	})

	storyEvents := make(chan *bus.Event, 16)
	noteEvents := make(chan *bus.Event, 16)
	_, err := f.bus.Subscribe(events.BuildStoryUpdatedWildcardSubject(), func(_ context.Context, ev *bus.Event) error {
		storyEvents <- ev
		return nil
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe(events.BuildAgentNoteWildcardSubject(), func(_ context.Context, ev *bus.Event) error {
		noteEvents <- ev
		return nil
	})
	require.NoError(t, err)

	l, err := f.orch.Start(ctx, workspace, "prd-7", store.LoopConfig{
		MaxIterations: 3,
		QualityChecks: []store.QualityCheck{{Name: "lint", Command: "false", Required: true}},
	})
	require.NoError(t, err)
	waitForLoopStatus(t, f.store, l.ID, store.LoopFailed)

	var kinds []string
	var last map[string]interface{}
	for len(storyEvents) > 0 {
		data, ok := (<-storyEvents).Data.(map[string]interface{})
		require.True(t, ok)
		kinds = append(kinds, data["kind"].(string))
		last = data
	}
	assert.Contains(t, kinds, "story_started")
	assert.Contains(t, kinds, "story_failed")
	// Routable without a store lookup
	assert.Equal(t, workspace, last["workspace_path"])
	assert.Equal(t, "Wire the parser", last["title"])

	require.NotEmpty(t, noteEvents)
	note, ok := (<-noteEvents).Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, workspace, note["workspace_path"])
	assert.Contains(t, note["note"], "Attempt 1 failed")
}

func TestLoopOptionalCheckFailureStillPasses(t *testing.T) {
	f := newLoopFixture(t, writeAgentScript(t, successAgent))
	ctx := context.Background()
	workspace := t.TempDir()

	s := seedStory(t, f.store, &store.UserStory{
		PRDID: "prd-3", WorkspacePath: workspace, Title: "S", Priority: store.PriorityHigh,
	})

	l, err := f.orch.Start(ctx, workspace, "prd-3", store.LoopConfig{
		MaxIterations: 5,
		QualityChecks: []store.QualityCheck{{Name: "advisory", Command: "false", Required: false}},
	})
	require.NoError(t, err)

	waitForLoopStatus(t, f.store, l.ID, store.LoopCompleted)
	story, err := f.store.GetStory(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StoryCompleted, story.Status)
}

func TestPauseGateBlocksIterations(t *testing.T) {
	f := newLoopFixture(t, writeAgentScript(t, successAgent))
	ctx := context.Background()
	workspace := t.TempDir()

	s := seedStory(t, f.store, &store.UserStory{
		PRDID: "prd-4", WorkspacePath: workspace, Title: "S", Priority: store.PriorityHigh,
	})

	l := &store.Loop{WorkspacePath: workspace, PRDID: "prd-4", Config: store.LoopConfig{MaxIterations: 5}}
	require.NoError(t, f.store.CreateLoop(ctx, l))
	r := newRunner(f.orch, l)
	f.orch.mu.Lock()
	f.orch.runners[l.ID] = r
	f.orch.mu.Unlock()

	r.pause()
	go r.run(context.Background())

	// While paused, no iteration starts: the story stays pending.
	time.Sleep(300 * time.Millisecond)
	story, err := f.store.GetStory(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StoryPending, story.Status)
	assert.Zero(t, story.Attempts)

	r.resume()
	waitForLoopStatus(t, f.store, l.ID, store.LoopCompleted)
}

func TestCancelInterruptsInFlightIteration(t *testing.T) {
	f := newLoopFixture(t, writeAgentScript(t, slowAgent))
	ctx := context.Background()
	workspace := t.TempDir()

	s := seedStory(t, f.store, &store.UserStory{
		PRDID: "prd-5", WorkspacePath: workspace, Title: "S", Priority: store.PriorityHigh,
	})

	l, err := f.orch.Start(ctx, workspace, "prd-5", store.LoopConfig{MaxIterations: 5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		story, err := f.store.GetStory(ctx, s.ID)
		return err == nil && story.Status == store.StoryInProgress
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, f.orch.Cancel(l.ID))
	waitForLoopStatus(t, f.store, l.ID, store.LoopCancelled)
	assert.False(t, f.orch.Active(l.ID))
}

func TestRecoverFailsOrphanedLoopsAndResetsStories(t *testing.T) {
	f := newLoopFixture(t, writeAgentScript(t, successAgent))
	ctx := context.Background()

	l := &store.Loop{WorkspacePath: t.TempDir(), PRDID: "prd-6", Status: store.LoopRunning}
	require.NoError(t, f.store.CreateLoop(ctx, l))
	s := seedStory(t, f.store, &store.UserStory{
		PRDID: "prd-6", WorkspacePath: l.WorkspacePath, Title: "S", Status: store.StoryInProgress,
	})

	require.NoError(t, f.orch.Recover(ctx))

	got, err := f.store.GetLoop(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, store.LoopFailed, got.Status)

	story, err := f.store.GetStory(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StoryPending, story.Status, "orphaned story is retriable again")
}

func TestPauseResumeUnknownLoop(t *testing.T) {
	f := newLoopFixture(t, writeAgentScript(t, successAgent))
	assert.ErrorIs(t, f.orch.Pause(context.Background(), "missing"), ErrLoopNotActive)
	assert.ErrorIs(t, f.orch.Resume(context.Background(), "missing"), ErrLoopNotActive)
	assert.ErrorIs(t, f.orch.Cancel("missing"), ErrLoopNotActive)
}
