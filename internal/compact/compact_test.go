package compact

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/store"
)

func TestComputeThresholds(t *testing.T) {
	th := ComputeThresholds(200_000, 16_000, 0)
	assert.Equal(t, 16_000, th.OutputReserve)
	assert.Equal(t, 184_000, th.EffectiveWindow)
	assert.Equal(t, 171_000, th.AutoCompactThreshold)
	assert.Equal(t, 170_000, th.WarningThreshold)

	// Output reserve is capped
	th = ComputeThresholds(200_000, 64_000, 0)
	assert.Equal(t, 20_000, th.OutputReserve)
	assert.Equal(t, 180_000, th.EffectiveWindow)

	// Unknown limits fall back to defaults
	th = ComputeThresholds(0, 0, 0)
	assert.Equal(t, DefaultContextWindow, th.ContextWindow)
	assert.Equal(t, DefaultMaxOutputTokens, th.MaxOutputTokens)
}

func TestComputeThresholdsOverrideClamped(t *testing.T) {
	th := ComputeThresholds(200_000, 16_000, 50)
	assert.Equal(t, 92_000, th.AutoCompactThreshold)

	// 100% of the effective window would erase the safety margin
	th = ComputeThresholds(200_000, 16_000, 100)
	assert.Equal(t, 171_000, th.AutoCompactThreshold)
}

func TestUsagePercent(t *testing.T) {
	th := ComputeThresholds(200_000, 16_000, 0)
	assert.Equal(t, 95.0, th.UsagePercent(190_000))
	assert.Equal(t, 50.0, th.UsagePercent(100_000))
}

func textMsg(role, text string) *store.Message {
	return &store.Message{
		Role:    role,
		Content: []store.Block{{Type: store.BlockText, Text: text}},
	}
}

func toolMsg(role string) *store.Message {
	return &store.Message{
		Role: role,
		Content: []store.Block{
			{Type: store.BlockToolUse, ToolUseID: "t1", ToolName: "Bash", Input: map[string]any{"command": "ls"}},
		},
	}
}

func TestSplitSlidingWindow(t *testing.T) {
	var msgs []*store.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, textMsg(store.RoleUser, "m"))
	}

	kept, dropped := Split(StrategySlidingWindow, msgs, SplitOptions{KeepLast: 3})
	assert.Len(t, kept, 3)
	assert.Len(t, dropped, 7)
	assert.Same(t, msgs[7], kept[0])

	kept, dropped = Split(StrategySlidingWindow, msgs, SplitOptions{KeepLast: 20})
	assert.Len(t, kept, 10)
	assert.Empty(t, dropped)
}

func TestSplitTokenBased(t *testing.T) {
	big := strings.Repeat("x", 400) // ~100 tokens
	msgs := []*store.Message{
		textMsg(store.RoleUser, big),
		textMsg(store.RoleAssistant, big),
		textMsg(store.RoleUser, big),
	}

	kept, dropped := Split(StrategyTokenBased, msgs, SplitOptions{TokenBudget: 150})
	assert.Len(t, kept, 1)
	assert.Len(t, dropped, 2)
	assert.Same(t, msgs[2], kept[0])
}

func TestSplitSmartKeepsImportantMessages(t *testing.T) {
	big := strings.Repeat("x", 40_000) // ~10k tokens each
	msgs := []*store.Message{
		textMsg(store.RoleSystem, "system prompt"),
		textMsg(store.RoleUser, big),
		toolMsg(store.RoleAssistant),
		textMsg(store.RoleUser, big),
		textMsg(store.RoleAssistant, big),
	}

	// Budget of 75% of 20_000 = 15_000 tokens forces dropping regular
	// messages oldest first.
	kept, dropped := Split(StrategySmart, msgs, SplitOptions{ContextWindow: 20_000})

	for _, msg := range kept {
		if msg.Role == store.RoleSystem || msg.HasToolBlocks() {
			continue
		}
	}
	// System and tool messages survive
	assert.Contains(t, kept, msgs[0])
	assert.Contains(t, kept, msgs[2])
	// Oldest regular messages went first
	assert.Contains(t, dropped, msgs[1])
	require.NotEmpty(t, dropped)

	// Chronological order is preserved in the kept set
	for i := 1; i < len(kept); i++ {
		assert.True(t, indexOf(msgs, kept[i-1]) < indexOf(msgs, kept[i]))
	}
}

func TestSplitSmartNoDropWhenUnderBudget(t *testing.T) {
	msgs := []*store.Message{
		textMsg(store.RoleUser, "hi"),
		textMsg(store.RoleAssistant, "hello"),
	}
	kept, dropped := Split(StrategySmart, msgs, SplitOptions{ContextWindow: 200_000})
	assert.Len(t, kept, 2)
	assert.Empty(t, dropped)
}

func indexOf(msgs []*store.Message, target *store.Message) int {
	for i, m := range msgs {
		if m == target {
			return i
		}
	}
	return -1
}

func TestFallbackSummary(t *testing.T) {
	long := strings.Repeat("a", 500)
	dropped := []*store.Message{
		textMsg(store.RoleUser, long),
		toolMsg(store.RoleAssistant),
		toolMsg(store.RoleAssistant),
	}

	out := fallbackSummary(dropped)
	assert.Contains(t, out, strings.Repeat("a", fallbackCharsPerMessage)+"…")
	assert.NotContains(t, out, strings.Repeat("a", fallbackCharsPerMessage+1))
	assert.Contains(t, out, "2 tool operations omitted")
}

func TestSummarizerFallsBackOnError(t *testing.T) {
	failing := llm.OneShotFunc(func(ctx context.Context, req llm.Request) (string, error) {
		return "", context.DeadlineExceeded
	})
	s := NewSummarizer(failing, nil)

	out := s.Summarize(context.Background(), []*store.Message{textMsg(store.RoleUser, "do the thing")})
	assert.Contains(t, out, "do the thing")

	empty := llm.OneShotFunc(func(ctx context.Context, req llm.Request) (string, error) {
		return "   ", nil
	})
	out = NewSummarizer(empty, nil).Summarize(context.Background(), []*store.Message{textMsg(store.RoleUser, "again")})
	assert.Contains(t, out, "again")
}

func TestSummarizerUsesModel(t *testing.T) {
	model := llm.OneShotFunc(func(ctx context.Context, req llm.Request) (string, error) {
		assert.Contains(t, req.System, "verbatim")
		assert.Contains(t, req.Prompt, "fix the parser")
		return "model summary", nil
	})
	s := NewSummarizer(model, nil)
	out := s.Summarize(context.Background(), []*store.Message{textMsg(store.RoleUser, "fix the parser")})
	assert.Equal(t, "model summary", out)
}

func TestSplitReservesRoomForSummary(t *testing.T) {
	text := strings.Repeat("x", 400) // ~100 tokens
	var msgs []*store.Message
	for i := 0; i < 4; i++ {
		msgs = append(msgs, textMsg(store.RoleUser, text))
	}

	// Budget is 75% of 400 = 300 tokens: one message dropped.
	kept, dropped := Split(StrategySmart, msgs, SplitOptions{ContextWindow: 400})
	assert.Len(t, kept, 3)
	assert.Len(t, dropped, 1)

	// A 100-token summary reserve sheds one more.
	kept, dropped = Split(StrategySmart, msgs, SplitOptions{ContextWindow: 400, SummaryReserve: 100})
	assert.Len(t, kept, 2)
	assert.Len(t, dropped, 2)
	assert.LessOrEqual(t, EstimateTotal(kept)+100, 300)

	kept, _ = Split(StrategyTokenBased, msgs, SplitOptions{TokenBudget: 300, SummaryReserve: 100})
	assert.Len(t, kept, 2)
}

func TestSummarizerNormalizesNudgesForModel(t *testing.T) {
	var prompt string
	model := llm.OneShotFunc(func(ctx context.Context, req llm.Request) (string, error) {
		prompt = req.Prompt
		return "model summary", nil
	})
	s := NewSummarizer(model, nil)

	dropped := []*store.Message{{
		Role:    store.RoleUser,
		Content: []store.Block{{Type: store.BlockNudge, Text: "focus on the failing test"}},
	}}

	// The raw transcript skips private block types; only normalization
	// carries the nudge to the model as plain text.
	assert.NotContains(t, transcriptFor(dropped), "focus on the failing test")

	out := s.Summarize(context.Background(), dropped)
	assert.Equal(t, "model summary", out)
	assert.Contains(t, prompt, "focus on the failing test")

	// Persisted history keeps its block type.
	assert.Equal(t, store.BlockNudge, dropped[0].Content[0].Type)
}

func TestBuildSummaryMessage(t *testing.T) {
	msg := BuildSummaryMessage("conv-1", "the summary")
	assert.Equal(t, store.RoleUser, msg.Role)
	text := msg.Content[0].Text
	assert.True(t, strings.HasPrefix(text, "This session is being continued"))
	assert.Contains(t, text, "the summary")
	assert.Contains(t, text, "without asking the user any further questions")
}

func newTestCompactor(t *testing.T, model llm.OneShot) (*Compactor, *store.Store, *bus.MemoryEventBus) {
	t.Helper()
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	st, err := store.New(conn)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(nil)
	cfg := config.CompactionConfig{AutoCompact: true}
	return New(st, NewSummarizer(model, nil), eventBus, cfg, nil), st, eventBus
}

func TestAssess(t *testing.T) {
	c, _, _ := newTestCompactor(t, nil)
	c.RecordModelWindow("m1", 200_000, 16_000)

	a := c.Assess("m1", 190_000)
	assert.True(t, a.Warn)
	assert.True(t, a.ShouldCompact)
	assert.Equal(t, 95.0, a.UsagePct)

	a = c.Assess("m1", 100_000)
	assert.False(t, a.Warn)
	assert.False(t, a.ShouldCompact)
}

func TestAssessAutoCompactDisabled(t *testing.T) {
	c, _, _ := newTestCompactor(t, nil)
	c.cfg.AutoCompact = false
	a := c.Assess("m1", 199_000)
	assert.True(t, a.Warn)
	assert.False(t, a.ShouldCompact)
}

func TestCompactRewritesHistory(t *testing.T) {
	model := llm.OneShotFunc(func(ctx context.Context, req llm.Request) (string, error) {
		return "condensed history", nil
	})
	c, st, _ := newTestCompactor(t, model)
	ctx := context.Background()

	conv := &store.Conversation{}
	require.NoError(t, st.CreateConversation(ctx, conv))
	require.NoError(t, st.SetResumeToken(ctx, conv.ID, "tok"))

	big := strings.Repeat("x", 400_000)
	for i := 0; i < 3; i++ {
		msg := textMsg(store.RoleUser, big)
		msg.ConversationID = conv.ID
		require.NoError(t, st.AppendMessage(ctx, msg))
	}
	last := toolMsg(store.RoleAssistant)
	last.ConversationID = conv.ID
	require.NoError(t, st.AppendMessage(ctx, last))

	require.NoError(t, c.Compact(ctx, conv.ID, "m1", StrategySmart, 190_000))

	msgs, err := st.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Contains(t, msgs[0].Content[0].Text, "condensed history")
	assert.True(t, msgs[len(msgs)-1].HasToolBlocks())

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ResumeToken)
	assert.Equal(t, "condensed history", got.CompactSummary)
}

func TestCompactShedsFurtherForSummaryCost(t *testing.T) {
	// ~400-token summary
	model := llm.OneShotFunc(func(ctx context.Context, req llm.Request) (string, error) {
		return strings.Repeat("s", 1600), nil
	})
	c, st, _ := newTestCompactor(t, model)
	c.RecordModelWindow("m1", 2000, 0)
	ctx := context.Background()

	conv := &store.Conversation{}
	require.NoError(t, st.CreateConversation(ctx, conv))

	// Four ~500-token messages against a 1500-token retention budget: the
	// split alone drops one, the summary's cost forces one more out.
	for i := 0; i < 4; i++ {
		msg := textMsg(store.RoleUser, strings.Repeat("x", 2000))
		msg.ConversationID = conv.ID
		require.NoError(t, st.AppendMessage(ctx, msg))
	}

	require.NoError(t, c.Compact(ctx, conv.ID, "m1", StrategySmart, 2000))

	msgs, err := st.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "summary plus two kept messages")
	budget := int(retentionFraction * 2000)
	assert.LessOrEqual(t, EstimateTotal(msgs), budget)
}

func TestCompactIsNoOpWhenUnderBudget(t *testing.T) {
	c, st, _ := newTestCompactor(t, nil)
	ctx := context.Background()

	conv := &store.Conversation{}
	require.NoError(t, st.CreateConversation(ctx, conv))
	msg := textMsg(store.RoleUser, "short")
	msg.ConversationID = conv.ID
	require.NoError(t, st.AppendMessage(ctx, msg))

	require.NoError(t, c.Compact(ctx, conv.ID, "m1", StrategySmart, 1000))

	msgs, err := st.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "short", msgs[0].Content[0].Text)
}
