package compact

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/store"
)

// Assessment is the result of comparing observed usage to the thresholds.
type Assessment struct {
	Thresholds
	InputTokens   int
	UsagePct      float64
	Warn          bool
	ShouldCompact bool
}

// Compactor monitors context usage and rewrites conversation history when
// it crosses the auto-compact threshold.
type Compactor struct {
	store      *store.Store
	summarizer *Summarizer
	bus        bus.EventBus
	cfg        config.CompactionConfig
	logger     *logger.Logger

	mu      sync.RWMutex
	windows map[string]modelLimits
}

type modelLimits struct {
	contextWindow   int
	maxOutputTokens int
}

// New builds a Compactor.
func New(st *store.Store, summarizer *Summarizer, eventBus bus.EventBus, cfg config.CompactionConfig, log *logger.Logger) *Compactor {
	if log == nil {
		log = logger.Default()
	}
	return &Compactor{
		store:      st,
		summarizer: summarizer,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log,
		windows:    make(map[string]modelLimits),
	}
}

// RecordModelWindow stores limits observed from the agent's usage reports
// so later assessments use the real window instead of the default.
func (c *Compactor) RecordModelWindow(model string, contextWindow, maxOutputTokens int) {
	if model == "" || contextWindow <= 0 {
		return
	}
	c.mu.Lock()
	limits := c.windows[model]
	limits.contextWindow = contextWindow
	if maxOutputTokens > 0 {
		limits.maxOutputTokens = maxOutputTokens
	}
	c.windows[model] = limits
	c.mu.Unlock()
}

// ThresholdsFor returns the derived limits for a model.
func (c *Compactor) ThresholdsFor(model string) Thresholds {
	c.mu.RLock()
	limits := c.windows[model]
	c.mu.RUnlock()
	return ComputeThresholds(limits.contextWindow, limits.maxOutputTokens, c.cfg.ThresholdPercent)
}

// Assess compares observed input tokens against the model's thresholds.
func (c *Compactor) Assess(model string, inputTokens int) Assessment {
	t := c.ThresholdsFor(model)
	return Assessment{
		Thresholds:    t,
		InputTokens:   inputTokens,
		UsagePct:      t.UsagePercent(inputTokens),
		Warn:          inputTokens > t.WarningThreshold,
		ShouldCompact: c.cfg.AutoCompact && inputTokens >= t.AutoCompactThreshold,
	}
}

// Compact rewrites the conversation using the chosen strategy: dropped
// messages are summarized, the history becomes [summary, ...kept], and the
// resume token is cleared so the next turn starts a fresh agent session.
// A conversation that already fits is left untouched.
func (c *Compactor) Compact(ctx context.Context, conversationID, model string, strategy Strategy, preTokens int) error {
	msgs, err := c.store.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	t := c.ThresholdsFor(model)
	kept, dropped := Split(strategy, msgs, SplitOptions{
		ContextWindow: t.ContextWindow,
		TokenBudget:   int(retentionFraction * float64(t.ContextWindow)),
	})
	if len(dropped) == 0 {
		return nil
	}

	summary := c.summarizer.Summarize(ctx, dropped)
	summaryMsg := BuildSummaryMessage(conversationID, summary)

	// The summary occupies part of the retention budget; shed older kept
	// messages until the rewritten history fits with the summary included.
	if reserve := EstimateTokens(summaryMsg); reserve > 0 {
		var shed []*store.Message
		kept, shed = Split(strategy, kept, SplitOptions{
			ContextWindow:  t.ContextWindow,
			TokenBudget:    int(retentionFraction * float64(t.ContextWindow)),
			SummaryReserve: reserve,
		})
		dropped = append(dropped, shed...)
	}

	replacement := append([]*store.Message{summaryMsg}, kept...)
	if err := c.store.ReplaceMessages(ctx, conversationID, replacement, summary); err != nil {
		return err
	}

	c.logger.WithConversationID(conversationID).Info("conversation history compacted",
		zap.Int("pre_tokens", preTokens),
		zap.Int("dropped", len(dropped)),
		zap.Int("kept", len(kept)))

	c.publishCompacted(ctx, conversationID, preTokens, len(dropped), len(kept))
	return nil
}

func (c *Compactor) publishCompacted(ctx context.Context, conversationID string, preTokens, dropped, kept int) {
	if c.bus == nil {
		return
	}
	event := bus.NewEvent(events.HistoryCompacted, "compactor", map[string]interface{}{
		"conversation_id": conversationID,
		"pre_tokens":      preTokens,
		"dropped":         dropped,
		"kept":            kept,
	})
	if err := c.bus.Publish(ctx, events.BuildContextWindowSubject(conversationID), event); err != nil {
		c.logger.WithError(err).Warn("failed to publish compaction event")
	}
}
