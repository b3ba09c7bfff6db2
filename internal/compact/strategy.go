package compact

import (
	"encoding/json"

	"github.com/droverhq/drover/internal/store"
)

// Strategy selects how messages are split into kept and dropped sets.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding-window"
	StrategyTokenBased    Strategy = "token-based"
	StrategySmart         Strategy = "smart"
)

// charsPerToken is the character-based token estimate used when no real
// tokenizer is available. Roughly right for English text.
const charsPerToken = 4

// EstimateTokens approximates the token cost of one message.
func EstimateTokens(msg *store.Message) int {
	chars := 0
	for _, block := range msg.Content {
		chars += len(block.Text)
		chars += len(block.Thinking)
		chars += len(block.Content)
		chars += len(block.ToolName)
		if block.Input != nil {
			if raw, err := json.Marshal(block.Input); err == nil {
				chars += len(raw)
			}
		}
	}
	return chars / charsPerToken
}

// EstimateTotal approximates the token cost of a message sequence.
func EstimateTotal(msgs []*store.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateTokens(msg)
	}
	return total
}

// SplitOptions parameterizes a split.
type SplitOptions struct {
	// ContextWindow sizes the smart-retention budget.
	ContextWindow int
	// KeepLast is the message count for the sliding-window strategy.
	KeepLast int
	// TokenBudget is the suffix budget for the token-based strategy.
	TokenBudget int
	// SummaryReserve is subtracted from the token budget so the summary
	// message prepended to the kept history fits the same window.
	SummaryReserve int
}

// Split partitions msgs into kept and dropped per the chosen strategy.
// Both returned slices preserve the original chronological order.
func Split(strategy Strategy, msgs []*store.Message, opts SplitOptions) (kept, dropped []*store.Message) {
	switch strategy {
	case StrategySlidingWindow:
		return splitSlidingWindow(msgs, opts.KeepLast)
	case StrategyTokenBased:
		return splitTokenBased(msgs, opts.TokenBudget, opts.SummaryReserve)
	default:
		return splitSmart(msgs, opts.ContextWindow, opts.SummaryReserve)
	}
}

func splitSlidingWindow(msgs []*store.Message, keepLast int) (kept, dropped []*store.Message) {
	if keepLast <= 0 {
		keepLast = 20
	}
	if len(msgs) <= keepLast {
		return msgs, nil
	}
	cut := len(msgs) - keepLast
	return msgs[cut:], msgs[:cut]
}

func splitTokenBased(msgs []*store.Message, budget, reserve int) (kept, dropped []*store.Message) {
	if budget <= 0 {
		budget = DefaultContextWindow * 3 / 4
	}
	if budget -= reserve; budget < 0 {
		budget = 0
	}
	total := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := EstimateTokens(msgs[i])
		if total+cost > budget {
			break
		}
		total += cost
		cut = i
	}
	return msgs[cut:], msgs[:cut]
}

// splitSmart keeps every system message and every message carrying tool
// blocks, then drops the remaining regular messages oldest first until the
// retained set fits the retention budget.
func splitSmart(msgs []*store.Message, contextWindow, reserve int) (kept, dropped []*store.Message) {
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	budget := int(retentionFraction*float64(contextWindow)) - reserve
	if budget < 0 {
		budget = 0
	}

	important := func(msg *store.Message) bool {
		return msg.Role == store.RoleSystem || msg.HasToolBlocks()
	}

	total := EstimateTotal(msgs)
	drop := make(map[int]bool)
	for i, msg := range msgs {
		if total <= budget {
			break
		}
		if important(msg) {
			continue
		}
		drop[i] = true
		total -= EstimateTokens(msg)
	}

	for i, msg := range msgs {
		if drop[i] {
			dropped = append(dropped, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	return kept, dropped
}
