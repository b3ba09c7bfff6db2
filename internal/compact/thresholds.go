// Package compact keeps conversations within the model's usable context
// window. It tracks per-model window sizes, decides when compaction is
// needed, and rewrites history with a summary of what was dropped.
package compact

import "math"

const (
	// DefaultContextWindow is assumed when a model's window is unknown.
	DefaultContextWindow = 200_000

	// DefaultMaxOutputTokens is assumed when a model's output cap is unknown.
	DefaultMaxOutputTokens = 16_000

	// maxOutputReserve caps how much of the window is reserved for output.
	maxOutputReserve = 20_000

	// compactSafetyMargin is subtracted from the effective window to form
	// the auto-compact threshold.
	compactSafetyMargin = 13_000

	// warningFraction of the raw context window triggers a usage warning.
	warningFraction = 0.85

	// retentionFraction of the raw context window is the target budget for
	// the kept set during smart retention.
	retentionFraction = 0.75
)

// Thresholds are the derived limits for one model.
type Thresholds struct {
	ContextWindow        int
	MaxOutputTokens      int
	OutputReserve        int
	EffectiveWindow      int
	AutoCompactThreshold int
	WarningThreshold     int
}

// ComputeThresholds derives the limits for a model. overridePercent, when
// non-zero, re-bases the auto-compact threshold as a percentage of the
// effective window; it is clamped so the safety margin is never lost.
func ComputeThresholds(contextWindow, maxOutputTokens, overridePercent int) Thresholds {
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = DefaultMaxOutputTokens
	}

	reserve := maxOutputTokens
	if reserve > maxOutputReserve {
		reserve = maxOutputReserve
	}
	effective := contextWindow - reserve

	threshold := effective - compactSafetyMargin
	if overridePercent > 0 {
		threshold = effective * overridePercent / 100
		if max := effective - compactSafetyMargin; threshold > max {
			threshold = max
		}
	}

	return Thresholds{
		ContextWindow:        contextWindow,
		MaxOutputTokens:      maxOutputTokens,
		OutputReserve:        reserve,
		EffectiveWindow:      effective,
		AutoCompactThreshold: threshold,
		WarningThreshold:     int(math.Floor(warningFraction * float64(contextWindow))),
	}
}

// UsagePercent is the rounded percentage of the raw window consumed.
func (t Thresholds) UsagePercent(inputTokens int) float64 {
	if t.ContextWindow == 0 {
		return 0
	}
	pct := float64(inputTokens) / float64(t.ContextWindow) * 100
	return math.Round(pct*10) / 10
}
