// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ContentTimeout is the maximum time to wait for the first
	// content-bearing event after spawning an agent subprocess.
	ContentTimeout = 120 * time.Second

	// PingInterval is the cadence of keepalive ping frames on client streams.
	PingInterval = 15 * time.Second

	// ReconnectPollInterval is the cadence at which a reconnected stream
	// polls the replay buffer for new events.
	ReconnectPollInterval = 100 * time.Millisecond

	// SessionGracePeriod is how long a completed session is retained
	// for reconnection before it is removed.
	SessionGracePeriod = 60 * time.Second

	// LoopTurnTimeout is the maximum time a single loop iteration waits
	// for an agent stream to complete.
	LoopTurnTimeout = 10 * time.Minute

	// SummarizerTimeout bounds the one-shot LLM call used for history
	// compaction summaries.
	SummarizerTimeout = 60 * time.Second

	// CommentaryTimeout bounds the one-shot LLM call used for commentary
	// generation.
	CommentaryTimeout = 15 * time.Second
)
