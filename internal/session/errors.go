package session

import "errors"

// Error kinds carried on client-visible error events.
const (
	KindNotFound    = "not_found"
	KindTerminated  = "terminated"
	KindSpawnError  = "spawn_error"
	KindCLIError    = "cli_error"
	KindTimeout     = "timeout"
	KindStreamError = "stream_error"
	KindAuthError   = "auth_error"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminated is returned when the session was explicitly
	// terminated before the call.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrSessionBusy is returned when a message arrives while a previous
	// turn is still streaming.
	ErrSessionBusy = errors.New("session is already streaming")
)
