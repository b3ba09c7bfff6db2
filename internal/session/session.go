package session

import (
	"context"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/common/constants"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusTerminated Status = "terminated"
)

// Session supervises one agent subprocess. Created explicitly, it
// transitions idle to running on each message and back on completion, and
// is removed after a grace period once complete.
type Session struct {
	ID             string
	ConversationID string
	WorkspacePath  string
	Model          string
	Effort         string

	mu            sync.Mutex
	status        Status
	buffer        *EventBuffer
	pendingNudges []string
	proc          *agentProcess
	cancelCh      chan struct{}
	cleanupTimer  *time.Timer
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Buffer returns the current turn's event buffer.
func (s *Session) Buffer() *EventBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// QueueNudge appends text to be prepended to the next user message.
// Never blocks.
func (s *Session) QueueNudge(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		return false
	}
	s.pendingNudges = append(s.pendingNudges, text)
	return true
}

// takeNudges drains pending nudges atomically.
func (s *Session) takeNudges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	nudges := s.pendingNudges
	s.pendingNudges = nil
	return nudges
}

// StreamEvent is the payload published on the event bus for every
// normalized event, so in-process consumers (the commentary bridge) can
// observe streams without holding a client connection.
type StreamEvent struct {
	SessionID      string
	ConversationID string
	WorkspacePath  string
	Event          *NormalizedEvent
}

// Stream delivers encoded event frames to one client. Closing the stream
// releases the follower; the underlying session keeps running.
type Stream struct {
	frames chan []byte
	cancel context.CancelFunc
}

// Frames returns the frame channel. It is closed when the turn completes
// or the stream is closed.
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Close detaches this client from the session.
func (s *Stream) Close() { s.cancel() }

// followBuffer returns a stream that replays the buffer from the cursor
// and then follows it live until the turn completes.
func followBuffer(buffer *EventBuffer, from int) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{frames: make(chan []byte, 64), cancel: cancel}

	go func() {
		defer close(s.frames)
		cursor := from
		for {
			wait := buffer.Wait()
			frames, next, complete := buffer.Snapshot(cursor)
			cursor = next
			for _, frame := range frames {
				select {
				case s.frames <- frame:
				case <-ctx.Done():
					return
				}
			}
			if complete {
				return
			}
			select {
			case <-wait:
			case <-time.After(constants.ReconnectPollInterval):
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}
