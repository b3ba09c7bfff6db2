package session

import "sync"

// EventBuffer is the per-turn append-only log of encoded event frames.
// Frames are immutable once appended; readers follow the buffer through a
// monotonic cursor, so concurrent append-and-read needs no copying.
type EventBuffer struct {
	mu       sync.Mutex
	frames   [][]byte
	complete bool
	changed  chan struct{}
}

// NewEventBuffer creates an empty buffer.
func NewEventBuffer() *EventBuffer {
	return &EventBuffer{changed: make(chan struct{})}
}

// Append encodes the event, appends the frame, and wakes any waiting
// readers. Appends after MarkComplete are dropped so the buffer always
// ends with the terminal frame. Returns the appended frame, or nil.
func (b *EventBuffer) Append(event *NormalizedEvent) []byte {
	frame := event.Encode()
	b.mu.Lock()
	if b.complete {
		b.mu.Unlock()
		return nil
	}
	b.frames = append(b.frames, frame)
	b.wakeLocked()
	b.mu.Unlock()
	return frame
}

// MarkComplete flags the stream as finished and wakes waiting readers.
func (b *EventBuffer) MarkComplete() {
	b.mu.Lock()
	b.complete = true
	b.wakeLocked()
	b.mu.Unlock()
}

// Snapshot returns the frames at or past the cursor, the next cursor
// position, and whether the stream is complete.
func (b *EventBuffer) Snapshot(from int) (frames [][]byte, next int, complete bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from < len(b.frames) {
		frames = b.frames[from:]
	}
	return frames, len(b.frames), b.complete
}

// Len returns the number of buffered frames.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Complete reports whether the stream has finished.
func (b *EventBuffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// Wait returns a channel that is closed on the next append or completion.
func (b *EventBuffer) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *EventBuffer) wakeLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
