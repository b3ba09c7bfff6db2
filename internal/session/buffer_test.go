package session

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBufferAppendAndSnapshot(t *testing.T) {
	buf := NewEventBuffer()
	buf.Append(&NormalizedEvent{Type: EventMessageStart})
	buf.Append(&NormalizedEvent{Type: EventContentBlockStart, Index: indexPtr(0)})

	frames, next, complete := buf.Snapshot(0)
	assert.Len(t, frames, 2)
	assert.Equal(t, 2, next)
	assert.False(t, complete)

	frames, next, _ = buf.Snapshot(next)
	assert.Empty(t, frames)
	assert.Equal(t, 2, next)
}

func TestEventBufferDropsAppendsAfterComplete(t *testing.T) {
	buf := NewEventBuffer()
	buf.Append(&NormalizedEvent{Type: EventMessageStop})
	buf.MarkComplete()

	assert.Nil(t, buf.Append(&NormalizedEvent{Type: EventVerificationResult, FilePath: "/w/a"}))
	assert.Equal(t, 1, buf.Len())
	assert.True(t, buf.Complete())
}

func TestEventBufferWaitWakesOnAppend(t *testing.T) {
	buf := NewEventBuffer()
	wait := buf.Wait()

	go buf.Append(&NormalizedEvent{Type: EventPing})

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by append")
	}
}

func TestFollowBufferReplayIsByteIdentical(t *testing.T) {
	buf := NewEventBuffer()

	var original [][]byte
	original = append(original, buf.Append(&NormalizedEvent{Type: EventMessageStart, MessageID: "m1"}))
	original = append(original, buf.Append(&NormalizedEvent{Type: EventContentBlockStart, Index: indexPtr(0), BlockType: "text"}))
	original = append(original, buf.Append(&NormalizedEvent{Type: EventContentBlockDelta, Index: indexPtr(0), Text: "He"}))

	// A late reader attaches mid-stream.
	stream := followBuffer(buf, 0)
	defer stream.Close()

	var got [][]byte
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range stream.Frames() {
			mu.Lock()
			got = append(got, frame)
			mu.Unlock()
		}
	}()

	original = append(original, buf.Append(&NormalizedEvent{Type: EventContentBlockDelta, Index: indexPtr(0), Text: "llo"}))
	original = append(original, buf.Append(&NormalizedEvent{Type: EventContentBlockStop, Index: indexPtr(0)}))
	original = append(original, buf.Append(&NormalizedEvent{Type: EventMessageStop, MessageID: "m1"}))
	buf.MarkComplete()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not finish after completion")
	}

	require.Len(t, got, len(original))
	for i := range original {
		assert.True(t, bytes.Equal(original[i], got[i]), "frame %d differs", i)
	}
}

func TestFollowBufferClosesImmediatelyWhenComplete(t *testing.T) {
	buf := NewEventBuffer()
	buf.Append(&NormalizedEvent{Type: EventMessageStop})
	buf.MarkComplete()

	stream := followBuffer(buf, 0)
	var frames [][]byte
	for frame := range stream.Frames() {
		frames = append(frames, frame)
	}
	assert.Len(t, frames, 1)
}

func TestExtractArtifacts(t *testing.T) {
	text := `Here is the plan.
<artifact type="plan" title="Rollout">step 1
step 2</artifact>
and a diff:
<artifact type="diff" title="fix">--- a
+++ b</artifact>
<artifact type="bogus" title="nope">ignored</artifact>`

	artifacts := extractArtifacts("conv-1", "msg-1", text)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "plan", artifacts[0].Type)
	assert.Equal(t, "Rollout", artifacts[0].Title)
	assert.Equal(t, "step 1\nstep 2", artifacts[0].Content)
	assert.Equal(t, "diff", artifacts[1].Type)
	assert.Equal(t, "conv-1", artifacts[1].ConversationID)
	assert.Equal(t, "msg-1", artifacts[1].MessageID)

	assert.Nil(t, extractArtifacts("c", "m", "no artifacts here"))
}
