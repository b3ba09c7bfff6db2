package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/droverhq/drover/internal/common/constants"
	"github.com/droverhq/drover/internal/session"
)

// sseHeaders prepares the response for server-sent events.
func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// writeFrame sends one event as a `data: <json>` frame.
func writeFrame(c *gin.Context, frame []byte) bool {
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := c.Writer.Write(frame); err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

var pingFrame = (&session.NormalizedEvent{Type: session.EventPing}).Encode()

// streamToClient relays session frames to the client until the stream
// completes or the client disconnects, interleaving pings. The session's
// own buffer already carries pings while a subprocess is live; this timer
// covers the gap when the relay is idle.
func streamToClient(c *gin.Context, stream *session.Stream) {
	defer stream.Close()
	sseHeaders(c)

	ping := time.NewTicker(constants.PingInterval)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				return
			}
			if !writeFrame(c, frame) {
				return
			}
		case <-ping.C:
			if !writeFrame(c, pingFrame) {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
