package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/logger"
)

// resourceParams maps gateway route params to the log fields the rest of
// Drover uses for the same ids, so a request line joins with the session,
// loop, and compaction logs it triggered.
var resourceParams = map[string]string{
	"conversationId": "conversation_id",
	"sessionId":      "session_id",
	"loopId":         "loop_id",
	"ruleId":         "rule_id",
}

// RequestLogger emits one line per request after the handler returns. SSE
// endpoints log on disconnect, so their duration spans the whole stream.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if size := c.Writer.Size(); size > 0 {
			fields = append(fields, zap.Int("bytes", size))
		}
		for param, field := range resourceParams {
			if v := c.Param(param); v != "" {
				fields = append(fields, zap.String(field, v))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("request failed", fields...)
		case status >= 400:
			log.Warn("request rejected", fields...)
		default:
			log.Debug("request completed", fields...)
		}
	}
}
