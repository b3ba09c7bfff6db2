package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/droverhq/drover/internal/common/httpmw"
	"github.com/droverhq/drover/internal/common/logger"
)

// NewRouter builds the gateway's gin engine with middleware and all routes.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "drover"))
	router.Use(httpmw.OtelTracing("drover"))

	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	SetupRoutes(v1, h)
	return router
}

// SetupRoutes registers the API routes on the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	conversations := router.Group("/conversations")
	{
		conversations.POST("", h.CreateConversation)
		conversations.GET("/:conversationId", h.GetConversation)
		conversations.GET("/:conversationId/messages", h.ListMessages)
		conversations.GET("/:conversationId/artifacts", h.ListArtifacts)
		conversations.POST("/:conversationId/compact", h.CompactConversation)
	}

	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.POST("/:sessionId/messages", h.SendMessage)
		sessions.GET("/:sessionId/stream", h.ReconnectStream)
		sessions.POST("/:sessionId/stdin", h.WriteStdin)
		sessions.POST("/:sessionId/nudges", h.QueueNudge)
		sessions.POST("/:sessionId/cancel", h.CancelGeneration)
		sessions.DELETE("/:sessionId", h.TerminateSession)
	}

	loops := router.Group("/loops")
	{
		loops.POST("", h.StartLoop)
		loops.GET("/:loopId", h.GetLoop)
		loops.POST("/:loopId/pause", h.PauseLoop)
		loops.POST("/:loopId/resume", h.ResumeLoop)
		loops.POST("/:loopId/cancel", h.CancelLoop)
	}

	rules := router.Group("/permission-rules")
	{
		rules.GET("", h.ListRules)
		rules.POST("", h.CreateRule)
		rules.DELETE("/:ruleId", h.DeleteRule)
	}

	commentaryRoutes := router.Group("/commentary")
	{
		commentaryRoutes.GET("/stream", h.StreamCommentary)
		commentaryRoutes.GET("/history", h.CommentaryHistory)
	}
}
