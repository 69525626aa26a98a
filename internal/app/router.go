package app

import (
	"quiz_sync_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers) {
	router.GET("/metrics", monitoring.PrometheusHandler())
	router.GET("/health", c.health.HealthCheck)
	router.GET("/ws", c.ws.HandleWS)

	api := router.Group("/api")
	{
		api.GET("/health", c.health.HealthCheck)
		api.GET("/stats", c.health.Stats)
		api.GET("/presence", c.ws.OnlineUsers)
		api.GET("/presence/:username", c.ws.UserPresence)

		// 哈希树同步
		api.GET("/sync/manifest", c.sync.GetManifest)
		api.GET("/sync/unit/:unitId", c.sync.GetUnitManifest)
		api.GET("/data/lesson/:lessonId", c.sync.GetLessonData)

		// 写入
		api.POST("/submit-answer", c.answer.SubmitAnswer)
		api.POST("/batch-submit", c.answer.BatchSubmit)

		// 旧版读取
		api.GET("/peer-data", c.answer.PeerData)
		api.GET("/question-stats/:questionId", c.answer.QuestionStats)
	}
}
