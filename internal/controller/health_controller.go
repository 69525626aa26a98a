package controller

import (
	"context"
	"time"

	"quiz_sync_backend/internal/service"
	"quiz_sync_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// Pinger 用于检查存储连通性
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthController struct {
	Store           Pinger
	ManifestService *service.ManifestService
	Hub             *service.SyncHub
}

func NewHealthController(store Pinger, manifestService *service.ManifestService, hub *service.SyncHub) *HealthController {
	return &HealthController{Store: store, ManifestService: manifestService, Hub: hub}
}

// HealthCheck 检查服务状态
// GET /health, /api/health
func (c *HealthController) HealthCheck(ctx *gin.Context) {
	pingCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()
	if err := c.Store.Ping(pingCtx); err != nil {
		_ = ctx.Error(err)
		util.HandleError(ctx, util.ErrStoreUnhealthy)
		return
	}

	util.Success(ctx, gin.H{
		"status":      "healthy",
		"connections": c.Hub.ConnectedClients(),
		"cache":       c.ManifestService.CacheStatus(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"components": gin.H{
			"database": "up",
		},
	})
}

// Stats GET /api/stats
func (c *HealthController) Stats(ctx *gin.Context) {
	stats, err := c.ManifestService.Stats(ctx.Request.Context())
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.JSON(ctx, stats)
}
