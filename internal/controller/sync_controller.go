package controller

import (
	"quiz_sync_backend/internal/service"
	"quiz_sync_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// SyncController 提供哈希树同步的只读接口
type SyncController struct {
	ManifestService *service.ManifestService
}

func NewSyncController(manifestService *service.ManifestService) *SyncController {
	return &SyncController{ManifestService: manifestService}
}

// GetManifest 返回所有单元的哈希摘要
// GET /api/sync/manifest
func (c *SyncController) GetManifest(ctx *gin.Context) {
	manifest, err := c.ManifestService.GetManifest(ctx.Request.Context())
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.JSON(ctx, manifest)
}

// GetUnitManifest 返回单元内各课时的哈希
// GET /api/sync/unit/:unitId
func (c *SyncController) GetUnitManifest(ctx *gin.Context) {
	unit, err := c.ManifestService.GetUnitManifest(ctx.Request.Context(), ctx.Param("unitId"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.JSON(ctx, unit)
}

// GetLessonData 返回课时的完整作答
// GET /api/data/lesson/:lessonId
func (c *SyncController) GetLessonData(ctx *gin.Context) {
	lesson, err := c.ManifestService.GetLessonData(ctx.Request.Context(), ctx.Param("lessonId"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.JSON(ctx, lesson)
}
