package controller

import (
	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/service"
	"quiz_sync_backend/internal/synctree"
	"quiz_sync_backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// AnswerController 处理作答写入与旧版读取接口
type AnswerController struct {
	ManifestService *service.ManifestService
}

func NewAnswerController(manifestService *service.ManifestService) *AnswerController {
	return &AnswerController{ManifestService: manifestService}
}

// SubmitAnswer POST /api/submit-answer
func (c *AnswerController) SubmitAnswer(ctx *gin.Context) {
	var req synctree.RawAnswer
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, "Invalid request body")
		return
	}

	result, err := c.ManifestService.SubmitAnswer(ctx.Request.Context(), req)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.JSON(ctx, result)
}

// BatchSubmit POST /api/batch-submit
func (c *AnswerController) BatchSubmit(ctx *gin.Context) {
	var req model.BatchRequest
	if err := ctx.ShouldBindJSON(&req); err != nil || req.Answers == nil {
		util.BadRequest(ctx, "Invalid answers array")
		return
	}

	result, err := c.ManifestService.SubmitBatch(ctx.Request.Context(), req.Answers)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.JSON(ctx, result)
}

// PeerData GET /api/peer-data?since=<ms>
func (c *AnswerController) PeerData(ctx *gin.Context) {
	since := cast.ToInt64(ctx.Query("since"))
	data, err := c.ManifestService.PeerData(ctx.Request.Context(), since)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.JSON(ctx, data)
}

// QuestionStats GET /api/question-stats/:questionId
func (c *AnswerController) QuestionStats(ctx *gin.Context) {
	stats, err := c.ManifestService.QuestionStats(ctx.Request.Context(), ctx.Param("questionId"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.JSON(ctx, stats)
}
