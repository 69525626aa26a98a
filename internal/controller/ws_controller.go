package controller

import (
	"strings"

	"quiz_sync_backend/internal/service"
	"quiz_sync_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type WsController struct {
	Hub *service.SyncHub
}

func NewWsController(hub *service.SyncHub) *WsController {
	return &WsController{Hub: hub}
}

// HandleWS 升级为推送通道连接，身份由客户端 identify 消息声明
// GET /ws
func (c *WsController) HandleWS(ctx *gin.Context) {
	service.ServeWs(c.Hub, ctx.Writer, ctx.Request)
}

// OnlineUsers 本实例在线用户
// GET /api/presence
func (c *WsController) OnlineUsers(ctx *gin.Context) {
	util.JSON(ctx, gin.H{
		"users":       c.Hub.OnlineUsers(),
		"connections": c.Hub.ConnectedClients(),
	})
}

// UserPresence 查询单个用户是否在线，多实例部署时会查 Redis
// GET /api/presence/:username
func (c *WsController) UserPresence(ctx *gin.Context) {
	username := strings.TrimSpace(ctx.Param("username"))
	if username == "" {
		util.BadRequest(ctx, "username is required")
		return
	}
	util.JSON(ctx, gin.H{
		"username": username,
		"online":   c.Hub.IsUserOnline(username),
	})
}
