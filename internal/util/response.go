package util

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 错误与健康检查使用的信封；同步接口的成功响应直接返回业务结构体
type Response struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Message: "success", Data: data})
}

// JSON 直接输出业务结构体
func JSON(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Error 附带请求 ID，便于和访问日志对照
func Error(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, Response{
		Code:      code,
		Message:   message,
		RequestID: c.GetString("request_id"),
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

// statusOf 哨兵错误到状态码的映射，未知错误为 500
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidAnswer), errors.Is(err, ErrInvalidUnitID), errors.Is(err, ErrBatchTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreUnhealthy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleError 500 的原因挂到 c.Errors 由访问日志记录，不返回给客户端
func HandleError(c *gin.Context, err error) {
	status := statusOf(err)
	if status != http.StatusInternalServerError {
		Error(c, status, err.Error())
		return
	}
	_ = c.Error(err)
	Error(c, status, "Internal server error")
}
