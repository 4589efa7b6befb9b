package viewer

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
	"github.com/multi-agent/chatstream/pkg/util"
)

// 统一响应: {"success": bool, "data": ...} / {"success": false, "error": {"code", "message"}}。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func unavailable(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Warn("viewer: upstream unavailable", logger.FieldError, err)
	code := util.FirstNonEmpty(strings.ToLower(apperrors.CodeOf(err)), "unavailable")
	c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": gin.H{"code": code, "message": err.Error()}})
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "服务器内部错误"}})
}
