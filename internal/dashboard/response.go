// response.go — 统一响应包壳, 所有 handler 共用。
package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-console/go-console-v2/pkg/logger"
)

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

// serverError 细节只进日志, 响应体不回传内部错误文本。
func serverError(c *gin.Context, err error) {
	logger.Error("dashboard: internal error",
		logger.FieldPath, c.Request.URL.Path, logger.FieldError, err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false,
		"error": gin.H{"code": "internal_error", "message": "internal server error"}})
}
