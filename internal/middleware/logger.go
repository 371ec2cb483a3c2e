package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog 请求访问日志
func AccessLog(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", latency,
			"client_ip", c.ClientIP(),
		}
		if status >= http.StatusInternalServerError {
			fields = append(fields, "errors", c.Errors.String())
			logger.Errorw("request", fields...)
		} else {
			logger.Infow("request", fields...)
		}
	}
}

// Recovery panic 兜底，记日志后返回 500
func Recovery(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"path", c.Request.URL.Path, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"code": -1, "msg": "internal error"})
			}
		}()
		c.Next()
	}
}
