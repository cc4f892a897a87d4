package middleware

import (
	"time"

	"github.com/agentgate/agentgate/internal/pkg/ctxkey"
	"github.com/agentgate/agentgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger writes one access-log line per request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// Health probes are too chatty to log.
		if path == "/healthz" {
			return
		}

		endTime := time.Now()
		latency := endTime.Sub(startTime)

		method := c.Request.Method
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		protocol := c.Request.Proto
		tenantID, _ := c.Request.Context().Value(ctxkey.TenantID).(string)
		vendor, _ := c.Request.Context().Value(ctxkey.Vendor).(string)

		fields := []zap.Field{
			zap.String("component", "http.access"),
			zap.Int("status_code", statusCode),
			zap.Int64("latency_ms", latency.Milliseconds()),
			zap.String("client_ip", clientIP),
			zap.String("protocol", protocol),
			zap.String("method", method),
			zap.String("path", path),
		}
		if tenantID != "" {
			fields = append(fields, zap.String("tenant_id", tenantID))
		}
		if vendor != "" {
			fields = append(fields, zap.String("vendor", vendor))
		}

		l := logger.FromContext(c.Request.Context()).With(fields...)
		l.Info("http request completed", zap.Time("completed_at", endTime))

		if len(c.Errors) > 0 {
			l.Warn("http request contains gin errors", zap.String("errors", c.Errors.String()))
		}
	}
}
