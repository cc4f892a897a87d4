package middleware

import (
	"context"
	"strings"

	"github.com/agentgate/agentgate/internal/pkg/ctxkey"
	"github.com/agentgate/agentgate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRequestIDHeader = "X-Request-ID"

// RequestLogger assigns every request a correlation id and injects a
// request-scoped logger into the context. An inbound id on the configured
// header is honored so callers can correlate retries of the same send.
func RequestLogger(headerName string) gin.HandlerFunc {
	headerName = strings.TrimSpace(headerName)
	if headerName == "" {
		headerName = defaultRequestIDHeader
	}
	return func(c *gin.Context) {
		if c.Request == nil {
			c.Next()
			return
		}

		requestID := strings.TrimSpace(c.GetHeader(headerName))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(headerName, requestID)

		ctx := context.WithValue(c.Request.Context(), ctxkey.RequestID, requestID)

		requestLogger := logger.With(
			zap.String("component", "http"),
			zap.String("request_id", requestID),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)

		ctx = logger.IntoContext(ctx, requestLogger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestIDFromContext reads the correlation id placed by RequestLogger.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.RequestID).(string)
	return id
}
