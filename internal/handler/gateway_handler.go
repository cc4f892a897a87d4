package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/handler/dto"
	"github.com/agentgate/agentgate/internal/pkg/ctxkey"
	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GatewayHandler owns the data-plane send endpoint. Unlike the management
// plane it does not wrap responses: the stored envelope bytes are written
// verbatim so a replay is byte-identical to the first response.
type GatewayHandler struct {
	conversationService *service.ConversationService
	maxBodySize         int64
}

func NewGatewayHandler(conversationService *service.ConversationService, cfg *config.Config) *GatewayHandler {
	maxBodySize := int64(1 << 20)
	if cfg != nil && cfg.Gateway.MaxBodySize > 0 {
		maxBodySize = cfg.Gateway.MaxBodySize
	}
	return &GatewayHandler{
		conversationService: conversationService,
		maxBodySize:         maxBodySize,
	}
}

// SendMessage handles POST /v1/sessions/:id/messages.
func (h *GatewayHandler) SendMessage(c *gin.Context) {
	tenantID, _ := c.Request.Context().Value(ctxkey.TenantID).(string)
	if tenantID == "" {
		h.errorResponse(c, http.StatusUnauthorized, "INVALID_API_KEY", "invalid api key", nil)
		return
	}
	sessionID := c.Param("id")
	// The send request id tags uniquely-indexed usage and attempt rows, so
	// it is minted server-side; the inbound X-Request-ID stays on logs and
	// error envelopes for correlation only.
	requestID := uuid.NewString()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodySize)
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", "content is required", nil)
		return
	}

	result, err := h.conversationService.Send(
		c.Request.Context(),
		tenantID,
		sessionID,
		c.GetHeader("Idempotency-Key"),
		req.Content,
		requestID,
	)
	if err != nil {
		h.sendError(c, err)
		return
	}

	if result.Replayed {
		c.Header("X-Idempotency-Replayed", "true")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result.Body)
}

// sendError maps pipeline errors onto the gateway error envelope. On total
// vendor failure the details name the primary and fallback vendors and carry
// the attempt audit, so callers can see what was tried without grepping
// server logs.
func (h *GatewayHandler) sendError(c *gin.Context, err error) {
	var details any
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) {
		fallback := exhausted.Fallback
		if fallback == "" {
			fallback = "none"
		}
		details = gin.H{
			"primary":  exhausted.Primary,
			"fallback": fallback,
			"attempts": attemptDetails(exhausted.Attempts),
		}
	}

	if retryAfter := service.RetryAfterSecondsFromError(err); retryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}

	appErr := infraerrors.FromError(err)
	if appErr == nil {
		h.errorResponse(c, http.StatusInternalServerError, infraerrors.UnknownReason, "internal error", nil)
		return
	}
	h.errorResponse(c, appErr.Code, appErr.Reason, appErr.Message, details)
}

func (h *GatewayHandler) errorResponse(c *gin.Context, status int, code, message string, details any) {
	body := gin.H{
		"code":      code,
		"message":   message,
		"requestId": requestIDFromGin(c),
	}
	if details != nil {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, body)
}

func attemptDetails(attempts []provider.Attempt) []gin.H {
	out := make([]gin.H, 0, len(attempts))
	for _, a := range attempts {
		entry := gin.H{
			"provider":   a.Provider,
			"status":     a.Status,
			"httpStatus": a.HTTPStatus,
			"latencyMs":  a.LatencyMs,
			"retries":    a.RetryIndex,
		}
		if a.ErrorCode != "" {
			entry["errorCode"] = a.ErrorCode
		}
		out = append(out, entry)
	}
	return out
}

func requestIDFromGin(c *gin.Context) string {
	id, _ := c.Request.Context().Value(ctxkey.RequestID).(string)
	return id
}
