package handler

import (
	"github.com/agentgate/agentgate/internal/handler/dto"
	"github.com/agentgate/agentgate/internal/pkg/pagination"
	"github.com/agentgate/agentgate/internal/pkg/response"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessionService *service.SessionService
}

func NewSessionHandler(sessionService *service.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// Create handles POST /v1/sessions.
func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	session, err := h.sessionService.Create(c.Request.Context(), tenantIDFromGin(c), req.ToService())
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, dto.SessionFromService(session))
}

// Get handles GET /v1/sessions/:id.
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.sessionService.Get(c.Request.Context(), tenantIDFromGin(c), c.Param("id"))
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, dto.SessionFromService(session))
}

// List handles GET /v1/sessions.
func (h *SessionHandler) List(c *gin.Context) {
	page, pageSize := response.ParsePagination(c)
	sessions, total, err := h.sessionService.List(c.Request.Context(), tenantIDFromGin(c), pagination.PaginationParams{
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Paginated(c, dto.SessionsFromService(sessions), total, page, pageSize)
}

// Close handles POST /v1/sessions/:id/close.
func (h *SessionHandler) Close(c *gin.Context) {
	if err := h.sessionService.Close(c.Request.Context(), tenantIDFromGin(c), c.Param("id")); err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, nil)
}

// Messages handles GET /v1/sessions/:id/messages: the full transcript in
// ascending order.
func (h *SessionHandler) Messages(c *gin.Context) {
	messages, err := h.sessionService.Messages(c.Request.Context(), tenantIDFromGin(c), c.Param("id"))
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, dto.MessagesFromService(messages))
}
