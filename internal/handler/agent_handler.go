package handler

import (
	"github.com/agentgate/agentgate/internal/handler/dto"
	"github.com/agentgate/agentgate/internal/pkg/ctxkey"
	"github.com/agentgate/agentgate/internal/pkg/pagination"
	"github.com/agentgate/agentgate/internal/pkg/response"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/gin-gonic/gin"
)

type AgentHandler struct {
	agentService *service.AgentService
}

func NewAgentHandler(agentService *service.AgentService) *AgentHandler {
	return &AgentHandler{agentService: agentService}
}

// Create handles POST /v1/agents.
func (h *AgentHandler) Create(c *gin.Context) {
	var req dto.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	agent, err := h.agentService.Create(c.Request.Context(), tenantIDFromGin(c), req.ToService())
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, dto.AgentFromService(agent))
}

// Get handles GET /v1/agents/:id.
func (h *AgentHandler) Get(c *gin.Context) {
	agent, err := h.agentService.Get(c.Request.Context(), tenantIDFromGin(c), c.Param("id"))
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, dto.AgentFromService(agent))
}

// Update handles PUT /v1/agents/:id.
func (h *AgentHandler) Update(c *gin.Context) {
	var req dto.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	agent, err := h.agentService.Update(c.Request.Context(), tenantIDFromGin(c), c.Param("id"), req.ToService())
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, dto.AgentFromService(agent))
}

// Delete handles DELETE /v1/agents/:id.
func (h *AgentHandler) Delete(c *gin.Context) {
	if err := h.agentService.Delete(c.Request.Context(), tenantIDFromGin(c), c.Param("id")); err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, nil)
}

// List handles GET /v1/agents.
func (h *AgentHandler) List(c *gin.Context) {
	page, pageSize := response.ParsePagination(c)
	agents, total, err := h.agentService.List(c.Request.Context(), tenantIDFromGin(c), pagination.PaginationParams{
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Paginated(c, dto.AgentsFromService(agents), total, page, pageSize)
}

func tenantIDFromGin(c *gin.Context) string {
	tenantID, _ := c.Request.Context().Value(ctxkey.TenantID).(string)
	return tenantID
}
