package handler

import (
	"github.com/agentgate/agentgate/internal/pkg/response"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/gin-gonic/gin"
)

type PricingHandler struct {
	pricingService *service.PricingService
}

func NewPricingHandler(pricingService *service.PricingService) *PricingHandler {
	return &PricingHandler{pricingService: pricingService}
}

// Rates handles GET /v1/pricing: the flat USD-per-1k-tokens table.
func (h *PricingHandler) Rates(c *gin.Context) {
	response.Success(c, gin.H{
		"usd_per_1k_tokens": h.pricingService.Rates(),
	})
}
