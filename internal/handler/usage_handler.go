package handler

import (
	"time"

	"github.com/agentgate/agentgate/internal/handler/dto"
	"github.com/agentgate/agentgate/internal/pkg/pagination"
	"github.com/agentgate/agentgate/internal/pkg/response"
	"github.com/agentgate/agentgate/internal/service"

	"github.com/gin-gonic/gin"
)

type UsageHandler struct {
	usageService *service.UsageService
}

func NewUsageHandler(usageService *service.UsageService) *UsageHandler {
	return &UsageHandler{usageService: usageService}
}

// List handles GET /v1/usage/events.
func (h *UsageHandler) List(c *gin.Context) {
	page, pageSize := response.ParsePagination(c)
	events, total, err := h.usageService.List(c.Request.Context(), tenantIDFromGin(c), pagination.PaginationParams{
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Paginated(c, dto.UsageEventsFromService(events), total, page, pageSize)
}

// Summary handles GET /v1/usage/summary: totals per vendor over a window.
func (h *UsageHandler) Summary(c *gin.Context) {
	from, to, ok := parseUsageWindow(c)
	if !ok {
		return
	}
	totals, err := h.usageService.Totals(c.Request.Context(), tenantIDFromGin(c), from, to)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	byProvider, err := h.usageService.SummaryByProvider(c.Request.Context(), tenantIDFromGin(c), from, to)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{
		"from":        from,
		"to":          to,
		"totals":      totals,
		"by_provider": byProvider,
	})
}

// Daily handles GET /v1/usage/daily: one totals row per calendar day.
func (h *UsageHandler) Daily(c *gin.Context) {
	from, to, ok := parseUsageWindow(c)
	if !ok {
		return
	}
	series, err := h.usageService.DailySeries(c.Request.Context(), tenantIDFromGin(c), from, to)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{
		"from": from,
		"to":   to,
		"days": series,
	})
}

// parseUsageWindow reads the from/to query range (RFC 3339 or date-only),
// defaulting to the last 30 days.
func parseUsageWindow(c *gin.Context) (from, to time.Time, ok bool) {
	now := time.Now().UTC()
	from = now.AddDate(0, 0, -30)
	to = now

	if raw := c.Query("from"); raw != "" {
		parsed, err := parseTimeParam(raw)
		if err != nil {
			response.BadRequest(c, "invalid from parameter")
			return from, to, false
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := parseTimeParam(raw)
		if err != nil {
			response.BadRequest(c, "invalid to parameter")
			return from, to, false
		}
		to = parsed
	}
	if !to.After(from) {
		response.BadRequest(c, "to must be after from")
		return from, to, false
	}
	return from, to, true
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
