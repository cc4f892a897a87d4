// Package response holds the wire envelope for management-plane endpoints.
// Success bodies are {"code":0,"message":"success","data":...}; errors carry
// the HTTP status as code plus a stable reason for machine handling. The
// data-plane send endpoint does not use this package: it writes the stored
// response envelope bytes verbatim.
package response

import (
	"net/http"
	"strconv"

	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
	"github.com/agentgate/agentgate/internal/pkg/pagination"

	"github.com/gin-gonic/gin"
)

type Body struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type PageData struct {
	Items    any   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Pages    int   `json:"pages"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Code: 0, Message: "success", Data: data})
}

func Paginated(c *gin.Context, items any, total int64, page, pageSize int) {
	result := pagination.NewResult(total, pagination.PaginationParams{Page: page, PageSize: pageSize})
	c.JSON(http.StatusOK, Body{
		Code:    0,
		Message: "success",
		Data: PageData{
			Items:    items,
			Total:    result.Total,
			Page:     result.Page,
			PageSize: result.PageSize,
			Pages:    result.Pages,
		},
	})
}

func PaginatedWithResult(c *gin.Context, items any, result *pagination.PaginationResult) {
	if result == nil {
		Paginated(c, items, 0, pagination.DefaultPage, pagination.DefaultPageSize)
		return
	}
	c.JSON(http.StatusOK, Body{
		Code:    0,
		Message: "success",
		Data: PageData{
			Items:    items,
			Total:    result.Total,
			Page:     result.Page,
			PageSize: result.PageSize,
			Pages:    result.Pages,
		},
	})
}

func Error(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, Body{Code: status, Message: message})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}

// ErrorFrom maps an ApplicationError to its HTTP status and keeps the reason
// on the wire; foreign errors become a plain 500.
func ErrorFrom(c *gin.Context, err error) {
	appErr := infraerrors.FromError(err)
	if appErr == nil {
		Success(c, nil)
		return
	}
	c.AbortWithStatusJSON(appErr.Code, Body{
		Code:    appErr.Code,
		Message: appErr.Message,
		Reason:  appErr.Reason,
	})
}

// ParsePagination reads page/page_size query parameters with defaults.
func ParsePagination(c *gin.Context) (page, pageSize int) {
	page = pagination.DefaultPage
	pageSize = pagination.DefaultPageSize
	if v, err := strconv.Atoi(c.DefaultQuery("page", strconv.Itoa(page))); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(pageSize))); err == nil && v > 0 {
		pageSize = v
	}
	if pageSize > pagination.MaxPageSize {
		pageSize = pagination.MaxPageSize
	}
	return page, pageSize
}
