// Package pagination carries page/page_size plumbing shared by repositories
// and the management-plane handlers.
package pagination

const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type PaginationParams struct {
	Page     int
	PageSize int
}

func (p PaginationParams) Normalized() PaginationParams {
	out := p
	if out.Page < 1 {
		out.Page = DefaultPage
	}
	if out.PageSize < 1 {
		out.PageSize = DefaultPageSize
	}
	if out.PageSize > MaxPageSize {
		out.PageSize = MaxPageSize
	}
	return out
}

func (p PaginationParams) Offset() int {
	n := p.Normalized()
	return (n.Page - 1) * n.PageSize
}

func (p PaginationParams) Limit() int {
	return p.Normalized().PageSize
}

type PaginationResult struct {
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Pages    int   `json:"pages"`
}

func NewResult(total int64, params PaginationParams) *PaginationResult {
	n := params.Normalized()
	pages := int((total + int64(n.PageSize) - 1) / int64(n.PageSize))
	return &PaginationResult{
		Total:    total,
		Page:     n.Page,
		PageSize: n.PageSize,
		Pages:    pages,
	}
}
