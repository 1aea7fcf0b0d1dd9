package models

// Page size bounds shared by listing endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Pagination describes the page returned by a listing endpoint.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// ClampPageSize maps a requested page size into [1, MaxPageSize]; non-positive sizes use the default.
func ClampPageSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}
