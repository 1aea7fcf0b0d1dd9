package dto

import "github.com/noah-isme/sma-group-change/internal/models"

// SubmitChangeRequest is the body of POST /change-requests.
type SubmitChangeRequest struct {
	FromGroupID string `json:"from_group_id" binding:"required"`
	ToGroupID   string `json:"to_group_id" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

// UpdateChangeRequest is the body of PATCH /change-requests/{id}.
type UpdateChangeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ReviewChangeRequest is the body of POST /change-requests/{id}/review.
type ReviewChangeRequest struct {
	Action  string `json:"action" binding:"required"`
	Comment string `json:"comment"`
}

// ChangeRequestQuery filters GET /change-requests/mine.
type ChangeRequestQuery struct {
	TermID   string   `form:"term_id"`
	Status   []string `form:"status"`
	Page     int      `form:"page"`
	PageSize int      `form:"page_size"`
}

// ChangeRequestStatusResponse bundles a request with its live priority rank.
type ChangeRequestStatusResponse struct {
	Request *models.ChangeRequest `json:"request"`
	Rank    int                   `json:"rank"`
}

// RankResponse is returned by GET /change-requests/{id}/rank. Rank is -1 when not pending.
type RankResponse struct {
	RequestID string `json:"request_id"`
	Rank      int    `json:"rank"`
}
