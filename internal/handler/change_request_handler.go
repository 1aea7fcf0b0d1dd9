package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-group-change/internal/dto"
	"github.com/noah-isme/sma-group-change/internal/models"
	"github.com/noah-isme/sma-group-change/internal/service"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
	"github.com/noah-isme/sma-group-change/pkg/export"
	"github.com/noah-isme/sma-group-change/pkg/response"
)

type changeRequestService interface {
	Submit(ctx context.Context, actor models.Actor, in service.SubmitChangeRequestInput) (*models.ChangeRequest, error)
	Cancel(ctx context.Context, requestID string, actor models.Actor) (*models.ChangeRequest, error)
	Review(ctx context.Context, requestID string, actor models.Actor, in service.ReviewInput) (*models.ChangeRequest, error)
	UpdateReason(ctx context.Context, requestID string, actor models.Actor, in service.UpdateReasonInput) (*models.ChangeRequest, error)
	Status(ctx context.Context, requestID string, actor models.Actor) (*service.RequestStatus, error)
	PriorityRank(ctx context.Context, requestID string, actor models.Actor) (int, error)
	ListMine(ctx context.Context, actor models.Actor, filter models.ChangeRequestFilter) ([]models.ChangeRequest, *models.Pagination, error)
	ExportHistory(ctx context.Context, requestID string, actor models.Actor, format string) (*export.Document, error)
}

// ChangeRequestHandler exposes the change request lifecycle.
type ChangeRequestHandler struct {
	service changeRequestService
}

// NewChangeRequestHandler constructs the handler.
func NewChangeRequestHandler(service changeRequestService) *ChangeRequestHandler {
	return &ChangeRequestHandler{service: service}
}

// Submit godoc
// @Summary Submit a group change request
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param payload body dto.SubmitChangeRequest true "Change request"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /change-requests [post]
func (h *ChangeRequestHandler) Submit(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.SubmitChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid change request payload"))
		return
	}
	created, err := h.service.Submit(c.Request.Context(), actor, service.SubmitChangeRequestInput{
		FromGroupID: req.FromGroupID,
		ToGroupID:   req.ToGroupID,
		Reason:      req.Reason,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// ListMine godoc
// @Summary List the caller's change requests
// @Tags ChangeRequests
// @Produce json
// @Param term_id query string false "Term"
// @Param status query string false "Comma separated statuses"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /change-requests/mine [get]
func (h *ChangeRequestHandler) ListMine(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.ChangeRequestQuery{
		TermID:   strings.TrimSpace(c.Query("term_id")),
		Page:     queryInt(c, "page", 1),
		PageSize: models.ClampPageSize(queryInt(c, "page_size", models.DefaultPageSize)),
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				query.Status = append(query.Status, part)
			}
		}
	}
	if query.Page < 1 {
		query.Page = 1
	}
	filter := models.ChangeRequestFilter{
		TermID: query.TermID,
		Limit:  query.PageSize,
		Offset: (query.Page - 1) * query.PageSize,
	}
	for _, s := range query.Status {
		filter.Status = append(filter.Status, models.ChangeRequestStatus(s))
	}
	items, pagination, err := h.service.ListMine(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get a change request with its review history and rank
// @Tags ChangeRequests
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /change-requests/{id} [get]
func (h *ChangeRequestHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	status, err := h.service.Status(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.ChangeRequestStatusResponse{Request: status.Request, Rank: status.Rank}, nil)
}

// Rank godoc
// @Summary Get the priority rank of a pending request
// @Tags ChangeRequests
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /change-requests/{id}/rank [get]
func (h *ChangeRequestHandler) Rank(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	id := c.Param("id")
	rank, err := h.service.PriorityRank(c.Request.Context(), id, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.RankResponse{RequestID: id, Rank: rank}, nil)
}

// Update godoc
// @Summary Update the reason of an open request
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param id path string true "Change request ID"
// @Param payload body dto.UpdateChangeRequest true "New reason"
// @Success 200 {object} response.Envelope
// @Router /change-requests/{id} [patch]
func (h *ChangeRequestHandler) Update(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.UpdateChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid update payload"))
		return
	}
	updated, err := h.service.UpdateReason(c.Request.Context(), c.Param("id"), actor, service.UpdateReasonInput{Reason: req.Reason})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated, nil)
}

// Cancel godoc
// @Summary Cancel an open request
// @Tags ChangeRequests
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /change-requests/{id}/cancel [post]
func (h *ChangeRequestHandler) Cancel(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	cancelled, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cancelled, nil)
}

// Review godoc
// @Summary Start review, request information or reject a request
// @Tags ChangeRequests
// @Accept json
// @Produce json
// @Param id path string true "Change request ID"
// @Param payload body dto.ReviewChangeRequest true "Review action"
// @Success 200 {object} response.Envelope
// @Router /change-requests/{id}/review [post]
func (h *ChangeRequestHandler) Review(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ReviewChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid review payload"))
		return
	}
	reviewed, err := h.service.Review(c.Request.Context(), c.Param("id"), actor, service.ReviewInput{
		Action:  strings.ToLower(strings.TrimSpace(req.Action)),
		Comment: req.Comment,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reviewed, nil)
}

// ExportHistory godoc
// @Summary Download the review history of a request
// @Tags ChangeRequests
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Change request ID"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /change-requests/{id}/history/export [get]
func (h *ChangeRequestHandler) ExportHistory(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	doc, err := h.service.ExportHistory(c.Request.Context(), c.Param("id"), actor, c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, doc.Filename, doc.ContentType, doc.Body)
}
