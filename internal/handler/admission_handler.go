package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-group-change/internal/models"
	"github.com/noah-isme/sma-group-change/internal/service"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
	"github.com/noah-isme/sma-group-change/pkg/response"
)

type admissionService interface {
	Decide(ctx context.Context, groupID string, actor models.Actor) (*service.DecisionReport, error)
	DecideAll(ctx context.Context, actor models.Actor) ([]*service.DecisionReport, error)
	Admit(ctx context.Context, requestID string, actor models.Actor) (*service.DecisionOutcome, error)
	Revert(ctx context.Context, studentID string, actor models.Actor) (*service.RevertResult, error)
}

type occupancyReader interface {
	Occupancy(ctx context.Context, groupID string) (models.GroupOccupancy, error)
	Threshold() float64
}

// AdmissionHandler exposes reviewer and administrator admission controls.
type AdmissionHandler struct {
	admission admissionService
	oracle    occupancyReader
}

// NewAdmissionHandler constructs the handler.
func NewAdmissionHandler(admission admissionService, oracle occupancyReader) *AdmissionHandler {
	return &AdmissionHandler{admission: admission, oracle: oracle}
}

// Decide godoc
// @Summary Run an admission cycle for a group
// @Tags Admission
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} response.Envelope
// @Router /groups/{id}/decide [post]
func (h *AdmissionHandler) Decide(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	report, err := h.admission.Decide(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// DecideAll godoc
// @Summary Run admission cycles for every group with pending requests
// @Tags Admission
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admission/decide-all [post]
func (h *AdmissionHandler) DecideAll(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	reports, err := h.admission.DecideAll(c.Request.Context(), actor)
	if err != nil && len(reports) == 0 {
		response.Error(c, err)
		return
	}
	meta := map[string]interface{}{"groups": len(reports)}
	if err != nil {
		meta["partial"] = true
		meta["error"] = err.Error()
	}
	response.JSON(c, http.StatusOK, reports, nil, meta)
}

// Admit godoc
// @Summary Admit a single request now
// @Tags Admission
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /change-requests/{id}/admit [post]
func (h *AdmissionHandler) Admit(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	outcome, err := h.admission.Admit(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcome, nil)
}

// Undo godoc
// @Summary Revert a student's last enrollment change
// @Tags Admission
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/undo [post]
func (h *AdmissionHandler) Undo(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.admission.Revert(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Occupancy godoc
// @Summary Current occupancy of a group
// @Tags Admission
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} response.Envelope
// @Router /groups/{id}/occupancy [get]
func (h *AdmissionHandler) Occupancy(c *gin.Context) {
	if h.oracle == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "capacity oracle not configured"))
		return
	}
	occ, err := h.oracle.Occupancy(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	threshold := h.oracle.Threshold()
	response.JSON(c, http.StatusOK, occ, nil, map[string]interface{}{
		"ratio":         occ.Ratio(),
		"near_capacity": occ.Ratio() >= threshold,
		"saturated":     occ.Saturated(),
	})
}
