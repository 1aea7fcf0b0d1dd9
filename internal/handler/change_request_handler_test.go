package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-group-change/internal/middleware"
	"github.com/noah-isme/sma-group-change/internal/models"
	"github.com/noah-isme/sma-group-change/internal/service"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
	"github.com/noah-isme/sma-group-change/pkg/export"
)

type changeRequestServiceMock struct {
	submitIn   service.SubmitChangeRequestInput
	submitErr  error
	reviewIn   service.ReviewInput
	lastActor  models.Actor
	lastFilter models.ChangeRequestFilter
	lastID     string
	rank       int
	statusErr  error
	exportFmt  string
}

func (m *changeRequestServiceMock) Submit(ctx context.Context, actor models.Actor, in service.SubmitChangeRequestInput) (*models.ChangeRequest, error) {
	m.lastActor = actor
	m.submitIn = in
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &models.ChangeRequest{ID: "req-1", RequesterID: actor.ID, Status: models.ChangeRequestStatusPending}, nil
}

func (m *changeRequestServiceMock) Cancel(ctx context.Context, id string, actor models.Actor) (*models.ChangeRequest, error) {
	m.lastID = id
	return &models.ChangeRequest{ID: id, Status: models.ChangeRequestStatusCancelled}, nil
}

func (m *changeRequestServiceMock) Review(ctx context.Context, id string, actor models.Actor, in service.ReviewInput) (*models.ChangeRequest, error) {
	m.lastID = id
	m.reviewIn = in
	return &models.ChangeRequest{ID: id, Status: models.ChangeRequestStatusUnderReview}, nil
}

func (m *changeRequestServiceMock) UpdateReason(ctx context.Context, id string, actor models.Actor, in service.UpdateReasonInput) (*models.ChangeRequest, error) {
	m.lastID = id
	return &models.ChangeRequest{ID: id, Reason: in.Reason}, nil
}

func (m *changeRequestServiceMock) Status(ctx context.Context, id string, actor models.Actor) (*service.RequestStatus, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return &service.RequestStatus{Request: &models.ChangeRequest{ID: id}, Rank: m.rank}, nil
}

func (m *changeRequestServiceMock) PriorityRank(ctx context.Context, id string, actor models.Actor) (int, error) {
	return m.rank, nil
}

func (m *changeRequestServiceMock) ListMine(ctx context.Context, actor models.Actor, filter models.ChangeRequestFilter) ([]models.ChangeRequest, *models.Pagination, error) {
	m.lastFilter = filter
	return []models.ChangeRequest{{ID: "req-1"}}, &models.Pagination{Page: 2, PageSize: filter.Limit, TotalCount: 11}, nil
}

func (m *changeRequestServiceMock) ExportHistory(ctx context.Context, id string, actor models.Actor, format string) (*export.Document, error) {
	m.exportFmt = format
	return &export.Document{Filename: "change-request-" + id + "-history.csv", ContentType: "text/csv", Body: []byte("#,Timestamp\n")}, nil
}

func newTestContext(method, target string, body string, claims *models.JWTClaims) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	c.Request = req
	if claims != nil {
		c.Set(middleware.ContextUserKey, claims)
	}
	return c, w
}

var studentClaims = &models.JWTClaims{UserID: "stu-1", Role: models.RoleStudent}

func TestChangeRequestHandlerSubmit(t *testing.T) {
	svc := &changeRequestServiceMock{}
	h := NewChangeRequestHandler(svc)
	c, w := newTestContext(http.MethodPost, "/change-requests", `{"from_group_id":"g-1","to_group_id":"g-2","reason":"work shift"}`, studentClaims)

	h.Submit(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "g-2", svc.submitIn.ToGroupID)
	assert.Equal(t, models.Actor{ID: "stu-1", Role: models.RoleStudent}, svc.lastActor)

	var body struct {
		Data models.ChangeRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.ChangeRequestStatusPending, body.Data.Status)
}

func TestChangeRequestHandlerSubmitRequiresIdentityAndBody(t *testing.T) {
	h := NewChangeRequestHandler(&changeRequestServiceMock{})

	c, w := newTestContext(http.MethodPost, "/change-requests", `{"from_group_id":"g-1"}`, nil)
	h.Submit(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, w = newTestContext(http.MethodPost, "/change-requests", `{"from_group_id":"g-1"}`, studentClaims)
	h.Submit(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChangeRequestHandlerSubmitMapsConflict(t *testing.T) {
	svc := &changeRequestServiceMock{submitErr: appErrors.Clone(appErrors.ErrConflict, "open request exists")}
	h := NewChangeRequestHandler(svc)
	c, w := newTestContext(http.MethodPost, "/change-requests", `{"from_group_id":"g-1","to_group_id":"g-2","reason":"r"}`, studentClaims)

	h.Submit(c)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "CONFLICT")
}

func TestChangeRequestHandlerListMineBuildsFilter(t *testing.T) {
	svc := &changeRequestServiceMock{}
	h := NewChangeRequestHandler(svc)
	c, w := newTestContext(http.MethodGet, "/change-requests/mine?page=2&page_size=5&status=pending,%20under_review&term_id=term-1", "", studentClaims)

	h.ListMine(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, svc.lastFilter.Limit)
	assert.Equal(t, 5, svc.lastFilter.Offset)
	assert.Equal(t, "term-1", svc.lastFilter.TermID)
	assert.Equal(t, []models.ChangeRequestStatus{models.ChangeRequestStatusPending, models.ChangeRequestStatusUnderReview}, svc.lastFilter.Status)
	assert.Contains(t, w.Body.String(), `"total_count":11`)
}

func TestChangeRequestHandlerListMineClampsPageSizeBeforeOffset(t *testing.T) {
	svc := &changeRequestServiceMock{}
	h := NewChangeRequestHandler(svc)
	c, w := newTestContext(http.MethodGet, "/change-requests/mine?page=3&page_size=500", "", studentClaims)

	h.ListMine(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.MaxPageSize, svc.lastFilter.Limit)
	assert.Equal(t, 2*models.MaxPageSize, svc.lastFilter.Offset)

	c, _ = newTestContext(http.MethodGet, "/change-requests/mine?page=2&page_size=0", "", studentClaims)
	h.ListMine(c)
	assert.Equal(t, models.DefaultPageSize, svc.lastFilter.Limit)
	assert.Equal(t, models.DefaultPageSize, svc.lastFilter.Offset)
}

func TestChangeRequestHandlerGetAndRank(t *testing.T) {
	svc := &changeRequestServiceMock{rank: 3}
	h := NewChangeRequestHandler(svc)

	c, w := newTestContext(http.MethodGet, "/change-requests/req-9", "", studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "req-9"}}
	h.Get(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rank":3`)

	c, w = newTestContext(http.MethodGet, "/change-requests/req-9/rank", "", studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "req-9"}}
	h.Rank(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"req-9"`)
}

func TestChangeRequestHandlerGetNotFound(t *testing.T) {
	h := NewChangeRequestHandler(&changeRequestServiceMock{statusErr: appErrors.Clone(appErrors.ErrNotFound, "change request not found")})
	c, w := newTestContext(http.MethodGet, "/change-requests/x", "", studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "x"}}
	h.Get(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChangeRequestHandlerReviewNormalisesAction(t *testing.T) {
	svc := &changeRequestServiceMock{}
	h := NewChangeRequestHandler(svc)
	c, w := newTestContext(http.MethodPost, "/change-requests/req-1/review", `{"action":" Start_Review ","comment":"checking"}`, &models.JWTClaims{UserID: "rev-1", Role: models.RoleReviewer})
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}

	h.Review(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "start_review", svc.reviewIn.Action)
	assert.Equal(t, "checking", svc.reviewIn.Comment)
}

func TestChangeRequestHandlerCancelAndUpdate(t *testing.T) {
	svc := &changeRequestServiceMock{}
	h := NewChangeRequestHandler(svc)

	c, w := newTestContext(http.MethodPost, "/change-requests/req-1/cancel", "", studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}
	h.Cancel(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-1", svc.lastID)

	c, w = newTestContext(http.MethodPatch, "/change-requests/req-1", `{"reason":"new"}`, studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}
	h.Update(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"new"`)
}

func TestChangeRequestHandlerExportHistory(t *testing.T) {
	svc := &changeRequestServiceMock{}
	h := NewChangeRequestHandler(svc)
	c, w := newTestContext(http.MethodGet, "/change-requests/req-1/history/export?format=csv", "", studentClaims)
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}

	h.ExportHistory(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "csv", svc.exportFmt)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "change-request-req-1-history.csv")
}
