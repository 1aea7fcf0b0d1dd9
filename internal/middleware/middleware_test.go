package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-group-change/internal/models"
	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

type staticValidator struct {
	claims *models.JWTClaims
	err    error
	seen   string
}

func (v *staticValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	v.seen = token
	return v.claims, v.err
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/resource", handlers...)
	return r
}

func TestJWTRequiresBearerHeader(t *testing.T) {
	r := newRouter(JWT(&staticValidator{}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Authorization", "Basic abc")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTStoresClaims(t *testing.T) {
	validator := &staticValidator{claims: &models.JWTClaims{UserID: "rev-1", Role: models.RoleReviewer}}
	var got *models.JWTClaims
	r := newRouter(JWT(validator), func(c *gin.Context) {
		value, _ := c.Get(ContextUserKey)
		got, _ = value.(*models.JWTClaims)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Authorization", "bearer token-1")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "token-1", validator.seen)
	require.NotNil(t, got)
	assert.Equal(t, "rev-1", got.UserID)
}

func TestJWTPropagatesValidationError(t *testing.T) {
	r := newRouter(JWT(&staticValidator{err: appErrors.Clone(appErrors.ErrUnauthorized, "expired")}))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set("Authorization", "Bearer stale")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRoles(t *testing.T) {
	withClaims := func(role models.UserRole) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(ContextUserKey, &models.JWTClaims{UserID: "u", Role: role})
		}
	}
	cases := []struct {
		role models.UserRole
		want int
	}{
		{models.RoleReviewer, http.StatusOK},
		{models.RoleSuperAdmin, http.StatusOK},
		{models.RoleStudent, http.StatusForbidden},
	}
	for _, tc := range cases {
		r := newRouter(withClaims(tc.role), RequireRoles(models.RoleReviewer, models.RoleAdmin))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource", nil))
		assert.Equal(t, tc.want, w.Code, string(tc.role))
	}

	r := newRouter(RequireRoles(models.RoleReviewer))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsMiddlewareToleratesNilService(t *testing.T) {
	r := newRouter(Metrics(nil))
	start := time.Now()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.WithinDuration(t, start, time.Now(), time.Second)
}

type observation struct {
	method string
	path   string
	status int
}

type recordingObserver struct {
	seen []observation
}

func (o *recordingObserver) ObserveHTTPRequest(method, path string, status int, _ time.Duration) {
	o.seen = append(o.seen, observation{method: method, path: path, status: status})
}

func TestMetricsMiddlewareRecordsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	observer := &recordingObserver{}
	r := gin.New()
	r.Use(Metrics(observer, "/metrics"))
	r.GET("/groups/:id", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/groups/g-1", "/metrics", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Len(t, observer.seen, 2)
	assert.Equal(t, observation{method: http.MethodGet, path: "/groups/:id", status: http.StatusAccepted}, observer.seen[0])
	assert.Equal(t, observation{method: http.MethodGet, path: unmatchedRoute, status: http.StatusNotFound}, observer.seen[1])
}
