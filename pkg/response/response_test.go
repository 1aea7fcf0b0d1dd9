package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sma-group-change/pkg/errors"
)

func newContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return c, w
}

func TestJSONWithMeta(t *testing.T) {
	c, w := newContext()

	JSON(c, http.StatusOK, map[string]string{"id": "req-1"}, nil, map[string]interface{}{"partial": true})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "req-1", body["data"]["id"])
	assert.Equal(t, true, body["meta"]["partial"])
}

func TestErrorMapsStatus(t *testing.T) {
	c, w := newContext()
	Error(c, appErrors.Clone(appErrors.ErrConflict, "group is full"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "group is full")

	c, w = newContext()
	Error(c, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAttachment(t *testing.T) {
	c, w := newContext()

	Attachment(c, "history.csv", "text/csv", []byte("a,b\n"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="history.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "a,b\n", w.Body.String())
}
