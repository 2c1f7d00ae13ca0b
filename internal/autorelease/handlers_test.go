package autorelease

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/logging"
)

const testSweepToken = "sweep-secret"

func setupRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(h.svc, logging.Discard())
	sweep := r.Group("/v1", auth.RequireSweepToken(testSweepToken))
	handler.RegisterSweepRoutes(sweep)
	admin := r.Group("/v1", auth.RequireAdmin("admin-secret"))
	handler.RegisterAdminRoutes(admin)
	return r
}

func call(r *gin.Engine, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_SweepRequiresToken(t *testing.T) {
	r := setupRouter(newHarness(t))

	assert.Equal(t, http.StatusUnauthorized, call(r, "POST", "/v1/autorelease/sweep", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		call(r, "POST", "/v1/autorelease/sweep", map[string]string{auth.HeaderSweepToken: "wrong"}, nil).Code)
	assert.Equal(t, http.StatusOK,
		call(r, "GET", "/v1/autorelease/sweep", map[string]string{"Authorization": "Bearer " + testSweepToken}, nil).Code)
}

func TestHandler_SweepResponse(t *testing.T) {
	h := newHarness(t)
	h.completed(t, "client", "cleaning", "3000")
	h.clock.Advance(73 * time.Hour)
	r := setupRouter(h)

	w := call(r, "POST", "/v1/autorelease/sweep", map[string]string{auth.HeaderSweepToken: testSweepToken}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Stats   struct {
			ProcessedCount int `json:"processedCount"`
			SuccessCount   int `json:"successCount"`
			FailureCount   int `json:"failureCount"`
			SkippedCount   int `json:"skippedCount"`
		} `json:"stats"`
		Logs []struct {
			BookingID string `json:"bookingId"`
			Action    string `json:"action"`
		} `json:"logs"`
		DurationMs *int64 `json:"durationMs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Stats.ProcessedCount)
	assert.Equal(t, 1, resp.Stats.SuccessCount)
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, "released", resp.Logs[0].Action)
	assert.NotNil(t, resp.DurationMs)
}

func TestHandler_ManualTrigger(t *testing.T) {
	h := newHarness(t)
	b := h.completed(t, "client", "cleaning", "3000")
	r := setupRouter(h)
	hdr := map[string]string{auth.HeaderSweepToken: testSweepToken}

	w := call(r, "PUT", "/v1/autorelease/sweep", hdr, map[string]string{"bookingId": b.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"successCount":1`)

	assert.Equal(t, http.StatusNotFound, call(r, "PUT", "/v1/autorelease/sweep", hdr, map[string]string{"bookingId": "bk_nope"}).Code)
	assert.Equal(t, http.StatusBadRequest, call(r, "PUT", "/v1/autorelease/sweep", hdr, map[string]string{}).Code)
}

func TestHandler_AdminRules(t *testing.T) {
	r := setupRouter(newHarness(t))
	admin := map[string]string{auth.HeaderAdminSecret: "admin-secret"}

	w := call(r, "POST", "/v1/admin/autorelease/rules", admin, map[string]any{
		"name": "moving", "gracePeriodHours": 24, "categoryId": "moving", "maxAmount": "50000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Rule Rule `json:"rule"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotNil(t, created.Rule.MaxAmount)
	assert.Equal(t, "50000", created.Rule.MaxAmount.String())

	w = call(r, "POST", "/v1/admin/autorelease/rules", admin, map[string]any{"name": "moving", "gracePeriodHours": 12})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = call(r, "POST", "/v1/admin/autorelease/rules", admin, map[string]any{"name": "", "gracePeriodHours": 12})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, "PATCH", "/v1/admin/autorelease/rules/"+created.Rule.ID, admin, map[string]any{"enabled": false, "clearMaxAmount": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"enabled":false`)
	assert.NotContains(t, w.Body.String(), "maxAmount")

	w = call(r, "GET", "/v1/admin/autorelease/rules", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusUnauthorized, call(r, "GET", "/v1/admin/autorelease/logs", nil, nil).Code)
}
