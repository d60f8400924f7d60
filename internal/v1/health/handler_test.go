package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/signaling/internal/v1/bus"
)

func performRequest(t *testing.T, handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.GET(path, handler)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	engine.ServeHTTP(w, req)
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil)
	w := performRequest(t, h.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadiness_SingleNode(t *testing.T) {
	// Without a coordinator there is nothing to check.
	h := NewHandler(nil)
	w := performRequest(t, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["redis"])
}

func TestReadiness_RedisHealthy(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc, err := bus.NewService("redis://" + mr.Addr())
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	h := NewHandler(svc)
	w := performRequest(t, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := bus.NewService("redis://" + mr.Addr())
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	mr.Close()

	h := NewHandler(svc)
	w := performRequest(t, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["redis"])
}
