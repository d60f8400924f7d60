package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrtc/signaling/internal/v1/logging"
)

func runCorrelation(t *testing.T, inbound string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var seen string
	engine := gin.New()
	engine.Use(CorrelationID())
	engine.GET("/", func(c *gin.Context) {
		seen = c.GetString(string(logging.CorrelationIDKey))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if inbound != "" {
		req.Header.Set(HeaderXCorrelationID, inbound)
	}
	engine.ServeHTTP(w, req)
	return w, seen
}

func TestCorrelationID_EchoesCallerID(t *testing.T) {
	w, seen := runCorrelation(t, "req-1234")

	assert.Equal(t, "req-1234", w.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-1234", seen)
}

func TestCorrelationID_GeneratesWhenAbsent(t *testing.T) {
	w, seen := runCorrelation(t, "")

	generated := w.Header().Get(HeaderXCorrelationID)
	require.NotEmpty(t, generated)
	assert.Equal(t, generated, seen)

	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
}
