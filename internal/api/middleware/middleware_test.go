package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/shared/id"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	return w
}

func TestGlobalRateLimit(t *testing.T) {
	r := gin.New()
	r.Use(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(r).Code)
	assert.Equal(t, http.StatusOK, serve(r).Code)

	w := serve(r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", w.Body.String())
}

func TestGlobalRateLimitDefaults(t *testing.T) {
	r := gin.New()
	r.Use(GlobalRateLimit(RateLimitConfig{}))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < DefaultRateLimitConfig().Burst; i++ {
		require.Equal(t, http.StatusOK, serve(r).Code, "request %d", i)
	}
}

func TestRequestLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	var seen id.RequestID
	r := gin.New()
	r.Use(RequestLog(logging.Wrap(zap.New(core))))
	r.POST("/", func(c *gin.Context) {
		seen = RequestID(c)
		c.Status(http.StatusAccepted)
	})

	w := serve(r)
	require.Equal(t, http.StatusAccepted, w.Code)

	header := w.Header().Get(RequestIDHeader)
	assert.Equal(t, seen.String(), header)
	assert.True(t, strings.HasPrefix(header, id.RequestPrefix+"_"))

	entries := logs.FilterMessage("request served").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, header, fields["request_id"])
	assert.Equal(t, int64(http.StatusAccepted), fields["status"])
}

func TestRequestIDWithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, RequestID(c))
}
