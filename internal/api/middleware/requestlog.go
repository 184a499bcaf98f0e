package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/shared/id"
)

const (
	// RequestIDHeader carries the request id on responses.
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestLog tags each request with a request id and logs its outcome.
func RequestLog(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := id.NewRequestID()
		c.Set(requestIDKey, reqID)
		c.Header(RequestIDHeader, reqID.String())

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", reqID.String()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Error(c.Errors.Last()))
		}
		logger.Debug("request served", fields...)
	}
}

// RequestID returns the id RequestLog assigned to c, or "".
func RequestID(c *gin.Context) id.RequestID {
	if v, ok := c.Get(requestIDKey); ok {
		if reqID, ok := v.(id.RequestID); ok {
			return reqID
		}
	}
	return ""
}
