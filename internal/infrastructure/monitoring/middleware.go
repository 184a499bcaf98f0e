package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware recording external bridge responses.
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		metrics.RecordExternal(strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures a content request
type Timer struct {
	start   time.Time
	metrics *Metrics
	variant string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, variant string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		variant: variant,
	}
}

// Stop stops the timer and records the duration
func (t *Timer) Stop(status string) {
	t.metrics.RecordRequest(t.variant, status, time.Since(t.start))
}
