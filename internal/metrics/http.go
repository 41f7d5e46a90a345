package metrics

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// HTTPMetricsMiddleware creates a Gin middleware that records HTTP metrics
func HTTPMetricsMiddleware(m core.Recorder) gin.HandlerFunc {
	// If NoopMetrics, return a lightweight middleware that does nothing
	if _, ok := m.(*NoopMetrics); ok {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	// In-flight tracking needs the concrete gauge
	concrete, _ := m.(*Metrics)

	return func(c *gin.Context) {
		// Skip metrics endpoint to avoid self-recording
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()

		if concrete != nil {
			concrete.HTTPRequestsInFlight.Inc()
			defer concrete.HTTPRequestsInFlight.Dec()
		}

		c.Next()

		// Use route pattern, not actual path, to bound label cardinality
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
