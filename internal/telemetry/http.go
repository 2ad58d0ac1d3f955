package telemetry

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "liveq",
	Name:      "http_request_duration_seconds",
	Help:      "HTTP request latency by route and status.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route", "status"})

// HTTPMiddleware logs each request and records its latency. Student polls
// dominate traffic, so the slog line stays at debug.
func HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		slog.DebugContext(c.Request.Context(), "http: request served",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"elapsed", elapsed,
		)
	}
}
