// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipper_http_requests_total",
			Help: "Total HTTP requests handled by the clipper API",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipper_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ToolRunsTotal counts external tool invocations by tool and outcome.
	ToolRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipper_tool_runs_total",
			Help: "External tool invocations by tool and result",
		},
		[]string{"tool", "result"},
	)

	// ToolDuration observes how long each external tool ran.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipper_tool_duration_seconds",
			Help:    "External tool run time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		},
		[]string{"tool"},
	)

	// SessionTransitionsTotal counts state changes by target status.
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipper_session_transitions_total",
			Help: "Session status transitions by target status",
		},
		[]string{"status"},
	)

	ProbeCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipper_probe_cache_hits_total",
		Help: "Frame rate probes answered from cache",
	})

	ReaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipper_reaper_runs_total",
		Help: "Stale file reaper runs",
	})

	ReaperFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipper_reaper_files_deleted_total",
		Help: "Files removed by the stale file reaper",
	})

	// ReaperLiveFilesDeletedTotal counts deletions of a ready session's current file.
	ReaperLiveFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipper_reaper_live_files_deleted_total",
		Help: "Current session files removed by the reaper while still referenced",
	})

	ReaperSessionsClearedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipper_reaper_sessions_cleared_total",
		Help: "Idle sessions cleared by the reaper",
	})

	ReaperDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipper_reaper_duration_seconds",
		Help:    "Reaper run time in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// Middleware records request count and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
