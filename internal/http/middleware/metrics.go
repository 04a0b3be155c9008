// Package middleware contains shared Gin middleware used by the agent's HTTP
// layer.
//
// This file exposes Prometheus instrumentation for calls the view layer makes
// into the agent. Labels are kept bounded:
//
//   - method: HTTP verb
//   - path:   the registered Gin route, or the raw path when nothing matched
//   - status: numeric status code as a string
//
// Upstream traffic is measured separately by the observability package.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	agentReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_http_requests_total",
			Help: "Total number of requests served by the local agent.",
		},
		[]string{"method", "path", "status"},
	)

	// Status is omitted to keep histogram cardinality low.
	agentLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "agent_http_request_duration_seconds",
			Help: "Duration of local agent requests in seconds.",
			// Mutation calls include an upstream round trip; drains may take longer.
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	agentInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_http_requests_inflight",
			Help: "Current number of in-flight local agent requests.",
		},
	)

	agentRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "agent_http_response_size_bytes",
			Help: "Size of local agent responses in bytes.",
			Buckets: []float64{
				100, 200, 500, 1 << 10, 2 << 10, 5 << 10,
				10 << 10, 25 << 10, 50 << 10, 100 << 10, 250 << 10,
			},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(agentReqs, agentLat, agentInflight, agentRespSize)
}

// Metrics returns a Gin middleware that instruments requests with Prometheus.
//
//	r := gin.New()
//	r.Use(middleware.Metrics())
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		agentInflight.Inc()
		defer agentInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		agentReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		agentLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		// Size is -1 when nothing was written.
		if size := c.Writer.Size(); size >= 0 {
			agentRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
