// Package httpapi wires the local agent's HTTP transport (Gin) to the gateway
// components. It centralizes the cross-cutting concerns: tracing,
// correlation IDs, scrubbed access logs, panic recovery, metrics, CORS,
// security headers, idempotency key validation and rate limiting.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-offline-gateway/internal/config"
	"github.com/tbourn/go-offline-gateway/internal/http/handlers"
	"github.com/tbourn/go-offline-gateway/internal/http/middleware"
)

// maxBodyBytes caps agent request bodies. Mutation payloads are small JSON
// documents; anything larger is a view-layer bug.
const maxBodyBytes = 1 << 20

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs with scrubbing
//  4. Recovery: capture panics after logger
//  5. Loopback guard (when enabled)
//  6. Body size limiter
//  7. Metrics
//  8. CORS and security headers
//  9. Idempotency validator, rate limiter and gzip on /v1
func RegisterRoutes(r *gin.Engine, deps handlers.Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	if cfg.LoopbackOnly {
		r.Use(middleware.LoopbackOnly())
	}
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		online := false
		if deps.Connectivity != nil {
			online = deps.Connectivity.IsOnline()
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": online, "queue_backend": deps.QueueBackend})
	})

	h := handlers.New(deps)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientIP())

	v1 := r.Group("/v1",
		middleware.IdempotencyValidator(),
		rl.Handler(),
		gzip.Gzip(gzip.DefaultCompression),
	)
	{
		v1.POST("/mutations", h.ExecuteMutation)

		v1.GET("/queue", h.ListQueue)
		v1.POST("/queue/drain", h.DrainQueue)

		v1.GET("/notifications", h.ListNotifications)

		v1.GET("/connectivity", h.GetConnectivity)
		v1.POST("/connectivity", h.ReportConnectivity)

		v1.GET("/session", h.GetSession)
		v1.POST("/session/login", h.Login)
		v1.POST("/session/logout", h.Logout)
	}
}

// corsMiddleware allows any origin when none are configured (a webview's
// origin is often file:// or a custom scheme); otherwise only the allowlist.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.HeaderIdempotencyKey, "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", middleware.HeaderIdempotencyKey, "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		// Set ACAO even without an Origin header so plain health checks see it.
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	base.CustomSchemas = customSchemas(origins)
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// customSchemas lists non-http schemes used by the allowlist (capacitor://,
// app://); cors rejects such origins unless their scheme is declared.
func customSchemas(origins []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, o := range origins {
		scheme, _, found := strings.Cut(o, "://")
		if !found || scheme == "http" || scheme == "https" || seen[scheme] {
			continue
		}
		seen[scheme] = true
		out = append(out, scheme+"://")
	}
	return out
}

// limitBody caps the request body size using http.MaxBytesReader. Reads past
// the cap fail, which handlers report as invalid input.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
