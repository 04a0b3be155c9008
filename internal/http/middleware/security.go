// Package middleware contains shared Gin middleware used by the agent's HTTP
// layer.
//
// This file hardens the loopback agent. The agent holds the user's session and
// replays mutations on their behalf, so it must only answer callers on the same
// device and must never let a browser cache its answers.
package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
//
// NoStore adds Cache-Control: no-store (plus legacy Pragma/Expires); session
// and queue responses should never be cached by the webview.
//
// EnablePolicy adds Permissions-Policy and X-Permitted-Cross-Domain-Policies.
type SecurityOptions struct {
	NoStore      bool
	EnablePolicy bool
}

// SecurityHeaders adds conservative headers to each response:
//
//	X-Content-Type-Options: nosniff
//	X-Frame-Options: DENY
//	Referrer-Policy: no-referrer
//
// plus the optional groups in SecurityOptions. X-Request-ID and
// Idempotency-Key are exposed to browser callers via
// Access-Control-Expose-Headers.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		exposeHeader(h, requestIDHeader)
		exposeHeader(h, HeaderIdempotencyKey)

		c.Next()
	}
}

// LoopbackOnly rejects requests whose remote address is not a loopback IP.
// It looks at the socket peer, not at forwarding headers.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopback(c.Request) {
			rid, _ := c.Get(requestIDKey)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"request_id": asString(rid),
				"code":       "forbidden",
				"message":    "agent accepts local callers only",
			})
			return
		}
		c.Next()
	}
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func exposeHeader(h http.Header, name string) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	switch {
	case cur == "":
		h.Set(hdr, name)
	case !strings.Contains(cur, name):
		h.Set(hdr, cur+", "+name)
	}
}
