// Package middleware contains shared Gin middleware used by the agent's HTTP
// layer.
//
// This file validates the Idempotency-Key request header the view layer sends
// with every user-initiated mutation. The key names the user action: the
// view mints it once and resends the same value on every retry, so the
// gateway can hand the same key to the remote API and to any queued record.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-gateway/internal/domain"
)

// HeaderIdempotencyKey is the inbound header carrying the action key.
const HeaderIdempotencyKey = "Idempotency-Key"

const ctxKeyIdemKey = "idem.key"

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by IdempotencyValidator. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IdempotencyValidator validates the Idempotency-Key header when present,
// stashes it in the context and echoes it on the response.
//
//   - Header absent: no-op; the gateway mints a key for mutating calls.
//   - Header invalid: 400 bad_idempotency_key.
func IdempotencyValidator() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if !domain.ValidIdempotencyKey(key) {
			rid, _ := c.Get(requestIDKey)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": asString(rid),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)
		c.Writer.Header().Set(HeaderIdempotencyKey, key)
		c.Next()
	}
}
