// Package handlers defines the error codes of the local agent API and the
// mapping from gateway errors to HTTP answers.
//
// The view layer branches on these codes:
//   - network_error: the call did not reach the server and was not queued
//   - session_expired: the user must log in again
//   - upstream_error: the server rejected the call; upstream_code and
//     details carry the server's own reason
//   - queue_full: the call could not be deferred
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "upstream_error",
//	  "message": "QR code already redeemed",
//	  "upstream_code": "ALREADY_REDEEMED"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-gateway/internal/credentials"
	"github.com/tbourn/go-offline-gateway/internal/drainer"
	"github.com/tbourn/go-offline-gateway/internal/gateway"
	"github.com/tbourn/go-offline-gateway/internal/pipeline"
	"github.com/tbourn/go-offline-gateway/internal/queue"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Gateway outcomes:
	ErrCodeInvalidMutation = "invalid_mutation"
	ErrCodeNetwork         = "network_error"
	ErrCodeSessionExpired  = "session_expired"
	ErrCodeUpstream        = "upstream_error"
	ErrCodeQueueFull       = "queue_full"
	ErrCodeOffline         = "offline"
	ErrCodeDrainBusy       = "drain_in_progress"
)

// writeError maps err onto the error envelope. Unknown errors become 500.
func writeError(c *gin.Context, err error) {
	var se *pipeline.ServerError
	switch {
	case errors.Is(err, gateway.ErrInvalid), errors.Is(err, pipeline.ErrInvalidRequest):
		fail(c, http.StatusBadRequest, ErrCodeInvalidMutation, err.Error())
	case errors.Is(err, pipeline.ErrSessionExpired):
		fail(c, http.StatusUnauthorized, ErrCodeSessionExpired, "session expired, log in again")
	case errors.Is(err, credentials.ErrNoCredentials):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "not logged in")
	case errors.Is(err, queue.ErrQueueFull):
		fail(c, http.StatusInsufficientStorage, ErrCodeQueueFull, "offline queue is full")
	case errors.Is(err, drainer.ErrOffline):
		fail(c, http.StatusConflict, ErrCodeOffline, err.Error())
	case errors.Is(err, drainer.ErrBusy):
		fail(c, http.StatusConflict, ErrCodeDrainBusy, err.Error())
	case pipeline.IsNetwork(err):
		fail(c, http.StatusServiceUnavailable, ErrCodeNetwork, err.Error())
	case errors.As(err, &se):
		status := upstreamStatus(se.Status)
		msg := se.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		failWith(c, status, ErrorResponse{
			Code:         ErrCodeUpstream,
			Message:      msg,
			UpstreamCode: se.Code,
			Details:      se.Details,
		})
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

// upstreamStatus relays 4xx/5xx server statuses as-is; anything else is a
// gateway failure.
func upstreamStatus(status int) int {
	if status >= 400 && status <= 599 {
		return status
	}
	return http.StatusBadGateway
}
