package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-gateway/internal/gateway"
	"github.com/tbourn/go-offline-gateway/internal/http/middleware"
	"github.com/tbourn/go-offline-gateway/internal/sysutil"
)

// MutationRequest is the JSON payload for POST /v1/mutations.
type MutationRequest struct {
	// Endpoint is the remote path, relative to the API base URL.
	Endpoint string `json:"endpoint" binding:"required" example:"/qr/process"`
	// Method is the HTTP verb for the remote call.
	Method string `json:"method" binding:"required" example:"POST"`
	// Body is forwarded verbatim.
	Body json.RawMessage `json:"body,omitempty" swaggertype:"object"`
	// Headers are added to the remote call.
	Headers map[string]string `json:"headers,omitempty"`
	// Queueable allows deferring the call while offline.
	Queueable bool `json:"queueable" example:"true"`
	// ActionType tags queued records for sync notifications.
	ActionType string `json:"action_type,omitempty" example:"qr_process"`
	// IdempotencyKey is used when the Idempotency-Key header is absent.
	IdempotencyKey string `json:"idempotency_key,omitempty" example:"6f1c7a52-3c1e-4b4e-9a57-3f7c2b0f9d11"`
}

// MutationResponse is returned for completed (200) and queued (202) calls.
type MutationResponse struct {
	Status         gateway.Status  `json:"status" example:"completed"`
	Data           json.RawMessage `json:"data,omitempty" swaggertype:"object"`
	Meta           json.RawMessage `json:"meta,omitempty" swaggertype:"object"`
	Replayed       bool            `json:"replayed,omitempty"`
	QueueID        int64           `json:"queue_id,omitempty" example:"12"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ExecuteMutation godoc
// @ID          executeMutation
// @Summary     Execute a mutation through the gateway
// @Description Sends the call now when online. Queueable calls are stored for replay when offline or when the network fails.
// @Tags        Mutations
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false  "Logical action key; resend the same value on retries"
// @Param       body             body    handlers.MutationRequest  true  "Mutation"
//
// @Success     200  {object}  handlers.MutationResponse  "Completed"
// @Success     202  {object}  handlers.MutationResponse  "Queued for replay"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid mutation"
// @Failure     401  {object}  handlers.ErrorResponse  "Session expired"
// @Failure     503  {object}  handlers.ErrorResponse  "Network error, not queued"
// @Failure     507  {object}  handlers.ErrorResponse  "Queue full"
// @Router      /v1/mutations [post]
func (h *Handlers) ExecuteMutation(c *gin.Context) {
	var req MutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	headerKey, _ := middleware.GetIdempotencyKey(c)

	out, err := h.gw.Execute(c.Request.Context(), gateway.Mutation{
		Endpoint:       req.Endpoint,
		Method:         req.Method,
		Body:           req.Body,
		Headers:        req.Headers,
		IdempotencyKey: sysutil.FirstNonEmpty(headerKey, req.IdempotencyKey),
	}, gateway.Policy{
		QueueableOffline: req.Queueable,
		ActionType:       req.ActionType,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	resp := MutationResponse{
		Status:         out.Status,
		QueueID:        out.QueueID,
		IdempotencyKey: out.IdempotencyKey,
	}
	if out.Status == gateway.StatusQueued {
		ok(c, http.StatusAccepted, resp)
		return
	}
	if out.Response != nil {
		resp.Data = out.Response.Data
		resp.Meta = out.Response.Meta
		resp.Replayed = out.Response.Replayed
	}
	ok(c, http.StatusOK, resp)
}
