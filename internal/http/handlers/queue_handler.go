package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-gateway/internal/queue"
	"github.com/tbourn/go-offline-gateway/internal/utils"
)

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 500
)

// QueueItem is a pending record without its body.
type QueueItem struct {
	ID             int64     `json:"id" example:"12"`
	ActionType     string    `json:"action_type" example:"qr_process"`
	Endpoint       string    `json:"endpoint" example:"/qr/process"`
	Method         string    `json:"method" example:"POST"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
	RetryCount     int       `json:"retry_count"`
}

// QueueResponse lists the oldest pending records plus totals.
type QueueResponse struct {
	Items   []QueueItem `json:"items"`
	Stats   queue.Stats `json:"stats"`
	Backend string      `json:"backend" example:"sqlite"`
	Online  bool        `json:"online"`
}

// ListQueue godoc
// @ID          listQueue
// @Summary     List pending mutations
// @Description Returns the oldest pending records in replay order. Bodies are never returned.
// @Tags        Queue
// @Produce     json
// @Param       limit  query  int  false  "Max items (1..500)"  default(50)
// @Success     200  {object}  handlers.QueueResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /v1/queue [get]
func (h *Handlers) ListQueue(c *gin.Context) {
	limit := utils.ParseLimit(c.Query("limit"), defaultQueueLimit, maxQueueLimit)

	recs, err := h.queue.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := QueueResponse{
		Items:   make([]QueueItem, 0, min(limit, len(recs))),
		Stats:   queue.Summarize(recs),
		Backend: h.backend,
		Online:  h.conn.IsOnline(),
	}
	for i := range recs {
		if len(resp.Items) == limit {
			break
		}
		r := recs[i]
		resp.Items = append(resp.Items, QueueItem{
			ID:             r.ID,
			ActionType:     r.ActionType,
			Endpoint:       r.Endpoint,
			Method:         r.Method,
			IdempotencyKey: r.IdempotencyKey,
			CreatedAt:      r.CreatedAt,
			RetryCount:     r.RetryCount,
		})
	}
	ok(c, http.StatusOK, resp)
}

// DrainQueue godoc
// @ID          drainQueue
// @Summary     Replay the queue now
// @Description Runs one drain cycle in FIFO order and reports what happened to each record.
// @Tags        Queue
// @Produce     json
// @Success     200  {object}  drainer.Result
// @Failure     409  {object}  handlers.ErrorResponse  "Offline or a drain is already running"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /v1/queue/drain [post]
func (h *Handlers) DrainQueue(c *gin.Context) {
	res, err := h.drainer.Drain(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
