package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-gateway/internal/notify"
)

// NotificationsResponse carries events newer than the requested sequence.
// Pass LastSeq as since on the next poll.
type NotificationsResponse struct {
	Events  []notify.Event `json:"events"`
	LastSeq uint64         `json:"last_seq"`
}

// ListNotifications godoc
// @ID          listNotifications
// @Summary     Poll sync notifications
// @Tags        Notifications
// @Produce     json
// @Param       since  query  int  false  "Return events with seq greater than this"  default(0)
// @Success     200  {object}  handlers.NotificationsResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /v1/notifications [get]
func (h *Handlers) ListNotifications(c *gin.Context) {
	var since uint64
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	events := h.feed.Since(since)
	if events == nil {
		events = []notify.Event{}
	}
	ok(c, http.StatusOK, NotificationsResponse{Events: events, LastSeq: h.feed.LastSeq()})
}
