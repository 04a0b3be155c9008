package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConnectivityRequest reports a platform network change.
type ConnectivityRequest struct {
	Online *bool `json:"online" binding:"required" example:"true"`
}

// ConnectivityResponse is the current network state.
type ConnectivityResponse struct {
	Online bool `json:"online"`
}

// GetConnectivity godoc
// @ID          getConnectivity
// @Summary     Current network state
// @Tags        Connectivity
// @Produce     json
// @Success     200  {object}  handlers.ConnectivityResponse
// @Router      /v1/connectivity [get]
func (h *Handlers) GetConnectivity(c *gin.Context) {
	ok(c, http.StatusOK, ConnectivityResponse{Online: h.conn.IsOnline()})
}

// ReportConnectivity godoc
// @ID          reportConnectivity
// @Summary     Report a network change
// @Description The host app forwards OS network events here. An offline to online edge starts a drain.
// @Tags        Connectivity
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ConnectivityRequest  true  "Network state"
// @Success     200  {object}  handlers.ConnectivityResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /v1/connectivity [post]
func (h *Handlers) ReportConnectivity(c *gin.Context) {
	var req ConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body must be {\"online\": bool}")
		return
	}
	h.conn.Report(*req.Online)
	ok(c, http.StatusOK, ConnectivityResponse{Online: h.conn.IsOnline()})
}
