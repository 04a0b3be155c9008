package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-gateway/internal/credentials"
)

// SessionResponse describes the stored session. Tokens are never returned.
type SessionResponse struct {
	Authenticated bool            `json:"authenticated"`
	Profile       json.RawMessage `json:"profile,omitempty" swaggertype:"object"`
}

// Login godoc
// @ID          login
// @Summary     Log in against the remote API
// @Description Forwards the body to the configured login endpoint and stores the returned credentials.
// @Tags        Session
// @Accept      json
// @Produce     json
// @Param       body  body  object  true  "Remote login payload"
// @Success     200  {object}  handlers.SessionResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse  "Network error"
// @Router      /v1/session/login [post]
func (h *Handlers) Login(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if _, err := h.session.Login(c.Request.Context(), h.loginEndpoint, body); err != nil {
		writeError(c, err)
		return
	}
	profile, err := h.session.Profile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, SessionResponse{Authenticated: true, Profile: profile})
}

// Logout godoc
// @ID          logout
// @Summary     Drop the stored session
// @Tags        Session
// @Success     204  "No Content"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /v1/session/logout [post]
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.session.Logout(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	noContent(c)
}

// GetSession godoc
// @ID          getSession
// @Summary     Session state and user profile
// @Tags        Session
// @Produce     json
// @Success     200  {object}  handlers.SessionResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /v1/session [get]
func (h *Handlers) GetSession(c *gin.Context) {
	profile, err := h.session.Profile(c.Request.Context())
	switch {
	case errors.Is(err, credentials.ErrNoCredentials):
		ok(c, http.StatusOK, SessionResponse{Authenticated: false})
	case err != nil:
		writeError(c, err)
	default:
		ok(c, http.StatusOK, SessionResponse{Authenticated: true, Profile: profile})
	}
}
