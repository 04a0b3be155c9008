package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrSessionExpired means the credential could not be refreshed and has been
// cleared. Callers must route the user back through login.
var ErrSessionExpired = errors.New("session expired")

// ErrInvalidRequest means the request could not be built from its endpoint
// or method. Sending it again cannot succeed.
var ErrInvalidRequest = errors.New("invalid request")

// NetworkError is a transport failure: no usable response was received.
// It is the only error class the gateway converts into a queued outcome.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network error: " + e.Op
	}
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is an application-level rejection decoded from the response body.
type ServerError struct {
	Status  int             `json:"status"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

var duplicateCodes = map[string]struct{}{
	"DUPLICATE_REQUEST":  {},
	"ALREADY_PROCESSED":  {},
	"IDEMPOTENCY_REPLAY": {},
	"DUPLICATE_IGNORED":  {},
}

var transientCodes = map[string]struct{}{
	"SERVICE_UNAVAILABLE":     {},
	"TEMPORARILY_UNAVAILABLE": {},
	"RATE_LIMITED":            {},
	"TIMEOUT":                 {},
}

// Duplicate reports whether the server recognized the idempotency key as
// already processed. Such a rejection counts as success for a replay. A bare
// 409 qualifies; a 409 carrying any other code is a business conflict.
func (e *ServerError) Duplicate() bool {
	if _, ok := duplicateCodes[strings.ToUpper(e.Code)]; ok {
		return true
	}
	return e.Status == http.StatusConflict && strings.TrimSpace(e.Code) == ""
}

// Transient reports whether the rejection describes a temporary server
// condition worth retrying later.
func (e *ServerError) Transient() bool {
	switch {
	case e.Status >= 500,
		e.Status == http.StatusRequestTimeout,
		e.Status == http.StatusTooManyRequests:
		return true
	}
	_, ok := transientCodes[strings.ToUpper(e.Code)]
	return ok
}

// IsNetwork reports whether err is (or wraps) a *NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsSessionExpired reports whether err is (or wraps) ErrSessionExpired.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// AsServerError unwraps err into a *ServerError.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
