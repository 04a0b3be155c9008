package pipeline

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// successEnvelope is the body shape of 2xx responses: { success, data, meta? }.
type successEnvelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
}

// failureEnvelope accepts { success:false, message, error:{code,details} } as
// well as the flat { code, message } form.
type failureEnvelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// decodeSuccess maps a 2xx body onto Response. Bodies that are not an
// envelope are passed through as Data.
func decodeSuccess(status int, body []byte) (*Response, error) {
	out := &Response{Status: status}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return out, nil
	}
	var env successEnvelope
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &env) != nil || env.Success == nil {
		out.Data = json.RawMessage(trimmed)
		return out, nil
	}
	if !*env.Success {
		if se, ok := decodeFailure(status, trimmed); ok {
			return nil, se
		}
		return nil, &ServerError{Status: status, Message: http.StatusText(status)}
	}
	out.Data = env.Data
	out.Meta = env.Meta
	return out, nil
}

// decodeFailure extracts a ServerError from a failure body. ok is false when
// the body carries nothing recognizable.
func decodeFailure(status int, body []byte) (*ServerError, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var env failureEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false
	}
	se := &ServerError{Status: status, Code: env.Code, Message: env.Message}
	if env.Error != nil {
		if env.Error.Code != "" {
			se.Code = env.Error.Code
		}
		if se.Message == "" {
			se.Message = env.Error.Message
		}
		se.Details = env.Error.Details
	}
	if se.Code == "" && se.Message == "" {
		return nil, false
	}
	if se.Message == "" {
		se.Message = http.StatusText(status)
	}
	return se, true
}
