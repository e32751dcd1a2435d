package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/florianilch/chatdesk/internal/session"
)

// ErrSessionExpired is returned (wrapped) when a 401 survives one
// refresh-and-retry cycle or the refresh itself fails. It is always terminal.
var ErrSessionExpired = session.ErrSessionExpired

// NetworkError reports that no response was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError reports a non-2xx response other than a recoverable 401.
type ServerError struct {
	StatusCode int
	Body       []byte
	// Message is the body's "message" field, or the status text if absent.
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

func newServerError(status int, body []byte) *ServerError {
	var payload struct {
		Message string `json:"message"`
	}
	msg := ""
	if json.Unmarshal(body, &payload) == nil {
		msg = payload.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ServerError{
		StatusCode: status,
		Body:       body,
		Message:    msg,
	}
}
