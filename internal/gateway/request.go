package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Request describes one logical API call. Body is kept as bytes so the request
// can be replayed after a token refresh.
type Request struct {
	Method string
	// Path is relative to the API base URL and may carry a query string.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// Anonymous requests carry no Authorization header; a 401 is returned as
	// a plain ServerError instead of triggering a refresh.
	Anonymous bool

	// Retried is set once the request has been replayed with a refreshed
	// token. A 401 on a retried request ends the session.
	Retried bool
}

// NewRequest creates a request without a body.
func NewRequest(method, path string) *Request {
	return &Request{
		Method: method,
		Path:   path,
		Header: make(http.Header),
	}
}

// NewJSONRequest creates a request with v encoded as the JSON body.
func NewJSONRequest(method, path string, v any) (*Request, error) {
	req := NewRequest(method, path)
	if v == nil {
		return req, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req.Body = body
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
