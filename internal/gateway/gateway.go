package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/florianilch/chatdesk/internal/observability"
	"github.com/florianilch/chatdesk/internal/tokenstore"
)

// RequestIDHeader carries an identifier that stays the same across the retry
// of one logical request.
const RequestIDHeader = "X-Request-Id"

// Authority supplies access tokens and recovers from authorization failures.
// *session.Coordinator implements it.
type Authority interface {
	Current(ctx context.Context) (tokenstore.Credentials, error)
	Refresh(ctx context.Context, rejected string) (string, error)
	Expire(ctx context.Context, rejected string, cause error)
}

// Option configures a Gateway.
type Option func(*config)

type config struct {
	httpClient *http.Client
	timeout    time.Duration
	metrics    *observability.Metrics
}

// WithHTTPClient sets the client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithTimeout bounds every attempt. The gateway itself imposes no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// Gateway issues authenticated API requests and recovers from a single
// authorization failure per request by refreshing the token.
type Gateway struct {
	baseURL *url.URL
	auth    Authority
	client  *http.Client
	metrics *observability.Metrics
}

// New creates a Gateway for the API rooted at baseURL.
func New(baseURL string, auth Authority, opts ...Option) (*Gateway, error) {
	if auth == nil {
		return nil, fmt.Errorf("missing authority")
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid API base URL %q: scheme must be http or https", baseURL)
	}

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	client := cfg.httpClient
	if client == nil {
		client = &http.Client{}
	}
	if cfg.timeout > 0 {
		clone := *client
		clone.Timeout = cfg.timeout
		client = &clone
	}

	return &Gateway{
		baseURL: base,
		auth:    auth,
		client:  client,
		metrics: cfg.metrics,
	}, nil
}

// Dispatch sends req and returns the 2xx response.
//
// A 401 on a request that has not been retried triggers a token refresh and a
// single replay with the new token. Errors are *NetworkError, *ServerError or
// wrap ErrSessionExpired.
func (g *Gateway) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	requestID := uuid.NewString()

	token := ""
	if !req.Anonymous {
		creds, err := g.auth.Current(ctx)
		switch {
		case err == nil:
			token = creds.AccessToken
		case errors.Is(err, tokenstore.ErrNoCredentials):
		default:
			return nil, fmt.Errorf("reading credentials: %w", err)
		}
	}

	for {
		resp, err := g.send(ctx, req, token, requestID)
		if err != nil {
			g.metrics.ObserveRequest(req.Method, "network_error")
			return nil, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			g.metrics.ObserveRequest(req.Method, "ok")
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized && token != "":
			rejection := newServerError(resp.StatusCode, resp.Body)
			if req.Retried {
				g.metrics.ObserveRequest(req.Method, "session_expired")
				g.auth.Expire(ctx, token, rejection)
				return nil, fmt.Errorf("%w: %w", ErrSessionExpired, rejection)
			}

			fresh, err := g.auth.Refresh(ctx, token)
			if err != nil {
				g.metrics.ObserveRequest(req.Method, "session_expired")
				return nil, err
			}
			req.Retried = true
			token = fresh

		default:
			g.metrics.ObserveRequest(req.Method, "server_error")
			return nil, newServerError(resp.StatusCode, resp.Body)
		}
	}
}

// send performs one HTTP attempt and reads the full body.
func (g *Gateway) send(ctx context.Context, req *Request, token, requestID string) (*Response, error) {
	target, err := g.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for key, values := range req.Header {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set(RequestIDHeader, requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		g.metrics.ObserveAttempt(0, time.Since(start))
		return nil, &NetworkError{Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("reading response body: %w", err)}
	}
	elapsed := time.Since(start)
	g.metrics.ObserveAttempt(httpResp.StatusCode, elapsed)

	attrs := []any{
		"method", req.Method,
		"path", httpReq.URL.Path,
		"status", httpResp.StatusCode,
		"duration", elapsed,
		"request_id", requestID,
		"retried", req.Retried,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs, "trace_id", sc.TraceID().String())
	}
	slog.DebugContext(ctx, "api request", attrs...)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// resolve joins path onto the base URL, merging any query parameters.
func (g *Gateway) resolve(path string, query url.Values) (string, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if rel.IsAbs() {
		return "", fmt.Errorf("request path %q must be relative to the API base URL", path)
	}

	u := g.baseURL.JoinPath(rel.Path)
	q := rel.Query()
	for key, values := range query {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
