package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefreshPath is the refresh endpoint relative to the API base URL.
const RefreshPath = "/auth/refresh"

// ErrNoRefreshToken is returned when Refresh is called without a refresh token.
var ErrNoRefreshToken = errors.New("no refresh token available")

// EndpointFor returns the oauth2 endpoint for the API rooted at baseURL.
func EndpointFor(baseURL string) oauth2.Endpoint {
	return oauth2.Endpoint{
		TokenURL:  strings.TrimRight(baseURL, "/") + RefreshPath,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// RefresherOption configures a Refresher.
type RefresherOption func(*refresherConfig)

// refresherConfig holds configuration for NewRefresher.
type refresherConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
}

// WithTransport sets a custom base transport for refresh requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) RefresherOption {
	return func(c *refresherConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds a single refresh call. Zero disables the client timeout.
func WithTimeout(d time.Duration) RefresherOption {
	return func(c *refresherConfig) {
		c.timeout = d
	}
}

// Refresher exchanges a refresh token for a new token pair.
// It is stateless and safe for concurrent use; serialization of refresh calls
// is the caller's job.
type Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewRefresher creates a Refresher for the given endpoint.
func NewRefresher(endpoint oauth2.Endpoint, opts ...RefresherOption) *Refresher {
	cfg := &refresherConfig{
		baseTransport: http.DefaultTransport,
		timeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Refresher{
		config: &oauth2.Config{
			Endpoint: endpoint,
		},
		httpClient: &http.Client{
			Timeout: cfg.timeout,
			Transport: &refreshTransport{
				base: cfg.baseTransport,
			},
		},
	}
}

// Refresh performs one refresh call. A non-2xx response is returned as
// *oauth2.RetrieveError.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	// oauth2 injects custom HTTP clients via context (oauth2.HTTPClient key)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	// An empty access token forces the reuse source to refresh immediately
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// refreshTransport converts oauth2's form-encoded refresh requests to the
// backend's JSON body and unwraps the response envelope into a standard token
// response. The oauth2 package guarantees this transport only receives token
// endpoint requests.
type refreshTransport struct {
	base http.RoundTripper
}

// Compile-time check that refreshTransport implements http.RoundTripper.
var _ http.RoundTripper = (*refreshTransport)(nil)

// refreshRequest is the backend's refresh body.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// refreshEnvelope is the backend's refresh response.
type refreshEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	} `json:"data"`
}

// standardTokenResponse is what oauth2 expects from a token endpoint.
type standardTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RoundTrip rewrites the request body to JSON and the response body to a standard token response.
func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// We consume the body entirely and create a new one for the cloned request.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	jsonBody, err := json.Marshal(refreshRequest{RefreshToken: formData.Get("refresh_token")})
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON request: %w", err)
	}

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(jsonBody))
	newReq.ContentLength = int64(len(jsonBody))
	newReq.Header.Set("Content-Type", "application/json")
	newReq.Header.Set("Accept", "application/json")

	resp, err := t.base.RoundTrip(newReq)
	if err != nil {
		return nil, err
	}

	// Error responses pass through untouched; oauth2 wraps them in RetrieveError
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	return unwrapEnvelope(resp)
}

// unwrapEnvelope replaces the response body with a standard token response.
func unwrapEnvelope(resp *http.Response) (*http.Response, error) {
	original := resp.Body
	defer func() { _ = original.Close() }()
	raw, err := io.ReadAll(original)
	if err != nil {
		return nil, fmt.Errorf("reading refresh response: %w", err)
	}

	var env refreshEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding refresh response: %w", err)
	}

	out, err := json.Marshal(standardTokenResponse{
		AccessToken:  env.Data.Token,
		TokenType:    "Bearer",
		RefreshToken: env.Data.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling token response: %w", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header = resp.Header.Clone()
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return resp, nil
}
