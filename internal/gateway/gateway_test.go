package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/florianilch/chatdesk/internal/session"
	"github.com/florianilch/chatdesk/internal/tokensource"
	"github.com/florianilch/chatdesk/internal/tokenstore"
)

// fakeBackend serves /api/v1 with a single valid access token that rotates on refresh.
type fakeBackend struct {
	t *testing.T

	mu           sync.Mutex
	validToken   string
	refreshToken string
	refreshDelay time.Duration
	refreshCode  int
	rejectAll    bool
	seen         map[string][]string // path -> Authorization headers
	requestIDs   []string

	refreshCalls atomic.Int32
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	b := &fakeBackend{
		t:            t,
		validToken:   "access-2",
		refreshToken: "refresh-1",
		refreshCode:  http.StatusOK,
		seen:         make(map[string][]string),
	}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/api/v1/auth/refresh" {
		b.refreshCalls.Add(1)
		b.mu.Lock()
		delay, code := b.refreshDelay, b.refreshCode
		b.mu.Unlock()
		time.Sleep(delay)

		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if code != http.StatusOK || body.RefreshToken != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"message":"Invalid refresh token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"token":"access-2","refreshToken":"refresh-2"}}`))
		return
	}

	b.mu.Lock()
	b.seen[r.URL.Path] = append(b.seen[r.URL.Path], r.Header.Get("Authorization"))
	b.requestIDs = append(b.requestIDs, r.Header.Get(RequestIDHeader))
	valid, rejectAll := b.validToken, b.rejectAll
	b.mu.Unlock()

	if r.URL.Path == "/api/v1/public" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid credentials"}`))
		return
	}
	if rejectAll || r.Header.Get("Authorization") != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Token expired"}`))
		return
	}

	switch r.URL.Path {
	case "/api/v1/missing":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Conversation not found"}`))
	case "/api/v1/broken":
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`oops`))
	case "/api/v1/echo":
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"method":"` + r.Method + `","query":"` + r.URL.RawQuery + `","body":` + string(body) + `}`))
	default:
		_, _ = w.Write([]byte(`{"success":true,"data":{"path":"` + r.URL.Path + `"}}`))
	}
}

func (b *fakeBackend) authHeaders(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.seen["/api/v1"+path]...)
}

type harness struct {
	gateway     *Gateway
	store       *tokenstore.MemoryStore
	coordinator *session.Coordinator
	ended       *atomic.Int32
}

func newHarness(t *testing.T, srv *httptest.Server) *harness {
	t.Helper()
	store, err := tokenstore.NewMemoryStore(tokenstore.Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	baseURL := srv.URL + "/api/v1"
	coord, err := session.NewCoordinator(store, tokensource.NewRefresher(tokensource.EndpointFor(baseURL)))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	ended := &atomic.Int32{}
	coord.OnSessionEnded(func(context.Context, error) { ended.Add(1) })

	gw, err := New(baseURL, coord)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{gateway: gw, store: store, coordinator: coord, ended: ended}
}

func TestConcurrentUnauthorizedRequestsShareOneRefresh(t *testing.T) {
	backend, srv := newFakeBackend(t)
	backend.refreshDelay = 50 * time.Millisecond
	h := newHarness(t, srv)

	paths := []string{"/conversations/1", "/conversations/2", "/conversations/3"}
	var wg sync.WaitGroup
	errs := make([]error, len(paths))
	for i, p := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.gateway.Dispatch(context.Background(), NewRequest(http.MethodGet, p))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %s: %v", paths[i], err)
		}
	}
	if got := backend.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh endpoint called %d times, want 1", got)
	}
	for _, p := range paths {
		headers := backend.authHeaders(p)
		if len(headers) != 2 {
			t.Fatalf("%s: %d attempts, want exactly 2 (original + one retry)", p, len(headers))
		}
		if headers[0] != "Bearer access-1" || headers[1] != "Bearer access-2" {
			t.Fatalf("%s: attempts carried %v", p, headers)
		}
	}

	creds, err := h.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if creds.AccessToken != "access-2" || creds.RefreshToken != "refresh-2" {
		t.Fatalf("store holds %+v, want the rotated pair", creds)
	}
}

func TestRefreshFailureExpiresAllWaiters(t *testing.T) {
	backend, srv := newFakeBackend(t)
	backend.refreshCode = http.StatusBadRequest
	backend.refreshDelay = 50 * time.Millisecond
	h := newHarness(t, srv)

	const n = 3
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.gateway.Dispatch(context.Background(), NewRequest(http.MethodGet, "/conversations"))
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("got %v, want ErrSessionExpired", err)
		}
	}
	if _, err := h.store.Read(context.Background()); !errors.Is(err, tokenstore.ErrNoCredentials) {
		t.Fatalf("store not cleared: %v", err)
	}
	if got := h.ended.Load(); got != 1 {
		t.Fatalf("session ended signalled %d times, want 1", got)
	}
	if got := backend.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh endpoint called %d times, want 1", got)
	}
}

func TestRetriedRequestNeverRefreshesAgain(t *testing.T) {
	backend, srv := newFakeBackend(t)
	h := newHarness(t, srv)

	req := NewRequest(http.MethodGet, "/conversations")
	req.Retried = true
	_, err := h.gateway.Dispatch(context.Background(), req)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v, want ErrSessionExpired", err)
	}
	if got := backend.refreshCalls.Load(); got != 0 {
		t.Fatalf("refresh endpoint called %d times, want 0", got)
	}
	if got := h.ended.Load(); got != 1 {
		t.Fatalf("session ended signalled %d times, want 1", got)
	}
}

func TestRefreshedTokenRejectedEndsSession(t *testing.T) {
	backend, srv := newFakeBackend(t)
	backend.rejectAll = true
	h := newHarness(t, srv)

	_, err := h.gateway.Dispatch(context.Background(), NewRequest(http.MethodGet, "/conversations"))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v, want ErrSessionExpired", err)
	}
	var se *ServerError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected the final 401 to be attached, got %v", err)
	}
	if got := backend.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh endpoint called %d times, want 1", got)
	}
	if attempts := len(backend.authHeaders("/conversations")); attempts != 2 {
		t.Fatalf("%d attempts, want 2", attempts)
	}
	if _, err := h.store.Read(context.Background()); !errors.Is(err, tokenstore.ErrNoCredentials) {
		t.Fatalf("store not cleared: %v", err)
	}
	if h.ended.Load() != 1 {
		t.Fatalf("session ended signalled %d times, want 1", h.ended.Load())
	}
}

func TestRetryOutcomeIsPropagated(t *testing.T) {
	_, srv := newFakeBackend(t)
	h := newHarness(t, srv)

	_, err := h.gateway.Dispatch(context.Background(), NewRequest(http.MethodGet, "/missing"))
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("got %T %v, want *ServerError", err, err)
	}
	if se.StatusCode != http.StatusNotFound || se.Message != "Conversation not found" {
		t.Fatalf("got %d %q", se.StatusCode, se.Message)
	}
}

func TestServerErrorWithoutMessage(t *testing.T) {
	backend, srv := newFakeBackend(t)
	h := newHarness(t, srv)
	backend.validToken = "access-1"

	_, err := h.gateway.Dispatch(context.Background(), NewRequest(http.MethodGet, "/broken"))
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("got %T %v, want *ServerError", err, err)
	}
	if se.StatusCode != http.StatusInternalServerError || string(se.Body) != "oops" {
		t.Fatalf("got %d %q", se.StatusCode, se.Body)
	}
	if se.Message != http.StatusText(http.StatusInternalServerError) {
		t.Fatalf("message = %q", se.Message)
	}
	if backend.refreshCalls.Load() != 0 {
		t.Fatal("non-401 errors must not trigger a refresh")
	}
}

func TestAnonymousUnauthorizedIsServerError(t *testing.T) {
	backend, srv := newFakeBackend(t)
	h := newHarness(t, srv)

	req := NewRequest(http.MethodPost, "/public")
	req.Anonymous = true
	_, err := h.gateway.Dispatch(context.Background(), req)

	var se *ServerError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got %v, want 401 ServerError", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatal("anonymous 401 must not be reported as session expiry")
	}
	if backend.refreshCalls.Load() != 0 {
		t.Fatal("anonymous 401 must not trigger a refresh")
	}
	if got := backend.authHeaders("/public"); len(got) != 1 || got[0] != "" {
		t.Fatalf("anonymous request carried Authorization %v", got)
	}
}

func TestNetworkError(t *testing.T) {
	_, srv := newFakeBackend(t)
	h := newHarness(t, srv)
	srv.Close()

	_, err := h.gateway.Dispatch(context.Background(), NewRequest(http.MethodGet, "/conversations"))
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("got %T %v, want *NetworkError", err, err)
	}
}

func TestRequestIDStableAcrossRetry(t *testing.T) {
	backend, srv := newFakeBackend(t)
	h := newHarness(t, srv)

	if _, err := h.gateway.Dispatch(context.Background(), NewRequest(http.MethodGet, "/contacts")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	backend.mu.Lock()
	ids := append([]string(nil), backend.requestIDs...)
	backend.mu.Unlock()

	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("request ids %v, want one id shared by both attempts", ids)
	}
}

func TestVerbHelpersReplayBodyAndQuery(t *testing.T) {
	_, srv := newFakeBackend(t)
	h := newHarness(t, srv)

	var out struct {
		Method string         `json:"method"`
		Query  string         `json:"query"`
		Body   map[string]any `json:"body"`
	}
	err := h.gateway.Patch(context.Background(), "/echo?page=2", map[string]any{"status": "closed"}, &out)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if out.Method != http.MethodPatch || out.Query != "page=2" || out.Body["status"] != "closed" {
		t.Fatalf("echo = %+v", out)
	}
}

func TestUpload(t *testing.T) {
	var gotName, gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		gotName, gotContent = header.Filename, string(data)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()
	h := newHarness(t, srv)

	var out struct {
		Success bool `json:"success"`
	}
	err := h.gateway.Upload(context.Background(), "/contacts/import", "file", "contacts.csv", strings.NewReader("name,email\n"), &out)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !out.Success || gotName != "contacts.csv" || gotContent != "name,email\n" {
		t.Fatalf("upload received name=%q content=%q", gotName, gotContent)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, srv := newFakeBackend(t)
	h := newHarness(t, srv)

	for _, raw := range []string{"ftp://example.com", "://bad"} {
		if _, err := New(raw, h.coordinator); err == nil {
			t.Fatalf("New(%q) should fail", raw)
		}
	}
}
