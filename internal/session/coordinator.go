package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/chatdesk/internal/observability"
	"github.com/florianilch/chatdesk/internal/tokenstore"
)

// ErrSessionExpired marks a session that can no longer be recovered: the
// refresh call failed, or a refreshed token was rejected again. Errors
// returned by the coordinator wrap it together with the cause.
var ErrSessionExpired = errors.New("session expired")

// DefaultRefreshTimeout bounds a single refresh call.
const DefaultRefreshTimeout = 30 * time.Second

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// EndedFunc is invoked once when a session is forcibly ended.
type EndedFunc func(ctx context.Context, cause error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRefreshTimeout bounds each refresh call. Zero disables the bound.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.refreshTimeout = d
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

type refreshResult struct {
	accessToken string
	err         error
}

// Coordinator serializes token refresh and owns all writes to the TokenStore.
type Coordinator struct {
	store          tokenstore.TokenStore
	refresher      Refresher
	refreshTimeout time.Duration
	metrics        *observability.Metrics

	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshResult

	// writeMu serializes store mutations from refresh, login and logout.
	writeMu sync.Mutex

	listenersMu sync.Mutex
	listeners   map[int]EndedFunc
	nextID      int
}

// NewCoordinator creates a Coordinator. Construct exactly one per store.
func NewCoordinator(store tokenstore.TokenStore, refresher Refresher, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if refresher == nil {
		return nil, fmt.Errorf("missing refresher")
	}

	c := &Coordinator{
		store:          store,
		refresher:      refresher,
		refreshTimeout: DefaultRefreshTimeout,
		listeners:      make(map[int]EndedFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnSessionEnded registers fn to run whenever the session is forcibly ended.
// The returned func unregisters it.
func (c *Coordinator) OnSessionEnded(fn EndedFunc) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// Current returns the stored credentials.
func (c *Coordinator) Current(ctx context.Context) (tokenstore.Credentials, error) {
	return c.store.Read(ctx)
}

// Refresh returns a fresh access token to replace rejected.
//
// If a refresh is already in flight the caller waits for its result instead of
// issuing another call. If the stored access token already differs from
// rejected, it was rotated after the caller read it and is returned without a
// refresh call. An empty rejected token forces a refresh.
func (c *Coordinator) Refresh(ctx context.Context, rejected string) (string, error) {
	c.mu.Lock()
	if c.refreshing {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		c.metrics.ObserveRefresh("joined")

		select {
		case r := <-ch:
			return r.accessToken, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	creds, err := c.store.Read(ctx)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, tokenstore.ErrNoCredentials) {
			// Already ended by someone else; nothing to signal
			return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		return "", fmt.Errorf("reading credentials: %w", err)
	}
	if rejected != "" && creds.AccessToken != rejected {
		c.mu.Unlock()
		c.metrics.ObserveRefresh("skipped")
		return creds.AccessToken, nil
	}

	c.refreshing = true
	c.mu.Unlock()

	accessToken, ended, refreshErr := c.refresh(ctx, creds)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, w := range waiters {
		w <- refreshResult{accessToken: accessToken, err: refreshErr}
	}

	if ended {
		c.notifyEnded(context.WithoutCancel(ctx), refreshErr)
	}
	if refreshErr != nil {
		return "", refreshErr
	}
	return accessToken, nil
}

// refresh performs the refresh call and persists the outcome. ended reports
// whether this call cleared the stored session. It runs detached from the
// caller's cancellation because waiters share its result. The refresh timeout
// bounds the call only; the store is updated even after the call timed out.
func (c *Coordinator) refresh(ctx context.Context, creds tokenstore.Credentials) (accessToken string, ended bool, err error) {
	ctx = context.WithoutCancel(ctx)

	callCtx := ctx
	if c.refreshTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.refreshTimeout)
		defer cancel()
	}

	tok, refreshErr := c.refresher.Refresh(callCtx, creds.RefreshToken)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Login or logout may have replaced the session while the call was in flight
	current, readErr := c.store.Read(ctx)
	switch {
	case errors.Is(readErr, tokenstore.ErrNoCredentials):
		return "", false, fmt.Errorf("%w: signed out during refresh", ErrSessionExpired)
	case readErr == nil && current.RefreshToken != creds.RefreshToken:
		c.metrics.ObserveRefresh("skipped")
		return current.AccessToken, false, nil
	}

	if refreshErr != nil {
		c.metrics.ObserveRefresh("failure")
		slog.WarnContext(ctx, "token refresh failed, ending session", "error", refreshErr)
		c.clearLocked(ctx)
		return "", true, fmt.Errorf("%w: refresh failed: %w", ErrSessionExpired, refreshErr)
	}

	updated := tokenstore.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		User:         creds.User,
	}
	if err := c.store.Write(ctx, updated); err != nil {
		c.metrics.ObserveRefresh("failure")
		slog.ErrorContext(ctx, "failed to persist refreshed credentials", "error", err)
		c.clearLocked(ctx)
		return "", true, fmt.Errorf("%w: persisting refreshed credentials: %w", ErrSessionExpired, err)
	}

	c.metrics.ObserveRefresh("success")
	slog.InfoContext(ctx, "access token refreshed")
	return tok.AccessToken, false, nil
}

// Expire ends the session after a refreshed token was rejected again. It only
// acts if rejected is still the stored access token, so concurrent callers
// reporting the same token end the session once.
func (c *Coordinator) Expire(ctx context.Context, rejected string, cause error) {
	c.writeMu.Lock()
	creds, err := c.store.Read(ctx)
	if err != nil || creds.AccessToken != rejected {
		c.writeMu.Unlock()
		return
	}
	slog.WarnContext(ctx, "refreshed access token rejected, ending session")
	c.clearLocked(ctx)
	c.writeMu.Unlock()

	c.notifyEnded(context.WithoutCancel(ctx), cause)
}

// Establish stores credentials obtained by signing in.
func (c *Coordinator) Establish(ctx context.Context, creds tokenstore.Credentials) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.store.Write(ctx, creds)
}

// End clears the stored credentials on an explicit sign-out. Listeners are not
// notified; they only observe forced endings.
func (c *Coordinator) End(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.store.Clear(ctx)
}

func (c *Coordinator) clearLocked(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to clear credentials", "error", err)
	}
}

func (c *Coordinator) notifyEnded(ctx context.Context, cause error) {
	c.listenersMu.Lock()
	fns := make([]EndedFunc, 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(ctx, cause)
	}
}
