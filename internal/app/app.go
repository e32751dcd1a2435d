package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/chatdesk/internal/gateway"
	"github.com/florianilch/chatdesk/internal/observability"
	"github.com/florianilch/chatdesk/internal/realtime"
	"github.com/florianilch/chatdesk/internal/session"
	"github.com/florianilch/chatdesk/internal/tokensource"
	"github.com/florianilch/chatdesk/internal/tokenstore"
)

// ErrRealtimeUnavailable is returned by Watch when the channel cannot connect
// or loses its transport. Reconnecting is left to the caller.
var ErrRealtimeUnavailable = errors.New("realtime channel unavailable")

// App owns the network access layer: one token store, one session, one gateway
// and one realtime channel, all built from a Config.
type App struct {
	cfg *Config

	store      tokenstore.TokenStore
	closeStore func() error
	metrics    *observability.Metrics
	session    *session.Coordinator
	gateway    *gateway.Gateway
	bus        *realtime.Bus
	channel    *realtime.Channel
	client     *Client

	stopEndedListener func()
}

// New creates a new App instance. No network I/O is performed.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, closeStore, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	a, err := newApp(cfg, store)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	a.closeStore = closeStore
	return a, nil
}

// newApp wires the components on top of an existing store.
func newApp(cfg *Config, store tokenstore.TokenStore) (*App, error) {
	metrics := observability.NewMetrics()

	refresher := tokensource.NewRefresher(
		tokensource.EndpointFor(cfg.API.BaseURL),
		tokensource.WithTimeout(cfg.Auth.RefreshTimeout),
	)

	coordinator, err := session.NewCoordinator(store, refresher,
		session.WithRefreshTimeout(cfg.Auth.RefreshTimeout),
		session.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	gw, err := gateway.New(cfg.API.BaseURL, coordinator,
		gateway.WithTimeout(cfg.API.Timeout),
		gateway.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	bus := realtime.NewBus()
	channel, err := realtime.NewChannel(cfg.Realtime.URL,
		realtime.WithHandshakeTimeout(cfg.Realtime.HandshakeTimeout),
		realtime.WithMetrics(metrics),
		realtime.WithBus(bus),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime channel: %w", err)
	}

	a := &App{
		cfg:        cfg,
		store:      store,
		closeStore: func() error { return nil },
		metrics:    metrics,
		session:    coordinator,
		gateway:    gw,
		bus:        bus,
		channel:    channel,
		client:     &Client{gateway: gw, session: coordinator, channel: channel},
	}

	a.stopEndedListener = coordinator.OnSessionEnded(func(ctx context.Context, cause error) {
		slog.WarnContext(ctx, "session ended, sign in again", "error", cause)
		channel.Disconnect()
	})

	return a, nil
}

// Client returns the authentication facade.
func (a *App) Client() *Client {
	return a.client
}

// Gateway returns the HTTP gateway.
func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

// Channel returns the realtime channel.
func (a *App) Channel() *realtime.Channel {
	return a.channel
}

// Session returns the refresh coordinator.
func (a *App) Session() *session.Coordinator {
	return a.session
}

// Metrics returns the collectors shared by all components.
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Close disconnects the channel, drops every realtime handler and releases the
// token store. Handlers observe the final disconnect before they are dropped.
func (a *App) Close() error {
	a.stopEndedListener()
	a.channel.Disconnect()
	a.bus.Reset()
	return a.closeStore()
}

// Connect validates the session against the backend, refreshing an expired
// access token, and connects the realtime channel with the current token.
func (a *App) Connect(ctx context.Context) error {
	if _, err := a.client.Me(ctx); err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	creds, err := a.session.Current(ctx)
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	a.channel.Connect(ctx, creds.AccessToken)
	if a.channel.State() != realtime.Connected {
		return ErrRealtimeUnavailable
	}
	return nil
}

// Watch connects the realtime channel, joins topics and blocks until ctx is
// done or the channel is lost.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Watch(ctx context.Context, topics []string) error {
	lost := make(chan struct{}, 1)
	stopLost := a.channel.On(realtime.EventDisconnected, func(context.Context, json.RawMessage) {
		select {
		case lost <- struct{}{}:
		default:
		}
	})
	defer stopLost()

	g, gCtx := errgroup.WithContext(ctx)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	if err := a.Connect(gCtx); err != nil {
		return err
	}
	shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
		a.channel.Disconnect()
		return nil
	})

	if a.cfg.Metrics.Address != "" {
		server := observability.NewServer(a.metrics, a.health)
		slog.InfoContext(gCtx, "starting metrics server", "address", a.cfg.Metrics.Address)
		serverErrCh, err := server.Start(gCtx, a.cfg.Metrics.Address)
		if err != nil {
			a.channel.Disconnect()
			return fmt.Errorf("metrics server startup failed: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, server.Shutdown)

		g.Go(func() error {
			select {
			case err := <-serverErrCh:
				if err != nil {
					slog.ErrorContext(gCtx, "metrics server runtime error", "error", err)
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			case <-gCtx.Done():
				return nil
			}
		})
	}

	g.Go(func() error {
		for _, topic := range topics {
			a.channel.Join(topic)
		}
		slog.InfoContext(gCtx, "watching", "topics", a.channel.Topics())

		select {
		case <-lost:
			return ErrRealtimeUnavailable
		case <-gCtx.Done():
			return nil
		}
	})

	runtimeErr := g.Wait()

	slog.InfoContext(ctx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, runtimeErr)
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("watch stopped")
	return nil
}

// health reports the state of the session and the realtime channel.
func (a *App) health(ctx context.Context) map[string]string {
	sessionState := "authenticated"
	if _, err := a.session.Current(ctx); err != nil {
		sessionState = "anonymous"
	}
	return map[string]string{
		"session":  sessionState,
		"realtime": a.channel.State().String(),
	}
}
