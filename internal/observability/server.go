package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HealthFunc reports component health for /healthz. Keys are component names.
type HealthFunc func(ctx context.Context) map[string]string

// Server exposes /metrics and /healthz.
type Server struct {
	mux    *http.ServeMux
	server *http.Server
	addr   net.Addr
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// NewServer creates the diagnostics server for m. health may be nil.
func NewServer(m *Metrics, health HealthFunc) *Server {
	logger := slog.Default()
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", applyMiddlewares(m.Handler(),
		Logging(logger),
		Recovery,
	))
	mux.Handle("GET /healthz", applyMiddlewares(healthHandler(health),
		Logging(logger),
		Recovery,
	))

	return &Server{mux: mux}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start serves in the background. Startup errors are returned immediately,
// runtime errors are sent on the returned channel.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.addr = listener.Addr()

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown gracefully stops the server, force closing it if ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

func healthHandler(health HealthFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{}
		if health != nil {
			status = health(r.Context())
		}
		writeJSON(r.Context(), w, status, http.StatusOK)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}
