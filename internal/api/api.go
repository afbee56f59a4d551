// Package api exposes the registry's management surface over HTTP so local
// frontends can list servers, inspect the advertised tool catalog, and run
// bulk health checks without linking the registry packages directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpcache"
	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpreg"
)

// Options configure a Server instance.
type Options struct {
	// Addr controls the listen address used by ListenAndServe. Defaults to
	// ":8790".
	Addr string
	// AllowedOrigins restricts CORS. Empty means local frontends only.
	AllowedOrigins []string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Addr == "" {
		opts.Addr = ":8790"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}

// Server serves the registry management API.
type Server struct {
	registry *mcpreg.Registry
	opts     Options
	logger   *slog.Logger
	handler  http.Handler
}

// NewServer builds the HTTP surface over an already constructed registry.
func NewServer(registry *mcpreg.Registry, opts *Options) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("api: registry is required")
	}
	options := opts.withDefaults()
	s := &Server{
		registry: registry,
		opts:     options,
		logger:   options.Logger,
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: options.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(s.mountHandler())
	return s, nil
}

// Handler exposes the HTTP handler so callers can mount it themselves.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe runs the API server until the provided context is cancelled
// or the server stops.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.handler}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) mountHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /capabilities/{id}/{kind}", s.handleCapabilities)
	mux.HandleFunc("POST /connect", s.handleConnectAll)
	mux.HandleFunc("POST /health", s.handleHealth)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	return mux
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": s.registry.Summaries()})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.AdvertisedTools()})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	kind := mcpcache.Kind(r.PathValue("kind"))
	items, stale, err := s.registry.Capabilities(r.Context(), id, kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items, "stale": stale})
}

func (s *Server) handleConnectAll(w http.ResponseWriter, r *http.Request) {
	result, err := s.registry.ConnectAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBulk(w, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.registry.HealthCheck(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBulk(w, result)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	kind := mcpcache.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = mcpcache.KindTools
	}
	result, err := s.registry.RefreshAll(r.Context(), kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBulk(w, result)
}

// writeBulk reports a bulk operation with 207 when some servers failed, so
// clients cannot mistake a partial failure for a clean success.
func (s *Server) writeBulk(w http.ResponseWriter, result mcpreg.BulkResult) {
	status := http.StatusOK
	if result.PartialFailure() {
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, result)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mcpreg.ErrBackendDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, mcpreg.ErrUnknownServer):
		status = http.StatusNotFound
	case errors.Is(err, mcpreg.ErrNoServersConfigured):
		status = http.StatusConflict
	case errors.Is(err, mcpreg.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, mcpreg.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
