// Package controller contains the HTTP API in front of the data access layer.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"dataplane/internal/controller/handlers"
	"dataplane/internal/controller/middleware"
	"dataplane/internal/logger"
)

// Options configures the API surface.
type Options struct {
	// APIKeyHash is the SHA-256 of the accepted bearer key. Empty disables auth.
	APIKeyHash string
	// RateLimit is requests per second per client. Zero means unlimited.
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

// Server is the HTTP server for the dataplane API.
type Server struct {
	httpServer *http.Server
}

// New creates a new server. metrics may be nil.
func New(addr string, h *handlers.Handlers, metrics http.Handler, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	limiter := middleware.NewRateLimiter(middleware.WithLimit(opts.RateLimit, opts.RateBurst))
	chain := func(next http.HandlerFunc) http.Handler {
		var hd http.Handler = next
		hd = limiter.Middleware()(hd)
		hd = middleware.RequireAPIKey(opts.APIKeyHash)(hd)
		hd = middleware.RequestID(log)(hd)
		return hd
	}

	mux := http.NewServeMux()

	// Health and metrics routes stay unauthenticated.
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.Handle("POST /v1/fetch", chain(h.Fetch))
	mux.Handle("POST /v1/batch", chain(h.Batch))
	mux.Handle("GET /v1/breakers", chain(h.Breakers))

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
