// Package handlers contains HTTP handlers for the data API.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"dataplane/internal/breaker"
	"dataplane/internal/datasource"
	"dataplane/internal/optimizer"
	"dataplane/internal/source"
	"dataplane/pkg/api"
)

// Fetcher is the slice of datasource.Manager the handlers need.
type Fetcher interface {
	Fetch(ctx context.Context, src source.Source, query string, params map[string]any, opts ...datasource.FetchOption) (*datasource.Payload, error)
	Breakers() []breaker.Status
}

// BatchRunner is the slice of optimizer.Optimizer the handlers need.
type BatchRunner interface {
	OptimizeBatch(ctx context.Context, plans []optimizer.QueryPlan) []optimizer.BatchQueryResult
	Stats() optimizer.Stats
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	fetcher Fetcher
	batch   BatchRunner // nil when no database is configured
	db      Pinger      // nil when no database is configured
	logger  *slog.Logger
}

// New creates a Handlers instance. batch and db may be nil.
func New(f Fetcher, batch BatchRunner, db Pinger, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handlers{fetcher: f, batch: batch, db: db, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
