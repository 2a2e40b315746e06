package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"dataplane/internal/datasource"
	"dataplane/internal/logger"
	"dataplane/internal/source"
	"dataplane/pkg/api"
)

// Fetch handles POST /v1/fetch.
func (h *Handlers) Fetch(w http.ResponseWriter, r *http.Request) {
	var req api.FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		h.httpError(w, "query is required", http.StatusBadRequest)
		return
	}

	src, err := source.Parse(req.Source)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var opts []datasource.FetchOption
	if req.UseCache != nil && !*req.UseCache {
		opts = append(opts, datasource.WithoutCache())
	}

	payload, err := h.fetcher.Fetch(r.Context(), src, req.Query, req.Params, opts...)
	if err != nil {
		status := fetchStatus(err)
		if status >= http.StatusInternalServerError {
			logger.FromContext(r.Context(), h.logger).Error("fetch failed", "source", src, "error", err)
		}
		h.httpError(w, err.Error(), status)
		return
	}

	records := make([]map[string]any, len(payload.Records))
	for i, rec := range payload.Records {
		records[i] = rec
	}
	h.respondJson(w, http.StatusOK, api.FetchResponse{Source: payload.Source, Records: records})
}

// fetchStatus maps fetch errors to HTTP status codes.
func fetchStatus(err error) int {
	switch {
	case errors.Is(err, datasource.ErrSourceDisabled):
		return http.StatusForbidden
	case errors.Is(err, datasource.ErrNoDataAvailable):
		return http.StatusNotFound
	case errors.Is(err, datasource.ErrUnknownSource), errors.Is(err, datasource.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, datasource.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, datasource.ErrDataValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, datasource.ErrConnection):
		return http.StatusBadGateway
	default:
		// the caller's context ended, during a rate limit wait or the call itself
		return http.StatusGatewayTimeout
	}
}
