package handlers

import (
	"net/http"

	"dataplane/internal/breaker"
)

// Healthz reports liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// Readyz reports readiness. It fails only when the configured database is
// unreachable. Open breakers are listed as degraded sources: they are isolated
// on purpose and the rest of the API keeps serving.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	degraded := []string{}
	for _, st := range h.fetcher.Breakers() {
		if st.State != breaker.StateClosed {
			degraded = append(degraded, string(st.Source))
		}
	}
	h.respondJson(w, http.StatusOK, map[string]any{"status": "ready", "degraded": degraded})
}
