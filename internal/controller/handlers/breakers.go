package handlers

import (
	"net/http"

	"dataplane/pkg/api"
)

// Breakers handles GET /v1/breakers.
func (h *Handlers) Breakers(w http.ResponseWriter, r *http.Request) {
	statuses := h.fetcher.Breakers()
	resp := make([]api.BreakerStatus, len(statuses))
	for i, st := range statuses {
		resp[i] = api.BreakerStatus{
			Source:   string(st.Source),
			State:    st.State.String(),
			Failures: st.Failures,
		}
		if !st.OpenUntil.IsZero() {
			until := st.OpenUntil
			resp[i].OpenUntil = &until
		}
	}
	h.respondJson(w, http.StatusOK, resp)
}
