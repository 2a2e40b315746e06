package handlers

import (
	"encoding/json"
	"net/http"

	"dataplane/internal/optimizer"
	"dataplane/pkg/api"
)

// maxBatchPlans caps the number of plans accepted in one request.
const maxBatchPlans = 10000

// Batch handles POST /v1/batch.
func (h *Handlers) Batch(w http.ResponseWriter, r *http.Request) {
	if h.batch == nil {
		h.httpError(w, "Batch execution requires a database", http.StatusServiceUnavailable)
		return
	}

	var req api.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Plans) > maxBatchPlans {
		h.httpError(w, "Too many plans in one batch", http.StatusRequestEntityTooLarge)
		return
	}

	plans := make([]optimizer.QueryPlan, len(req.Plans))
	for i, p := range req.Plans {
		if p.QueryText == "" {
			h.httpError(w, "query_text is required for every plan", http.StatusBadRequest)
			return
		}
		plans[i] = optimizer.QueryPlan{
			QueryID:         p.QueryID,
			QueryText:       p.QueryText,
			Parameters:      normalizeParams(p.Parameters),
			EstimatedTimeMs: p.EstimatedTimeMs,
			Dependencies:    p.Dependencies,
		}
	}

	results := h.batch.OptimizeBatch(r.Context(), plans)

	resp := api.BatchResponse{Results: make([]api.QueryResult, len(results))}
	for i, res := range results {
		resp.Results[i] = api.QueryResult{
			QueryID:         res.QueryID,
			Success:         res.Success,
			Rows:            res.Result.Rows,
			RowsAffected:    res.Result.RowsAffected,
			ExecutionTimeMs: res.ExecutionTimeMs,
			ErrorMessage:    res.ErrorMessage,
		}
	}
	s := h.batch.Stats()
	resp.Stats = api.OptimizerStats{
		QueriesOptimized:     s.QueriesOptimized,
		NPlusOneEliminated:   s.NPlusOneEliminated,
		BatchExecutions:      s.BatchExecutions,
		Fallbacks:            s.Fallbacks,
		EstimatedTimeSavedMs: s.EstimatedTimeSavedMs,
	}
	h.respondJson(w, http.StatusOK, resp)
}

// normalizeParams turns integral JSON numbers into int64 so they bind as
// integers and merge into integer arrays.
func normalizeParams(params []any) []any {
	out := make([]any, len(params))
	for i, p := range params {
		if f, ok := p.(float64); ok && f == float64(int64(f)) {
			out[i] = int64(f)
			continue
		}
		out[i] = p
	}
	return out
}
