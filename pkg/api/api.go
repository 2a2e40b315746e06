// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the server.
package api

import "time"

// FetchRequest is the body of POST /v1/fetch.
type FetchRequest struct {
	Source string         `json:"source"`
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
	// UseCache defaults to true when omitted.
	UseCache *bool `json:"use_cache,omitempty"`
}

// FetchResponse carries the fetched records.
type FetchResponse struct {
	Source  string           `json:"source"`
	Records []map[string]any `json:"records"`
}

// QueryPlan is one statement in a batch request.
type QueryPlan struct {
	QueryID         string   `json:"query_id,omitempty"`
	QueryText       string   `json:"query_text"`
	Parameters      []any    `json:"parameters,omitempty"`
	EstimatedTimeMs float64  `json:"estimated_time_ms,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
}

// BatchRequest is the body of POST /v1/batch.
type BatchRequest struct {
	Plans []QueryPlan `json:"plans"`
}

// QueryResult is the outcome of one plan.
type QueryResult struct {
	QueryID         string           `json:"query_id"`
	Success         bool             `json:"success"`
	Rows            []map[string]any `json:"rows,omitempty"`
	RowsAffected    int64            `json:"rows_affected,omitempty"`
	ExecutionTimeMs float64          `json:"execution_time_ms"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}

// OptimizerStats are cumulative optimizer counters.
type OptimizerStats struct {
	QueriesOptimized     int64   `json:"queries_optimized"`
	NPlusOneEliminated   int64   `json:"n_plus_one_eliminated"`
	BatchExecutions      int64   `json:"batch_executions"`
	Fallbacks            int64   `json:"fallbacks"`
	EstimatedTimeSavedMs float64 `json:"estimated_time_saved_ms"`
}

// BatchResponse lists one result per submitted plan, in submission order.
type BatchResponse struct {
	Results []QueryResult  `json:"results"`
	Stats   OptimizerStats `json:"stats"`
}

// BreakerStatus describes one source's circuit breaker.
type BreakerStatus struct {
	Source    string     `json:"source"`
	State     string     `json:"state"`
	Failures  int        `json:"failures"`
	OpenUntil *time.Time `json:"open_until,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
