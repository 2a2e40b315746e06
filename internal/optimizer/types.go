package optimizer

import (
	"context"
	"time"
)

// Kind is the statement shape assigned by Classify.
type Kind int

const (
	Other Kind = iota
	SelectJoin
	SelectFilter
	SelectSimple
	Insert
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case SelectJoin:
		return "select_join"
	case SelectFilter:
		return "select_filter"
	case SelectSimple:
		return "select_simple"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "other"
	}
}

// QueryPlan is one statement submitted as part of a batch.
type QueryPlan struct {
	// QueryID correlates the plan with its result. Generated when empty.
	QueryID   string
	QueryText string
	// Parameters are bound positionally to $1..$n.
	Parameters []any
	// EstimatedTimeMs is advisory; it only feeds the time-saved counter.
	EstimatedTimeMs float64
	// Dependencies lists QueryIDs that must succeed before this plan runs.
	Dependencies []string
}

// Result is what a statement returned.
type Result struct {
	Rows         []map[string]any
	RowsAffected int64
}

// BatchQueryResult is the outcome of one plan.
type BatchQueryResult struct {
	QueryID         string
	Success         bool
	Result          Result
	ExecutionTimeMs float64
	ErrorMessage    string
}

// Executor runs a single statement.
type Executor interface {
	Execute(ctx context.Context, query string, args []any) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, query string, args []any) (Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, query string, args []any) (Result, error) {
	return f(ctx, query, args)
}

// Stats are cumulative counters. They are never used for control flow.
type Stats struct {
	QueriesOptimized     int64   `json:"queries_optimized"`
	NPlusOneEliminated   int64   `json:"n_plus_one_eliminated"`
	BatchExecutions      int64   `json:"batch_executions"`
	Fallbacks            int64   `json:"fallbacks"`
	EstimatedTimeSavedMs float64 `json:"estimated_time_saved_ms"`
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
