package handlers

import (
	"context"
	"time"

	"dataplane/internal/breaker"
	"dataplane/internal/datasource"
	"dataplane/internal/optimizer"
	"dataplane/internal/source"
)

// mockFetcher implements Fetcher with canned responses.
type mockFetcher struct {
	payload  *datasource.Payload
	fetchErr error
	statuses []breaker.Status

	// Spies
	capturedSource source.Source
	capturedQuery  string
	capturedParams map[string]any
	capturedOpts   int
}

func (m *mockFetcher) Fetch(ctx context.Context, src source.Source, query string, params map[string]any, opts ...datasource.FetchOption) (*datasource.Payload, error) {
	m.capturedSource = src
	m.capturedQuery = query
	m.capturedParams = params
	m.capturedOpts = len(opts)
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.payload, nil
}

func (m *mockFetcher) Breakers() []breaker.Status {
	return m.statuses
}

// mockBatch implements BatchRunner by succeeding every plan.
type mockBatch struct {
	stats optimizer.Stats

	capturedPlans []optimizer.QueryPlan
}

func (m *mockBatch) OptimizeBatch(ctx context.Context, plans []optimizer.QueryPlan) []optimizer.BatchQueryResult {
	m.capturedPlans = plans
	out := make([]optimizer.BatchQueryResult, len(plans))
	for i, p := range plans {
		out[i] = optimizer.BatchQueryResult{
			QueryID: p.QueryID,
			Success: true,
			Result:  optimizer.Result{Rows: []map[string]any{{"n": i}}},
		}
	}
	return out
}

func (m *mockBatch) Stats() optimizer.Stats {
	return m.stats
}

// mockDB implements Pinger.
type mockDB struct {
	pingErr error
}

func (m *mockDB) Ping(ctx context.Context) error {
	return m.pingErr
}

func openStatus(src source.Source) breaker.Status {
	return breaker.Status{
		Source:    src,
		State:     breaker.StateOpen,
		Failures:  0,
		OpenUntil: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
