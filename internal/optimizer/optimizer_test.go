package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/lib/pq"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDB serves a tiny users table and records every statement. Merged
// selects get the filter value projected under mergeKey, as Postgres would.
type fakeDB struct {
	mu      sync.Mutex
	queries []string
	users   map[int64]string
	// failIf makes Execute fail for matching statements.
	failIf func(query string, args []any) bool
	// dropColumn removes the named column from merged rows.
	dropColumn string
}

func newFakeDB() *fakeDB {
	return &fakeDB{users: map[int64]string{1: "ada", 2: "bob", 3: "cyd", 4: "dee", 5: "eve"}}
}

func (f *fakeDB) Execute(ctx context.Context, query string, args []any) (Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	if f.failIf != nil && f.failIf(query, args) {
		return Result{}, errors.New("boom")
	}

	switch {
	case strings.HasPrefix(query, "SELECT"):
		var ids []int64
		if arr, ok := args[0].(*pq.Int64Array); ok {
			ids = *arr
		} else {
			n, _ := toInt64(args[0])
			ids = []int64{n}
		}
		var rows []map[string]any
		for _, id := range ids {
			if name, ok := f.users[id]; ok {
				row := map[string]any{"id": id, "name": name}
				if strings.Contains(query, "ANY(") {
					row[mergeKey] = id
					if f.dropColumn != "" {
						delete(row, f.dropColumn)
					}
				}
				rows = append(rows, row)
			}
		}
		return Result{Rows: rows}, nil
	default:
		return Result{RowsAffected: int64(strings.Count(query, "("))}, nil
	}
}

func (f *fakeDB) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func userPlans(ids ...int) []QueryPlan {
	plans := make([]QueryPlan, len(ids))
	for i, id := range ids {
		plans[i] = QueryPlan{
			QueryID:         fmt.Sprintf("user-%d", id),
			QueryText:       "SELECT id, name FROM users WHERE id = $1",
			Parameters:      []any{id},
			EstimatedTimeMs: 10,
		}
	}
	return plans
}

func assertIDs(t *testing.T, plans []QueryPlan, results []BatchQueryResult) {
	t.Helper()
	if len(results) != len(plans) {
		t.Fatalf("got %d results for %d plans", len(results), len(plans))
	}
	for i := range plans {
		if plans[i].QueryID != "" && results[i].QueryID != plans[i].QueryID {
			t.Errorf("result %d has id %q, want %q", i, results[i].QueryID, plans[i].QueryID)
		}
	}
}

func TestOptimizeBatch_Empty(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})

	got := opt.OptimizeBatch(context.Background(), nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
	if len(db.executed()) != 0 {
		t.Error("empty batch must not execute anything")
	}
}

func TestOptimizeBatch_MergesFilterSelects(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})
	plans := userPlans(1, 2, 3, 4, 5)

	results := opt.OptimizeBatch(context.Background(), plans)

	queries := db.executed()
	if len(queries) != 1 {
		t.Fatalf("expected 1 merged execution, got %d: %v", len(queries), queries)
	}
	if !strings.Contains(queries[0], "id = ANY($1)") {
		t.Errorf("unexpected merged statement %q", queries[0])
	}

	assertIDs(t, plans, results)
	for i, r := range results {
		if !r.Success {
			t.Fatalf("plan %s failed: %s", r.QueryID, r.ErrorMessage)
		}
		if len(r.Result.Rows) != 1 {
			t.Fatalf("plan %s got %d rows, want 1", r.QueryID, len(r.Result.Rows))
		}
		if got := r.Result.Rows[0]["id"]; got != int64(i+1) {
			t.Errorf("plan %s got row for id %v", r.QueryID, got)
		}
		if _, leaked := r.Result.Rows[0][mergeKey]; leaked {
			t.Errorf("plan %s row still carries %s", r.QueryID, mergeKey)
		}
	}

	stats := opt.Stats()
	if stats.BatchExecutions != 1 || stats.NPlusOneEliminated != 1 || stats.QueriesOptimized != 5 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.EstimatedTimeSavedMs != 40 {
		t.Errorf("estimated time saved = %v, want 40", stats.EstimatedTimeSavedMs)
	}
}

func TestOptimizeBatch_MissingRowsYieldEmptyResults(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})
	plans := userPlans(1, 42)

	results := opt.OptimizeBatch(context.Background(), plans)

	if len(db.executed()) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(db.executed()))
	}
	if !results[1].Success || len(results[1].Result.Rows) != 0 {
		t.Errorf("unknown id should succeed with no rows, got %+v", results[1])
	}
}

func TestOptimizeBatch_BulkInsertsPerTable(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})

	var plans []QueryPlan
	for i := 0; i < 5; i++ {
		table := "events"
		if i%2 == 1 && i < 4 {
			table = "audit"
		}
		plans = append(plans, QueryPlan{
			QueryID:    fmt.Sprintf("ins-%d", i),
			QueryText:  fmt.Sprintf("INSERT INTO %s (id, kind) VALUES ($1, $2)", table),
			Parameters: []any{i, "created"},
		})
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	queries := db.executed()
	if len(queries) != 2 {
		t.Fatalf("expected 2 bulk inserts, got %d: %v", len(queries), queries)
	}
	for _, q := range queries {
		if strings.HasPrefix(q, "INSERT INTO events") && !strings.Contains(q, "($5, $6)") {
			t.Errorf("events insert should carry 3 rows: %q", q)
		}
		if strings.HasPrefix(q, "INSERT INTO audit") && strings.Contains(q, "($5, $6)") {
			t.Errorf("audit insert should carry 2 rows: %q", q)
		}
	}

	assertIDs(t, plans, results)
	for _, r := range results {
		if !r.Success || r.Result.RowsAffected != 1 {
			t.Errorf("unexpected result %+v", r)
		}
	}
}

func TestOptimizeBatch_BulkInsertChunks(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{MaxBatchSize: 2})

	var plans []QueryPlan
	for i := 0; i < 5; i++ {
		plans = append(plans, QueryPlan{
			QueryText:  "INSERT INTO events (id) VALUES ($1)",
			Parameters: []any{i},
		})
	}
	results := opt.OptimizeBatch(context.Background(), plans)

	// chunks of 2, 2 and a single
	if got := len(db.executed()); got != 3 {
		t.Errorf("expected 3 executions, got %d", got)
	}
	if got := opt.Stats().BatchExecutions; got != 2 {
		t.Errorf("expected 2 batch executions, got %d", got)
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("unexpected failure %+v", r)
		}
	}
}

func TestOptimizeBatch_MergedFailureFallsBack(t *testing.T) {
	db := newFakeDB()
	db.failIf = func(query string, args []any) bool {
		if strings.Contains(query, "ANY(") {
			return true
		}
		return args[0] == 3
	}
	opt := New(db, Config{})
	plans := userPlans(1, 2, 3, 4, 5)

	results := opt.OptimizeBatch(context.Background(), plans)

	if got := len(db.executed()); got != 6 {
		t.Errorf("expected 1 merged + 5 fallback executions, got %d", got)
	}
	assertIDs(t, plans, results)
	for i, r := range results {
		wantOK := i != 2
		if r.Success != wantOK {
			t.Errorf("plan %s success = %v, want %v", r.QueryID, r.Success, wantOK)
		}
		if !r.Success && r.ErrorMessage != "boom" {
			t.Errorf("plan %s error %q", r.QueryID, r.ErrorMessage)
		}
	}
	if got := opt.Stats().Fallbacks; got != 1 {
		t.Errorf("fallbacks = %d, want 1", got)
	}
}

func TestOptimizeBatch_UnattributableRowsFallBack(t *testing.T) {
	db := newFakeDB()
	db.dropColumn = mergeKey
	opt := New(db, Config{})
	plans := userPlans(1, 2)

	results := opt.OptimizeBatch(context.Background(), plans)

	if got := len(db.executed()); got != 3 {
		t.Errorf("expected merged + 2 fallback executions, got %d", got)
	}
	for _, r := range results {
		if !r.Success || len(r.Result.Rows) != 1 {
			t.Errorf("unexpected result %+v", r)
		}
	}
}

func TestOptimizeBatch_OtherParamsSeparateGroups(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	exec := ExecutorFunc(func(ctx context.Context, query string, args []any) (Result, error) {
		mu.Lock()
		calls = append(calls, fmt.Sprint(args[0]))
		mu.Unlock()

		tenant := args[0].(string)
		var owners []string
		if arr, ok := args[1].(*pq.StringArray); ok {
			owners = *arr
		} else {
			owners = []string{args[1].(string)}
		}
		var rows []map[string]any
		for _, o := range owners {
			row := map[string]any{"tenant": tenant, "owner": o}
			if len(owners) > 1 {
				row[mergeKey] = o
			}
			rows = append(rows, row)
		}
		return Result{Rows: rows}, nil
	})
	opt := New(exec, Config{})

	q := "SELECT tenant, owner FROM calls WHERE tenant = $1 AND owner = $2"
	plans := []QueryPlan{
		{QueryID: "a", QueryText: q, Parameters: []any{"t1", "ann"}},
		{QueryID: "b", QueryText: q, Parameters: []any{"t2", "ann"}},
		{QueryID: "c", QueryText: q, Parameters: []any{"t1", "ben"}},
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	if len(calls) != 2 {
		t.Fatalf("expected 2 executions (t1 merged, t2 single), got %v", calls)
	}
	want := map[string]string{"a": "t1", "b": "t2", "c": "t1"}
	for _, r := range results {
		if !r.Success || len(r.Result.Rows) != 1 {
			t.Fatalf("unexpected result %+v", r)
		}
		if got := r.Result.Rows[0]["tenant"]; got != want[r.QueryID] {
			t.Errorf("plan %s got tenant %v, want %s", r.QueryID, got, want[r.QueryID])
		}
	}
}

func TestOptimizeBatch_NonMergeableRunSingly(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})

	plans := []QueryPlan{
		{QueryID: "a", QueryText: "SELECT id, name FROM users WHERE id = $1 ORDER BY name", Parameters: []any{1}},
		{QueryID: "b", QueryText: "SELECT id, name FROM users WHERE id = $1 ORDER BY name", Parameters: []any{2}},
		{QueryID: "c", QueryText: "UPDATE users SET name = $1 WHERE id = $2", Parameters: []any{"x", 1}},
		{QueryID: "d", QueryText: "DELETE FROM users WHERE id = $1", Parameters: []any{5}},
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	if got := len(db.executed()); got != 4 {
		t.Errorf("expected 4 executions, got %d", got)
	}
	if got := opt.Stats().BatchExecutions; got != 0 {
		t.Errorf("expected no batch executions, got %d", got)
	}
	assertIDs(t, plans, results)
}

func TestOptimizeBatch_MixedBatchKeepsMembership(t *testing.T) {
	db := newFakeDB()
	db.failIf = func(query string, args []any) bool {
		return strings.HasPrefix(query, "DELETE")
	}
	opt := New(db, Config{Concurrency: 2})

	plans := append(userPlans(1, 2, 3),
		QueryPlan{QueryID: "ins-1", QueryText: "INSERT INTO events (id) VALUES ($1)", Parameters: []any{1}},
		QueryPlan{QueryID: "ins-2", QueryText: "INSERT INTO events (id) VALUES ($1)", Parameters: []any{2}},
		QueryPlan{QueryID: "del", QueryText: "DELETE FROM users WHERE id = $1", Parameters: []any{9}},
		QueryPlan{QueryID: "all", QueryText: "SELECT count(*) FROM users"},
	)

	results := opt.OptimizeBatch(context.Background(), plans)

	assertIDs(t, plans, results)
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.QueryID] {
			t.Errorf("duplicate result for %s", r.QueryID)
		}
		seen[r.QueryID] = true
	}
	if results[5].Success {
		t.Error("delete should have failed")
	}
}

func TestOptimizeBatch_DependenciesOrderExecution(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := ExecutorFunc(func(ctx context.Context, query string, args []any) (Result, error) {
		mu.Lock()
		order = append(order, args[0].(string))
		mu.Unlock()
		return Result{RowsAffected: 1}, nil
	})
	opt := New(exec, Config{})

	q := "UPDATE jobs SET state = 'done' WHERE id = $1"
	plans := []QueryPlan{
		{QueryID: "c", QueryText: q, Parameters: []any{"c"}, Dependencies: []string{"b"}},
		{QueryID: "b", QueryText: q, Parameters: []any{"b"}, Dependencies: []string{"a"}},
		{QueryID: "a", QueryText: q, Parameters: []any{"a"}},
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("execution order %v, want a,b,c", order)
	}
	assertIDs(t, plans, results)
}

func TestOptimizeBatch_FailedDependencySkipsDependents(t *testing.T) {
	db := newFakeDB()
	db.failIf = func(query string, args []any) bool { return args[0] == 1 }
	opt := New(db, Config{})

	plans := []QueryPlan{
		{QueryID: "a", QueryText: "DELETE FROM users WHERE id = $1", Parameters: []any{1}},
		{QueryID: "b", QueryText: "DELETE FROM users WHERE id = $1", Parameters: []any{2}, Dependencies: []string{"a"}},
		{QueryID: "c", QueryText: "DELETE FROM users WHERE id = $1", Parameters: []any{3}, Dependencies: []string{"b"}},
		{QueryID: "d", QueryText: "DELETE FROM users WHERE id = $1", Parameters: []any{4}, Dependencies: []string{"missing"}},
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	if got := len(db.executed()); got != 2 {
		t.Errorf("expected only a and d to execute, got %d", got)
	}
	if results[1].Success || results[1].ErrorMessage != `dependency "a" failed` {
		t.Errorf("unexpected result for b: %+v", results[1])
	}
	if results[2].Success || results[2].ErrorMessage != `dependency "b" failed` {
		t.Errorf("unexpected result for c: %+v", results[2])
	}
	if !results[3].Success {
		t.Errorf("unknown dependency should be ignored: %+v", results[3])
	}
}

func TestOptimizeBatch_DependencyCycle(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})

	q := "DELETE FROM users WHERE id = $1"
	plans := []QueryPlan{
		{QueryID: "a", QueryText: q, Parameters: []any{1}, Dependencies: []string{"b"}},
		{QueryID: "b", QueryText: q, Parameters: []any{2}, Dependencies: []string{"a"}},
		{QueryID: "self", QueryText: q, Parameters: []any{3}, Dependencies: []string{"self"}},
		{QueryID: "free", QueryText: q, Parameters: []any{4}},
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	for _, r := range results[:3] {
		if r.Success || r.ErrorMessage != "dependency cycle" {
			t.Errorf("expected cycle failure, got %+v", r)
		}
	}
	if !results[3].Success {
		t.Errorf("independent plan should run: %+v", results[3])
	}
	if got := len(db.executed()); got != 1 {
		t.Errorf("expected 1 execution, got %d", got)
	}
}

func TestOptimizeBatch_QueryIDs(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})

	q := "DELETE FROM users WHERE id = $1"
	plans := []QueryPlan{
		{QueryID: "x", QueryText: q, Parameters: []any{1}},
		{QueryID: "x", QueryText: q, Parameters: []any{2}},
		{QueryText: q, Parameters: []any{3}},
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	if !results[0].Success {
		t.Errorf("first plan should run: %+v", results[0])
	}
	if results[1].Success || results[1].ErrorMessage != "duplicate query_id" || results[1].QueryID != "x" {
		t.Errorf("unexpected duplicate result: %+v", results[1])
	}
	if results[2].QueryID != "" || !results[2].Success {
		t.Errorf("plan without id should run and keep its empty id: %+v", results[2])
	}
	if got := len(db.executed()); got != 2 {
		t.Errorf("expected 2 executions, got %d", got)
	}
}

func TestOptimizeBatch_CancelledContext(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plans := []QueryPlan{{QueryID: "a", QueryText: "DELETE FROM users WHERE id = $1", Parameters: []any{1}}}
	results := opt.OptimizeBatch(ctx, plans)

	if results[0].Success || results[0].ErrorMessage != context.Canceled.Error() {
		t.Errorf("unexpected result %+v", results[0])
	}
	if len(db.executed()) != 0 {
		t.Error("cancelled batch must not execute")
	}
}

func TestOptimizeBatch_EmptyIDsStayEmpty(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})

	q := "DELETE FROM users WHERE id = $1"
	plans := []QueryPlan{
		{QueryText: q, Parameters: []any{1}},
		{QueryText: q, Parameters: []any{2}},
		{QueryID: "after", QueryText: q, Parameters: []any{3}, Dependencies: []string{""}},
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	for i, r := range results {
		if r.QueryID != plans[i].QueryID || !r.Success {
			t.Errorf("result %d = %+v, want id %q and success", i, r, plans[i].QueryID)
		}
	}
}

// ordersDB serves orders joined to users. Order 1 belongs to user 2 and
// order 2 to user 1, so an order id never equals its owner's id.
type ordersDB struct {
	mu      sync.Mutex
	queries []string
	// column the order id is projected as
	column string
}

var orderOwners = map[int64]int64{1: 2, 2: 1}

func (d *ordersDB) Execute(ctx context.Context, query string, args []any) (Result, error) {
	d.mu.Lock()
	d.queries = append(d.queries, query)
	d.mu.Unlock()

	var users []int64
	merged := false
	if arr, ok := args[0].(*pq.Int64Array); ok {
		users, merged = *arr, true
	} else {
		n, _ := toInt64(args[0])
		users = []int64{n}
	}

	var rows []map[string]any
	for _, u := range users {
		for order, owner := range orderOwners {
			if owner != u {
				continue
			}
			row := map[string]any{d.column: order}
			if merged {
				if !strings.Contains(query, mergeKey) {
					return Result{}, errors.New("merged select without attribution key")
				}
				row[mergeKey] = u
			}
			rows = append(rows, row)
		}
	}
	return Result{Rows: rows}, nil
}

func TestOptimizeBatch_MergedRowsAttributedByFilterNotProjection(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		column string
	}{
		{name: "comma join", query: "SELECT o.id FROM orders o, users u WHERE o.user_id = u.id AND u.id = $1", column: "id"},
		{name: "alias shadows filter column", query: "SELECT order_id AS user_id FROM ownership WHERE user_id = $1", column: "user_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &ordersDB{column: tt.column}
			opt := New(db, Config{})
			plans := []QueryPlan{
				{QueryID: "user-1", QueryText: tt.query, Parameters: []any{1}},
				{QueryID: "user-2", QueryText: tt.query, Parameters: []any{2}},
			}

			results := opt.OptimizeBatch(context.Background(), plans)

			if len(db.queries) != 1 {
				t.Fatalf("expected one merged execution, got %v", db.queries)
			}
			want := map[string]int64{"user-1": 2, "user-2": 1}
			for _, r := range results {
				if !r.Success || len(r.Result.Rows) != 1 {
					t.Fatalf("unexpected result %+v", r)
				}
				row := r.Result.Rows[0]
				if row[tt.column] != want[r.QueryID] {
					t.Errorf("%s got order %v, want %d", r.QueryID, row[tt.column], want[r.QueryID])
				}
				if _, leaked := row[mergeKey]; leaked {
					t.Errorf("%s row still carries %s", r.QueryID, mergeKey)
				}
			}
		})
	}
}

func TestOptimizeBatch_InsertsGroupByColumnList(t *testing.T) {
	db := newFakeDB()
	opt := New(db, Config{})

	plans := []QueryPlan{
		{QueryID: "a", QueryText: "INSERT INTO events (id, kind) VALUES ($1, $2)", Parameters: []any{1, "x"}},
		{QueryID: "b", QueryText: "INSERT INTO events (id) VALUES ($1)", Parameters: []any{2}},
		{QueryID: "c", QueryText: "INSERT INTO events (id, kind) VALUES ($1, $2)", Parameters: []any{3, "y"}},
		{QueryID: "d", QueryText: "INSERT INTO events (id) VALUES ($1)", Parameters: []any{4}},
	}

	results := opt.OptimizeBatch(context.Background(), plans)

	queries := db.executed()
	if len(queries) != 2 {
		t.Fatalf("expected one bulk insert per column list, got %v", queries)
	}
	for _, q := range queries {
		if q != "INSERT INTO events (id, kind) VALUES ($1, $2), ($3, $4)" && q != "INSERT INTO events (id) VALUES ($1), ($2)" {
			t.Errorf("unexpected statement %q", q)
		}
	}
	assertIDs(t, plans, results)
	for _, r := range results {
		if !r.Success {
			t.Errorf("unexpected failure %+v", r)
		}
	}
}
