// Package optimizer batches structurally similar statements to cut round-trips.
//
// Repeated single-filter selects are merged into one membership select and
// fanned back out per plan; single-row inserts into the same table become one
// multi-row insert. Everything else runs one statement at a time. A failing
// batch degrades to per-plan execution for that group only.
package optimizer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"dataplane/internal/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Config controls batching limits.
type Config struct {
	// MaxBatchSize caps rows per bulk insert (default: 500).
	MaxBatchSize int
	// Concurrency caps groups executing at once within a wave (default: 4).
	Concurrency int
	Logger      *slog.Logger
}

// Optimizer executes batches of QueryPlans. It is safe for concurrent use.
type Optimizer struct {
	exec        Executor
	maxBatch    int
	concurrency int
	logger      *slog.Logger
	tracer      trace.Tracer

	mu    sync.Mutex
	stats Stats

	optimizedCounter metric.Int64Counter
	batchCounter     metric.Int64Counter
	fallbackCounter  metric.Int64Counter
}

// New creates an Optimizer that runs statements through exec.
func New(exec Executor, cfg Config) *Optimizer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	o := &Optimizer{
		exec:        exec,
		maxBatch:    cfg.MaxBatchSize,
		concurrency: cfg.Concurrency,
		logger:      log.With("component", "optimizer"),
		tracer:      otel.Tracer("dataplane/optimizer"),
	}

	meter := otel.Meter("dataplane/optimizer")
	var err error
	if o.optimizedCounter, err = meter.Int64Counter("dataplane.optimizer.queries_optimized"); err != nil {
		o.logger.Warn("failed to register metric", "error", err)
	}
	if o.batchCounter, err = meter.Int64Counter("dataplane.optimizer.batch_executions"); err != nil {
		o.logger.Warn("failed to register metric", "error", err)
	}
	if o.fallbackCounter, err = meter.Int64Counter("dataplane.optimizer.fallbacks"); err != nil {
		o.logger.Warn("failed to register metric", "error", err)
	}
	return o
}

// Stats returns a snapshot of the cumulative counters.
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

type task struct {
	idx  int
	key  string // QueryID, or a generated stand-in when it is empty
	plan QueryPlan
}

// OptimizeBatch runs every plan and returns exactly one result per plan, in
// input order. It never fails as a whole: per-plan failures are reported in
// the corresponding result.
//
// Plans run in waves ordered by Dependencies. A plan whose dependency failed
// is not executed.
func (o *Optimizer) OptimizeBatch(ctx context.Context, plans []QueryPlan) []BatchQueryResult {
	results := make([]BatchQueryResult, len(plans))
	if len(plans) == 0 {
		return results
	}

	batchID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "optimizer.OptimizeBatch", trace.WithAttributes(
		attribute.String("batch_id", batchID),
		attribute.Int("plans", len(plans)),
	))
	defer span.End()

	log := logger.FromContext(ctx, o.logger).With("batch_id", batchID)

	tasks := admit(plans, results)
	waves, blocked := schedule(tasks, log)
	for _, t := range blocked {
		results[t.idx] = failure(t.plan.QueryID, "dependency cycle")
	}

	failed := make(map[string]bool)
	for _, t := range blocked {
		failed[t.key] = true
	}

	for _, wave := range waves {
		runnable := make([]task, 0, len(wave))
		for _, t := range wave {
			if dep, ok := failedDependency(t.plan, failed); ok {
				results[t.idx] = failure(t.plan.QueryID, fmt.Sprintf("dependency %q failed", dep))
				failed[t.key] = true
				continue
			}
			runnable = append(runnable, t)
		}

		o.runWave(ctx, runnable, results, log)

		for _, t := range runnable {
			if !results[t.idx].Success {
				failed[t.key] = true
			}
		}
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	log.Info("batch completed", "plans", len(plans), "succeeded", succeeded, "waves", len(waves))
	return results
}

// admit rejects duplicate ids. Rejected plans get their result immediately
// and are not returned. A plan without an id is keyed internally by a
// generated one, which nothing can depend on and which never reaches its result.
func admit(plans []QueryPlan, results []BatchQueryResult) []task {
	seen := make(map[string]bool, len(plans))
	tasks := make([]task, 0, len(plans))
	for i, p := range plans {
		key := p.QueryID
		if key == "" {
			key = uuid.NewString()
		}
		if seen[key] {
			results[i] = failure(p.QueryID, "duplicate query_id")
			continue
		}
		seen[key] = true
		tasks = append(tasks, task{idx: i, key: key, plan: p})
	}
	return tasks
}

// schedule orders tasks into dependency waves. Tasks that can never become
// ready (cycles and anything downstream of one) are returned as blocked.
func schedule(tasks []task, log *slog.Logger) (waves [][]task, blocked []task) {
	pos := make(map[string]int, len(tasks))
	for i, t := range tasks {
		pos[t.key] = i
	}

	pending := make([]int, len(tasks))
	children := make([][]int, len(tasks))
	for i, t := range tasks {
		seen := make(map[string]bool)
		for _, dep := range t.plan.Dependencies {
			j, ok := pos[dep]
			if !ok {
				log.Warn("ignoring unknown dependency", "query_id", t.key, "dependency", dep)
				continue
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			pending[i]++
			children[j] = append(children[j], i)
		}
	}

	var ready []int
	for i := range tasks {
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}

	placed := make([]bool, len(tasks))
	for len(ready) > 0 {
		wave := make([]task, 0, len(ready))
		var next []int
		for _, i := range ready {
			placed[i] = true
			wave = append(wave, tasks[i])
			for _, c := range children[i] {
				pending[c]--
				if pending[c] == 0 {
					next = append(next, c)
				}
			}
		}
		waves = append(waves, wave)
		slices.Sort(next)
		ready = next
	}

	for i, t := range tasks {
		if !placed[i] {
			blocked = append(blocked, t)
		}
	}
	return waves, blocked
}

func failedDependency(p QueryPlan, failed map[string]bool) (string, bool) {
	for _, dep := range p.Dependencies {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}

// runWave executes independent groups concurrently. Each group writes only
// the result slots of its own tasks.
func (o *Optimizer) runWave(ctx context.Context, tasks []task, results []BatchQueryResult, log *slog.Logger) {
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, grp := range o.group(tasks) {
		g.Go(func() error {
			o.runGroup(ctx, grp, results, log)
			return nil
		})
	}
	_ = g.Wait()
}

type strategy int

const (
	sequential strategy = iota
	mergeFilter
	bulkInsert
)

type group struct {
	strategy strategy
	kind     Kind
	tasks    []*task

	filter filterShape
	values []any // filter value per task
	array  any   // distinct values for ANY($k)

	insert insertShape
}

// group partitions tasks by execution strategy. Group order follows the first
// appearance of each group in the input.
func (o *Optimizer) group(tasks []task) []*group {
	var groups []*group
	byKey := make(map[string]*group)

	add := func(key string, g *group, t *task) {
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = g
			groups = append(groups, g)
			existing = g
		}
		existing.tasks = append(existing.tasks, t)
	}

	for i := range tasks {
		t := &tasks[i]
		kind := Classify(t.plan.QueryText)
		switch kind {
		case SelectFilter:
			if shape, ok := parseFilter(t.plan.QueryText, len(t.plan.Parameters)); ok {
				if key, ok := filterKey(t.plan.QueryText, shape, t.plan.Parameters); ok {
					add("filter:"+key, &group{strategy: mergeFilter, kind: kind, filter: shape}, t)
					continue
				}
			}
		case Insert:
			if shape, ok := parseInsert(t.plan.QueryText, len(t.plan.Parameters)); ok {
				add("insert:"+shape.key(), &group{strategy: bulkInsert, kind: kind, insert: shape}, t)
				continue
			}
		}
		add("seq:"+kind.String(), &group{strategy: sequential, kind: kind}, t)
	}

	for _, g := range groups {
		switch g.strategy {
		case mergeFilter:
			if len(g.tasks) < 2 {
				g.strategy = sequential
				continue
			}
			g.values = make([]any, len(g.tasks))
			var distinct []any
			seen := make(map[string]bool)
			for i, t := range g.tasks {
				v := t.plan.Parameters[g.filter.param]
				g.values[i] = v
				if k := joinKey(v); !seen[k] {
					seen[k] = true
					distinct = append(distinct, v)
				}
			}
			arr, ok := membershipArray(distinct)
			if !ok {
				g.strategy = sequential
				continue
			}
			g.array = arr
		case bulkInsert:
			if len(g.tasks) < 2 {
				g.strategy = sequential
			}
		}
	}
	return groups
}

func (o *Optimizer) runGroup(ctx context.Context, g *group, results []BatchQueryResult, log *slog.Logger) {
	switch g.strategy {
	case mergeFilter:
		o.runMerged(ctx, g, results, log)
	case bulkInsert:
		o.runBulk(ctx, g, results, log)
	default:
		o.runSequential(ctx, g.tasks, results)
	}
}

func (o *Optimizer) runSequential(ctx context.Context, tasks []*task, results []BatchQueryResult) {
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			results[t.idx] = failure(t.plan.QueryID, err.Error())
			continue
		}
		start := time.Now()
		res, err := o.exec.Execute(ctx, t.plan.QueryText, t.plan.Parameters)
		elapsed := millis(time.Since(start))
		if err != nil {
			r := failure(t.plan.QueryID, err.Error())
			r.ExecutionTimeMs = elapsed
			results[t.idx] = r
			continue
		}
		results[t.idx] = BatchQueryResult{
			QueryID:         t.plan.QueryID,
			Success:         true,
			Result:          res,
			ExecutionTimeMs: elapsed,
		}
	}
}

func (o *Optimizer) runMerged(ctx context.Context, g *group, results []BatchQueryResult, log *slog.Logger) {
	args := make([]any, len(g.tasks[0].plan.Parameters))
	copy(args, g.tasks[0].plan.Parameters)
	args[g.filter.param] = g.array

	start := time.Now()
	res, err := o.exec.Execute(ctx, g.filter.mergedQuery(), args)
	elapsed := millis(time.Since(start))
	o.recordBatch(ctx)

	if err != nil {
		log.Warn("merged select failed, running plans individually", "plans", len(g.tasks), "error", err)
		o.fallback(ctx, g.tasks, results)
		return
	}

	perPlan, ok := fanOut(res.Rows, g.values)
	if !ok {
		log.Warn("merged rows could not be attributed, running plans individually",
			"plans", len(g.tasks), "column", g.filter.column)
		o.fallback(ctx, g.tasks, results)
		return
	}

	for i, t := range g.tasks {
		results[t.idx] = BatchQueryResult{
			QueryID:         t.plan.QueryID,
			Success:         true,
			Result:          Result{Rows: perPlan[i]},
			ExecutionTimeMs: elapsed,
		}
	}
	o.recordOptimized(ctx, g.tasks, true)
	log.Debug("merged select", "plans", len(g.tasks), "column", g.filter.column)
}

func (o *Optimizer) runBulk(ctx context.Context, g *group, results []BatchQueryResult, log *slog.Logger) {
	size := g.insert.chunkSize(o.maxBatch)
	for lo := 0; lo < len(g.tasks); lo += size {
		hi := min(lo+size, len(g.tasks))
		chunk := g.tasks[lo:hi]
		if len(chunk) == 1 {
			o.runSequential(ctx, chunk, results)
			continue
		}

		rows := make([][]any, len(chunk))
		for i, t := range chunk {
			rows[i] = t.plan.Parameters
		}
		query, args := g.insert.bulkInsert(rows)

		start := time.Now()
		_, err := o.exec.Execute(ctx, query, args)
		elapsed := millis(time.Since(start))
		o.recordBatch(ctx)

		if err != nil {
			log.Warn("bulk insert failed, running plans individually",
				"table", g.insert.table, "plans", len(chunk), "error", err)
			o.fallback(ctx, chunk, results)
			continue
		}

		for _, t := range chunk {
			results[t.idx] = BatchQueryResult{
				QueryID:         t.plan.QueryID,
				Success:         true,
				Result:          Result{RowsAffected: 1},
				ExecutionTimeMs: elapsed,
			}
		}
		o.recordOptimized(ctx, chunk, false)
		log.Debug("bulk insert", "table", g.insert.table, "rows", len(chunk))
	}
}

func (o *Optimizer) fallback(ctx context.Context, tasks []*task, results []BatchQueryResult) {
	o.mu.Lock()
	o.stats.Fallbacks++
	o.mu.Unlock()
	if o.fallbackCounter != nil {
		o.fallbackCounter.Add(ctx, 1)
	}
	o.runSequential(ctx, tasks, results)
}

func (o *Optimizer) recordBatch(ctx context.Context) {
	o.mu.Lock()
	o.stats.BatchExecutions++
	o.mu.Unlock()
	if o.batchCounter != nil {
		o.batchCounter.Add(ctx, 1)
	}
}

// recordOptimized credits a successful batch. Saved time is estimated as all
// plans' estimates minus the slowest one, which the batch still pays for.
func (o *Optimizer) recordOptimized(ctx context.Context, tasks []*task, nPlusOne bool) {
	var sum, slowest float64
	for _, t := range tasks {
		sum += t.plan.EstimatedTimeMs
		slowest = max(slowest, t.plan.EstimatedTimeMs)
	}

	o.mu.Lock()
	o.stats.QueriesOptimized += int64(len(tasks))
	if nPlusOne {
		o.stats.NPlusOneEliminated++
	}
	o.stats.EstimatedTimeSavedMs += sum - slowest
	o.mu.Unlock()

	if o.optimizedCounter != nil {
		o.optimizedCounter.Add(ctx, int64(len(tasks)))
	}
}

func failure(id, msg string) BatchQueryResult {
	return BatchQueryResult{QueryID: id, ErrorMessage: msg}
}
