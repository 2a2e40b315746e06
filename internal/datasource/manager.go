// Package datasource is the single entry point for fetching from external sources.
// Every fetch passes feature flags, cache-aside lookup and the source's circuit breaker.
package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"dataplane/internal/breaker"
	"dataplane/internal/cache"
	"dataplane/internal/flags"
	"dataplane/internal/logger"
	"dataplane/internal/source"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Executor performs the actual query against one source.
type Executor interface {
	Execute(ctx context.Context, query string, params map[string]any) (any, error)
}

// QueryValidator is implemented by executors that can reject a query up front.
type QueryValidator interface {
	ValidateQuery(query string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, query string, params map[string]any) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, query string, params map[string]any) (any, error) {
	return f(ctx, query, params)
}

// RateLimit caps calls to one source. PerSecond=0 means unlimited.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Options configures a Manager.
type Options struct {
	Executors map[source.Source]Executor
	Breakers  *breaker.Set
	Cache     cache.Store // nil disables caching
	Flags     flags.Provider

	// TTLs override source.DefaultTTL per source.
	TTLs   map[source.Source]time.Duration
	Limits map[source.Source]RateLimit

	// FetchTimeout bounds each executor call (default: 30s).
	FetchTimeout time.Duration

	Logger *slog.Logger
}

// Manager fetches from configured sources.
type Manager struct {
	executors    map[source.Source]Executor
	breakers     *breaker.Set
	cache        cache.Store
	flags        flags.Provider
	ttls         map[source.Source]time.Duration
	limiters     map[source.Source]*rate.Limiter
	fetchTimeout time.Duration
	logger       *slog.Logger

	tracer      trace.Tracer
	fetches     metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates a Manager. Sources without a breaker in opts.Breakers get one
// with default settings; a nil Flags provider enables everything except mock data.
func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sources := make([]source.Source, 0, len(opts.Executors))
	for src := range opts.Executors {
		sources = append(sources, src)
	}

	brs := opts.Breakers
	if brs == nil {
		brs = breaker.NewSet(breaker.Config{}, log, sources...)
	}

	fl := opts.Flags
	if fl == nil {
		defaults := map[string]bool{flags.RealData: true, flags.Cache: true}
		for _, src := range source.All() {
			defaults[src.FlagName()] = true
		}
		fl = flags.NewStatic(defaults)
	}

	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limiters := make(map[source.Source]*rate.Limiter)
	for src, l := range opts.Limits {
		// PerSecond=0 means unlimited
		if l.PerSecond <= 0 {
			continue
		}
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		limiters[src] = rate.NewLimiter(rate.Limit(l.PerSecond), burst)
	}

	m := &Manager{
		executors:    opts.Executors,
		breakers:     brs,
		cache:        opts.Cache,
		flags:        fl,
		ttls:         opts.TTLs,
		limiters:     limiters,
		fetchTimeout: timeout,
		logger:       log.With("component", "datasource"),
		tracer:       otel.Tracer("dataplane/datasource"),
	}
	m.initMetrics()
	return m
}

func (m *Manager) initMetrics() {
	meter := otel.Meter("dataplane/datasource")
	var err error
	if m.fetches, err = meter.Int64Counter("dataplane.fetch.total",
		metric.WithDescription("Fetches by source and outcome")); err != nil {
		m.logger.Warn("failed to register metric", "metric", "dataplane.fetch.total", "error", err)
	}
	if m.cacheHits, err = meter.Int64Counter("dataplane.cache.hits"); err != nil {
		m.logger.Warn("failed to register metric", "metric", "dataplane.cache.hits", "error", err)
	}
	if m.cacheMisses, err = meter.Int64Counter("dataplane.cache.misses"); err != nil {
		m.logger.Warn("failed to register metric", "metric", "dataplane.cache.misses", "error", err)
	}
	if m.duration, err = meter.Float64Histogram("dataplane.fetch.duration_ms",
		metric.WithUnit("ms")); err != nil {
		m.logger.Warn("failed to register metric", "metric", "dataplane.fetch.duration_ms", "error", err)
	}
}

type fetchOptions struct {
	useCache bool
}

// FetchOption tweaks a single Fetch call.
type FetchOption func(*fetchOptions)

// WithoutCache skips both the cache lookup and the cache write.
func WithoutCache() FetchOption {
	return func(o *fetchOptions) { o.useCache = false }
}

// Fetch returns data for (src, query, params). The result is a payload (possibly
// with no records) or an error matching one of the package's sentinel errors.
func (m *Manager) Fetch(ctx context.Context, src source.Source, query string, params map[string]any, opts ...FetchOption) (*Payload, error) {
	fo := fetchOptions{useCache: true}
	for _, opt := range opts {
		opt(&fo)
	}

	ctx, span := m.tracer.Start(ctx, "datasource.Fetch", trace.WithAttributes(
		attribute.String("source", string(src)),
		attribute.String("query", query),
	))
	defer span.End()

	start := time.Now()
	log := logger.FromContext(ctx, m.logger).With("source", string(src), "query", query)

	payload, outcome, err := m.fetch(ctx, src, query, params, fo, log)

	attrs := metric.WithAttributes(attribute.String("source", string(src)), attribute.String("outcome", outcome))
	if m.fetches != nil {
		m.fetches.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	span.SetAttributes(attribute.String("outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		log.Warn("fetch failed", "outcome", outcome, "error", err)
		return nil, err
	}
	log.Debug("fetch completed", "outcome", outcome, "records", len(payload.Records))
	return payload, nil
}

func (m *Manager) fetch(ctx context.Context, src source.Source, query string, params map[string]any, fo fetchOptions, log *slog.Logger) (*Payload, string, error) {
	if !m.flags.Enabled(src.FlagName()) {
		return nil, "disabled", fmt.Errorf("%w: %s", ErrSourceDisabled, src)
	}

	if !m.flags.Enabled(flags.RealData) {
		if m.flags.Enabled(flags.MockData) {
			return mockPayload(string(src), query), "mock", nil
		}
		return nil, "no_data", fmt.Errorf("%w: real data disabled and mock data off", ErrNoDataAvailable)
	}

	exec, ok := m.executors[src]
	if !ok {
		return nil, "unknown_source", fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}
	br, ok := m.breakers.For(src)
	if !ok {
		return nil, "unknown_source", fmt.Errorf("%w: no breaker for %s", ErrUnknownSource, src)
	}

	if v, ok := exec.(QueryValidator); ok {
		if err := v.ValidateQuery(query); err != nil {
			return nil, "invalid_query", fmt.Errorf("%w: %s: %w", ErrInvalidQuery, src, err)
		}
	}

	cacheOn := fo.useCache && m.cache != nil && m.flags.Enabled(flags.Cache)
	var key string
	if cacheOn {
		var err error
		if key, err = cache.Key(string(src), query, params); err != nil {
			log.Warn("cache key unavailable, bypassing cache", "error", err)
			cacheOn = false
		}
	}

	if cacheOn {
		if p, hit := m.lookup(ctx, key, log); hit {
			return p, "cache_hit", nil
		}
	}

	if lim, ok := m.limiters[src]; ok {
		if err := lim.Wait(ctx); err != nil {
			return nil, "rate_limited", err
		}
	}

	res, err := br.Call(ctx, func(ctx context.Context) (any, error) {
		return m.execute(ctx, src, exec, query, params)
	})
	if err != nil {
		return nil, classify(err), m.wrapCallError(src, err)
	}

	payload, _ := res.(*Payload)
	if payload.Empty() {
		return &Payload{Source: string(src), Records: []Record{}}, "empty", nil
	}

	if cacheOn {
		payload = m.store(ctx, src, key, payload, log)
	}
	return payload, "ok", nil
}

// execute runs inside the breaker. Empty results are reported as successes:
// the source answered, it just had nothing. When the caller's own context ends
// first its error is returned as is, so it is never read as a source failure.
func (m *Manager) execute(parent context.Context, src source.Source, exec Executor, query string, params map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(parent, m.fetchTimeout)
	defer cancel()

	raw, err := exec.Execute(ctx, query, params)
	if err != nil {
		switch {
		case parent.Err() != nil:
			return nil, parent.Err()
		case errors.Is(err, ErrEmptyResult):
			return &Payload{Source: string(src)}, nil
		case errors.Is(err, ErrDataValidation):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %s: %w", ErrConnection, src, err)
		}
	}

	records, err := normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return &Payload{Source: string(src), Records: records}, nil
}

func (m *Manager) wrapCallError(src source.Source, err error) error {
	if errors.Is(err, breaker.ErrTrialTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrConnection, src, err)
	}
	return err
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrDataValidation):
		return "validation_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "connection_error"
	}
}

func (m *Manager) lookup(ctx context.Context, key string, log *slog.Logger) (*Payload, bool) {
	raw, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		log.Warn("cache lookup failed, treating as miss", "error", err)
		ok = false
	}
	if !ok {
		m.count(ctx, m.cacheMisses)
		return nil, false
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn("cached value unreadable, treating as miss", "error", err)
		m.count(ctx, m.cacheMisses)
		return nil, false
	}
	m.count(ctx, m.cacheHits)
	return &p, true
}

// store writes the payload and returns its cached form, so a miss and a later
// hit hand the caller identical values.
func (m *Manager) store(ctx context.Context, src source.Source, key string, p *Payload, log *slog.Logger) *Payload {
	encoded, err := json.Marshal(p)
	if err != nil {
		log.Warn("payload not cacheable", "error", err)
		return p
	}
	if err := m.cache.Set(ctx, key, encoded, m.ttl(src)); err != nil {
		log.Warn("cache write failed", "error", err)
	}

	var out Payload
	if err := json.Unmarshal(encoded, &out); err != nil {
		return p
	}
	return &out
}

func (m *Manager) ttl(src source.Source) time.Duration {
	if ttl, ok := m.ttls[src]; ok && ttl > 0 {
		return ttl
	}
	return source.DefaultTTL(src)
}

func (m *Manager) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

// Breakers reports the state of every source breaker.
func (m *Manager) Breakers() []breaker.Status {
	return m.breakers.Snapshot()
}
