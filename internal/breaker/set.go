package breaker

import (
	"context"
	"log/slog"
	"time"

	"dataplane/internal/source"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Set holds exactly one Breaker per source. It is built once at start-up
// and handed to every component that needs it.
type Set struct {
	order    []source.Source
	breakers map[source.Source]*Breaker
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Source    source.Source
	State     State
	Failures  int
	OpenUntil time.Time
}

// NewSet creates a breaker for each of the given sources, or for all known sources when none are given.
func NewSet(cfg Config, logger *slog.Logger, sources ...source.Source) *Set {
	if len(sources) == 0 {
		sources = source.All()
	}
	s := &Set{breakers: make(map[source.Source]*Breaker, len(sources))}
	for _, src := range sources {
		if _, dup := s.breakers[src]; dup {
			continue
		}
		s.order = append(s.order, src)
		s.breakers[src] = New(string(src), cfg, logger)
	}
	return s
}

// For returns the breaker guarding src.
func (s *Set) For(src source.Source) (*Breaker, bool) {
	b, ok := s.breakers[src]
	return b, ok
}

// Snapshot reports every breaker in creation order.
func (s *Set) Snapshot() []Status {
	out := make([]Status, 0, len(s.order))
	for _, src := range s.order {
		b := s.breakers[src]
		out = append(out, Status{
			Source:    src,
			State:     b.State(),
			Failures:  b.Failures(),
			OpenUntil: b.OpenUntil(),
		})
	}
	return out
}

// RegisterMetrics exports breaker states as an observable gauge
// (0 closed, 1 half_open, 2 open) read only when scraped.
func (s *Set) RegisterMetrics(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge("dataplane.breaker.state",
		metric.WithDescription("Circuit breaker state per source (0 closed, 1 half_open, 2 open)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			for _, st := range s.Snapshot() {
				obs.Observe(int64(st.State), metric.WithAttributes(attribute.String("source", string(st.Source))))
			}
			return nil
		}),
	)
	return err
}
