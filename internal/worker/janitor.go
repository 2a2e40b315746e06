// Package worker contains background maintenance loops for the server.
package worker

import (
	"context"
	"log/slog"
	"time"

	"dataplane/internal/logger"

	"github.com/juju/clock"
)

// Purger removes expired entries and reports how many went away.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// PurgeFunc adapts a function to Purger.
type PurgeFunc func(ctx context.Context) (int64, error)

// Purge implements Purger.
func (f PurgeFunc) Purge(ctx context.Context) (int64, error) {
	return f(ctx)
}

// JanitorConfig holds configuration for the janitor loop.
type JanitorConfig struct {
	Interval   time.Duration // Base interval between purges (default: 5m)
	MaxBackoff time.Duration // Cap when purges keep finding nothing (default: 8x Interval)
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Janitor periodically purges a cache. Quiet rounds back off exponentially;
// a round that removes entries resets to the base interval.
type Janitor struct {
	purger Purger
	config JanitorConfig
	logger *slog.Logger
	done   chan struct{}
}

// NewJanitor creates a janitor for p.
func NewJanitor(p Purger, config JanitorConfig) *Janitor {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.MaxBackoff < config.Interval {
		config.MaxBackoff = 8 * config.Interval
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	log := config.Logger
	if log == nil {
		log = logger.Discard()
	}

	return &Janitor{
		purger: p,
		config: config,
		logger: log.With("component", "janitor"),
		done:   make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	defer close(j.done)

	// Current backoff duration (increases on quiet rounds, resets when entries expire)
	currentBackoff := j.config.Interval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-j.config.Clock.After(currentBackoff):
			n, err := j.purger.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				j.logger.Warn("cache purge failed", "error", err)
				currentBackoff = j.backoff(currentBackoff)
				continue
			}

			if n == 0 {
				currentBackoff = j.backoff(currentBackoff)
				continue
			}

			j.logger.Debug("purged expired cache entries", "count", n)
			currentBackoff = j.config.Interval
		}
	}
}

func (j *Janitor) backoff(d time.Duration) time.Duration {
	d *= 2
	if d > j.config.MaxBackoff {
		d = j.config.MaxBackoff
	}
	return d
}

// Done returns a channel that is closed when the janitor has fully stopped.
func (j *Janitor) Done() <-chan struct{} {
	return j.done
}
