// Package breaker isolates failing sources behind per-source circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrCircuitOpen is returned when a call is short-circuited without reaching the operation.
var ErrCircuitOpen = errors.New("circuit open")

// ErrTrialTimeout is returned when a half-open trial does not finish before its deadline.
var ErrTrialTimeout = errors.New("half-open trial timed out")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config controls thresholds for state transitions.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit (default: 5).
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a trial is allowed (default: 60s).
	RecoveryTimeout time.Duration
	// TrialTimeout bounds the single half-open trial (default: 5s).
	TrialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.TrialTimeout <= 0 {
		c.TrialTimeout = 5 * time.Second
	}
	return c
}

// Operation is the unit of work a Breaker guards.
type Operation func(ctx context.Context) (any, error)

// Breaker is a closed/open/half-open state machine guarding one source.
// At most one trial runs while half-open; other callers are rejected with ErrCircuitOpen.
type Breaker struct {
	name         string
	cb           *gobreaker.TwoStepCircuitBreaker[any]
	trialTimeout time.Duration
	logger       *slog.Logger
	transitions  metric.Int64Counter

	// mirror of the gobreaker state, so status reads never drive transitions
	mu        sync.Mutex
	state     State
	openUntil time.Time
	tripped   int
}

// New creates a breaker named after the source it protects.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Breaker{
		name:         name,
		trialTimeout: cfg.TrialTimeout,
		logger:       logger.With("component", "breaker", "source", name),
	}

	meter := otel.Meter("dataplane/breaker")
	transitions, err := meter.Int64Counter("dataplane.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		b.logger.Warn("failed to register transition counter", "error", err)
	}
	b.transitions = transitions

	threshold := uint32(cfg.FailureThreshold)
	recovery := cfg.RecoveryTimeout

	// Both callbacks run under the gobreaker lock; they must not call back into b.cb.
	b.cb = gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // counts in the closed state only reset on success
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < threshold {
				return false
			}
			b.mu.Lock()
			b.tripped = int(counts.ConsecutiveFailures)
			b.mu.Unlock()
			return true
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.mu.Lock()
			b.state = fromGobreaker(to)
			switch to {
			case gobreaker.StateOpen:
				b.openUntil = time.Now().Add(recovery)
				if from == gobreaker.StateHalfOpen {
					b.tripped++
				}
			case gobreaker.StateClosed:
				b.openUntil = time.Time{}
				b.tripped = 0
			default:
				b.openUntil = time.Time{}
			}
			b.mu.Unlock()

			b.logger.Info("circuit state changed", "from", fromGobreaker(from).String(), "to", fromGobreaker(to).String())
			if b.transitions != nil {
				b.transitions.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("source", name),
					attribute.String("to", fromGobreaker(to).String()),
				))
			}
		},
	})

	return b
}

// Name returns the protected source name.
func (b *Breaker) Name() string {
	return b.name
}

// Call runs op through the breaker. It returns op's result and error unchanged,
// or an error wrapping ErrCircuitOpen when the call is rejected.
//
// A caller whose context is already done never reaches op. If the caller's
// context ends while op runs in the closed state, the outcome is not recorded
// at all. A half-open trial always records its outcome.
func (b *Breaker) Call(ctx context.Context, op Operation) (res any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		return nil, err
	}
	defer func() {
		if e := recover(); e != nil {
			done(false)
			panic(e)
		}
	}()

	if b.current() == StateHalfOpen {
		res, err = b.trial(ctx, op)
		done(err == nil)
		return res, err
	}

	res, err = op(ctx)
	if err != nil && ctx.Err() != nil {
		b.logger.Debug("call abandoned by caller", "error", err)
		return res, err
	}
	done(err == nil)
	return res, err
}

// trial runs op with a deadline. The operation keeps running in the
// background if it ignores cancellation, but the breaker is released on time.
func (b *Breaker) trial(ctx context.Context, op Operation) (any, error) {
	trialCtx, cancel := context.WithTimeout(ctx, b.trialTimeout)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := op(trialCtx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && trialCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %v: %w", ErrTrialTimeout, b.trialTimeout, out.err)
		}
		return out.res, out.err
	case <-trialCtx.Done():
		b.logger.Warn("half-open trial abandoned", "timeout", b.trialTimeout)
		return nil, fmt.Errorf("%w after %v: %w", ErrTrialTimeout, b.trialTimeout, trialCtx.Err())
	}
}

// current is the last state gobreaker reported, without the recovery clock applied.
func (b *Breaker) current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// State returns the current state. An open breaker whose recovery timeout
// elapsed reports half_open, since the next call will be the trial.
// Reading the state never performs a transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !time.Now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count. While the circuit is open or
// half-open it is the count that tripped it, plus one per failed trial.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	st, tripped := b.state, b.tripped
	b.mu.Unlock()
	if st != StateClosed {
		return tripped
	}
	return int(b.cb.Counts().ConsecutiveFailures)
}

// OpenUntil returns when an open breaker will admit its trial, or the zero time.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openUntil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
