// Package resilience wraps data source calls with retry and circuit-breaker
// protection.
//
// A single Pipeline is created at startup and shared by every exporter, so a
// circuit opened by failures of a scheduled run also fails fast for a manual
// run started concurrently. Retries are attempted only for transient errors
// (see IsTransient); ErrCircuitOpen is returned immediately and is never
// retried.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/logging"
)

// Config holds the retry and breaker settings of a Pipeline.
type Config struct {
	// RetryCount is the number of retries after the first attempt.
	RetryCount int

	// RetryDelay is the wait before the first retry; it doubles each retry.
	RetryDelay time.Duration

	// FailureThreshold is the minimum number of sampled calls before the
	// circuit may open.
	FailureThreshold int

	// BreakDuration is both the sampling window and the open period.
	BreakDuration time.Duration
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the wall clock used by the circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithSleep replaces the backoff wait. The function must return early with
// ctx.Err() when ctx is cancelled.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = sleep }
}

// WithStateObserver registers a callback for circuit transitions. It runs
// with the breaker lock held and must not call back into the Pipeline.
func WithStateObserver(fn func(from, to State)) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, fn) }
}

// WithRetryObserver registers a callback invoked before every retry wait.
func WithRetryObserver(fn func(attempt int, err error)) Option {
	return func(p *Pipeline) { p.onRetry = fn }
}

// Pipeline executes operations with retry and circuit-breaker semantics.
//
// Thread Safety: Safe for concurrent use.
type Pipeline struct {
	config    Config
	breaker   *CircuitBreaker
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	observers []func(from, to State)
	onRetry   func(attempt int, err error)
}

// New creates a Pipeline in the closed state.
func New(config Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		config: config,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.breaker = NewCircuitBreaker(BreakerConfig{
		MinimumThroughput: config.FailureThreshold,
		FailureRatio:      DefaultFailureRatio,
		SamplingWindow:    config.BreakDuration,
		BreakDuration:     config.BreakDuration,
	}, p.now, p.stateChanged)

	return p
}

func (p *Pipeline) stateChanged(from, to State) {
	slog.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
	for _, fn := range p.observers {
		fn(from, to)
	}
}

// Execute runs op, retrying transient failures with exponential backoff.
//
// Returns nil on success, ErrCircuitOpen when the circuit rejects the call
// (op is not invoked) or opens on a failure that would otherwise be retried,
// the error itself for non-transient failures, and a *RetryError wrapping the
// last cause when all attempts failed.
func (p *Pipeline) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	logger := logging.FromContext(ctx)
	attempts := p.config.RetryCount + 1
	delay := p.config.RetryDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, ok := p.breaker.allow()
		if !ok {
			return ErrCircuitOpen
		}

		err := op(ctx)
		open := false
		switch {
		case err == nil:
			p.breaker.record(t, false)
			return nil
		case ctx.Err() != nil:
			// Cancelled by the caller; not a data source failure.
			p.breaker.release(t)
			return err
		default:
			open = p.breaker.record(t, true)
		}

		if !IsTransient(err) {
			logger.Warn("data source call failed", "attempt", attempt, "error", err, "retryable", false)
			return err
		}
		if attempt >= attempts {
			logger.Error("data source call failed, retries exhausted", "attempts", attempt, "error", err)
			return &RetryError{Attempts: attempt, Err: err}
		}
		if open {
			logger.Error("data source call failed, circuit open, not retrying", "attempt", attempt, "error", err)
			return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}

		logger.Warn("data source call failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		if p.onRetry != nil {
			p.onRetry(attempt, err)
		}

		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, p *Pipeline, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// State returns the current circuit state.
func (p *Pipeline) State() State {
	return p.breaker.State()
}

// Stats returns a snapshot of the circuit breaker.
func (p *Pipeline) Stats() BreakerStats {
	return p.breaker.Stats()
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
