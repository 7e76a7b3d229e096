package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSleep records requested backoff delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

var errConnRefused = errors.New("dial tcp 10.0.0.5:50000: connection refused")

func newTestPipeline(cfg Config, clock *fakeClock, sleep *recordingSleep, opts ...Option) *Pipeline {
	opts = append([]Option{WithClock(clock.Now), WithSleep(sleep.Sleep)}, opts...)
	return New(cfg, opts...)
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	p := newTestPipeline(Config{RetryCount: 3, RetryDelay: time.Second, FailureThreshold: 5, BreakDuration: time.Minute},
		newFakeClock(), &recordingSleep{})

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, p.State())
}

func TestExecute_RetriesTransientWithExponentialBackoff(t *testing.T) {
	sleep := &recordingSleep{}
	p := newTestPipeline(Config{RetryCount: 3, RetryDelay: 2 * time.Second, FailureThreshold: 10, BreakDuration: time.Minute},
		newFakeClock(), sleep)

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errConnRefused
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleep.delays)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	sleep := &recordingSleep{}
	var retried []int
	p := newTestPipeline(Config{RetryCount: 2, RetryDelay: time.Second, FailureThreshold: 10, BreakDuration: time.Minute},
		newFakeClock(), sleep, WithRetryObserver(func(attempt int, _ error) { retried = append(retried, attempt) }))

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errConnRefused
	})

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)
	assert.ErrorIs(t, err, errConnRefused)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleep.delays)
}

func TestExecute_NonTransientNotRetried(t *testing.T) {
	p := newTestPipeline(Config{RetryCount: 3, RetryDelay: time.Second, FailureThreshold: 10, BreakDuration: time.Minute},
		newFakeClock(), &recordingSleep{})

	syntaxErr := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return syntaxErr
	})

	assert.ErrorIs(t, err, syntaxErr)
	assert.Equal(t, 1, calls)
}

func TestCircuit_OpensAfterThresholdFailures(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(Config{RetryCount: 0, RetryDelay: time.Second, FailureThreshold: 3, BreakDuration: 30 * time.Second},
		clock, &recordingSleep{})

	for i := 0; i < 3; i++ {
		err := p.Execute(context.Background(), func(context.Context) error { return errConnRefused })
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, StateOpen, p.State())

	invoked := false
	err := p.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked, "operation must not run while the circuit is open")
}

func TestCircuit_OpenStopsRetries(t *testing.T) {
	p := newTestPipeline(Config{RetryCount: 5, RetryDelay: time.Second, FailureThreshold: 2, BreakDuration: 30 * time.Second},
		newFakeClock(), &recordingSleep{})

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errConnRefused
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestCircuit_OpeningFailureSkipsBackoff(t *testing.T) {
	sleep := &recordingSleep{}
	var retried []int
	p := newTestPipeline(Config{RetryCount: 5, RetryDelay: time.Second, FailureThreshold: 2, BreakDuration: 30 * time.Second},
		newFakeClock(), sleep, WithRetryObserver(func(attempt int, _ error) { retried = append(retried, attempt) }))

	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errConnRefused
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, errConnRefused)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, sleep.delays, "no wait after the failure that opened the circuit")
	assert.Equal(t, []int{1}, retried)
	assert.Equal(t, StateOpen, p.State())
}

func TestCircuit_RatioMustExceedHalf(t *testing.T) {
	p := newTestPipeline(Config{RetryCount: 0, RetryDelay: time.Second, FailureThreshold: 4, BreakDuration: time.Minute},
		newFakeClock(), &recordingSleep{})
	ctx := context.Background()

	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errConnRefused }

	for _, op := range []func(context.Context) error{ok, ok, fail, fail} {
		_ = p.Execute(ctx, op)
	}
	assert.Equal(t, StateClosed, p.State(), "2 of 4 failed is not above the ratio")

	_ = p.Execute(ctx, fail)
	assert.Equal(t, StateOpen, p.State(), "3 of 5 failed exceeds the ratio")
}

func TestCircuit_SamplesExpireOutsideWindow(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(Config{RetryCount: 0, RetryDelay: time.Second, FailureThreshold: 2, BreakDuration: 10 * time.Second},
		clock, &recordingSleep{})

	_ = p.Execute(context.Background(), func(context.Context) error { return errConnRefused })
	clock.Advance(11 * time.Second)
	_ = p.Execute(context.Background(), func(context.Context) error { return errConnRefused })

	assert.Equal(t, StateClosed, p.State())
	assert.Equal(t, 1, p.Stats().Samples)
}

func openCircuit(t *testing.T, p *Pipeline, threshold int) {
	t.Helper()
	for i := 0; i < threshold; i++ {
		_ = p.Execute(context.Background(), func(context.Context) error { return errConnRefused })
	}
	require.Equal(t, StateOpen, p.State())
}

func TestCircuit_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	p := newTestPipeline(Config{RetryCount: 0, RetryDelay: time.Second, FailureThreshold: 2, BreakDuration: 30 * time.Second},
		clock, &recordingSleep{}, WithStateObserver(func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}))
	openCircuit(t, p, 2)

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, p.Execute(context.Background(), func(context.Context) error { return nil }), ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, p.State())

	probeStarted := make(chan struct{})
	releaseProbe := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- p.Execute(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-releaseProbe
			return nil
		})
	}()

	<-probeStarted
	var second atomic.Bool
	err := p.Execute(context.Background(), func(context.Context) error {
		second.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen, "only one probe may run while half-open")
	assert.False(t, second.Load())

	close(releaseProbe)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, p.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuit_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(Config{RetryCount: 3, RetryDelay: time.Second, FailureThreshold: 2, BreakDuration: 30 * time.Second},
		clock, &recordingSleep{})
	openCircuit(t, p, 2)

	clock.Advance(30 * time.Second)
	calls := 0
	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return errConnRefused
	})

	assert.ErrorIs(t, err, ErrCircuitOpen, "retry after a failed probe is rejected by the reopened circuit")
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateOpen, p.State())

	// The open period restarts from the failed probe.
	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, p.State())
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, p.State())
}

func TestCircuit_CancelledProbeReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(Config{RetryCount: 0, RetryDelay: time.Second, FailureThreshold: 1, BreakDuration: time.Second},
		clock, &recordingSleep{})
	openCircuit(t, p, 1)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Execute(ctx, func(context.Context) error {
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)

	err = p.Execute(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, p.State())
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{RetryCount: 3, RetryDelay: time.Hour, FailureThreshold: 10, BreakDuration: time.Minute},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return sleepContext(ctx, d)
		}))

	err := p.Execute(ctx, func(context.Context) error { return errConnRefused })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_ReturnsValue(t *testing.T) {
	p := newTestPipeline(Config{RetryCount: 1, RetryDelay: time.Millisecond, FailureThreshold: 10, BreakDuration: time.Minute},
		newFakeClock(), &recordingSleep{})

	calls := 0
	n, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errConnRefused
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errConnRefused, true},
		{"wrapped timeout", fmt.Errorf("query: %w", errors.New("i/o timeout")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"circuit open", ErrCircuitOpen, false},
		{"deadlock sqlstate", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, true},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"plain error", errors.New("no such table: trips"), false},
		{"marked transient", Transient(errors.New("custom")), true},
		{"marked permanent", Permanent(errors.New("connection refused")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
