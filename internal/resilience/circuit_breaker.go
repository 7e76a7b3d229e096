package resilience

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows calls through and samples their outcome.
	StateClosed State = iota

	// StateOpen rejects all calls immediately.
	StateOpen

	// StateHalfOpen admits a single probe call.
	StateHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// DefaultFailureRatio is the failure ratio that must be exceeded to open.
const DefaultFailureRatio = 0.5

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// MinimumThroughput is the sample count required in the window before
	// the circuit may open.
	MinimumThroughput int

	// FailureRatio must be exceeded by failures/samples to open.
	FailureRatio float64

	// SamplingWindow is the rolling window outcomes are counted over.
	SamplingWindow time.Duration

	// BreakDuration is how long the circuit stays open before half-opening.
	BreakDuration time.Duration
}

type sample struct {
	at     time.Time
	failed bool
}

// ticket identifies an admitted call so its outcome is only applied to the
// breaker generation that admitted it.
type ticket struct {
	generation uint64
	probe      bool
}

// CircuitBreaker tracks the outcome ratio of calls over a rolling window.
//
// Closed -> Open when the window holds at least MinimumThroughput samples and
// the failure ratio exceeds FailureRatio. Open -> HalfOpen once BreakDuration
// has elapsed. HalfOpen admits one probe: success closes, failure reopens.
//
// Safe for concurrent use.
type CircuitBreaker struct {
	config   BreakerConfig
	now      func() time.Time
	onChange func(from, to State)

	mu            sync.Mutex
	state         State
	generation    uint64
	samples       []sample
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig, now func() time.Time, onChange func(from, to State)) *CircuitBreaker {
	if config.FailureRatio <= 0 {
		config.FailureRatio = DefaultFailureRatio
	}
	if config.MinimumThroughput <= 0 {
		config.MinimumThroughput = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		config:   config,
		now:      now,
		onChange: onChange,
		state:    StateClosed,
	}
}

// allow admits or rejects a call. The returned ticket must be passed to
// record or release exactly once when ok is true.
func (cb *CircuitBreaker) allow() (t ticket, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		return ticket{generation: cb.generation}, true

	case StateOpen:
		if now.Sub(cb.openedAt) < cb.config.BreakDuration {
			return ticket{}, false
		}
		cb.transitionTo(StateHalfOpen, now)
		cb.probeInFlight = true
		return ticket{generation: cb.generation, probe: true}, true

	case StateHalfOpen:
		if cb.probeInFlight {
			return ticket{}, false
		}
		cb.probeInFlight = true
		return ticket{generation: cb.generation, probe: true}, true
	}

	return ticket{}, false
}

// record applies the outcome of an admitted call and reports whether the
// circuit is open afterwards.
func (cb *CircuitBreaker) record(t ticket, failed bool) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Outcome of a call admitted before the last transition.
	if t.generation != cb.generation {
		return cb.state == StateOpen
	}

	now := cb.now()

	switch cb.state {
	case StateClosed:
		cb.samples = append(cb.samples, sample{at: now, failed: failed})
		cb.prune(now)
		if cb.shouldOpen() {
			cb.transitionTo(StateOpen, now)
		}

	case StateHalfOpen:
		if !t.probe {
			break
		}
		cb.probeInFlight = false
		if failed {
			cb.transitionTo(StateOpen, now)
		} else {
			cb.transitionTo(StateClosed, now)
		}
	}
	return cb.state == StateOpen
}

// release gives back an admitted call whose outcome should not count, for
// example one cancelled by the caller.
func (cb *CircuitBreaker) release(t ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if t.probe && t.generation == cb.generation && cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
}

// prune drops samples that fell out of the sampling window.
// Must be called with lock held.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.config.SamplingWindow)
	i := 0
	for i < len(cb.samples) && !cb.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		cb.samples = append(cb.samples[:0], cb.samples[i:]...)
	}
}

// shouldOpen evaluates the window against the thresholds.
// Must be called with lock held.
func (cb *CircuitBreaker) shouldOpen() bool {
	total := len(cb.samples)
	if total < cb.config.MinimumThroughput {
		return false
	}
	failures := 0
	for _, s := range cb.samples {
		if s.failed {
			failures++
		}
	}
	return float64(failures)/float64(total) > cb.config.FailureRatio
}

// transitionTo changes the circuit state and starts a new generation.
// Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState State, now time.Time) {
	from := cb.state
	cb.state = newState
	cb.generation++
	cb.samples = cb.samples[:0]
	cb.probeInFlight = false

	if newState == StateOpen {
		cb.openedAt = now
	}
	if cb.onChange != nil && from != newState {
		cb.onChange(from, newState)
	}
}

// State returns the current circuit state. An open circuit whose break
// duration has elapsed reports half-open, since the next call will probe.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.BreakDuration {
		return StateHalfOpen
	}
	return cb.state
}

// BreakerStats contains circuit breaker statistics.
type BreakerStats struct {
	State    State     `json:"-"`
	StateStr string    `json:"state"`
	Samples  int       `json:"samples"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitzero"`
}

// Stats returns a snapshot of the breaker for monitoring.
func (cb *CircuitBreaker) Stats() BreakerStats {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune(cb.now())
	failures := 0
	for _, s := range cb.samples {
		if s.failed {
			failures++
		}
	}
	return BreakerStats{
		State:    state,
		StateStr: state.String(),
		Samples:  len(cb.samples),
		Failures: failures,
		OpenedAt: cb.openedAt,
	}
}
