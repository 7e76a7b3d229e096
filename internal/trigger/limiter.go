package trigger

// limiter.go bounds the number of manual exports dispatched at once.
//
// Trigger files wait for a slot; HTTP submissions use TryAcquire and are
// rejected with ErrBusy when every slot is taken. WaitForDrain blocks until
// all active dispatches complete and is used during shutdown.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when no dispatch slot is free. Clients should retry
// after a short delay.
var ErrBusy = errors.New("too many concurrent manual exports, please try again later")

// DefaultMaxConcurrent is the default limit for parallel dispatches.
const DefaultMaxConcurrent = 2

// Limiter controls concurrent dispatches using a semaphore.
type Limiter struct {
	semaphore chan struct{}

	mu     sync.RWMutex
	active int
}

// NewLimiter creates a limiter that allows at most maxConcurrent dispatches.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Limiter{semaphore: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a slot is free or ctx is done.
// The caller MUST call Release() when the dispatch completes.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot without blocking.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// ActiveCount returns the number of running dispatches.
func (l *Limiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until no dispatch is active or ctx is cancelled.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot of the limiter for monitoring.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current limiter state.
func (l *Limiter) Status() LimiterStatus {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()

	return LimiterStatus{
		Active:        active,
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
	}
}
