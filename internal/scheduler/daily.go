// Package scheduler fires a job once a day at a fixed local time of day.
//
// The scheduler is long-running and context-aware for graceful shutdown. A
// failing or panicking job is logged and never stops the scheduler, and a
// firing that arrives while the previous run is still active is coalesced
// into that run instead of overlapping it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimeOfDay is a wall-clock time in hours and minutes.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:mm" (24-hour clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:mm", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// NextAfter returns the first occurrence of t strictly after from, in from's
// location.
func (t TimeOfDay) NextAfter(from time.Time) time.Time {
	y, mo, d := from.Date()
	next := time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, from.Location())
	if !next.After(from) {
		next = time.Date(y, mo, d+1, t.Hour, t.Minute, 0, 0, from.Location())
	}
	return next
}

// Job is the work fired by the scheduler.
type Job func(ctx context.Context) error

// Status is a snapshot of the scheduler for monitoring.
type Status struct {
	At        string    `json:"at"`
	NextRun   time.Time `json:"next_run,omitzero"`
	LastStart time.Time `json:"last_start,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Running   bool      `json:"running"`
	Runs      int       `json:"runs"`
	Coalesced int       `json:"coalesced"`
}

// Option configures a Daily scheduler.
type Option func(*Daily)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Daily) { d.now = now }
}

// WithTimer overrides time.After.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(d *Daily) { d.after = after }
}

// Daily fires Job once a day at At.
//
// Thread Safety: Run must be called once; Status is safe from any goroutine.
type Daily struct {
	at  TimeOfDay
	job Job

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	// running is held for the duration of a job run.
	running sync.Mutex
	wg      sync.WaitGroup

	mu     sync.RWMutex
	status Status
}

// NewDaily creates a scheduler firing job every day at at.
func NewDaily(at TimeOfDay, job Job, opts ...Option) *Daily {
	d := &Daily{
		at:    at,
		job:   job,
		now:   time.Now,
		after: time.After,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.status.At = at.String()
	return d
}

// Run blocks until ctx is cancelled, firing the job at every occurrence of
// the time of day. On cancellation it waits for an active run to finish.
func (d *Daily) Run(ctx context.Context) error {
	slog.Info("export scheduler started", "at", d.at.String())

	var last time.Time
	for {
		base := d.now()
		if base.Before(last) {
			base = last
		}
		next := d.at.NextAfter(base)

		d.mu.Lock()
		d.status.NextRun = next
		d.mu.Unlock()

		slog.Debug("next scheduled export", "next_run", next)

		select {
		case <-ctx.Done():
			d.wg.Wait()
			slog.Info("export scheduler stopped")
			return nil
		case <-d.after(next.Sub(d.now())):
			last = next
			d.fire(ctx)
		}
	}
}

// fire starts the job unless a previous run is still active.
func (d *Daily) fire(ctx context.Context) {
	if !d.running.TryLock() {
		d.mu.Lock()
		d.status.Coalesced++
		d.mu.Unlock()
		slog.Warn("previous export run still active, skipping this firing")
		return
	}

	d.mu.Lock()
	d.status.Running = true
	d.status.LastStart = d.now()
	d.status.Runs++
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Unlock()

		start := time.Now()
		err := d.runJob(ctx)

		d.mu.Lock()
		d.status.Running = false
		d.status.LastError = ""
		if err != nil {
			d.status.LastError = err.Error()
		}
		d.mu.Unlock()

		if err != nil {
			slog.Error("scheduled export failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
			return
		}
		slog.Info("scheduled export completed", "duration_ms", time.Since(start).Milliseconds())
	}()
}

func (d *Daily) runJob(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled job panicked: %v", r)
		}
	}()
	return d.job(ctx)
}

// NextRun returns the next planned firing, zero before Run starts.
func (d *Daily) NextRun() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status.NextRun
}

// Status returns a snapshot of the scheduler state.
func (d *Daily) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}
