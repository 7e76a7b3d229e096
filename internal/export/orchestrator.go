package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/logging"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/resilience"
)

// Run modes.
const (
	ModeScheduled = "scheduled"
	ModeManual    = "manual"
)

// Unit outcomes reported to the Recorder.
const (
	OutcomeExported      = "exported"
	OutcomeSkipped       = "skipped"
	OutcomeFailed        = "failed"
	OutcomeUnregistered  = "unregistered"
	OutcomeCircuitOpened = "circuit_open"
)

// ManualRequest is an ad-hoc export request. Exactly the listed types are
// run, with change detection bypassed.
type ManualRequest struct {
	Types        []Type
	VehicleRange string
	VehicleList  []int

	// DaysCount is the number of consecutive days from StartDate; <= 0 means 1.
	DaysCount int

	// StartDate defaults to today when nil.
	StartDate *time.Time

	// ScheduledTime is accepted for compatibility and only logged; manual
	// requests always run immediately.
	ScheduledTime string
}

// Recorder receives per-unit and per-run outcomes, typically for metrics.
type Recorder interface {
	UnitCompleted(t Type, outcome string, rows int, elapsed time.Duration)
	RunCompleted(summary RunSummary)
}

type nopRecorder struct{}

func (nopRecorder) UnitCompleted(Type, string, int, time.Duration) {}
func (nopRecorder) RunCompleted(RunSummary)                        {}

// RunSummary describes a finished orchestrator run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Units      int       `json:"units"`
	Exported   int       `json:"exported"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
}

// UnitFailure is one failed (date, type) unit of work.
type UnitFailure struct {
	Date time.Time
	Type Type
	Err  error
}

// RunError reports the failed units of a run. Sibling units that succeeded
// are not affected.
type RunError struct {
	Mode     string
	Units    int
	Failures []UnitFailure
}

func (e *RunError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s %s: %v", f.Date.Format(time.DateOnly), f.Type, f.Err))
	}
	return fmt.Sprintf("%s export: %d of %d units failed: %s",
		e.Mode, len(e.Failures), e.Units, strings.Join(parts, "; "))
}

// Unwrap exposes the unit errors to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// OrchestratorConfig holds the immutable settings of an Orchestrator.
type OrchestratorConfig struct {
	// DaysBack is the negative start offset of the scheduled window
	// [DaysBack, -1).
	DaysBack int

	// Enabled lists the types run by scheduled exports, in order.
	Enabled []Type

	// DefaultFilter selects vehicles when a request names none.
	DefaultFilter Filter

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time

	// Recorder receives outcomes; defaults to a no-op.
	Recorder Recorder
}

// Orchestrator runs exporters over date ranges. Every (date, type) pair is an
// isolated unit: it gets its own run id and its failure never aborts the
// remaining units.
//
// Thread Safety: Safe for concurrent use. Scheduled and manual runs may
// execute at the same time; they share only the registry and the
// resilience state behind the exporters.
type Orchestrator struct {
	registry *Registry
	config   OrchestratorConfig

	mu   sync.RWMutex
	last *RunSummary
}

// NewOrchestrator creates an Orchestrator over registry.
func NewOrchestrator(registry *Registry, config OrchestratorConfig) *Orchestrator {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Recorder == nil {
		config.Recorder = nopRecorder{}
	}
	return &Orchestrator{registry: registry, config: config}
}

// today returns the current local date at midnight.
func (o *Orchestrator) today() time.Time {
	now := o.config.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// ScheduledDates returns the target dates of a scheduled run: today+d for
// every d in [DaysBack, -1).
func (o *Orchestrator) ScheduledDates() []time.Time {
	today := o.today()
	var dates []time.Time
	for d := o.config.DaysBack; d < -1; d++ {
		dates = append(dates, today.AddDate(0, 0, d))
	}
	return dates
}

// RunScheduledExport exports every enabled type for every date of the
// scheduled window with change detection active.
func (o *Orchestrator) RunScheduledExport(ctx context.Context) error {
	return o.run(ctx, ModeScheduled, o.ScheduledDates(), o.config.Enabled, o.config.DefaultFilter, false)
}

// ManualDates returns the dates a manual request covers.
func (o *Orchestrator) ManualDates(req ManualRequest) []time.Time {
	start := o.today()
	if req.StartDate != nil {
		s := *req.StartDate
		start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, start.Location())
	}
	days := req.DaysCount
	if days <= 0 {
		days = 1
	}

	dates := make([]time.Time, 0, days)
	for i := 0; i < days; i++ {
		dates = append(dates, start.AddDate(0, 0, i))
	}
	return dates
}

// RunManualExport exports the requested types for the requested dates with
// change detection bypassed, so output is always produced.
func (o *Orchestrator) RunManualExport(ctx context.Context, req ManualRequest) error {
	if len(req.Types) == 0 {
		return errors.New("manual export: no export types requested")
	}

	filter, err := ResolveFilter(req.VehicleList, req.VehicleRange, o.config.DefaultFilter)
	if err != nil {
		return fmt.Errorf("manual export: %w", err)
	}

	if req.ScheduledTime != "" {
		logging.FromContext(ctx).Info("scheduled time is advisory, running now",
			"scheduled_time", req.ScheduledTime)
	}

	return o.run(ctx, ModeManual, o.ManualDates(req), req.Types, filter, true)
}

func (o *Orchestrator) run(ctx context.Context, mode string, dates []time.Time, types []Type, filter Filter, bypass bool) error {
	summary := RunSummary{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: o.config.Now(),
		Units:     len(dates) * len(types),
	}
	ctx = logging.ContextWithRunID(ctx, summary.RunID)
	logger := logging.WithFields(ctx, "mode", mode)

	logger.Info("export run started",
		"dates", len(dates),
		"types", types,
		"vehicles", filter.String(),
		"vehicle_count", filter.Count(),
		"change_detection", !bypass,
	)

	runErr := &RunError{Mode: mode, Units: summary.Units}
	circuitOpen := false

	for _, date := range dates {
		for _, t := range types {
			if ctx.Err() != nil {
				runErr.Failures = append(runErr.Failures, UnitFailure{Date: date, Type: t, Err: ctx.Err()})
				continue
			}
			if circuitOpen {
				o.config.Recorder.UnitCompleted(t, OutcomeCircuitOpened, 0, 0)
				runErr.Failures = append(runErr.Failures, UnitFailure{Date: date, Type: t, Err: resilience.ErrCircuitOpen})
				continue
			}

			res, err := o.runUnit(ctx, date, t, filter, bypass)
			switch {
			case err != nil:
				runErr.Failures = append(runErr.Failures, UnitFailure{Date: date, Type: t, Err: err})
				if errors.Is(err, resilience.ErrCircuitOpen) {
					circuitOpen = true
					logger.Warn("circuit open, skipping remaining units of this run")
				}
			case res.Skipped:
				summary.Skipped++
			default:
				summary.Exported++
			}
		}
	}

	summary.Failed = len(runErr.Failures)
	summary.FinishedAt = o.config.Now()
	o.config.Recorder.RunCompleted(summary)

	o.mu.Lock()
	o.last = &summary
	o.mu.Unlock()

	logger.Info("export run finished",
		"units", summary.Units,
		"exported", summary.Exported,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration_ms", summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	)

	if len(runErr.Failures) > 0 {
		return runErr
	}
	return nil
}

// runUnit executes one (date, type) pair in its own scope. Missing
// exporters are skipped with a warning; panics are converted to errors.
func (o *Orchestrator) runUnit(ctx context.Context, date time.Time, t Type, filter Filter, bypass bool) (res Result, err error) {
	ctx = logging.ContextWithRunID(ctx, logging.RunIDFromContext(ctx)+"/"+uuid.NewString()[:8])
	logger := logging.WithFields(ctx, "date", date.Format(time.DateOnly), "type", t)
	start := time.Now()

	exporter, ok := o.registry.Get(t)
	if !ok {
		logger.Warn("no exporter registered for type, skipping")
		o.config.Recorder.UnitCompleted(t, OutcomeUnregistered, 0, 0)
		return Result{Type: t, Date: date, Skipped: true, Reason: "not registered"}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("exporter %s panicked: %v", t, r)
		}

		elapsed := time.Since(start)
		switch {
		case err != nil:
			logger.Error("export unit failed", "error", err, "duration_ms", elapsed.Milliseconds())
			o.config.Recorder.UnitCompleted(t, OutcomeFailed, 0, elapsed)
		case res.Skipped:
			logger.Info("export unit skipped", "reason", res.Reason)
			o.config.Recorder.UnitCompleted(t, OutcomeSkipped, 0, elapsed)
		default:
			o.config.Recorder.UnitCompleted(t, OutcomeExported, res.Rows, elapsed)
		}
	}()

	return exporter.Export(ctx, date, filter, bypass)
}

// LastRun returns the summary of the most recently finished run.
func (o *Orchestrator) LastRun() (RunSummary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.last == nil {
		return RunSummary{}, false
	}
	return *o.last, true
}
