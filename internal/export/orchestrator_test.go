package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/resilience"
)

type recordedUnit struct {
	t       Type
	outcome string
}

type fakeRecorder struct {
	mu    sync.Mutex
	units []recordedUnit
	runs  []RunSummary
}

func (r *fakeRecorder) UnitCompleted(t Type, outcome string, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, recordedUnit{t, outcome})
}

func (r *fakeRecorder) RunCompleted(s RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, s)
}

func fixedNow(s string) func() time.Time {
	t := day(s).Add(2 * time.Hour)
	return func() time.Time { return t }
}

func TestScheduledDates(t *testing.T) {
	tests := []struct {
		daysBack int
		want     []string
	}{
		{daysBack: -2, want: []string{"2024-06-08"}},
		{daysBack: -4, want: []string{"2024-06-06", "2024-06-07", "2024-06-08"}},
		{daysBack: -1, want: nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.daysBack), func(t *testing.T) {
			o := NewOrchestrator(NewRegistry(), OrchestratorConfig{DaysBack: tt.daysBack, Now: fixedNow("2024-06-10")})

			var got []string
			for _, d := range o.ScheduledDates() {
				got = append(got, d.Format(time.DateOnly))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunScheduledExport_WritesOnlyTargetDate(t *testing.T) {
	src := &fakeSource{
		counts:  map[string]*int{"2024-06-08": intPtr(2), "2024-06-09": intPtr(5)},
		primary: tripsDataset(),
	}
	sink := &fakeSink{}
	reg := NewRegistry(NewBasicDetailExporter(newDeps(src, &fakeGate{}, sink)))

	o := NewOrchestrator(reg, OrchestratorConfig{
		DaysBack: -2,
		Enabled:  []Type{BasicDetail},
		Now:      fixedNow("2024-06-10"),
	})

	require.NoError(t, o.RunScheduledExport(context.Background()))
	assert.Equal(t, []string{"/out/BASIC_2024-06-08.csv"}, sink.paths())

	// Same count on the second run: nothing new is written.
	require.NoError(t, o.RunScheduledExport(context.Background()))
	assert.Len(t, sink.paths(), 1)

	last, ok := o.LastRun()
	require.True(t, ok)
	assert.Equal(t, ModeScheduled, last.Mode)
	assert.Equal(t, 1, last.Skipped)
	assert.NotEmpty(t, last.RunID)
}

func TestRunManualExport_VehicleRangeBypassesChangeDetection(t *testing.T) {
	src := &fakeSource{
		counts:  map[string]*int{"2024-06-10": intPtr(2)},
		primary: tripsDataset(),
	}
	gate := &fakeGate{markers: map[string]int{"BASIC2024-06-10": 2}}
	sink := &fakeSink{}
	reg := NewRegistry(NewBasicDetailExporter(newDeps(src, gate, sink)))
	o := NewOrchestrator(reg, OrchestratorConfig{Now: fixedNow("2024-06-10")})

	err := o.RunManualExport(context.Background(), ManualRequest{
		Types:        []Type{BasicDetail},
		VehicleRange: "100-105",
		DaysCount:    1,
	})
	require.NoError(t, err)

	require.Len(t, src.primaryCalls, 1)
	c := src.primaryCalls[0]
	assert.Equal(t, "2024-06-10", c.date.Format(time.DateOnly))
	assert.Equal(t, []Range{{From: 100, To: 105}}, c.filter.Ranges())
	assert.Equal(t, []string{"/out/BASIC_2024-06-10.csv"}, sink.paths())
	assert.Zero(t, gate.calls)
}

func TestRunManualExport_DateRange(t *testing.T) {
	basic := &stubExporter{t: BasicDetail}
	o := NewOrchestrator(NewRegistry(basic), OrchestratorConfig{Now: fixedNow("2024-06-10")})

	start := day("2024-05-30")
	err := o.RunManualExport(context.Background(), ManualRequest{
		Types:     []Type{BasicDetail},
		StartDate: &start,
		DaysCount: 3,
	})
	require.NoError(t, err)

	var got []string
	for _, d := range basic.dates {
		got = append(got, d.Format(time.DateOnly))
	}
	assert.Equal(t, []string{"2024-05-30", "2024-05-31", "2024-06-01"}, got)
}

func TestRunManualExport_Validation(t *testing.T) {
	o := NewOrchestrator(NewRegistry(), OrchestratorConfig{})

	err := o.RunManualExport(context.Background(), ManualRequest{})
	assert.Error(t, err)

	err = o.RunManualExport(context.Background(), ManualRequest{Types: []Type{BasicDetail}, VehicleRange: "9-1"})
	assert.Error(t, err)
}

func TestRun_IsolatesFailures(t *testing.T) {
	failing := &stubExporter{t: FullDetail, err: errSource}
	basic := &stubExporter{t: BasicDetail}
	rec := &fakeRecorder{}

	o := NewOrchestrator(NewRegistry(basic, failing), OrchestratorConfig{
		DaysBack: -4,
		Enabled:  []Type{FullDetail, BasicDetail},
		Now:      fixedNow("2024-06-10"),
		Recorder: rec,
	})

	err := o.RunScheduledExport(context.Background())
	require.Error(t, err)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Len(t, runErr.Failures, 3)
	assert.ErrorIs(t, err, errSource)

	assert.Equal(t, 3, basic.calls(), "siblings still run")
	assert.Equal(t, 3, failing.calls())

	require.Len(t, rec.runs, 1)
	assert.Equal(t, 6, rec.runs[0].Units)
	assert.Equal(t, 3, rec.runs[0].Exported)
	assert.Equal(t, 3, rec.runs[0].Failed)
}

func TestRun_RecoversPanics(t *testing.T) {
	basic := &stubExporter{t: BasicDetail}
	o := NewOrchestrator(NewRegistry(&stubExporter{t: FullDetail, panic: true}, basic), OrchestratorConfig{
		Now: fixedNow("2024-06-10"),
	})

	err := o.RunManualExport(context.Background(), ManualRequest{Types: []Type{FullDetail, BasicDetail}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 1, basic.calls())
}

func TestRun_SkipsUnregisteredTypes(t *testing.T) {
	basic := &stubExporter{t: BasicDetail}
	rec := &fakeRecorder{}
	o := NewOrchestrator(NewRegistry(basic), OrchestratorConfig{Now: fixedNow("2024-06-10"), Recorder: rec})

	err := o.RunManualExport(context.Background(), ManualRequest{Types: []Type{Punctuality, BasicDetail}})
	require.NoError(t, err)

	assert.Equal(t, 1, basic.calls())
	assert.Contains(t, rec.units, recordedUnit{Punctuality, OutcomeUnregistered})
}

func TestRun_CircuitOpenSkipsRemainingUnits(t *testing.T) {
	broken := &stubExporter{t: BasicDetail, err: fmt.Errorf("fetching: %w", resilience.ErrCircuitOpen)}
	full := &stubExporter{t: FullDetail}

	o := NewOrchestrator(NewRegistry(broken, full), OrchestratorConfig{
		DaysBack: -4,
		Enabled:  []Type{BasicDetail, FullDetail},
		Now:      fixedNow("2024-06-10"),
	})

	err := o.RunScheduledExport(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Len(t, runErr.Failures, 6)
	assert.Equal(t, 1, broken.calls())
	assert.Zero(t, full.calls())
}

func TestRun_CancelledContext(t *testing.T) {
	basic := &stubExporter{t: BasicDetail}
	o := NewOrchestrator(NewRegistry(basic), OrchestratorConfig{Now: fixedNow("2024-06-10")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.RunManualExport(ctx, ManualRequest{Types: []Type{BasicDetail}, DaysCount: 2})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, basic.calls())
}

func TestLastRun_Empty(t *testing.T) {
	_, ok := NewOrchestrator(NewRegistry(), OrchestratorConfig{}).LastRun()
	assert.False(t, ok)
}
