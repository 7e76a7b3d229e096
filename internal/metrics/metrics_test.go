package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/export"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/resilience"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/trigger"
)

func TestUnitCompleted(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.UnitCompleted(export.BasicDetail, export.OutcomeExported, 12, time.Second)
	m.UnitCompleted(export.BasicDetail, export.OutcomeExported, 3, time.Second)
	m.UnitCompleted(export.FullDetail, export.OutcomeSkipped, 0, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.unitsTotal.WithLabelValues("BasicDetail", "exported")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unitsTotal.WithLabelValues("FullDetail", "skipped")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.rowsWritten.WithLabelValues("BasicDetail")))
}

func TestRunCompleted(t *testing.T) {
	m := New(prometheus.NewRegistry())
	finished := time.Date(2024, 6, 10, 2, 0, 5, 0, time.UTC)

	m.RunCompleted(export.RunSummary{Mode: export.ModeScheduled, FinishedAt: finished})
	m.RunCompleted(export.RunSummary{Mode: export.ModeScheduled, FinishedAt: finished, Failed: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("scheduled", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("scheduled", "failed")))
	assert.Equal(t, float64(finished.Unix()), testutil.ToFloat64(m.lastRunUnix.WithLabelValues("scheduled")))
}

func TestCircuitAndRetries(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CircuitChanged(resilience.StateClosed, resilience.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitState))
	m.CircuitChanged(resilience.StateOpen, resilience.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitChanges.WithLabelValues("open")))

	m.Retried(1, errors.New("timeout"))
	m.Retried(2, errors.New("timeout"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retriesTotal))

	assert.Len(t, m.PipelineOptions(), 2)
}

func TestTriggerProcessed(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TriggerProcessed("file", trigger.StatusInvalid)
	m.TriggerProcessed("http", trigger.StatusSuccess)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggersTotal.WithLabelValues("file", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggersTotal.WithLabelValues("http", "success")))
}

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Retried(1, nil)

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
