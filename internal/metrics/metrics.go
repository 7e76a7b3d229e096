// Package metrics exposes Prometheus collectors for the export service.
//
// Metrics implements the recorder interfaces of the export orchestrator and
// the trigger processor, and provides observers for the resilience pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/export"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/resilience"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/trigger"
)

const namespace = "exportd"

// Metrics holds every collector of the service.
type Metrics struct {
	unitsTotal     *prometheus.CounterVec
	unitDuration   *prometheus.HistogramVec
	rowsWritten    *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	lastRunUnix    *prometheus.GaugeVec
	circuitState   prometheus.Gauge
	circuitChanges *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	triggersTotal  *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		unitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Export units by type and outcome",
		}, []string{"type", "outcome"}),

		unitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Duration of export units that reached the exporter",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"type"}),

		rowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows written to export files by type",
		}, []string{"type"}),

		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Orchestrator runs by mode and result",
		}, []string{"mode", "result"}),

		lastRunUnix: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Finish time of the last run by mode",
		}, []string{"mode"}),

		circuitState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Data source circuit state: 0 closed, 1 open, 2 half-open",
		}),

		circuitChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit state transitions by target state",
		}, []string{"to"}),

		retriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Data source call retries",
		}),

		triggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Manual export requests by source and status",
		}, []string{"source", "status"}),
	}
}

// UnitCompleted implements export.Recorder.
func (m *Metrics) UnitCompleted(t export.Type, outcome string, rows int, elapsed time.Duration) {
	m.unitsTotal.WithLabelValues(string(t), outcome).Inc()
	if rows > 0 {
		m.rowsWritten.WithLabelValues(string(t)).Add(float64(rows))
	}
	if elapsed > 0 {
		m.unitDuration.WithLabelValues(string(t)).Observe(elapsed.Seconds())
	}
}

// RunCompleted implements export.Recorder.
func (m *Metrics) RunCompleted(s export.RunSummary) {
	result := "ok"
	if s.Failed > 0 {
		result = "failed"
	}
	m.runsTotal.WithLabelValues(s.Mode, result).Inc()
	m.lastRunUnix.WithLabelValues(s.Mode).Set(float64(s.FinishedAt.Unix()))
}

// TriggerProcessed implements trigger.Recorder.
func (m *Metrics) TriggerProcessed(source string, status trigger.Status) {
	m.triggersTotal.WithLabelValues(source, string(status)).Inc()
}

// CircuitChanged is a resilience state observer.
func (m *Metrics) CircuitChanged(_, to resilience.State) {
	m.circuitState.Set(float64(to))
	m.circuitChanges.WithLabelValues(to.String()).Inc()
}

// Retried is a resilience retry observer.
func (m *Metrics) Retried(int, error) {
	m.retriesTotal.Inc()
}

// PipelineOptions returns the resilience options that feed these metrics.
func (m *Metrics) PipelineOptions() []resilience.Option {
	return []resilience.Option{
		resilience.WithStateObserver(m.CircuitChanged),
		resilience.WithRetryObserver(m.Retried),
	}
}

var (
	_ export.Recorder  = (*Metrics)(nil)
	_ trigger.Recorder = (*Metrics)(nil)
)
