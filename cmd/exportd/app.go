package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/changedetect"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/config"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/export"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/metrics"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/resilience"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/sink"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/source"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/trigger"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg          *config.Config
	source       *source.SQLSource
	pipeline     *resilience.Pipeline
	metrics      *metrics.Metrics
	orchestrator *export.Orchestrator
}

// newApp connects to the data source and assembles the export stack.
func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	enabled, err := export.ParseTypes(cfg.Export.EnabledTypes)
	if err != nil {
		return nil, fmt.Errorf("EXPORT_ENABLED_TYPES: %w", err)
	}
	defaultFilter, err := export.ResolveFilter(cfg.Vehicles.List, cfg.Vehicles.Range, export.AllVehicles())
	if err != nil {
		return nil, fmt.Errorf("VEHICLE_RANGE: %w", err)
	}

	delim, _ := utf8.DecodeRuneInString(cfg.Export.Delimiter)
	csv, err := sink.NewCSV(delim)
	if err != nil {
		return nil, fmt.Errorf("EXPORT_DELIMITER: %w", err)
	}

	store, err := changedetect.NewFileStore(cfg.Export.LogPath)
	if err != nil {
		return nil, fmt.Errorf("change detection store: %w", err)
	}

	m := metrics.New(reg)
	pipeline := resilience.New(resilience.Config{
		RetryCount:       cfg.Resilience.RetryCount,
		RetryDelay:       cfg.Resilience.RetryDelay,
		FailureThreshold: cfg.Resilience.CircuitBreakerFailureThreshold,
		BreakDuration:    cfg.Resilience.CircuitBreakerDuration,
	}, m.PipelineOptions()...)

	src, err := source.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to data source", "driver", cfg.Database.Driver)

	registry := export.DefaultRegistry(export.Deps{
		Source:   src,
		Executor: pipeline,
		Gate:     changedetect.NewGate(store),
		Sink:     csv,
		Root:     cfg.Export.Root,
	})
	slog.Info("exporters registered", "types", registry.Types(), "enabled", enabled)

	orch := export.NewOrchestrator(registry, export.OrchestratorConfig{
		DaysBack:      cfg.Export.DaysBack,
		Enabled:       enabled,
		DefaultFilter: defaultFilter,
		Recorder:      m,
	})

	return &app{
		cfg:          cfg,
		source:       src,
		pipeline:     pipeline,
		metrics:      m,
		orchestrator: orch,
	}, nil
}

// newProcessor builds a trigger processor for folder that dispatches to the
// orchestrator. A zero settle reads files as soon as they are seen.
func (a *app) newProcessor(folder string, settle time.Duration) (*trigger.Processor, error) {
	return trigger.NewProcessor(folder, a.orchestrator, trigger.ProcessorOptions{
		SettleDelay:   settle,
		MaxConcurrent: a.cfg.Trigger.MaxConcurrent,
		Recorder:      a.metrics,
	})
}

func (a *app) Close() {
	if err := a.source.Close(); err != nil {
		slog.Warn("closing data source", "error", err)
	}
}
