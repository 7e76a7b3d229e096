package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/scheduler"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/trigger"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, trigger watcher and ops server",
	Long: `Run the long-lived export service.

The daily scheduler exports the configured day window at EXPORT_SCHEDULE_TIME.
When TRIGGER_ENABLED is set, descriptor files dropped into TRIGGER_FOLDER start
manual exports. When SERVER_ENABLED is set, /healthz, /metrics, /api/status and
POST /api/exports are served on SERVER_HOST:SERVER_PORT.

SIGINT or SIGTERM stops accepting new work and waits up to
SERVER_SHUTDOWN_TIMEOUT for in-flight exports.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	at, err := scheduler.ParseTimeOfDay(cfg.Export.ScheduleTime)
	if err != nil {
		slog.Error("invalid schedule time", "value", cfg.Export.ScheduleTime, "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		slog.Error("failed to start", "error", err)
		return err
	}
	defer a.Close()

	daily := scheduler.NewDaily(at, a.orchestrator.RunScheduledExport)

	deps := web.Deps{
		Breaker:     a.pipeline,
		Scheduler:   daily,
		Runs:        a.orchestrator,
		Health:      a.source.Ping,
		Gatherer:    prometheus.DefaultGatherer,
		APIKeys:     cfg.Server.APIKeys,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("scheduler started", "at", at.String(), "next_run", daily.NextRun())
		return daily.Run(gctx)
	})

	var processor *trigger.Processor
	if cfg.Trigger.Enabled {
		processor, err = a.newProcessor(cfg.Trigger.Folder, cfg.Trigger.SettleDelay)
		if err != nil {
			slog.Error("failed to create trigger processor", "error", err)
			return err
		}
		watcher, err := trigger.NewWatcher(processor)
		if err != nil {
			slog.Error("failed to watch trigger folder", "folder", cfg.Trigger.Folder, "error", err)
			return err
		}
		deps.Submitter = processor
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if cfg.Server.Enabled {
		server := web.NewServer(deps)
		g.Go(func() error { return server.Start(cfg.Server.Addr()) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	stop()
	exitOnSecondSignal()
	slog.Info("shutting down...")

	if processor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if active := processor.Limiter().ActiveCount(); active > 0 {
			slog.Info("waiting for manual exports to complete", "active", active)
		}
		if werr := processor.Wait(shutdownCtx); werr != nil {
			slog.Warn("manual exports did not complete in time", "error", werr)
		}
	}

	if err != nil {
		slog.Error("service stopped with error", "error", err)
		return err
	}
	slog.Info("service stopped")
	return nil
}

// exitOnSecondSignal is installed once shutdown begins so a stuck drain can
// still be interrupted.
func exitOnSecondSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		slog.Warn("second signal received, exiting immediately")
		os.Exit(1)
	}()
}
