package main

import (
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [file]",
	Short: "Process one trigger descriptor file and exit",
	Long: `Process a single trigger descriptor immediately.

The file is validated, dispatched as a manual export and archived under the
processed/ directory next to it, exactly as the watcher in "exportd serve"
would handle it.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func runTrigger(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, prometheus.NewRegistry())
	if err != nil {
		slog.Error("failed to start", "error", err)
		return err
	}
	defer a.Close()

	// The file is already complete, so there is nothing to settle.
	processor, err := a.newProcessor(filepath.Dir(args[0]), 0)
	if err != nil {
		return err
	}

	status, err := processor.Process(ctx, args[0])
	slog.Info("trigger file processed", "path", args[0], "status", status)
	return err
}
