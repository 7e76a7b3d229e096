// Command exportd runs the daily fleet export, watches the trigger folder for
// manual export requests and serves the operations endpoints.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pcieslikta/DB2ExportService-sub000/internal/config"
	"github.com/pcieslikta/DB2ExportService-sub000/internal/logging"
)

var (
	envFile string
	cfg     *config.Config
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "exportd",
	Short: "Export fleet trip records to delimited files",
	Long: `exportd exports vehicle trip records from the fleet database into
delimited files, one file per export type and service date.

Configuration is read from the environment, optionally seeded from a .env
file. Run "exportd serve" for the long-running service, or "exportd run" for
a one-off manual export.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, runCmd, triggerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and configures logging for every subcommand.
func setup(*cobra.Command, []string) error {
	// Overload lets the file win over stale shell exports during development.
	if err := godotenv.Overload(envFile); err != nil {
		slog.Debug("no .env file loaded, using environment variables", "path", envFile)
	} else {
		slog.Info("loaded .env file", "path", envFile)
	}

	var err error
	cfg, err = config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	var extra []io.Writer
	if cfg.Logging.File != "" {
		f, err := openLogFile(cfg.Logging.File, cfg.Export.LogPath)
		if err != nil {
			return err
		}
		logFile = f
		extra = append(extra, f)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, extra...)

	slog.Info("configuration loaded",
		"driver", cfg.Database.Driver,
		"export_root", cfg.Export.Root,
		"schedule_time", cfg.Export.ScheduleTime,
		"days_back", cfg.Export.DaysBack,
		"enabled_types", cfg.Export.EnabledTypes,
		"trigger_enabled", cfg.Trigger.Enabled,
		"server_enabled", cfg.Server.Enabled,
	)
	slog.Debug("effective configuration", "config", cfg.String())
	return nil
}

// openLogFile opens name for appending. Relative names are placed under dir.
func openLogFile(name, dir string) (*os.File, error) {
	if !filepath.IsAbs(name) {
		name = filepath.Join(dir, name)
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
