// Package config provides centralized configuration management for the export service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
//
// The resulting Config is treated as immutable: it is loaded once in main and
// handed to each component by value or as a read-only pointer.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database   DatabaseConfig
	Export     ExportConfig
	Resilience ResilienceConfig
	Trigger    TriggerConfig
	Vehicles   VehicleConfig
	Logging    LoggingConfig
	Server     ServerConfig
}

// DatabaseConfig holds data source connection settings.
type DatabaseConfig struct {
	// Driver selects the database/sql driver: pgx or sqlite (default: pgx)
	Driver string `env:"DB_DRIVER" default:"pgx"`

	// URL is the connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// TripsTable is the table holding one row per vehicle trip (default: trips)
	TripsTable string `env:"DB_TRIPS_TABLE" default:"trips"`

	// StopsTable is the table holding per-stop detail rows (default: trip_stops)
	StopsTable string `env:"DB_STOPS_TABLE" default:"trip_stops"`

	// MaxConns is the maximum number of open connections (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the number of idle connections kept open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ExportConfig holds the scheduled export settings.
type ExportConfig struct {
	// Root is the directory output files are written to (default: ./exports)
	Root string `env:"EXPORT_ROOT" default:"./exports"`

	// LogPath is the directory holding change-detection markers (default: ./logs)
	LogPath string `env:"EXPORT_LOG_PATH" default:"./logs"`

	// ScheduleTime is the daily run time in HH:mm, local time (default: 02:00)
	ScheduleTime string `env:"EXPORT_SCHEDULE_TIME" default:"02:00"`

	// DaysBack is the negative start offset of the scheduled day window (default: -2)
	DaysBack int `env:"EXPORT_DAYS_BACK" default:"-2"`

	// EnabledTypes lists the export types run by the scheduler
	EnabledTypes []string `env:"EXPORT_ENABLED_TYPES" default:"BasicDetail,FullDetail"`

	// Delimiter is the field separator of output files (default: ;)
	Delimiter string `env:"EXPORT_DELIMITER" default:";"`
}

// ResilienceConfig holds retry and circuit-breaker settings for data source calls.
type ResilienceConfig struct {
	// RetryCount is the number of retries after the first failed attempt (default: 3)
	RetryCount int `env:"RETRY_COUNT" default:"3"`

	// RetryDelay is the first backoff delay; it doubles on every retry (default: 2s)
	RetryDelay time.Duration `env:"RETRY_DELAY" default:"2s"`

	// CircuitBreakerFailureThreshold is the minimum sample size before the
	// circuit may open (default: 5)
	CircuitBreakerFailureThreshold int `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" default:"5"`

	// CircuitBreakerDuration is both the sampling window and the open
	// period (default: 30s)
	CircuitBreakerDuration time.Duration `env:"CIRCUIT_BREAKER_DURATION" default:"30s"`
}

// TriggerConfig holds the trigger-folder watcher settings.
type TriggerConfig struct {
	// Enabled controls whether the trigger folder is watched (default: true)
	Enabled bool `env:"TRIGGER_ENABLED" default:"true"`

	// Folder is the directory watched for descriptor files (default: ./triggers)
	Folder string `env:"TRIGGER_FOLDER" default:"./triggers"`

	// SettleDelay is how long to wait after a create event before reading;
	// 0 reads immediately (default: 500ms)
	SettleDelay time.Duration `env:"TRIGGER_SETTLE_DELAY" default:"500ms"`

	// MaxConcurrent is the number of trigger files dispatched in parallel (default: 2)
	MaxConcurrent int `env:"TRIGGER_MAX_CONCURRENT" default:"2"`
}

// VehicleConfig holds the default vehicle selection used by scheduled runs.
// An explicit List takes precedence over Range; both empty selects all vehicles.
type VehicleConfig struct {
	// Range is a range expression such as "100-120,789"
	Range string `env:"VEHICLE_RANGE"`

	// List is a comma-separated list of vehicle ids
	List []int `env:"VEHICLE_LIST"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File optionally mirrors log output to a file
	File string `env:"LOG_FILE"`
}

// ServerConfig holds the operations HTTP server settings.
type ServerConfig struct {
	// Enabled controls whether the ops server is started (default: true)
	Enabled bool `env:"SERVER_ENABLED" default:"true"`

	// Host is the interface to bind to (default: 127.0.0.1)
	Host string `env:"SERVER_HOST" default:"127.0.0.1"`

	// Port is the port to listen on (default: 9090)
	Port int `env:"SERVER_PORT" default:"9090"`

	// ReadTimeout is the maximum duration for reading a request (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// ShutdownTimeout bounds graceful shutdown, including in-flight exports (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// APIKeys is a comma-separated list of keys accepted in X-API-Key for
	// POST /api/exports. Empty leaves the endpoint open to anyone who can
	// reach the bind address.
	APIKeys []string `env:"SERVER_API_KEYS"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
