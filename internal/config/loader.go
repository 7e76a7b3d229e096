package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		parts := splitList(value)
		switch field.Type().Elem().Kind() {
		case reflect.String:
			field.Set(reflect.ValueOf(parts))
		case reflect.Int:
			ints := make([]int, 0, len(parts))
			for _, p := range parts {
				n, err := strconv.Atoi(p)
				if err != nil {
					return fmt.Errorf("invalid integer list element %q: %w", p, err)
				}
				ints = append(ints, n)
			}
			field.Set(reflect.ValueOf(ints))
		default:
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// splitList splits comma-separated values and trims whitespace.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	validDrivers := map[string]bool{"pgx": true, "sqlite": true}
	if !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Sprintf("DB_DRIVER (%q) must be one of: pgx, sqlite", c.Database.Driver))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.TripsTable == "" || c.Database.StopsTable == "" {
		errs = append(errs, "DB_TRIPS_TABLE and DB_STOPS_TABLE must not be empty")
	}

	// Export validation
	if c.Export.Root == "" {
		errs = append(errs, "EXPORT_ROOT is required")
	}
	if c.Export.LogPath == "" {
		errs = append(errs, "EXPORT_LOG_PATH is required")
	}
	if c.Export.ScheduleTime == "" {
		errs = append(errs, "EXPORT_SCHEDULE_TIME is required")
	}
	if c.Export.DaysBack >= 0 {
		errs = append(errs, fmt.Sprintf("EXPORT_DAYS_BACK (%d) must be negative", c.Export.DaysBack))
	}
	if len(c.Export.EnabledTypes) == 0 {
		errs = append(errs, "EXPORT_ENABLED_TYPES must list at least one export type")
	}
	if utf8.RuneCountInString(c.Export.Delimiter) != 1 {
		errs = append(errs, fmt.Sprintf("EXPORT_DELIMITER (%q) must be a single character", c.Export.Delimiter))
	}

	// Resilience validation
	if c.Resilience.RetryCount < 0 {
		errs = append(errs, "RETRY_COUNT must be non-negative")
	}
	if c.Resilience.RetryDelay <= 0 {
		errs = append(errs, "RETRY_DELAY must be positive")
	}
	if c.Resilience.CircuitBreakerFailureThreshold <= 0 {
		errs = append(errs, "CIRCUIT_BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.Resilience.CircuitBreakerDuration <= 0 {
		errs = append(errs, "CIRCUIT_BREAKER_DURATION must be positive")
	}

	// Trigger validation
	if c.Trigger.Enabled && c.Trigger.Folder == "" {
		errs = append(errs, "TRIGGER_FOLDER is required when TRIGGER_ENABLED is true")
	}
	if c.Trigger.SettleDelay < 0 {
		errs = append(errs, "TRIGGER_SETTLE_DELAY must be non-negative")
	}
	if c.Trigger.MaxConcurrent <= 0 {
		errs = append(errs, "TRIGGER_MAX_CONCURRENT must be positive")
	}

	// Server validation
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
		}
		if c.Server.ReadTimeout < 0 {
			errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// The database URL is masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Database: {Driver: %q, URL: [MASKED], MaxConns: %d}, ",
		c.Database.Driver, c.Database.MaxConns))
	b.WriteString(fmt.Sprintf("Export: {Root: %q, LogPath: %q, ScheduleTime: %q, DaysBack: %d, EnabledTypes: %v}, ",
		c.Export.Root, c.Export.LogPath, c.Export.ScheduleTime, c.Export.DaysBack, c.Export.EnabledTypes))
	b.WriteString(fmt.Sprintf("Resilience: {RetryCount: %d, RetryDelay: %s, CBThreshold: %d, CBDuration: %s}, ",
		c.Resilience.RetryCount, c.Resilience.RetryDelay,
		c.Resilience.CircuitBreakerFailureThreshold, c.Resilience.CircuitBreakerDuration))
	b.WriteString(fmt.Sprintf("Trigger: {Enabled: %v, Folder: %q}, ", c.Trigger.Enabled, c.Trigger.Folder))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
