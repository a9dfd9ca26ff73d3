package config

import (
	"fmt"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Package-level constants for performance optimization
var (
	validLogLevels = []string{"debug", "info", "warn", "error", "fatal", "panic"}

	// A full SQLSTATE (5 chars) or a class prefix (2 chars).
	sqlStatePattern = regexp.MustCompile(`^[0-9A-Z]{2}([0-9A-Z]{3})?$`)
)

// validateConfig validates the configuration and returns an error if invalid.
func validateConfig(c *Config) error {
	for _, validate := range []func() error{
		func() error { return validateServerConfig(c.Server) },
		func() error { return validateStorageConfig(c.Storage) },
		func() error { return validateScheduleConfig(c.Schedule) },
		func() error { return validateSchedulerConfig(c.Scheduler) },
		func() error { return validateRetryConfig(c.Retry) },
		func() error { return validateCollectorConfig(c.Collector) },
		func() error { return validateRegistryConfig(c.Registry) },
		func() error { return validateMetricsConfig(c.Metrics) },
		func() error { return validateLogConfig(c.Log) },
	} {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// validateServerConfig validates server configuration.
func validateServerConfig(s ServerConfig) error {
	if !s.Enabled {
		return nil
	}
	if s.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	// Validate address format
	host, portStr, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("server.addr invalid format: %w", err)
	}

	// Validate port range
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("server.addr invalid port: %w", err)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("server.addr port out of range (1-65535)")
		}
	}

	if host != "" && host != "0.0.0.0" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil {
			return fmt.Errorf("server.addr invalid host: %s", host)
		}
	}

	if s.ReadTimeout < time.Second {
		return fmt.Errorf("server.read_timeout too small (min 1s)")
	}
	if s.WriteTimeout < time.Second {
		return fmt.Errorf("server.write_timeout too small (min 1s)")
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("server.idle_timeout must be greater than 0")
	}
	if s.ReadTimeout > 5*time.Minute {
		return fmt.Errorf("server.read_timeout too large (max 5m)")
	}
	if s.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("server.write_timeout too large (max 5m)")
	}
	if s.IdleTimeout > 30*time.Minute {
		return fmt.Errorf("server.idle_timeout too large (max 30m)")
	}

	return nil
}

// validateStorageConfig validates storage configuration.
func validateStorageConfig(s StorageConfig) error {
	if s.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	if strings.Contains(s.Path, "..") {
		return fmt.Errorf("storage.path cannot contain '..' for security")
	}

	// Validate connection pool settings
	if s.MaxOpenConns <= 0 {
		return fmt.Errorf("storage.max_open_conns must be greater than 0")
	}
	if s.MaxOpenConns > 1000 {
		return fmt.Errorf("storage.max_open_conns too large (max 1000)")
	}
	if s.MaxIdleConns < 0 {
		return fmt.Errorf("storage.max_idle_conns cannot be negative")
	}
	if s.MaxIdleConns > s.MaxOpenConns {
		return fmt.Errorf("storage.max_idle_conns cannot be greater than max_open_conns")
	}
	if s.ConnMaxLifetime < time.Minute {
		return fmt.Errorf("storage.conn_max_lifetime too small (min 1m)")
	}
	if s.ConnMaxLifetime > 24*time.Hour {
		return fmt.Errorf("storage.conn_max_lifetime too large (max 24h)")
	}
	if s.BusyTimeout < 0 {
		return fmt.Errorf("storage.busy_timeout cannot be negative")
	}
	if s.LogRetentionDays < 0 {
		return fmt.Errorf("storage.log_retention_days cannot be negative")
	}

	return nil
}

func validateScheduleConfig(s ScheduleConfig) error {
	if s.Path == "" {
		return fmt.Errorf("schedule.path cannot be empty")
	}
	return nil
}

// validateSchedulerConfig validates scheduler configuration.
func validateSchedulerConfig(s SchedulerConfig) error {
	if s.WorkerCount <= 0 {
		return fmt.Errorf("scheduler.worker_count must be greater than 0")
	}
	if s.WorkerCount > 1000 {
		return fmt.Errorf("scheduler.worker_count too large (max 1000)")
	}

	if s.Tick < time.Second {
		return fmt.Errorf("scheduler.tick too small (min 1s)")
	}
	if s.Tick > time.Minute {
		return fmt.Errorf("scheduler.tick too large (max 1m)")
	}

	if s.RetentionInterval < time.Minute {
		return fmt.Errorf("scheduler.retention_interval too small (min 1m)")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("scheduler.shutdown_timeout must be greater than 0")
	}

	return nil
}

// validateRetryConfig validates the retry policy and the extra transient codes.
func validateRetryConfig(r RetryConfig) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if r.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts too large (max 10)")
	}
	if r.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be greater than 0")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay cannot be smaller than retry.base_delay")
	}
	for _, code := range r.TransientCodes {
		if !sqlStatePattern.MatchString(code) {
			return fmt.Errorf("retry.transient_codes: invalid SQLSTATE %q", code)
		}
	}
	return nil
}

func validateCollectorConfig(c CollectorConfig) error {
	if c.CommandTimeout < time.Second {
		return fmt.Errorf("collector.command_timeout too small (min 1s)")
	}
	if c.CommandTimeout > 10*time.Minute {
		return fmt.Errorf("collector.command_timeout too large (max 10m)")
	}
	if c.ConnectTimeout < time.Second {
		return fmt.Errorf("collector.connect_timeout too small (min 1s)")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("collector.stale_after must be greater than 0")
	}
	return nil
}

func validateRegistryConfig(r RegistryConfig) error {
	if r.Path == "" {
		return fmt.Errorf("registry.path cannot be empty")
	}
	return nil
}

func validateMetricsConfig(m MetricsConfig) error {
	if m.Enabled && m.Path == "" {
		return fmt.Errorf("metrics.path is required when metrics are enabled")
	}
	return nil
}

// validateLogConfig validates log configuration.
func validateLogConfig(l LogConfig) error {
	if !slices.Contains(validLogLevels, strings.ToLower(l.Level)) {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error, fatal, panic")
	}
	if l.File != "" {
		if l.RotationTime < time.Minute {
			return fmt.Errorf("log.rotation_time too small (min 1m)")
		}
		if l.MaxAge < l.RotationTime {
			return fmt.Errorf("log.max_age cannot be smaller than log.rotation_time")
		}
	}
	return nil
}
