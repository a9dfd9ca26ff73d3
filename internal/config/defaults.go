package config

import "github.com/spf13/viper"

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")

	// Storage defaults
	v.SetDefault("storage.path", "dbpulse.db")
	v.SetDefault("storage.max_open_conns", 16)
	v.SetDefault("storage.max_idle_conns", 4)
	v.SetDefault("storage.conn_max_lifetime", "1h")
	v.SetDefault("storage.busy_timeout", "5s")
	v.SetDefault("storage.log_retention_days", 14)

	// Schedule document
	v.SetDefault("schedule.path", "schedule.yaml")

	// Scheduler defaults
	v.SetDefault("scheduler.tick", "5s")
	v.SetDefault("scheduler.worker_count", 8)
	v.SetDefault("scheduler.retention_interval", "1h")
	v.SetDefault("scheduler.shutdown_timeout", "30s")

	// Retry defaults
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.transient_codes", []string{})

	// Collector defaults
	v.SetDefault("collector.command_timeout", "30s")
	v.SetDefault("collector.connect_timeout", "10s")
	v.SetDefault("collector.stale_after", "15m")

	// Server registry
	v.SetDefault("registry.path", "servers.yaml")
	v.SetDefault("registry.env_file", ".env")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_age", "168h")
	v.SetDefault("log.rotation_time", "24h")
}
