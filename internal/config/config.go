package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "DBPULSE"

// Config represents the complete configuration schema for dbpulse.
//
// Configuration sources (in order of precedence):
//  1. Defaults
//  2. Configuration file (optional)
//  3. Environment variables
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Schedule  ScheduleConfig  `mapstructure:"schedule" yaml:"schedule"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type StorageConfig struct {
	Path             string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	BusyTimeout      time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
	LogRetentionDays int           `mapstructure:"log_retention_days" yaml:"log_retention_days"`
}

// ScheduleConfig locates the collector schedule document. The backup lives
// next to it with a ".bak" suffix.
type ScheduleConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type SchedulerConfig struct {
	Tick              time.Duration `mapstructure:"tick" yaml:"tick"`
	WorkerCount       int           `mapstructure:"worker_count" yaml:"worker_count"`
	RetentionInterval time.Duration `mapstructure:"retention_interval" yaml:"retention_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	TransientCodes []string      `mapstructure:"transient_codes" yaml:"transient_codes"` // extra SQLSTATE codes or classes
}

type CollectorConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	StaleAfter     time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// RegistryConfig points at the server registry file and the optional .env
// file holding the secrets it references.
type RegistryConfig struct {
	Path    string `mapstructure:"path" yaml:"path"`
	EnvFile string `mapstructure:"env_file" yaml:"env_file"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Level        string        `mapstructure:"level" yaml:"level"`   // debug, info, warn, error, fatal, panic
	Pretty       bool          `mapstructure:"pretty" yaml:"pretty"` // human-readable console output
	File         string        `mapstructure:"file" yaml:"file"`     // optional rotating log file
	MaxAge       time.Duration `mapstructure:"max_age" yaml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" yaml:"rotation_time"`
}

// Load loads configuration from defaults, the first config.yaml found in the
// search path, and environment variables, then validates the result.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given configuration file instead
// of searching for one. An empty path falls back to the search path.
//
// The function fails fast on:
//   - Invalid or unreadable configuration file
//   - Invalid or missing required configuration values
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Register default values
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(false)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		// Cross-platform config directory
		if configDir := getConfigDir(); configDir != "" {
			v.AddConfigPath(configDir)
		}

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file error: %w", err)
			}
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalizeConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// getConfigDir returns the appropriate config directory for the current OS
func getConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "dbpulse")
		}
		return ""
	}

	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".dbpulse")
	}
	return ""
}
