package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Secrets   SecretsConfig   `yaml:"secrets" envconfig:"SECRETS"`
	Lockout   LockoutConfig   `yaml:"lockout" envconfig:"LOCKOUT"`
	Alerts    AlertsConfig    `yaml:"alerts" envconfig:"ALERTS"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"25"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	DataDir      string        `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	DatabaseFile string        `yaml:"database_file" envconfig:"DATABASE_FILE" default:"licenses.db"`
	Retention    time.Duration `yaml:"retention" envconfig:"RETENTION" default:"4320h"`
}

// SecretsConfig controls secret generation and hashing.
type SecretsConfig struct {
	Length     int `yaml:"length" envconfig:"LENGTH" default:"32"`
	Iterations int `yaml:"iterations" envconfig:"ITERATIONS" default:"120000"`
}

// LockoutConfig controls the brute-force lockout guard.
type LockoutConfig struct {
	MaxAttempts int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"5"`
	Window      time.Duration `yaml:"window" envconfig:"WINDOW" default:"30m"`
}

// AlertsConfig controls the expiration alert scheduler.
type AlertsConfig struct {
	Interval      time.Duration `yaml:"interval" envconfig:"INTERVAL" default:"1h"`
	ThresholdDays []int         `yaml:"threshold_days" envconfig:"THRESHOLD_DAYS" default:"30,14,7,3,1"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keygate.log"`
}

// TelemetryConfig controls OpenTelemetry exporters.
type TelemetryConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics" envconfig:"ENABLE_METRICS" default:"true"`
	EnableTracing bool   `yaml:"enable_tracing" envconfig:"ENABLE_TRACING" default:"false"`
	Environment   string `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables (KEYGATE_ prefix) take precedence over file values,
// which take precedence over the struct-tag defaults.
func Load() (*Config, error) {
	return LoadFrom(configFilePath())
}

// LoadFrom loads configuration, reading the YAML file at path if it exists.
func LoadFrom(path string) (*Config, error) {
	var env Config
	if err := envconfig.Process("KEYGATE", &env); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	// Processing an unused prefix yields the struct-tag defaults alone;
	// comparing against them tells explicit environment values apart from
	// defaults envconfig filled in.
	var def Config
	if err := envconfig.Process("KEYGATE_TAG_DEFAULTS", &def); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	cfg := def
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			// Unmarshal touches only the keys present in the document,
			// so absent sections keep their defaults.
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	mergeEnv(&cfg, &env, &def)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// mergeEnv overlays environment values onto cfg. A field counts as set in
// the environment when processing it produced a value different from the
// struct-tag default.
func mergeEnv(cfg, env, def *Config) {
	override(&cfg.Server.Port, env.Server.Port, def.Server.Port)
	override(&cfg.Server.ReadTimeout, env.Server.ReadTimeout, def.Server.ReadTimeout)
	override(&cfg.Server.WriteTimeout, env.Server.WriteTimeout, def.Server.WriteTimeout)
	override(&cfg.Server.IdleTimeout, env.Server.IdleTimeout, def.Server.IdleTimeout)
	override(&cfg.Server.ShutdownTimeout, env.Server.ShutdownTimeout, def.Server.ShutdownTimeout)
	override(&cfg.Server.RateLimitRPS, env.Server.RateLimitRPS, def.Server.RateLimitRPS)
	override(&cfg.Server.RateLimitBurst, env.Server.RateLimitBurst, def.Server.RateLimitBurst)

	override(&cfg.Storage.DataDir, env.Storage.DataDir, def.Storage.DataDir)
	override(&cfg.Storage.DatabaseFile, env.Storage.DatabaseFile, def.Storage.DatabaseFile)
	override(&cfg.Storage.Retention, env.Storage.Retention, def.Storage.Retention)

	override(&cfg.Secrets.Length, env.Secrets.Length, def.Secrets.Length)
	override(&cfg.Secrets.Iterations, env.Secrets.Iterations, def.Secrets.Iterations)

	override(&cfg.Lockout.MaxAttempts, env.Lockout.MaxAttempts, def.Lockout.MaxAttempts)
	override(&cfg.Lockout.Window, env.Lockout.Window, def.Lockout.Window)

	override(&cfg.Alerts.Interval, env.Alerts.Interval, def.Alerts.Interval)
	if !slices.Equal(env.Alerts.ThresholdDays, def.Alerts.ThresholdDays) {
		cfg.Alerts.ThresholdDays = env.Alerts.ThresholdDays
	}

	override(&cfg.Logging.Level, env.Logging.Level, def.Logging.Level)
	override(&cfg.Logging.Output, env.Logging.Output, def.Logging.Output)
	override(&cfg.Logging.FilePath, env.Logging.FilePath, def.Logging.FilePath)

	override(&cfg.Telemetry.EnableMetrics, env.Telemetry.EnableMetrics, def.Telemetry.EnableMetrics)
	override(&cfg.Telemetry.EnableTracing, env.Telemetry.EnableTracing, def.Telemetry.EnableTracing)
	override(&cfg.Telemetry.Environment, env.Telemetry.Environment, def.Telemetry.Environment)
}

func override[T comparable](dst *T, env, def T) {
	if env != def {
		*dst = env
	}
}

func configFilePath() string {
	if p := os.Getenv("KEYGATE_CONFIG"); p != "" {
		return p
	}
	return "keygate.yml"
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Secrets.Iterations < 100000 {
		return fmt.Errorf("secret hash iterations must be at least 100000, got %d", c.Secrets.Iterations)
	}
	if c.Secrets.Length < 8 {
		return fmt.Errorf("secret length must be at least 8, got %d", c.Secrets.Length)
	}
	if c.Lockout.MaxAttempts < 1 {
		return fmt.Errorf("lockout max attempts must be positive, got %d", c.Lockout.MaxAttempts)
	}
	if c.Lockout.Window <= 0 {
		return fmt.Errorf("lockout window must be positive, got %s", c.Lockout.Window)
	}
	if c.Alerts.Interval <= 0 {
		return fmt.Errorf("alert interval must be positive, got %s", c.Alerts.Interval)
	}
	for _, d := range c.Alerts.ThresholdDays {
		if d < 1 {
			return fmt.Errorf("alert threshold days must be positive, got %d", d)
		}
	}
	return nil
}

// DatabasePath returns the resolved path of the SQLite database file.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Storage.DatabaseFile) {
		return c.Storage.DatabaseFile
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.DatabaseFile)
}

// EnsureDirectories creates the data and log directories if missing.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
