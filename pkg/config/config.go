// Package config loads process configuration from the environment, optionally
// overlaid on a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the server, workers and CLI read at start-up.
type Config struct {
	DatabaseURL  string     `yaml:"database_url"`
	HTTPAddr     string     `yaml:"http_addr"`
	CORSOrigins  []string   `yaml:"cors_origins"`
	APISecretKey string     `yaml:"api_secret_key"`
	LogLevel     string     `yaml:"log_level"`
	Workers      int        `yaml:"worker_count"`
	QueueSize    int        `yaml:"queue_size"`
	Step         StepConfig `yaml:"step"`
	DB           DBConfig   `yaml:"db"`
}

// DBConfig sizes the Postgres connection pool. Zero values keep the pgx
// defaults.
type DBConfig struct {
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// StepConfig controls the durable step retry policy.
type StepConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTPAddr:    ":8080",
		CORSOrigins: []string{"http://localhost:3003"},
		LogLevel:    "debug",
		Workers:     4,
		QueueSize:   256,
		Step: StepConfig{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Timeout:    60 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONNECTFLOW_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONNECTFLOW_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.HTTPAddr = getEnvOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.APISecretKey = getEnvOrDefault("API_SECRET_KEY", c.APISecretKey)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitList(origins)
	}

	var err error
	if c.Workers, err = getEnvIntOrDefault("WORKER_COUNT", c.Workers); err != nil {
		return err
	}
	if c.QueueSize, err = getEnvIntOrDefault("QUEUE_SIZE", c.QueueSize); err != nil {
		return err
	}
	if c.Step.MaxRetries, err = getEnvIntOrDefault("STEP_MAX_RETRIES", c.Step.MaxRetries); err != nil {
		return err
	}
	if c.Step.BaseDelay, err = getEnvDurationOrDefault("STEP_BASE_DELAY", c.Step.BaseDelay); err != nil {
		return err
	}
	if c.Step.MaxDelay, err = getEnvDurationOrDefault("STEP_MAX_DELAY", c.Step.MaxDelay); err != nil {
		return err
	}
	if c.Step.Timeout, err = getEnvDurationOrDefault("STEP_TIMEOUT", c.Step.Timeout); err != nil {
		return err
	}
	if c.DB.MaxConns, err = getEnvIntOrDefault("DB_MAX_CONNS", c.DB.MaxConns); err != nil {
		return err
	}
	if c.DB.MinConns, err = getEnvIntOrDefault("DB_MIN_CONNS", c.DB.MinConns); err != nil {
		return err
	}
	if c.DB.MaxConnLifetime, err = getEnvDurationOrDefault("DB_MAX_CONN_LIFETIME", c.DB.MaxConnLifetime); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration and reports the first invalid field.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr cannot be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("worker_count must be at least 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	if c.Step.MaxRetries < 0 {
		return fmt.Errorf("step.max_retries cannot be negative, got %d", c.Step.MaxRetries)
	}
	if c.Step.Timeout < 0 {
		return fmt.Errorf("step.timeout cannot be negative, got %v", c.Step.Timeout)
	}
	if c.DB.MaxConns < 0 || c.DB.MinConns < 0 {
		return fmt.Errorf("db pool sizes cannot be negative")
	}
	if c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns (%d) cannot exceed db.max_conns (%d)", c.DB.MinConns, c.DB.MaxConns)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelDebug, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
