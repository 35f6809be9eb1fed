// Package config loads engine settings from .env, an optional YAML file
// and JUDGESYNC_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	errs "github.com/kimhsiao/judgesync/internal/errors"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "JUDGESYNC_CONFIG"

type Config struct {
	DataDir          string        `yaml:"data_dir" validate:"required"`
	ServerURL        string        `yaml:"server_url" validate:"required,url"`
	HeartbeatURL     string        `yaml:"heartbeat_url" validate:"omitempty,url"`
	ListenAddr       string        `yaml:"listen_addr" validate:"required"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0,lte=20"`
	BatchSize        int           `yaml:"batch_size" validate:"gte=1,lte=1000"`
	Strategy         string        `yaml:"strategy" validate:"oneof=last-write-wins manual"`
	DrainInterval    time.Duration `yaml:"drain_interval" validate:"gt=0"`
	OnlineDebounce   time.Duration `yaml:"online_debounce" validate:"gte=0"`
	PruneInterval    time.Duration `yaml:"prune_interval" validate:"gt=0"`
	PruneRetention   time.Duration `yaml:"prune_retention" validate:"gt=0"`
	RequestTimeout   time.Duration `yaml:"request_timeout" validate:"gt=0"`
	LogLevel         string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	TelemetryEnabled bool          `yaml:"telemetry_enabled"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir:        "./data",
		ServerURL:      "http://localhost:8080",
		ListenAddr:     ":8080",
		MaxRetries:     3,
		BatchSize:      100,
		Strategy:       "last-write-wins",
		DrainInterval:  time.Minute,
		OnlineDebounce: 2 * time.Second,
		PruneInterval:  time.Hour,
		PruneRetention: 7 * 24 * time.Hour,
		RequestTimeout: 30 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads .env (when present), the YAML file named by JUDGESYNC_CONFIG
// and the environment, then validates the result.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads only the YAML file at path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.ErrValidation, fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errs.Wrap(errs.ErrValidation, fmt.Sprintf("invalid config file %s", path), err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	c.DataDir = getEnv("JUDGESYNC_DATA_DIR", c.DataDir)
	c.ServerURL = getEnv("JUDGESYNC_SERVER_URL", c.ServerURL)
	c.HeartbeatURL = getEnv("JUDGESYNC_HEARTBEAT_URL", c.HeartbeatURL)
	c.ListenAddr = getEnv("JUDGESYNC_LISTEN_ADDR", c.ListenAddr)
	c.Strategy = getEnv("JUDGESYNC_STRATEGY", c.Strategy)
	c.LogLevel = getEnv("JUDGESYNC_LOG_LEVEL", c.LogLevel)

	var err error
	if c.MaxRetries, err = getEnvAsInt("JUDGESYNC_MAX_RETRIES", c.MaxRetries); err != nil {
		return err
	}
	if c.BatchSize, err = getEnvAsInt("JUDGESYNC_BATCH_SIZE", c.BatchSize); err != nil {
		return err
	}
	if c.TelemetryEnabled, err = getEnvAsBool("JUDGESYNC_TELEMETRY_ENABLED", c.TelemetryEnabled); err != nil {
		return err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JUDGESYNC_DRAIN_INTERVAL", &c.DrainInterval},
		{"JUDGESYNC_ONLINE_DEBOUNCE", &c.OnlineDebounce},
		{"JUDGESYNC_PRUNE_INTERVAL", &c.PruneInterval},
		{"JUDGESYNC_PRUNE_RETENTION", &c.PruneRetention},
		{"JUDGESYNC_REQUEST_TIMEOUT", &c.RequestTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvAsDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	c.LogLevel = strings.ToLower(c.LogLevel)
	if err := validator.New().Struct(c); err != nil {
		return errs.Wrap(errs.ErrValidation, "invalid configuration", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errs.Wrap(errs.ErrValidation, fmt.Sprintf("invalid %s", key), err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, errs.Wrap(errs.ErrValidation, fmt.Sprintf("invalid %s", key), err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errs.Wrap(errs.ErrValidation, fmt.Sprintf("invalid %s", key), err)
	}
	return value, nil
}
