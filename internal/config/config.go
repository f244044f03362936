// Package config loads client settings from an optional YAML file, then
// FIELDSYNC_* environment variables, then defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL           = "http://127.0.0.1:8080"
	DefaultStoreDSN          = ".fieldsync"
	DefaultDebounceDelay     = 15 * time.Second
	DefaultReconcileInterval = 30 * time.Second
	DefaultDedupWindow       = 10 * time.Second
	DefaultMaxRetries        = 3
	DefaultRequestTimeout    = 30 * time.Second
	DefaultPollJitter        = 0.2
)

type Config struct {
	BaseURL     string `yaml:"base_url"`
	Token       string `yaml:"token"`
	EmployeeID  string `yaml:"employee_id"`
	RealtimeURL string `yaml:"realtime_url"`

	// StoreDSN selects the persist backend. QueueDSN defaults to it.
	StoreDSN string `yaml:"store_dsn"`
	QueueDSN string `yaml:"queue_dsn"`

	DebounceDelay     time.Duration `yaml:"debounce_delay"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	DedupWindow       time.Duration `yaml:"dedup_window"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	// PollInterval, when set, raises a foreground trigger on a jittered
	// timer.
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   float64       `yaml:"poll_jitter"`

	AutoSync bool   `yaml:"auto_sync"`
	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		StoreDSN:          DefaultStoreDSN,
		DebounceDelay:     DefaultDebounceDelay,
		ReconcileInterval: DefaultReconcileInterval,
		DedupWindow:       DefaultDedupWindow,
		MaxRetries:        DefaultMaxRetries,
		RequestTimeout:    DefaultRequestTimeout,
		PollJitter:        DefaultPollJitter,
		AutoSync:          true,
		LogLevel:          "info",
	}
}

// Load reads path when it is non-empty. A missing file is an error only when
// path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.BaseURL = envOrDefault("FIELDSYNC_BASE_URL", cfg.BaseURL)
	cfg.Token = envOrDefault("FIELDSYNC_TOKEN", cfg.Token)
	cfg.EmployeeID = envOrDefault("FIELDSYNC_EMPLOYEE_ID", cfg.EmployeeID)
	cfg.RealtimeURL = envOrDefault("FIELDSYNC_REALTIME_URL", cfg.RealtimeURL)
	cfg.StoreDSN = envOrDefault("FIELDSYNC_STORE_DSN", cfg.StoreDSN)
	cfg.QueueDSN = envOrDefault("FIELDSYNC_QUEUE_DSN", cfg.QueueDSN)
	cfg.DebounceDelay = durationEnv("FIELDSYNC_DEBOUNCE_DELAY", cfg.DebounceDelay)
	cfg.ReconcileInterval = durationEnv("FIELDSYNC_RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.DedupWindow = durationEnv("FIELDSYNC_DEDUP_WINDOW", cfg.DedupWindow)
	cfg.MaxRetries = intEnv("FIELDSYNC_MAX_RETRIES", cfg.MaxRetries)
	cfg.RequestTimeout = durationEnv("FIELDSYNC_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.PollInterval = durationEnv("FIELDSYNC_POLL_INTERVAL", cfg.PollInterval)
	cfg.PollJitter = floatEnv("FIELDSYNC_POLL_JITTER", cfg.PollJitter)
	cfg.AutoSync = boolEnv("FIELDSYNC_AUTO_SYNC", cfg.AutoSync)
	cfg.LogLevel = envOrDefault("FIELDSYNC_LOG_LEVEL", cfg.LogLevel)
}

// normalize replaces out-of-range values with their defaults.
func (c *Config) normalize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.Token = strings.TrimSpace(c.Token)
	c.EmployeeID = strings.TrimSpace(c.EmployeeID)
	if strings.TrimSpace(c.StoreDSN) == "" {
		c.StoreDSN = DefaultStoreDSN
	}
	if strings.TrimSpace(c.QueueDSN) == "" {
		c.QueueDSN = c.StoreDSN
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = DefaultDebounceDelay
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PollInterval < 0 {
		c.PollInterval = 0
	}
	c.PollJitter = ClampJitterRatio(c.PollJitter)
}

// SharedBackend reports whether store and queue persist to the same DSN.
func (c Config) SharedBackend() bool {
	return strings.TrimSpace(c.QueueDSN) == strings.TrimSpace(c.StoreDSN)
}

func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// RealtimeEndpoint is RealtimeURL, or the backend's /realtime path with a
// websocket scheme.
func (c Config) RealtimeEndpoint() string {
	if u := strings.TrimSpace(c.RealtimeURL); u != "" {
		return u
	}
	switch {
	case strings.HasPrefix(c.BaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.BaseURL, "https://") + "/realtime"
	case strings.HasPrefix(c.BaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.BaseURL, "http://") + "/realtime"
	default:
		return ""
	}
}

var ErrMissingEmployee = errors.New("employee id is required (employee_id or FIELDSYNC_EMPLOYEE_ID)")

func (c Config) RequireEmployee() error {
	if c.EmployeeID == "" {
		return ErrMissingEmployee
	}
	return nil
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to ±jitterRatio using sample in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid number in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
