// Package config loads the fan-out server configuration from YAML, applies
// defaults and environment overrides, and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the fan-out server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Presence  PresenceConfig  `yaml:"presence"`
	Tabs      TabsConfig      `yaml:"tabs"`
	Progress  ProgressConfig  `yaml:"progress"`
	Counters  CountersConfig  `yaml:"counters"`
	Ingress   IngressConfig   `yaml:"ingress"`
}

// ServerConfig holds transport and HTTP settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendBuffer      int           `yaml:"send_buffer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Window is one admission rule: at most Ceiling accepted events per Window.
type Window struct {
	Window  time.Duration `yaml:"window"`
	Ceiling int           `yaml:"ceiling"`
}

// RateLimitConfig configures per-session admission control. Classes is keyed
// by operation class name (default, join, heartbeat, presence, typing, tab,
// sync, counters, progress).
type RateLimitConfig struct {
	Classes       map[string]Window `yaml:"classes"`
	IdleTTL       time.Duration     `yaml:"idle_ttl"`
	SweepInterval time.Duration     `yaml:"sweep_interval"`
}

type PresenceConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	TypingTTL     time.Duration `yaml:"typing_ttl"`
}

type TabsConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	InactiveAfter time.Duration `yaml:"inactive_after"`
	ReplayCap     int           `yaml:"replay_cap"`
	ReplayMaxAge  time.Duration `yaml:"replay_max_age"`
}

type ProgressConfig struct {
	Capacity       int           `yaml:"capacity"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RetainFinished time.Duration `yaml:"retain_finished"`
}

// CountersConfig configures the dashboard board and its start-up rescan.
type CountersConfig struct {
	SystemWide []string   `yaml:"system_wide"`
	Seed       SeedConfig `yaml:"seed"`
}

// SeedConfig selects the store rescanned once at process start. Each query
// must return (status, count) rows for its category.
type SeedConfig struct {
	Driver  string            `yaml:"driver"`
	DSN     string            `yaml:"dsn"`
	Timeout time.Duration     `yaml:"timeout"`
	Queries map[string]string `yaml:"queries"`
}

// IngressConfig guards the producer-facing HTTP endpoints.
type IngressConfig struct {
	Token             string `yaml:"token"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
}

// Load reads a YAML config file and expands ${VAR} references. An empty path
// yields a zero Config.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads config, applies environment overrides and then
// defaults for anything still unset.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies overrides and defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyEnv overrides file values from the process environment.
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.Server.MaxMessageSize = parseMaxMessageSize(maxSize, c.Server.MaxMessageSize)
	}

	if token := os.Getenv("INGRESS_TOKEN"); token != "" {
		c.Ingress.Token = token
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}
