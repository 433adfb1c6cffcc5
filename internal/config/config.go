package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full client configuration. Every field has a sensible
// default and an environment override, so a config file is optional.
type Config struct {
	Server struct {
		URL string `yaml:"url"`
	} `yaml:"server"`

	Transport struct {
		DialAttempts   int           `yaml:"dial_attempts"`
		DialRetryDelay time.Duration `yaml:"dial_retry_delay"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"transport"`

	Identity struct {
		Path string `yaml:"path"`
	} `yaml:"identity"`

	Session struct {
		ScoreboardTTL time.Duration `yaml:"scoreboard_ttl"`
		TickInterval  time.Duration `yaml:"tick_interval"`
	} `yaml:"session"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Server.URL = "ws://localhost:8080/ws"
	cfg.Transport.DialAttempts = 3
	cfg.Transport.DialRetryDelay = time.Second
	cfg.Transport.ReconnectDelay = time.Second
	cfg.Transport.RequestTimeout = 10 * time.Second
	cfg.Session.ScoreboardTTL = 5 * time.Second
	cfg.Session.TickInterval = 100 * time.Millisecond
	return &cfg
}

// Load reads a YAML config file, fills unset fields with defaults, and then
// applies environment overrides on top. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		applyDefaults(cfg)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.URL == "" {
		cfg.Server.URL = def.Server.URL
	}
	if cfg.Transport.DialAttempts <= 0 {
		cfg.Transport.DialAttempts = def.Transport.DialAttempts
	}
	if cfg.Transport.DialRetryDelay <= 0 {
		cfg.Transport.DialRetryDelay = def.Transport.DialRetryDelay
	}
	if cfg.Transport.ReconnectDelay <= 0 {
		cfg.Transport.ReconnectDelay = def.Transport.ReconnectDelay
	}
	if cfg.Transport.RequestTimeout <= 0 {
		cfg.Transport.RequestTimeout = def.Transport.RequestTimeout
	}
	if cfg.Session.ScoreboardTTL <= 0 {
		cfg.Session.ScoreboardTTL = def.Session.ScoreboardTTL
	}
	if cfg.Session.TickInterval <= 0 {
		cfg.Session.TickInterval = def.Session.TickInterval
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.URL = getEnv("QUIZSYNC_SERVER_URL", cfg.Server.URL)
	cfg.Transport.DialAttempts = getEnvAsInt("QUIZSYNC_DIAL_ATTEMPTS", cfg.Transport.DialAttempts)
	cfg.Transport.DialRetryDelay = getEnvAsDuration("QUIZSYNC_DIAL_RETRY_DELAY", cfg.Transport.DialRetryDelay)
	cfg.Transport.ReconnectDelay = getEnvAsDuration("QUIZSYNC_RECONNECT_DELAY", cfg.Transport.ReconnectDelay)
	cfg.Transport.RequestTimeout = getEnvAsDuration("QUIZSYNC_REQUEST_TIMEOUT", cfg.Transport.RequestTimeout)
	cfg.Identity.Path = getEnv("QUIZSYNC_IDENTITY_PATH", cfg.Identity.Path)
	cfg.Session.ScoreboardTTL = getEnvAsDuration("QUIZSYNC_SCOREBOARD_TTL", cfg.Session.ScoreboardTTL)
	cfg.Session.TickInterval = getEnvAsDuration("QUIZSYNC_TICK_INTERVAL", cfg.Session.TickInterval)
}
