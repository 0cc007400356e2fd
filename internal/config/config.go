// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// DatabaseURL points at the persistence service's database, read-only,
	// for permission lookups.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// JWTSecret verifies bearer tokens issued by the auth service.
	JWTSecret string `env:"JWT_SECRET"`
	// InternalToken authenticates the persistence service on the event
	// publish hook.
	InternalToken string `env:"INTERNAL_TOKEN"`

	AuthTimeout       time.Duration `env:"AUTH_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" default:"90s"`

	SendBufferSize        int `env:"SEND_BUFFER_SIZE" default:"64"`
	ReplayWindowSize      int `env:"REPLAY_WINDOW_SIZE" default:"500"`
	MaxConnectionsPerUser int `env:"MAX_CONNECTIONS_PER_USER" default:"10"`

	// Per-connection command rate limiting on the websocket read loop.
	CommandRatePerSecond float64 `env:"COMMAND_RATE_PER_SECOND" default:"20"`
	CommandBurst         int     `env:"COMMAND_BURST" default:"40"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL":   cfg.DatabaseURL,
		"REDIS_URL":      cfg.RedisURL,
		"JWT_SECRET":     cfg.JWTSecret,
		"INTERNAL_TOKEN": cfg.InternalToken,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters, got %d", len(cfg.JWTSecret))
	}
	if len(cfg.InternalToken) < 16 {
		return fmt.Errorf("INTERNAL_TOKEN must be at least 16 characters, got %d", len(cfg.InternalToken))
	}

	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)",
			cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	}
	if cfg.SendBufferSize < 1 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", cfg.SendBufferSize)
	}
	if cfg.ReplayWindowSize < 1 {
		return fmt.Errorf("REPLAY_WINDOW_SIZE must be positive, got %d", cfg.ReplayWindowSize)
	}
	if cfg.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_USER must be positive, got %d", cfg.MaxConnectionsPerUser)
	}

	return nil
}
