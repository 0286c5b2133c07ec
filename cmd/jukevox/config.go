package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains application-wide settings sourced from the environment.
type Config struct {
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	FeedBackend    string // redis, nats, or local
	Addr           string
	JWTSecret      string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	LeaseDuration     time.Duration
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
}

func loadConfig() (Config, error) {
	_ = godotenv.Load("config/local.env")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return Config{}, errors.New("DATABASE_URL env var is required")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return Config{}, errors.New("JWT_SECRET env var is required")
	}

	cfg := Config{
		DatabaseURL:    dsn,
		RedisURL:       os.Getenv("REDIS_URL"),
		NATSURL:        os.Getenv("NATS_URL"),
		Addr:           fmt.Sprintf(":%s", envOrDefault("PORT", "8080")),
		JWTSecret:      secret,
		AllowedOrigins: parseAllowedOrigins(envOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("LOG_FORMAT", "json"),
	}

	// Feed backend defaults to whatever broker is configured, redis
	// winning when both are.
	backend := os.Getenv("FEED_BACKEND")
	if backend == "" {
		switch {
		case cfg.RedisURL != "":
			backend = "redis"
		case cfg.NATSURL != "":
			backend = "nats"
		default:
			backend = "local"
		}
	}
	switch backend {
	case "redis", "nats", "local":
		cfg.FeedBackend = backend
	default:
		return Config{}, fmt.Errorf("unknown FEED_BACKEND %q", backend)
	}
	if cfg.FeedBackend == "redis" && cfg.RedisURL == "" {
		return Config{}, errors.New("FEED_BACKEND=redis requires REDIS_URL")
	}
	if cfg.FeedBackend == "nats" && cfg.NATSURL == "" {
		return Config{}, errors.New("FEED_BACKEND=nats requires NATS_URL")
	}

	var err error
	if cfg.LeaseDuration, err = envDuration("LEASE_DURATION", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.StaleThreshold, err = envDuration("STALE_THRESHOLD", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDuration("HEARTBEAT_INTERVAL", 25*time.Second); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func parseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	var origins []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
