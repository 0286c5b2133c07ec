// Command player runs one venue playback device. It contends for the
// venue's master lease against the shared document store and, while it
// holds the lease, drives the queue and executes admin commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"jukevox/internal/archive"
	"jukevox/internal/device"
	"jukevox/internal/election"
	"jukevox/internal/logging"
	"jukevox/internal/player"
	"jukevox/internal/queue"
	"jukevox/internal/realtime"
	"jukevox/internal/store"
)

// noopAuditor keeps the engine wiring intact when no audit database is
// configured on the device.
type noopAuditor struct{}

func (noopAuditor) MarkPlaying(context.Context, string, string, string, string) error   { return nil }
func (noopAuditor) MarkCompleted(context.Context, string, string, string, string) error { return nil }

func main() {
	_ = godotenv.Load("config/local.env")

	log := logging.New(logging.Config{
		Level:  envOrDefault("LOG_LEVEL", "info"),
		Format: envOrDefault("LOG_FORMAT", "text"),
	})
	logging.SetGlobal(log)

	venueID := os.Getenv("VENUE_ID")
	redisURL := os.Getenv("REDIS_URL")
	if venueID == "" || redisURL == "" {
		log.Fatal().Msg("VENUE_ID and REDIS_URL env vars are required")
	}

	stateDir := envOrDefault("STATE_DIR", filepathDefault())
	deviceID, err := device.New(stateDir).GetOrCreate()
	if err != nil {
		log.Fatal().Err(err).Msg("device identity")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse REDIS_URL")
	}
	docStore := store.NewRedis(redis.NewClient(opts), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var audit player.Auditor = noopAuditor{}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := openDatabase(ctx, dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("database")
		}
		defer db.Close()
		audit = archive.New(db)
	}

	engine := player.NewEngine(
		docStore,
		queue.NewManager(docStore, log),
		realtime.NewCommands(docStore, log),
		audit,
		nil,
		venueID,
		deviceID,
		userAgent(),
		player.Config{Election: election.Config{}},
		log,
	)

	log.Info().Str("venue", venueID).Str("device", deviceID).Msg("player starting")
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("player stopped")
	}
	log.Info().Msg("player shut down cleanly")
}

func userAgent() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("jukevox-player/%s (%s; %s)", version, host, runtime.GOOS)
}

const version = "1.2.0"

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func filepathDefault() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jukevox"
	}
	return filepath.Join(home, ".jukevox")
}
