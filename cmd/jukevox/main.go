// Command jukevox runs the multi-tenant jukebox platform server: venue
// registry, queue and election state, kiosk request intake, admin
// commands, and the realtime observer feed.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jukevox/internal/archive"
	"jukevox/internal/logging"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		boot := logging.New(logging.Config{})
		boot.Fatal().Err(err).Msg("configuration")
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logging.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer db.Close()

	p, err := buildPlatform(cfg, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("platform")
	}
	defer p.feed.Close()

	if err := p.auth.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema")
	}
	if err := p.archive.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema")
	}

	// Background loops: feed bridge, duplicate-lease sweeper, audit
	// retention.
	go func() {
		if err := p.syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("syncer stopped")
		}
	}()
	go p.sweeper.Run(ctx)
	go p.archive.RunRetention(ctx, archive.DefaultRetention, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHTTPHandler(cfg, p, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Addr).Str("feed", cfg.FeedBackend).Msg("jukevox listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("shut down cleanly")
}
