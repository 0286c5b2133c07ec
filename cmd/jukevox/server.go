package main

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"jukevox/internal/archive"
	"jukevox/internal/auth"
	"jukevox/internal/election"
	"jukevox/internal/httpapi"
	"jukevox/internal/intake"
	"jukevox/internal/metrics"
	"jukevox/internal/queue"
	"jukevox/internal/realtime"
	"jukevox/internal/store"
)

// platform holds the wired service graph behind the HTTP surface.
type platform struct {
	store    store.Store
	feed     realtime.Feed
	queues   *queue.Manager
	archive  *archive.Store
	auth     *auth.Service
	players  *election.Service
	intake   *intake.Service
	commands *realtime.Commands
	syncer   *realtime.Syncer
	sweeper  *election.Sweeper
	hub      *realtime.Hub
	metrics  *metrics.Metrics
}

func buildPlatform(cfg Config, db *sql.DB, log zerolog.Logger) (*platform, error) {
	docStore, err := openDocumentStore(cfg, log)
	if err != nil {
		return nil, err
	}
	feed, err := openFeed(cfg, log)
	if err != nil {
		return nil, err
	}

	p := &platform{
		store:   docStore,
		feed:    feed,
		queues:  queue.NewManager(docStore, log),
		archive: archive.New(db),
		auth:    auth.New(db, cfg.JWTSecret),
		metrics: metrics.New(),
	}
	p.players = election.NewService(docStore, election.Config{
		LeaseDuration:     cfg.LeaseDuration,
		StaleThreshold:    cfg.StaleThreshold,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log)
	p.intake = intake.New(p.queues, p.archive, intake.Config{}, log)
	p.commands = realtime.NewCommands(docStore, log)
	p.syncer = realtime.NewSyncer(docStore, p.queues, feed, log)
	p.sweeper = election.NewSweeper(docStore, 0, 0, log)
	p.hub = realtime.NewHub(feed, p.metrics, log)
	return p, nil
}

// openDocumentStore picks Redis when configured, the in-process store
// otherwise. The in-process store only suits single-instance
// deployments; remote players need the shared one.
func openDocumentStore(cfg Config, log zerolog.Logger) (store.Store, error) {
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, using in-process document store")
		return store.NewMemory(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return store.NewRedis(redis.NewClient(opts), log), nil
}

func openFeed(cfg Config, log zerolog.Logger) (realtime.Feed, error) {
	switch cfg.FeedBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return realtime.NewRedisFeed(redis.NewClient(opts), log), nil
	case "nats":
		return realtime.NewNATSFeed(cfg.NATSURL, log)
	default:
		return realtime.NewLocalFeed(), nil
	}
}

func newHTTPHandler(cfg Config, p *platform, log zerolog.Logger) http.Handler {
	api := httpapi.New(p.players, p.queues, p.intake, p.archive, p.commands,
		p.auth, p.hub, p.metrics, log)
	return withCORS(cfg.AllowedOrigins, api.Routes())
}

func withCORS(allowedOrigins []string, next http.Handler) http.Handler {
	originAllowed := func(origin string) bool {
		if len(allowedOrigins) == 0 || origin == "" {
			return false
		}
		for _, o := range allowedOrigins {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
