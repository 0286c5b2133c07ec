// Package httpapi exposes the platform over HTTP: venue registration
// and login, the remote-player election endpoints, queue management,
// kiosk request intake, admin commands, and the websocket feed.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"jukevox/internal/archive"
	"jukevox/internal/auth"
	"jukevox/internal/election"
	"jukevox/internal/intake"
	"jukevox/internal/metrics"
	"jukevox/internal/queue"
	"jukevox/internal/realtime"
)

// PlayerService captures the election operations the player endpoints need.
type PlayerService interface {
	Claim(ctx context.Context, venueID, deviceID, userAgent string) (election.ClaimResult, error)
	Heartbeat(ctx context.Context, venueID, deviceID string) (bool, error)
	Release(ctx context.Context, venueID, deviceID string) error
	Status(ctx context.Context, venueID string) (election.VenueStatus, error)
}

// QueueService coordinates queue reads and admin edits.
type QueueService interface {
	Load(ctx context.Context, venueID string) (*queue.VenueQueue, error)
	EnqueueMain(ctx context.Context, venueID string, e queue.Entry) (int, error)
	RemoveAt(ctx context.Context, venueID string, sub queue.Sub, index int) (queue.Entry, error)
	Clear(ctx context.Context, venueID string, sub queue.Sub) error
	Reorder(ctx context.Context, venueID string, sub queue.Sub, newOrder []queue.Entry) error
}

// RequestService admits paid song requests.
type RequestService interface {
	Admit(ctx context.Context, venueID string, track queue.Track, paymentID, requesterID string) (intake.Result, error)
}

// HistoryService reads the request audit trail.
type HistoryService interface {
	ListByVenue(ctx context.Context, venueID string, limit int) ([]archive.Request, error)
}

// CommandService relays admin commands to the master player.
type CommandService interface {
	Issue(ctx context.Context, venueID, name string, payload json.RawMessage, issuedBy string) (realtime.Command, error)
}

// AuthService manages the venue registry and bearer credentials.
type AuthService interface {
	Register(ctx context.Context, name, adminSecret string) (auth.Venue, error)
	Login(ctx context.Context, venueID, adminSecret string) (string, error)
	Verify(token string) (string, error)
	Get(ctx context.Context, id string) (auth.Venue, error)
}

// Server wires HTTP handlers to the underlying services.
type Server struct {
	players  PlayerService
	queues   QueueService
	requests RequestService
	history  HistoryService
	commands CommandService
	venues   AuthService
	hub      *realtime.Hub
	mets     *metrics.Metrics
	log      zerolog.Logger
}

// New configures a Server with the given service implementations. hub
// and mets may be nil in reduced deployments.
func New(
	players PlayerService,
	queues QueueService,
	requests RequestService,
	history HistoryService,
	commands CommandService,
	venues AuthService,
	hub *realtime.Hub,
	mets *metrics.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		players:  players,
		queues:   queues,
		requests: requests,
		history:  history,
		commands: commands,
		venues:   venues,
		hub:      hub,
		mets:     mets,
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.mets != nil {
		r.Method(http.MethodGet, "/metrics", s.mets.Handler())
	}

	r.Route("/api/venues", func(r chi.Router) {
		r.Post("/", s.handleRegisterVenue)

		r.Route("/{venueID}", func(r chi.Router) {
			r.Post("/login", s.handleLogin)

			// Player device protocol.
			r.Get("/player", s.handlePlayerStatus)
			r.Post("/player/claim", s.handleClaim)
			r.Post("/player/heartbeat", s.handleHeartbeat)
			r.Post("/player/release", s.handleRelease)

			// Kiosk surface: read the queue, submit paid requests.
			r.Get("/queue", s.handleGetQueue)
			r.Post("/requests", s.handleSubmitRequest)

			// Admin surface, venue-scoped bearer token required.
			r.Group(func(r chi.Router) {
				r.Use(s.requireVenueAdmin)
				r.Post("/queue/main", s.handleEnqueueMain)
				r.Delete("/queue/{sub}/{index}", s.handleRemoveEntry)
				r.Post("/queue/{sub}/reorder", s.handleReorder)
				r.Post("/queue/clear", s.handleClearQueue)
				r.Get("/requests", s.handleListRequests)
				r.Post("/commands", s.handleIssueCommand)
			})
		})
	})

	r.Get("/ws/venues/{venueID}", s.handleWS)

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

// requireVenueAdmin authenticates the bearer token and pins it to the
// venue in the path. A token for venue A opens nothing at venue B.
func (s *Server) requireVenueAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		venueID, err := s.venues.Verify(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		if venueID != chi.URLParam(r, "venueID") {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "token is for a different venue"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
