// Package intake validates and admits paid song requests into a
// venue's priority queue, enforcing duration and per-artist fairness
// limits. Payment is captured by an external collaborator before Admit
// is called.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"jukevox/internal/archive"
	"jukevox/internal/queue"
)

// Rejection reasons. These reach patrons, so they stay distinct.
const (
	ReasonTooLong     = "TRACK_TOO_LONG"
	ReasonRateLimited = "RATE_LIMITED"
)

// Config tunes admission policy.
type Config struct {
	MaxDurationSeconds int           // reject longer tracks
	RateWindow         time.Duration // trailing window for the artist limit
	MaxPerArtist       int           // admitted requests per artist per window
	AvgTrackSeconds    int           // wait estimation constant
}

func (c Config) withDefaults() Config {
	if c.MaxDurationSeconds <= 0 {
		c.MaxDurationSeconds = 300
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 30 * time.Minute
	}
	if c.MaxPerArtist <= 0 {
		c.MaxPerArtist = 3
	}
	if c.AvgTrackSeconds <= 0 {
		c.AvgTrackSeconds = 210
	}
	return c
}

// Queue captures the enqueue operation intake needs.
type Queue interface {
	EnqueuePriority(ctx context.Context, venueID string, e queue.Entry) (int, error)
}

// Auditor captures the archive operations intake needs.
type Auditor interface {
	Create(ctx context.Context, req archive.Request) (archive.Request, error)
	CountByArtistSince(ctx context.Context, venueID, artist string, since time.Time) (int, error)
}

// Result reports an admission decision.
type Result struct {
	Accepted             bool   `json:"accepted"`
	Reason               string `json:"reason,omitempty"`
	Position             int    `json:"position,omitempty"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds,omitempty"`
	RequestID            string `json:"requestId,omitempty"`
}

// Service coordinates admission.
type Service struct {
	queues Queue
	audit  Auditor
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// New constructs a Service.
func New(queues Queue, audit Auditor, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		queues: queues,
		audit:  audit,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "intake").Logger(),
		now:    time.Now,
	}
}

// Admit validates a paid request and, if admitted, appends it to the
// venue's priority queue and records the audit row. The rate-limit
// check and the append are separate store calls; the race window
// between them is an accepted consequence of the store's consistency
// model.
func (s *Service) Admit(ctx context.Context, venueID string, track queue.Track, paymentID, requesterID string) (Result, error) {
	if track.Duration > s.cfg.MaxDurationSeconds {
		return Result{Accepted: false, Reason: ReasonTooLong}, nil
	}

	since := s.now().Add(-s.cfg.RateWindow)
	count, err := s.audit.CountByArtistSince(ctx, venueID, track.Artist, since)
	if err != nil {
		return Result{}, fmt.Errorf("rate-limit lookup: %w", err)
	}
	if count >= s.cfg.MaxPerArtist {
		return Result{Accepted: false, Reason: ReasonRateLimited}, nil
	}

	entry := queue.Entry{
		Track:       track,
		RequestedBy: requesterID,
		RequestedAt: s.now().UnixMilli(),
		IsPaid:      true,
		PaymentID:   paymentID,
	}
	pos, err := s.queues.EnqueuePriority(ctx, venueID, entry)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue request: %w", err)
	}

	rec, err := s.audit.Create(ctx, archive.Request{
		VenueID:     venueID,
		VideoID:     track.VideoID,
		Title:       track.Title,
		Artist:      track.Artist,
		Duration:    track.Duration,
		RequesterID: requesterID,
		PaymentID:   paymentID,
	})
	if err != nil {
		// The entry is already live; losing only the audit row is
		// recoverable, refusing the patron after payment is not.
		// TODO: compensating refund flow for post-acceptance failures.
		s.log.Error().Err(err).Str("venue", venueID).Str("payment", paymentID).
			Msg("request admitted but audit record failed")
	}

	return Result{
		Accepted:             true,
		Position:             pos,
		EstimatedWaitSeconds: pos * s.cfg.AvgTrackSeconds,
		RequestID:            rec.ID,
	}, nil
}
