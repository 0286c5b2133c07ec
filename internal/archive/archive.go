// Package archive keeps the relational audit trail of paid song
// requests, separate from the live queue. It feeds the rate limiter
// (per-artist counts over a trailing window) and retains records for
// analytics until the retention sweep purges them.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound signals no audit record matched.
var ErrNotFound = errors.New("song request not found")

// Request statuses.
const (
	StatusQueued    = "queued"
	StatusPlaying   = "playing"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// DefaultRetention is how long completed history is kept before the
// purge sweep removes it.
const DefaultRetention = 90 * 24 * time.Hour

// Request is one audited paid request. A request maps onto its live
// QueueEntry by the (videoId, requesterId, paymentId) tuple; no single
// canonical ID threads through both.
type Request struct {
	ID          string     `json:"id"`
	VenueID     string     `json:"venueId"`
	VideoID     string     `json:"videoId"`
	Title       string     `json:"title"`
	Artist      string     `json:"artist"`
	Duration    int        `json:"duration"`
	RequesterID string     `json:"requesterId"`
	PaymentID   string     `json:"paymentId"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"timestamp"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// Store provides persistence backed by Postgres.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New sets up a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS song_requests (
	id           TEXT PRIMARY KEY,
	venue_id     TEXT NOT NULL,
	video_id     TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	artist       TEXT NOT NULL DEFAULT '',
	duration     INTEGER NOT NULL DEFAULT 0,
	requester_id TEXT NOT NULL DEFAULT '',
	payment_id   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'queued',
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS song_requests_venue_artist_idx
	ON song_requests (venue_id, artist, created_at);
CREATE INDEX IF NOT EXISTS song_requests_created_idx
	ON song_requests (created_at);
`

// EnsureSchema applies the table definition. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply archive schema: %w", err)
	}
	return nil
}

// Create records a newly admitted request, assigning its ID and
// timestamp.
func (s *Store) Create(ctx context.Context, req Request) (Request, error) {
	req.ID = uuid.NewString()
	req.Status = StatusQueued
	req.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO song_requests (id, venue_id, video_id, title, artist, duration, requester_id, payment_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, req.ID, req.VenueID, req.VideoID, req.Title, req.Artist, req.Duration,
		req.RequesterID, req.PaymentID, req.Status, req.CreatedAt)
	if err != nil {
		return Request{}, fmt.Errorf("insert song request: %w", err)
	}
	return req, nil
}

// CountByArtistSince counts a venue's requests for one artist newer
// than since, regardless of status; cancelled requests still consume
// rate-limit budget, preventing request-and-cancel abuse.
func (s *Store) CountByArtistSince(ctx context.Context, venueID, artist string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM song_requests
		WHERE venue_id = $1 AND artist = $2 AND created_at > $3
	`, venueID, artist, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count requests by artist: %w", err)
	}
	return count, nil
}

// MarkPlaying transitions the newest queued request matching the live
// entry's identity tuple.
func (s *Store) MarkPlaying(ctx context.Context, venueID, videoID, requesterID, paymentID string) error {
	return s.transition(ctx, venueID, videoID, requesterID, paymentID,
		StatusQueued, StatusPlaying, "")
}

// MarkCompleted closes out the playing request for the tuple.
func (s *Store) MarkCompleted(ctx context.Context, venueID, videoID, requesterID, paymentID string) error {
	return s.transition(ctx, venueID, videoID, requesterID, paymentID,
		StatusPlaying, StatusCompleted, "completed_at")
}

// MarkCancelled cancels a still-queued request for the tuple.
func (s *Store) MarkCancelled(ctx context.Context, venueID, videoID, requesterID, paymentID string) error {
	return s.transition(ctx, venueID, videoID, requesterID, paymentID,
		StatusQueued, StatusCancelled, "cancelled_at")
}

func (s *Store) transition(ctx context.Context, venueID, videoID, requesterID, paymentID, from, to, stampCol string) error {
	stamp := ""
	args := []any{to, venueID, videoID, requesterID, paymentID, from}
	if stampCol != "" {
		stamp = fmt.Sprintf(", %s = $7", stampCol)
		args = append(args, s.now().UTC())
	}

	query := fmt.Sprintf(`
		UPDATE song_requests
		SET status = $1%s
		WHERE id = (
			SELECT id FROM song_requests
			WHERE venue_id = $2 AND video_id = $3 AND requester_id = $4 AND payment_id = $5 AND status = $6
			ORDER BY created_at DESC
			LIMIT 1
		)
	`, stamp)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition song request to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition song request to %s: %w", to, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByVenue returns a venue's newest audit records.
func (s *Store) ListByVenue(ctx context.Context, venueID string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, venue_id, video_id, title, artist, duration, requester_id, payment_id, status, created_at, completed_at, cancelled_at
		FROM song_requests
		WHERE venue_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, venueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list song requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.VenueID, &r.VideoID, &r.Title, &r.Artist, &r.Duration,
			&r.RequesterID, &r.PaymentID, &r.Status, &r.CreatedAt, &r.CompletedAt, &r.CancelledAt); err != nil {
			return nil, fmt.Errorf("scan song request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list song requests: %w", err)
	}
	return out, nil
}

// PurgeOlderThan deletes records created before cutoff and reports how
// many went.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM song_requests WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge song requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge song requests: %w", err)
	}
	return n, nil
}

// RunRetention purges expired history once a day until ctx is
// cancelled.
func (s *Store) RunRetention(ctx context.Context, retention time.Duration, log zerolog.Logger) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	log = log.With().Str("component", "archive-retention").Logger()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeOlderThan(ctx, s.now().Add(-retention))
			if err != nil {
				log.Warn().Err(err).Msg("retention purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("retention purge complete")
			}
		}
	}
}
