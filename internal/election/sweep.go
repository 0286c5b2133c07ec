package election

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"jukevox/internal/store"
)

// Sweeper is the reconciliation pass for the protocol's accepted
// weak-consistency window: two claimants racing the same expired lease
// can briefly both hold an active record. The sweep expires every
// active lease per venue except the one with the newest heartbeat, and
// deletes records expired for longer than the retention horizon.
type Sweeper struct {
	st        store.Store
	log       zerolog.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewSweeper builds a sweeper; interval defaults to one minute and
// retention (for hard-deleting long-dead leases) to one hour.
func NewSweeper(st store.Store, interval, retention time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Sweeper{
		st:        st,
		log:       log.With().Str("component", "lease-sweeper").Logger(),
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Run sweeps periodically until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass over all venues.
func (s *Sweeper) Sweep(ctx context.Context) {
	nowMS := s.now().UnixMilli()

	actives, err := s.st.List(ctx, Collection, store.Eq("status", LeaseActive))
	if err != nil {
		s.log.Warn().Err(err).Msg("sweep query failed")
		return
	}

	byVenue := make(map[string][]store.Document)
	for _, doc := range actives {
		venue, _ := doc["venueId"].(string)
		byVenue[venue] = append(byVenue[venue], doc)
	}

	for venue, leases := range byVenue {
		live := leases[:0]
		for _, doc := range leases {
			if numField(doc, "expiresAt") > float64(nowMS) {
				live = append(live, doc)
			}
		}
		if len(live) < 2 {
			continue
		}
		keeper := freshest(live)
		keeperID, _ := keeper["$id"].(string)
		for _, doc := range live {
			id, _ := doc["$id"].(string)
			if id == keeperID {
				continue
			}
			err := s.st.Update(ctx, Collection, id, store.Document{
				"status":    LeaseOffline,
				"expiresAt": nowMS,
			})
			if err != nil {
				s.log.Warn().Err(err).Str("lease", id).Msg("failed to demote duplicate lease")
				continue
			}
			s.log.Warn().Str("venue", venue).Str("lease", id).Str("kept", keeperID).
				Msg("demoted duplicate active lease")
		}
	}

	// Hard-delete records dead past the retention horizon.
	horizon := float64(nowMS - s.retention.Milliseconds())
	stale, err := s.st.List(ctx, Collection, store.LessThan("expiresAt", horizon))
	if err != nil {
		s.log.Warn().Err(err).Msg("retention query failed")
		return
	}
	for _, doc := range stale {
		id, _ := doc["$id"].(string)
		if err := s.st.Delete(ctx, Collection, id); err != nil {
			s.log.Warn().Err(err).Str("lease", id).Msg("retention delete failed")
		}
	}
}
