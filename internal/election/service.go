package election

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"jukevox/internal/store"
)

// Service exposes the election protocol as stateless per-request
// operations for remote player devices. The device, not the server,
// owns the heartbeat cadence; each call here is one protocol step
// against the lease store.
type Service struct {
	st  store.Store
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

// NewService wires the remote-player election surface.
func NewService(st store.Store, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		st:  st,
		cfg: cfg.withDefaults(),
		log: log,
		now: time.Now,
	}
}

// Claim runs a full mastery claim for the device.
func (s *Service) Claim(ctx context.Context, venueID, deviceID, userAgent string) (ClaimResult, error) {
	cfg := s.cfg
	cfg.Clock = s.now
	return New(s.st, venueID, deviceID, userAgent, cfg, s.log).Claim(ctx)
}

// Heartbeat renews the device's lease. It returns false, with no
// error, when the device no longer holds mastery and must stop playing.
func (s *Service) Heartbeat(ctx context.Context, venueID, deviceID string) (bool, error) {
	id := venueID + ":" + deviceID
	doc, err := s.st.Get(ctx, Collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat lookup: %w", err)
	}
	if status, _ := doc["status"].(string); status != LeaseActive {
		return false, nil
	}
	if holder, _ := doc["deviceId"].(string); holder != deviceID {
		return false, nil
	}

	nowMS := s.now().UnixMilli()
	err = s.st.Update(ctx, Collection, id, store.Document{
		"lastHeartbeat": nowMS,
		"expiresAt":     nowMS + s.cfg.LeaseDuration.Milliseconds(),
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat renew: %w", err)
	}
	return true, nil
}

// Release relinquishes the device's lease on graceful shutdown.
func (s *Service) Release(ctx context.Context, venueID, deviceID string) error {
	cfg := s.cfg
	cfg.Clock = s.now
	return New(s.st, venueID, deviceID, "", cfg, s.log).Release(ctx)
}

// Status reports the venue's current mastery for observers.
func (s *Service) Status(ctx context.Context, venueID string) (VenueStatus, error) {
	return QueryStatus(ctx, s.st, venueID, s.now())
}
