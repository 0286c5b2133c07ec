package election

import (
	"context"
	"fmt"
	"time"

	"jukevox/internal/store"
)

// VenueStatus is the observer view of a venue's mastery, used by kiosk
// and admin clients to display connectivity.
type VenueStatus struct {
	HasMaster     bool   `json:"hasMaster"`
	DeviceID      string `json:"deviceId,omitempty"`
	LastHeartbeat int64  `json:"lastHeartbeat,omitempty"`
}

// QueryStatus reports whether a venue currently has a live master:
// an active lease whose expiry is still in the future. Stale
// active-but-expired records read as absent.
func QueryStatus(ctx context.Context, st store.Store, venueID string, now time.Time) (VenueStatus, error) {
	leases, err := st.List(ctx, Collection,
		store.Eq("venueId", venueID),
		store.Eq("status", LeaseActive),
		store.GreaterThan("expiresAt", float64(now.UnixMilli())),
	)
	if err != nil {
		return VenueStatus{}, fmt.Errorf("query venue status: %w", err)
	}

	current := freshest(leases)
	if current == nil {
		return VenueStatus{}, nil
	}
	deviceID, _ := current["deviceId"].(string)
	return VenueStatus{
		HasMaster:     true,
		DeviceID:      deviceID,
		LastHeartbeat: int64(numField(current, "lastHeartbeat")),
	}, nil
}
