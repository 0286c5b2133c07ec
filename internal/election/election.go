// Package election implements the single-writer master-player protocol:
// lease-based leader election per venue with heartbeat renewal and
// stale-master takeover. The document store's last-writer-wins update
// is the arbiter of ties; there is no quorum logic.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jukevox/internal/store"
)

// Collection holds player leases, one document per (venue, device).
const Collection = "players"

// Lease status values.
const (
	LeaseActive  = "active"
	LeaseOffline = "offline"
)

// Claim outcome reasons.
const (
	ReasonRegistered   = "registered"
	ReasonReconnected  = "reconnected"
	ReasonMasterActive = "MASTER_ACTIVE"
	ReasonNetworkError = "NETWORK_ERROR"
)

// State of the local election machine.
type State string

const (
	StateUnregistered State = "UNREGISTERED"
	StateClaiming     State = "CLAIMING"
	StateMaster       State = "MASTER"
	StateReleased     State = "RELEASED"
	StateRejected     State = "REJECTED"
)

// Config tunes the protocol. The heartbeat interval is deliberately
// much shorter than the staleness threshold so a master survives
// several missed beats before anyone may steal its lease.
type Config struct {
	LeaseDuration     time.Duration
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
	RetryAttempts     int
	RetryBase         time.Duration
	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// MasterInfo identifies the device currently holding a venue's lease.
type MasterInfo struct {
	DeviceID      string `json:"deviceId"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// ClaimResult reports the outcome of a mastery claim.
type ClaimResult struct {
	Won           bool        `json:"won"`
	Reason        string      `json:"reason"`
	CurrentMaster *MasterInfo `json:"currentMaster,omitempty"`
}

// Elector runs the election machine for one (venue, device) pair.
// Heartbeats are serialized: Run never issues a second renewal while
// one is in flight. An Elector that has lost mastery is spent; build
// a new one to contend again.
type Elector struct {
	st        store.Store
	venueID   string
	deviceID  string
	userAgent string
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	lost     chan struct{}
	lostOnce sync.Once
}

// New builds an Elector in the UNREGISTERED state.
func New(st store.Store, venueID, deviceID, userAgent string, cfg Config, log zerolog.Logger) *Elector {
	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}
	return &Elector{
		st:        st,
		venueID:   venueID,
		deviceID:  deviceID,
		userAgent: userAgent,
		cfg:       cfg.withDefaults(),
		log: log.With().Str("component", "election").
			Str("venue", venueID).Str("device", deviceID).Logger(),
		now:   now,
		state: StateUnregistered,
		lost:  make(chan struct{}),
	}
}

// State returns the current machine state.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MasterLost is closed when mastery is lost after having been held:
// reclaimed lease, exhausted heartbeat retries, or explicit rejection.
// The playback layer must stop mutating the queue on receipt.
func (e *Elector) MasterLost() <-chan struct{} {
	return e.lost
}

func (e *Elector) leaseID() string {
	return e.venueID + ":" + e.deviceID
}

// Claim attempts to become the venue's master player. It purges expired
// leases opportunistically, then registers, reconnects, rejects, or
// takes over a stale lease per the protocol. A NETWORK_ERROR result
// means the caller must treat itself as non-master.
func (e *Elector) Claim(ctx context.Context) (ClaimResult, error) {
	e.setState(StateClaiming)
	nowMS := e.now().UnixMilli()

	e.purgeExpired(ctx, nowMS)

	var actives []store.Document
	err := e.withRetry(ctx, func() error {
		var lerr error
		actives, lerr = e.st.List(ctx, Collection,
			store.Eq("venueId", e.venueID),
			store.Eq("status", LeaseActive),
		)
		return lerr
	})
	if err != nil {
		e.setState(StateUnregistered)
		return ClaimResult{Won: false, Reason: ReasonNetworkError}, fmt.Errorf("query leases: %w", err)
	}

	current := freshest(actives)
	if current == nil {
		return e.register(ctx, nowMS)
	}

	holder, _ := current["deviceId"].(string)
	lastBeat := int64(numField(current, "lastHeartbeat"))

	if holder == e.deviceID {
		// Reconnection: renew our own lease in place.
		if err := e.renew(ctx); err != nil {
			e.setState(StateUnregistered)
			return ClaimResult{Won: false, Reason: ReasonNetworkError}, err
		}
		e.setState(StateMaster)
		return ClaimResult{Won: true, Reason: ReasonReconnected}, nil
	}

	if nowMS-lastBeat < e.cfg.StaleThreshold.Milliseconds() {
		// The holder is still alive; we must not play.
		e.setState(StateRejected)
		return ClaimResult{
			Won:           false,
			Reason:        ReasonMasterActive,
			CurrentMaster: &MasterInfo{DeviceID: holder, LastHeartbeat: lastBeat},
		}, nil
	}

	// Stale holder: expire it immediately, then claim fresh.
	id, _ := current["$id"].(string)
	err = e.withRetry(ctx, func() error {
		return e.st.Update(ctx, Collection, id, store.Document{
			"status":    LeaseOffline,
			"expiresAt": nowMS,
		})
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.setState(StateUnregistered)
		return ClaimResult{Won: false, Reason: ReasonNetworkError}, fmt.Errorf("expire stale lease: %w", err)
	}
	e.log.Info().Str("staleDevice", holder).Int64("lastHeartbeat", lastBeat).
		Msg("took over stale lease")

	return e.register(ctx, nowMS)
}

// register writes a fresh active lease for this device.
func (e *Elector) register(ctx context.Context, nowMS int64) (ClaimResult, error) {
	doc := store.Document{
		"venueId":       e.venueID,
		"deviceId":      e.deviceID,
		"userAgent":     e.userAgent,
		"status":        LeaseActive,
		"lastHeartbeat": nowMS,
		"expiresAt":     nowMS + e.cfg.LeaseDuration.Milliseconds(),
		"createdAt":     nowMS,
	}

	err := e.withRetry(ctx, func() error {
		cerr := e.st.Create(ctx, Collection, e.leaseID(), doc)
		if errors.Is(cerr, store.ErrExists) {
			// Our own earlier lease document (likely offline); rewrite it.
			return e.st.Update(ctx, Collection, e.leaseID(), doc)
		}
		return cerr
	})
	if err != nil {
		e.setState(StateUnregistered)
		return ClaimResult{Won: false, Reason: ReasonNetworkError}, fmt.Errorf("register lease: %w", err)
	}

	e.setState(StateMaster)
	e.log.Info().Msg("registered as master")
	return ClaimResult{Won: true, Reason: ReasonRegistered}, nil
}

// Run drives the heartbeat loop until ctx is cancelled or mastery is
// lost. Call only after a winning Claim.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.lost:
			return
		case <-ticker.C:
			if !e.beat(ctx) {
				return
			}
		}
	}
}

// beat performs one serialized heartbeat. It returns false once the
// elector is no longer master.
func (e *Elector) beat(ctx context.Context) bool {
	if e.State() != StateMaster {
		return false
	}

	var doc store.Document
	err := e.withRetry(ctx, func() error {
		var gerr error
		doc, gerr = e.st.Get(ctx, Collection, e.leaseID())
		return gerr
	})
	if errors.Is(err, store.ErrNotFound) {
		e.reject("lease document gone, another device claimed mastery")
		return false
	}
	if err != nil {
		// Exhausted retries: prefer silently stopping over a zombie
		// master double-playing.
		e.reject("heartbeat retries exhausted")
		return false
	}

	if status, _ := doc["status"].(string); status != LeaseActive {
		e.reject("lease no longer active")
		return false
	}
	if holder, _ := doc["deviceId"].(string); holder != e.deviceID {
		e.reject("lease reassigned to " + fmt.Sprint(doc["deviceId"]))
		return false
	}

	if err := e.renew(ctx); err != nil {
		e.reject("lease renewal failed")
		return false
	}
	return true
}

func (e *Elector) renew(ctx context.Context) error {
	nowMS := e.now().UnixMilli()
	err := e.withRetry(ctx, func() error {
		return e.st.Update(ctx, Collection, e.leaseID(), store.Document{
			"lastHeartbeat": nowMS,
			"expiresAt":     nowMS + e.cfg.LeaseDuration.Milliseconds(),
		})
	})
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

// Release relinquishes mastery on graceful shutdown. Best-effort: if
// the write fails, staleness detection recovers within the threshold.
func (e *Elector) Release(ctx context.Context) error {
	e.setState(StateReleased)
	nowMS := e.now().UnixMilli()
	err := e.st.Update(ctx, Collection, e.leaseID(), store.Document{
		"status":    LeaseOffline,
		"expiresAt": nowMS,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Warn().Err(err).Msg("release failed, staleness will recover")
		return fmt.Errorf("release lease: %w", err)
	}
	e.log.Info().Msg("released mastery")
	return nil
}

func (e *Elector) reject(why string) {
	e.setState(StateRejected)
	e.lostOnce.Do(func() { close(e.lost) })
	e.log.Warn().Str("cause", why).Msg("lost mastery")
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// purgeExpired deletes leases for this venue whose expiry has passed.
// Best-effort cleanup; failures are logged, never fatal to the claim.
func (e *Elector) purgeExpired(ctx context.Context, nowMS int64) {
	expired, err := e.st.List(ctx, Collection,
		store.Eq("venueId", e.venueID),
		store.LessThan("expiresAt", float64(nowMS)),
	)
	if err != nil {
		e.log.Warn().Err(err).Msg("expired-lease purge query failed")
		return
	}
	for _, doc := range expired {
		id, _ := doc["$id"].(string)
		if err := e.st.Delete(ctx, Collection, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Warn().Err(err).Str("lease", id).Msg("expired-lease purge failed")
		}
	}
}

// withRetry runs fn with bounded exponential backoff. Not-found and
// already-exists are protocol signals, not transport failures, and pass
// straight through.
func (e *Elector) withRetry(ctx context.Context, fn func() error) error {
	backoff := e.cfg.RetryBase
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil ||
			errors.Is(lastErr, store.ErrNotFound) ||
			errors.Is(lastErr, store.ErrExists) {
			return lastErr
		}
		if attempt == e.cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// freshest picks the lease with the newest heartbeat; nil when the
// slice is empty.
func freshest(leases []store.Document) store.Document {
	var best store.Document
	var bestBeat float64 = -1
	for _, doc := range leases {
		if beat := numField(doc, "lastHeartbeat"); beat > bestBeat {
			best = doc
			bestBeat = beat
		}
	}
	return best
}

func numField(doc store.Document, field string) float64 {
	if f, ok := doc[field].(float64); ok {
		return f
	}
	return 0
}
